package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling of values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// AnchoringConfig is the replicated, versioned configuration for the
// anchoring service. It is the Go-side counterpart of spec §3's
// AnchoringConfig entity: every validator must agree on its contents at
// a given config height, since the multisig redeem script and address
// are derived deterministically from it.
type AnchoringConfig struct {
	// Network selects the Bitcoin network: "mainnet", "testnet3", or "regtest".
	Network string `yaml:"network"`

	// ValidatorKeys holds each validator's Bitcoin public key, hex-encoded
	// compressed secp256k1, in validator_id order (index i is validator i's key).
	ValidatorKeys []string `yaml:"validator_keys"`

	// FeeSatoshis is the flat fee, in satoshi, subtracted from each
	// anchoring transaction's output 0.
	FeeSatoshis int64 `yaml:"fee_satoshis"`

	// FundingTxHex is the raw funding transaction, hex-encoded, whose
	// output 0 pays the multisig address and seeds every validator's LECT.
	FundingTxHex string `yaml:"funding_tx_hex"`

	// UTXOConfirmations is the minimum confirmation count required before
	// the funding tx (or a top-up) may be spent.
	UTXOConfirmations uint32 `yaml:"utxo_confirmations"`

	// AnchoringFrequency is the number of blocks between anchoring heights.
	AnchoringFrequency uint64 `yaml:"anchoring_frequency"`

	// FollowingConfig, when non-nil, is the next AnchoringConfig to take
	// effect after a validator-set rotation. During the overlap window
	// both configs' multisig addresses are accepted (see DESIGN.md,
	// resolution of the address-rotation Open Question).
	FollowingConfig *AnchoringConfig `yaml:"following,omitempty"`

	pubkeys   []*btcec.PublicKey
	netParams *chaincfg.Params
	redeemScr []byte
	multisig  btcutil.Address
}

// AnchoringNodeConfig is the local, non-replicated configuration for one
// node: its own signing keys and RPC polling cadence.
type AnchoringNodeConfig struct {
	// CheckLectFrequency rate-limits step 1 of HandleCommit (§4.4): the
	// node only refreshes its LECT from Bitcoin every N committed blocks.
	CheckLectFrequency uint64 `yaml:"check_lect_frequency"`

	// RPCTimeout is the deadline for the Bitcoin RPC calls HandleCommit
	// makes while handling one committed block. cmd/anchoringd also uses
	// it as the interval of the background RPC health check, whose calls
	// carry no deadline.
	RPCTimeout Duration `yaml:"rpc_timeout"`

	BitcoinRPC BitcoinRPCEndpoint `yaml:"bitcoin_rpc"`

	// PrivateKeys maps a base58 multisig address to this node's WIF-encoded
	// Bitcoin private key for that address, per spec §6's "map from
	// multisig address -> this node's Bitcoin private key".
	PrivateKeys map[string]string `yaml:"private_keys"`

	// ValidatorID is this node's index into AnchoringConfig.ValidatorKeys.
	ValidatorID uint32 `yaml:"validator_id"`

	// AuthorPubkeyHex is this node's consensus-layer public key
	// (hex-encoded, 32 bytes), stamped onto every Signature/UpdateLatest
	// message this node authors. The consensus signature itself is the
	// host BFT engine's concern (see txtypes.ConsensusVerifier); this
	// core only needs the key value to populate the message field.
	AuthorPubkeyHex string `yaml:"author_pubkey"`
}

// AuthorPubkey decodes AuthorPubkeyHex into its fixed-size wire form.
func (n *AnchoringNodeConfig) AuthorPubkey() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(n.AuthorPubkeyHex)
	if err != nil {
		return out, fmt.Errorf("invalid author_pubkey hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("author_pubkey must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// BitcoinRPCEndpoint configures the connection to the Bitcoin full node
// used as the RPC collaborator (pkg/rpc.BTCDClient).
type BitcoinRPCEndpoint struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Pass       string `yaml:"pass"`
	DisableTLS bool   `yaml:"disable_tls"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} with
// environment variable values.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// anchoringDoc is the on-disk YAML document: both the replicated config
// and this node's local config live in one operator-facing file, though
// only AnchoringConfig is ever exchanged through consensus.
type anchoringDoc struct {
	Anchoring AnchoringConfig     `yaml:"anchoring"`
	Node      AnchoringNodeConfig `yaml:"node"`
}

// LoadAnchoringDoc loads and validates both configs from a single YAML file.
func LoadAnchoringDoc(path string) (*AnchoringConfig, *AnchoringNodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read anchoring config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var doc anchoringDoc
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse anchoring config %s: %w", path, err)
	}

	doc.Anchoring.applyDefaults()
	if err := doc.Anchoring.derive(); err != nil {
		return nil, nil, fmt.Errorf("failed to derive multisig parameters: %w", err)
	}
	if err := doc.Anchoring.Validate(); err != nil {
		return nil, nil, err
	}
	if doc.Node.RPCTimeout == 0 {
		doc.Node.RPCTimeout = Duration(10 * time.Second)
	}
	if doc.Node.CheckLectFrequency == 0 {
		doc.Node.CheckLectFrequency = 1
	}

	return &doc.Anchoring, &doc.Node, nil
}

func (c *AnchoringConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = "testnet3"
	}
	if c.UTXOConfirmations == 0 {
		c.UTXOConfirmations = 1
	}
	if c.AnchoringFrequency == 0 {
		c.AnchoringFrequency = 1000
	}
	if c.FollowingConfig != nil {
		c.FollowingConfig.applyDefaults()
	}
}

// NumValidators returns N, the number of validators in the anchoring set.
func (c *AnchoringConfig) NumValidators() int {
	return len(c.ValidatorKeys)
}

// Threshold returns floor(2*N/3) + 1, the minimum number of signatures or
// matching LECTs required to act.
func (c *AnchoringConfig) Threshold() int {
	n := c.NumValidators()
	return (2*n)/3 + 1
}

// derive parses validator public keys and computes the deterministic
// P2SH multisig redeem script and address for this config.
func (c *AnchoringConfig) derive() error {
	params, err := netParamsFor(c.Network)
	if err != nil {
		return err
	}
	c.netParams = params

	pubkeys := make([]*btcec.PublicKey, 0, len(c.ValidatorKeys))
	for i, hexKey := range c.ValidatorKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("validator %d: invalid public key hex: %w", i, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("validator %d: invalid public key: %w", i, err)
		}
		pubkeys = append(pubkeys, pub)
	}
	c.pubkeys = pubkeys

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, len(pubkeys))
	for _, pub := range pubkeys {
		addrPub, err := btcutil.NewAddressPubKey(pub.SerializeCompressed(), params)
		if err != nil {
			return fmt.Errorf("failed to build address pubkey: %w", err)
		}
		addrPubKeys = append(addrPubKeys, addrPub)
	}

	redeem, err := txscript.MultiSigScript(addrPubKeys, c.Threshold())
	if err != nil {
		return fmt.Errorf("failed to build redeem script: %w", err)
	}
	c.redeemScr = redeem

	addr, err := btcutil.NewAddressScriptHash(redeem, params)
	if err != nil {
		return fmt.Errorf("failed to derive multisig address: %w", err)
	}
	c.multisig = addr

	if c.FollowingConfig != nil {
		if err := c.FollowingConfig.derive(); err != nil {
			return fmt.Errorf("following config: %w", err)
		}
	}

	return nil
}

// DeriveForTesting runs the same redeem-script/address derivation
// LoadAnchoringDoc performs, for tests that build an AnchoringConfig
// in memory rather than loading it from YAML.
func (c *AnchoringConfig) DeriveForTesting() error {
	return c.derive()
}

// ValidatorPubKeys returns the parsed validator public keys, in
// validator_id order. derive() must have succeeded first.
func (c *AnchoringConfig) ValidatorPubKeys() []*btcec.PublicKey {
	return c.pubkeys
}

// RedeemScript returns the deterministic P2SH multisig redeem script.
func (c *AnchoringConfig) RedeemScript() []byte {
	return c.redeemScr
}

// MultisigAddress returns the deterministic P2SH multisig address.
func (c *AnchoringConfig) MultisigAddress() btcutil.Address {
	return c.multisig
}

// NetParams returns the chain parameters selected by Network.
func (c *AnchoringConfig) NetParams() *chaincfg.Params {
	return c.netParams
}

// Validate checks the config for internal consistency.
func (c *AnchoringConfig) Validate() error {
	if c.NumValidators() == 0 {
		return fmt.Errorf("anchoring config: at least one validator key is required")
	}
	if c.FeeSatoshis < 0 {
		return fmt.Errorf("anchoring config: fee_satoshis must not be negative")
	}
	if c.FundingTxHex == "" {
		return fmt.Errorf("anchoring config: funding_tx_hex is required")
	}
	if c.AnchoringFrequency == 0 {
		return fmt.Errorf("anchoring config: anchoring_frequency must be positive")
	}
	if c.multisig == nil {
		return fmt.Errorf("anchoring config: multisig address not derived (call derive first)")
	}
	return nil
}

func netParamsFor(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}
