// Package bitcoin wraps the raw btcsuite primitives used by the anchoring
// core: the P2SH multisig redeem script/address the service already
// derives from config, and the two transaction shapes it produces
// (FundingTx, AnchoringTx). It intentionally stops short of a general
// wallet: UTXO selection, fee bumping, and RBF are out of scope per
// spec.md's Non-goals.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PayloadLen is the exact length, in bytes, of an anchoring payload:
// an 8-byte little-endian height followed by a 32-byte block hash.
const PayloadLen = 8 + chainhash.HashSize

// Payload is the data-carrying content of an AnchoringTx's OP_RETURN
// output, per spec §3/§6: (height: u64, block_hash: 32 bytes).
type Payload struct {
	Height    uint64
	BlockHash [32]byte
}

// Encode serializes the payload to its exact 40-byte wire form.
func (p Payload) Encode() []byte {
	buf := make([]byte, PayloadLen)
	binary.LittleEndian.PutUint64(buf[:8], p.Height)
	copy(buf[8:], p.BlockHash[:])
	return buf
}

// DecodePayload parses a payload from raw OP_RETURN data. It returns an
// error if the data is not exactly PayloadLen bytes.
func DecodePayload(data []byte) (Payload, error) {
	if len(data) != PayloadLen {
		return Payload{}, fmt.Errorf("anchoring payload must be %d bytes, got %d", PayloadLen, len(data))
	}
	var p Payload
	p.Height = binary.LittleEndian.Uint64(data[:8])
	copy(p.BlockHash[:], data[8:])
	return p, nil
}

// AnchoringTx is a parsed view over a raw Bitcoin transaction that is
// expected to have the shape described in spec §3: one or two P2SH
// multisig inputs (plain input, or input + funding top-up), output 0
// paying the current/next multisig address, and a data-carrying output
// holding an anchoring Payload.
type AnchoringTx struct {
	MsgTx *wire.MsgTx
}

// ParseAnchoringTx deserializes raw transaction bytes and validates the
// minimal shape invariants from spec §3: at least one input, an
// output 0, and a well-formed payload somewhere in the outputs.
func ParseAnchoringTx(raw []byte) (*AnchoringTx, error) {
	at, err := ParseRawTx(raw)
	if err != nil {
		return nil, err
	}
	if len(at.MsgTx.TxOut) < 2 {
		return nil, fmt.Errorf("anchoring tx must have an output 0 and a payload output")
	}
	if _, err := at.Payload(); err != nil {
		return nil, err
	}
	return at, nil
}

// ParseRawTx deserializes raw transaction bytes without requiring an
// anchoring payload, for walking chain ancestry back to the funding
// tx, which has no payload output.
func ParseRawTx(raw []byte) (*AnchoringTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize bitcoin tx: %w", err)
	}
	if len(tx.TxIn) == 0 {
		return nil, fmt.Errorf("bitcoin tx has no inputs")
	}
	return &AnchoringTx{MsgTx: tx}, nil
}

// TxID returns the transaction's double-SHA256 id.
func (a *AnchoringTx) TxID() chainhash.Hash {
	return a.MsgTx.TxHash()
}

// Serialize returns the raw wire encoding of the transaction.
func (a *AnchoringTx) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.MsgTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize anchoring tx: %w", err)
	}
	return buf.Bytes(), nil
}

// Payload locates and decodes the anchoring payload from the
// transaction's OP_RETURN output. It is an error for the payload to be
// missing or malformed.
func (a *AnchoringTx) Payload() (Payload, error) {
	for _, out := range a.MsgTx.TxOut {
		data, ok := extractNullData(out.PkScript)
		if !ok {
			continue
		}
		return DecodePayload(data)
	}
	return Payload{}, fmt.Errorf("anchoring tx has no OP_RETURN payload output")
}

// Output0Address returns the address paid by output 0, which spec §3
// requires to be a member of known_addresses.
func (a *AnchoringTx) Output0Address(params *chaincfg.Params) (btcutil.Address, error) {
	if len(a.MsgTx.TxOut) == 0 {
		return nil, fmt.Errorf("anchoring tx has no outputs")
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(a.MsgTx.TxOut[0].PkScript, params)
	if err != nil {
		return nil, fmt.Errorf("failed to extract output 0 address: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("output 0 pays no recognizable address")
	}
	return addrs[0], nil
}

func extractNullData(pkScript []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	data := tokenizer.Data()
	if data == nil {
		return nil, false
	}
	return data, true
}

// PayloadScript builds the OP_RETURN output script carrying an anchoring payload.
func PayloadScript(p Payload) ([]byte, error) {
	script, err := txscript.NullDataScript(p.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to build payload script: %w", err)
	}
	return script, nil
}

// BuildAnchoringTx assembles an unsigned anchoring transaction spending
// the given previous outputs (either the funding tx's output 0, the
// current tip's output 0, or both in the top-up path) and paying
// (sum(prevAmounts) - fee) to toAddr, with a second output carrying the
// anchoring payload.
func BuildAnchoringTx(prevOuts []wire.OutPoint, prevAmounts []int64, toAddr btcutil.Address, feeSatoshi int64, payload Payload) (*wire.MsgTx, error) {
	if len(prevOuts) == 0 {
		return nil, fmt.Errorf("anchoring tx requires at least one input")
	}
	if len(prevOuts) != len(prevAmounts) {
		return nil, fmt.Errorf("prevOuts and prevAmounts length mismatch")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, out := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&out, nil, nil))
	}
	for _, amt := range prevAmounts {
		total += amt
	}

	outAmount := total - feeSatoshi
	if outAmount <= 0 {
		return nil, fmt.Errorf("anchoring tx output would be non-positive after fee: total=%d fee=%d", total, feeSatoshi)
	}

	payScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output 0 script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(outAmount, payScript))

	payloadScript, err := PayloadScript(payload)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, payloadScript))

	return tx, nil
}

// SignInput produces a raw DER-encoded SIGHASH_ALL signature for the
// given input of a P2SH multisig transaction, the first step of
// populating that input's witness (spec §4.4 step 3).
func SignInput(tx *wire.MsgTx, inputIndex int, redeemScript []byte, priv *btcec.PrivateKey) ([]byte, error) {
	sig, err := txscript.RawTxInSignature(tx, inputIndex, redeemScript, txscript.SigHashAll, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input %d: %w", inputIndex, err)
	}
	return sig, nil
}

// VerifyInputSignature verifies a DER-encoded SIGHASH_ALL signature
// against the given input's redeem script and a validator's Bitcoin
// public key. This is the "Bitcoin-level signature must verify" check
// from spec §4.3's Signature message verification.
func VerifyInputSignature(tx *wire.MsgTx, inputIndex int, redeemScript []byte, sig []byte, pub *btcec.PublicKey) (bool, error) {
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return false, fmt.Errorf("input index %d out of range", inputIndex)
	}
	if len(sig) == 0 {
		return false, fmt.Errorf("empty signature")
	}
	// The last byte is the sighash type appended by RawTxInSignature; strip
	// it before DER-parsing, then recompute the hash with the same type.
	hashType := txscript.SigHashType(sig[len(sig)-1])
	derSig := sig[:len(sig)-1]

	parsedSig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false, fmt.Errorf("failed to parse signature: %w", err)
	}

	sigHash, err := txscript.CalcSignatureHash(redeemScript, hashType, tx, inputIndex)
	if err != nil {
		return false, fmt.Errorf("failed to compute signature hash: %w", err)
	}

	return parsedSig.Verify(sigHash, pub), nil
}

// AssembleMultisigScriptSig builds the final scriptSig for a P2SH
// multisig input: OP_0 <sig1> <sig2> ... <redeemScript>. orderedSigs
// must already be in the order matching the redeem script's public-key
// order and contain no more than the script's required signature count.
func AssembleMultisigScriptSig(redeemScript []byte, orderedSigs [][]byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0) // OP_CHECKMULTISIG's off-by-one quirk
	for _, sig := range orderedSigs {
		builder.AddData(sig)
	}
	builder.AddData(redeemScript)
	return builder.Script()
}
