package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// LoadPrivateKey decodes a WIF-encoded Bitcoin private key, checking that
// it belongs to the given network.
func LoadPrivateKey(wifStr string, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF private key: %w", err)
	}
	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("WIF private key is not valid for network %s", params.Name)
	}
	return wif.PrivKey, nil
}

// FundingTx is a parsed view over the raw funding transaction named by
// AnchoringConfig.FundingTxHex. The funding tx itself is every
// validator's initial LECT; its output 0 is the UTXO the first
// anchoring transaction spends.
type FundingTx struct {
	MsgTx *wire.MsgTx
}

// ParseFundingTx deserializes a funding transaction and checks that it
// has an output 0 to spend.
func ParseFundingTx(raw []byte) (*FundingTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize funding tx: %w", err)
	}
	if len(tx.TxOut) == 0 {
		return nil, fmt.Errorf("funding tx has no outputs")
	}
	return &FundingTx{MsgTx: tx}, nil
}

// TxID returns the funding transaction's id.
func (f *FundingTx) TxID() chainhash.Hash {
	return f.MsgTx.TxHash()
}

// Output0Amount returns the satoshi value of output 0.
func (f *FundingTx) Output0Amount() int64 {
	return f.MsgTx.TxOut[0].Value
}
