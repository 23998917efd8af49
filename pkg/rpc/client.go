// Package rpc defines the Bitcoin RPC collaborator contract the
// anchoring service depends on (spec §4.2) and a btcd-backed
// implementation of it.
package rpc

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UnspentOutput is the subset of btcjson.ListUnspentResult the service
// needs: a candidate output at the multisig address.
type UnspentOutput struct {
	TxID          string
	Vout          uint32
	Amount        int64 // satoshi
	Confirmations int64
}

// Client is the narrow Bitcoin RPC collaborator contract from spec
// §4.2. Implementations may block; callers are expected to pass a
// context carrying a timeout (spec §5's "in a production implementation
// they should be given a timeout").
type Client interface {
	// ListUnspent lists unspent outputs paying address.
	ListUnspent(ctx context.Context, address string) ([]UnspentOutput, error)

	// GetRawTransaction fetches a transaction's raw bytes by id.
	// Returns ErrNotFound if the node has no record of it.
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error)

	// SendRawTransaction submits a fully-signed transaction. Duplicate
	// submissions of an already-known transaction must not be treated
	// as an error (spec §4.5: "tolerating already known errors").
	SendRawTransaction(ctx context.Context, raw []byte) error

	// ImportAddress makes the node track an address for ListUnspent
	// purposes. Called once at genesis (spec §4.2).
	ImportAddress(ctx context.Context, address string, label string, rescan bool) error
}
