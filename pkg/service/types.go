package service

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/certen/btc-anchoring/pkg/txtypes"
)

// TxBroadcaster is the host's consensus transaction-submission surface.
// The service never mutates the schema directly when it wants another
// validator to see a new Signature or UpdateLatest; it hands the
// message to the host, which carries it through consensus like any
// other transaction (spec §2's "Signature and UpdateLatest messages
// travel through consensus like any other transaction").
type TxBroadcaster interface {
	BroadcastSignature(msg *txtypes.SignatureMsg) error
	BroadcastUpdateLatest(msg *txtypes.UpdateLatestMsg) error
}

// BlockHashSource resolves the block hash committed at a given height,
// needed to build an anchoring payload's (height, block_hash) pair.
// The host BFT engine owns block history; this core only consumes it.
type BlockHashSource interface {
	BlockHashAt(height uint64) ([32]byte, error)
}

// LocalProposal is the in-memory AnchoringTx a node is currently trying
// to collect signatures for, per spec §3's "Local proposal
// (non-replicated, per-node)". At most one exists at a time.
type LocalProposal struct {
	Tx               *wire.MsgTx
	TxID             chainhash.Hash
	PayloadHeight    uint64
	PayloadBlockHash [32]byte
	RedeemScript     []byte
}
