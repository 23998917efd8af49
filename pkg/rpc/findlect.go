package rpc

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/certen/btc-anchoring/pkg/bitcoin"
)

// Recognizer reports whether a txid is already recognized as part of
// the anchor chain: either the configured funding tx or some
// validator's recorded LECT. FindLect's chain walk terminates at the
// first recognized ancestor.
type Recognizer func(txid chainhash.Hash) (bool, error)

// FindLect implements spec §4.2's find_lect(multisig_address): list
// unspent outputs at the address, and for each candidate walk
// backwards via its single multisig input until a recognized ancestor
// is reached. Grounded in the chain-walk shape of
// AttestClient.verifyTxOnSubchain/findLastUnspent: unlike that
// reference (which recurses through the RPC client directly), this
// walk resolves unknown hops via GetRawTransaction and gives up after
// maxDepth hops to bound the work done per commit.
func FindLect(ctx context.Context, client Client, multisigAddress string, recognized Recognizer, maxDepth int) ([]byte, bool, error) {
	candidates, err := client.ListUnspent(ctx, multisigAddress)
	if err != nil {
		return nil, false, fmt.Errorf("find_lect: list_unspent failed: %w", err)
	}

	for _, cand := range candidates {
		txid, err := chainhash.NewHashFromStr(cand.TxID)
		if err != nil {
			continue
		}
		raw, err := client.GetRawTransaction(ctx, *txid)
		if err != nil {
			continue
		}
		tx, err := bitcoin.ParseRawTx(raw)
		if err != nil {
			continue
		}

		if ok, err := verifyChain(ctx, client, tx, recognized, maxDepth); err != nil {
			return nil, false, err
		} else if ok {
			return raw, true, nil
		}
	}
	return nil, false, nil
}

// verifyChain walks backwards from tx via its first input's previous
// outpoint until a recognized ancestor is found or maxDepth is
// exhausted. Returns false, nil if the chain cannot be resolved (spec
// §4.2: "the LECT is rejected (found_lect = None)").
func verifyChain(ctx context.Context, client Client, tx *bitcoin.AnchoringTx, recognized Recognizer, maxDepth int) (bool, error) {
	current := tx
	for depth := 0; depth < maxDepth; depth++ {
		txid := current.TxID()
		ok, err := recognized(txid)
		if err != nil {
			return false, fmt.Errorf("find_lect: recognizer failed: %w", err)
		}
		if ok {
			return true, nil
		}

		if len(current.MsgTx.TxIn) == 0 {
			return false, nil
		}
		prevHash := current.MsgTx.TxIn[0].PreviousOutPoint.Hash

		raw, err := client.GetRawTransaction(ctx, prevHash)
		if err != nil {
			return false, nil // unresolvable hop: chain rejected, not a fault
		}
		prevTx, err := bitcoin.ParseRawTx(raw)
		if err != nil {
			return false, nil
		}
		current = prevTx
	}
	return false, nil
}
