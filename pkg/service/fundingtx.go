package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/certen/btc-anchoring/pkg/bitcoin"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/rpc"
)

// findFundingUTXO looks for the configured funding tx's output 0
// among the multisig address's current unspent outputs, with at least
// utxo_confirmations confirmations, per spec §4.4's NoLect and top-up
// paths.
func (s *AnchoringService) findFundingUTXO(ctx context.Context, cfg *config.AnchoringConfig, fundingTx *bitcoin.FundingTx) (*wire.OutPoint, bool, error) {
	unspent, err := s.rpcClient.ListUnspent(ctx, cfg.MultisigAddress().EncodeAddress())
	if err != nil {
		s.metrics.RPCFailures.WithLabelValues("list_unspent").Inc()
		return nil, false, fmt.Errorf("list_unspent failed: %w", err)
	}

	fundingTxID := fundingTx.TxID()
	for _, u := range unspent {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		if *txid != fundingTxID || u.Vout != 0 {
			continue
		}
		if u.Confirmations < int64(cfg.UTXOConfirmations) {
			continue
		}
		return &wire.OutPoint{Hash: *txid, Index: 0}, true, nil
	}
	return nil, false, nil
}

// reacquireFunding implements spec §4.5: if the funding tx is not
// found with enough confirmations, check whether it is known to the
// node at all; if not, resubmit it, tolerating "already known" errors
// (handled by pkg/rpc.Client.SendRawTransaction implementations).
func (s *AnchoringService) reacquireFunding(ctx context.Context, fundingTx *bitcoin.FundingTx, fundingRaw []byte) error {
	_, err := s.rpcClient.GetRawTransaction(ctx, fundingTx.TxID())
	if err == nil {
		return nil // already broadcast, just waiting on confirmations
	}
	if !errors.Is(err, rpc.ErrNotFound) {
		s.metrics.RPCFailures.WithLabelValues("get_raw_transaction").Inc()
		return fmt.Errorf("get_raw_transaction failed: %w", err)
	}

	if err := s.rpcClient.SendRawTransaction(ctx, fundingRaw); err != nil {
		s.metrics.RPCFailures.WithLabelValues("send_raw_transaction").Inc()
		return fmt.Errorf("failed to resubmit funding tx: %w", err)
	}
	return nil
}
