package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/rpc"
	"github.com/certen/btc-anchoring/pkg/schema"
	"github.com/certen/btc-anchoring/pkg/txtypes"
)

// refreshOwnLect implements spec §4.4 step 1, rate-limited by
// check_lect_frequency: every Nth committed block, it asks the Bitcoin
// RPC collaborator for the multisig address's current chain tip, and
// if it differs from this node's own recorded LECT, broadcasts an
// UpdateLatest proposing it.
func (s *AnchoringService) refreshOwnLect(ctx context.Context, cfg *config.AnchoringConfig, height uint64, view *schema.Schema) error {
	freq := s.node.CheckLectFrequency
	if freq == 0 {
		freq = 1
	}
	if height%freq != 0 {
		return nil
	}

	fundingRaw, err := hex.DecodeString(cfg.FundingTxHex)
	if err != nil {
		return fmt.Errorf("invalid funding_tx_hex: %w", err)
	}
	fundingTxID := schema.TxID(fundingRaw)

	recognized := s.buildRecognizer(cfg, view, fundingTxID)

	found, ok, err := rpc.FindLect(ctx, s.rpcClient, cfg.MultisigAddress().EncodeAddress(), recognized, maxChainWalkDepth)
	if err != nil {
		s.metrics.RPCFailures.WithLabelValues("find_lect").Inc()
		return fmt.Errorf("find_lect failed: %w", err)
	}
	if !ok {
		s.metrics.LectRefreshFailure.Inc()
		return nil
	}
	s.metrics.LectRefreshSuccess.Inc()

	mine, err := view.Lect(s.node.ValidatorID)
	if err != nil && !errors.Is(err, schema.ErrLectNotFound) {
		return fmt.Errorf("failed to load own lect: %w", err)
	}

	if bytes.Equal(found, mine) {
		return nil
	}

	count, err := view.LectCount(s.node.ValidatorID)
	if err != nil {
		return fmt.Errorf("failed to load own lect count: %w", err)
	}

	authorPub, err := s.node.AuthorPubkey()
	if err != nil {
		return fmt.Errorf("failed to load author pubkey: %w", err)
	}

	msg := &txtypes.UpdateLatestMsg{
		AuthorPubkey: authorPub,
		ValidatorID:  s.node.ValidatorID,
		Tx:           found,
		LectCount:    count,
	}
	return s.broadcaster.BroadcastUpdateLatest(msg)
}

// buildRecognizer returns a chain-walk terminus test for find_lect: a
// txid is recognized if it is the configured funding tx, or if it
// appears anywhere in any validator's recorded LECT list.
func (s *AnchoringService) buildRecognizer(cfg *config.AnchoringConfig, view *schema.Schema, fundingTxID [32]byte) rpc.Recognizer {
	return func(txid chainhash.Hash) (bool, error) {
		var arr [32]byte
		copy(arr[:], txid[:])
		if arr == fundingTxID {
			return true, nil
		}
		for v := 0; v < cfg.NumValidators(); v++ {
			_, err := view.FindLectPosition(uint32(v), arr)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, schema.ErrPositionNotFound) {
				return false, err
			}
		}
		return false, nil
	}
}

// RunLectRefreshLoop runs a background ticker that periodically
// surfaces RPC-health information between commits, grounded in
// pkg/consensus's ticking-goroutine-with-callbacks shape. It never
// mutates schema state directly: it only calls list_unspent on the
// multisig address and reports failures via metrics, since state
// mutation is reserved for HandleCommit (spec §5's ordering guarantee).
func (s *AnchoringService) RunLectRefreshLoop(ctx context.Context, cfg *config.AnchoringConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.rpcClient.ListUnspent(ctx, cfg.MultisigAddress().EncodeAddress()); err != nil {
				s.metrics.RPCFailures.WithLabelValues("list_unspent").Inc()
				s.logger.Printf("warn: background rpc health check failed: %v", err)
			}
		}
	}
}
