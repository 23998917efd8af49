// Package service implements the per-validator anchoring state machine
// invoked after every committed block, per spec §4.4.
package service

import (
	"context"
	"log"
	"sync"

	"github.com/certen/btc-anchoring/pkg/audit"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/metrics"
	"github.com/certen/btc-anchoring/pkg/rpc"
	"github.com/certen/btc-anchoring/pkg/schema"
)

// maxChainWalkDepth bounds find_lect's backward walk (spec §4.2), so a
// malformed or adversarial UTXO chain cannot stall a commit handler.
const maxChainWalkDepth = 64

// AnchoringService is the per-node state machine described in spec
// §4.4. One instance exists per validator node; its mutable state
// (LocalProposal) is not replicated.
type AnchoringService struct {
	node        *config.AnchoringNodeConfig
	rpcClient   rpc.Client
	broadcaster TxBroadcaster
	blockHashes BlockHashSource
	metrics     *metrics.Metrics
	logger      *log.Logger
	auditor     *audit.Recorder

	mu       sync.Mutex
	proposal *LocalProposal
}

// SetAuditor attaches the optional Postgres publication log. A nil
// auditor (the default) disables audit recording without affecting
// anchoring itself, per pkg/audit's "non-authoritative" design.
func (s *AnchoringService) SetAuditor(r *audit.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditor = r
}

// New builds an AnchoringService for one node.
func New(node *config.AnchoringNodeConfig, rpcClient rpc.Client, broadcaster TxBroadcaster, blockHashes BlockHashSource, m *metrics.Metrics) *AnchoringService {
	return &AnchoringService{
		node:        node,
		rpcClient:   rpcClient,
		broadcaster: broadcaster,
		blockHashes: blockHashes,
		metrics:     m,
		logger:      log.New(log.Writer(), "[anchoring-service] ", log.LstdFlags),
	}
}

// HandleCommit runs the four steps of spec §4.4 against the
// just-committed view at height, in order. It never returns an error
// for RPC or malformed-message conditions (those are logged and
// swallowed per spec §7); it returns an error only for storage faults,
// which the host treats as fatal.
func (s *AnchoringService) HandleCommit(ctx context.Context, cfg *config.AnchoringConfig, height uint64, blockHash [32]byte, view *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.node.RPCTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.logger.Printf("debug: handling commit height=%d block_hash=%x", height, blockHash)

	if err := s.refreshOwnLect(ctx, cfg, height, view); err != nil {
		s.logger.Printf("warn: lect refresh failed at height %d: %v", height, err)
	}

	agreement, mine, err := s.classifyAgreement(cfg, view)
	if err != nil {
		return err
	}

	if err := s.driveProposal(ctx, cfg, height, agreement, mine); err != nil {
		s.logger.Printf("warn: proposal drive failed at height %d: %v", height, err)
	}

	if err := s.tryFinalize(ctx, cfg, height, view); err != nil {
		s.logger.Printf("warn: finalize attempt failed at height %d: %v", height, err)
	}

	return nil
}

// Proposal returns a copy of the standing local proposal, if any, for
// inspection by callers such as tests and the ABCI shim's status
// endpoint. It does not expose the live pointer.
func (s *AnchoringService) Proposal() (LocalProposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposal == nil {
		return LocalProposal{}, false
	}
	return *s.proposal, true
}
