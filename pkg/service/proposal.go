package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/certen/btc-anchoring/pkg/audit"
	"github.com/certen/btc-anchoring/pkg/bitcoin"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/rpc"
	"github.com/certen/btc-anchoring/pkg/schema"
	"github.com/certen/btc-anchoring/pkg/txtypes"
)

// driveProposal implements spec §4.4 step 3.
func (s *AnchoringService) driveProposal(ctx context.Context, cfg *config.AnchoringConfig, height uint64, agr agreement, mine []byte) error {
	switch agr {
	case agreementDivergent:
		return nil
	case agreementNoLect:
		if s.proposal != nil {
			return nil
		}
		return s.createFirstProposal(ctx, cfg, height)
	case agreementAgreed:
		if s.proposal != nil {
			return nil
		}
		return s.createSuccessorProposal(ctx, cfg, height, mine)
	default:
		return fmt.Errorf("unknown agreement state %d", agr)
	}
}

// createFirstProposal builds the genesis anchor: a transaction spending
// the configured funding tx's output 0, paying the multisig address
// minus fee, carrying the payload for nearest_anchoring_height(height).
func (s *AnchoringService) createFirstProposal(ctx context.Context, cfg *config.AnchoringConfig, height uint64) error {
	fundingRaw, err := hex.DecodeString(cfg.FundingTxHex)
	if err != nil {
		return fmt.Errorf("invalid funding_tx_hex: %w", err)
	}
	fundingTx, err := bitcoin.ParseFundingTx(fundingRaw)
	if err != nil {
		return fmt.Errorf("failed to parse funding tx: %w", err)
	}

	utxo, ok, err := s.findFundingUTXO(ctx, cfg, fundingTx)
	if err != nil {
		return err
	}
	if !ok {
		return s.reacquireFunding(ctx, fundingTx, fundingRaw)
	}

	hAnchor := nearestAnchoringHeight(height, cfg.AnchoringFrequency)
	blockHash, err := s.blockHashes.BlockHashAt(hAnchor)
	if err != nil {
		return fmt.Errorf("failed to resolve block hash at height %d: %w", hAnchor, err)
	}
	payload := bitcoin.Payload{Height: hAnchor, BlockHash: blockHash}

	tx, err := bitcoin.BuildAnchoringTx(
		[]wire.OutPoint{*utxo},
		[]int64{fundingTx.Output0Amount()},
		cfg.MultisigAddress(),
		cfg.FeeSatoshis,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to build first anchoring tx: %w", err)
	}

	s.setLocalProposal(tx, cfg, hAnchor, blockHash)
	return s.signAndBroadcast(cfg, tx, 0)
}

// createSuccessorProposal builds a new anchor spending the agreed
// chain tip's output 0, optionally topped up with the funding tx as a
// second input, per spec §4.4's Agreed(tip) branch. Genesis seeds every
// validator's lects(v) with the funding tx itself (spec §4.1), so the
// very first time the network agrees it agrees on a tip with no
// anchoring payload at all; that case is indistinguishable from NoLect
// and is handled identically, by createFirstProposal.
func (s *AnchoringService) createSuccessorProposal(ctx context.Context, cfg *config.AnchoringConfig, height uint64, tipRaw []byte) error {
	tip, err := bitcoin.ParseRawTx(tipRaw)
	if err != nil {
		return fmt.Errorf("agreed lect is not a well-formed bitcoin tx: %w", err)
	}
	tipPayload, err := tip.Payload()
	if err != nil {
		return s.createFirstProposal(ctx, cfg, height)
	}

	hAnchor := nearestAnchoringHeight(height, cfg.AnchoringFrequency)
	if tipPayload.Height >= hAnchor {
		return nil // already anchored at or past this height
	}

	prevOuts := []wire.OutPoint{{Hash: tip.TxID(), Index: 0}}
	prevAmounts := []int64{tip.MsgTx.TxOut[0].Value}

	if fundingRaw, ferr := hex.DecodeString(cfg.FundingTxHex); ferr == nil {
		if fundingTx, perr := bitcoin.ParseFundingTx(fundingRaw); perr == nil {
			if utxo, ok, _ := s.findFundingUTXO(ctx, cfg, fundingTx); ok {
				prevOuts = append(prevOuts, *utxo)
				prevAmounts = append(prevAmounts, fundingTx.Output0Amount())
			}
		}
	}

	blockHash, err := s.blockHashes.BlockHashAt(hAnchor)
	if err != nil {
		return fmt.Errorf("failed to resolve block hash at height %d: %w", hAnchor, err)
	}
	payload := bitcoin.Payload{Height: hAnchor, BlockHash: blockHash}

	tx, err := bitcoin.BuildAnchoringTx(prevOuts, prevAmounts, cfg.MultisigAddress(), cfg.FeeSatoshis, payload)
	if err != nil {
		return fmt.Errorf("failed to build successor anchoring tx: %w", err)
	}

	s.setLocalProposal(tx, cfg, hAnchor, blockHash)
	return s.signAndBroadcast(cfg, tx, 0)
}

func (s *AnchoringService) setLocalProposal(tx *wire.MsgTx, cfg *config.AnchoringConfig, payloadHeight uint64, payloadBlockHash [32]byte) {
	s.proposal = &LocalProposal{
		Tx:               tx,
		TxID:             tx.TxHash(),
		PayloadHeight:    payloadHeight,
		PayloadBlockHash: payloadBlockHash,
		RedeemScript:     cfg.RedeemScript(),
	}
	s.metrics.ProposalsCreated.Inc()
}

// signAndBroadcast signs inputIndex with this node's Bitcoin private
// key for the current multisig address and broadcasts the resulting
// Signature message, per spec §4.4 step 3's final clause.
func (s *AnchoringService) signAndBroadcast(cfg *config.AnchoringConfig, tx *wire.MsgTx, inputIndex int) error {
	addr := cfg.MultisigAddress().EncodeAddress()
	wif, ok := s.node.PrivateKeys[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSigningKey, addr)
	}
	priv, err := bitcoin.LoadPrivateKey(wif, cfg.NetParams())
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	sig, err := bitcoin.SignInput(tx, inputIndex, cfg.RedeemScript(), priv)
	if err != nil {
		return fmt.Errorf("failed to sign input %d: %w", inputIndex, err)
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}

	authorPub, err := s.node.AuthorPubkey()
	if err != nil {
		return fmt.Errorf("failed to load author pubkey: %w", err)
	}

	msg := &txtypes.SignatureMsg{
		AuthorPubkey: authorPub,
		ValidatorID:  s.node.ValidatorID,
		Tx:           raw,
		Input:        uint32(inputIndex),
		Signature:    sig,
	}
	if err := s.broadcaster.BroadcastSignature(msg); err != nil {
		return fmt.Errorf("failed to broadcast signature: %w", err)
	}
	s.metrics.SignaturesCollected.Inc()
	return nil
}

// tryFinalize implements spec §4.4 step 4.
func (s *AnchoringService) tryFinalize(ctx context.Context, cfg *config.AnchoringConfig, height uint64, view *schema.Schema) error {
	if s.proposal == nil {
		return nil
	}

	hAnchor := nearestAnchoringHeight(height, cfg.AnchoringFrequency)
	if s.proposal.PayloadHeight != hAnchor {
		s.logger.Printf("info: discarding local proposal %s, chain moved past height %d", s.proposal.TxID, s.proposal.PayloadHeight)
		s.proposal = nil
		return nil
	}

	var txidArr [32]byte
	copy(txidArr[:], s.proposal.TxID[:])
	sigs, err := view.Signatures(txidArr)
	if err != nil {
		return fmt.Errorf("failed to load signatures: %w", err)
	}

	firstByValidator := make(map[uint32]schema.StoredSignature, len(sigs))
	for _, sig := range sigs {
		if _, ok := firstByValidator[sig.ValidatorID]; ok {
			continue // tie-break: first appended per validator wins
		}
		firstByValidator[sig.ValidatorID] = sig
	}
	s.metrics.CollectedSignatures.Set(float64(len(firstByValidator)))

	if len(firstByValidator) < cfg.Threshold() {
		return nil
	}

	validatorIDs := make([]uint32, 0, len(firstByValidator))
	for v := range firstByValidator {
		validatorIDs = append(validatorIDs, v)
	}
	sort.Slice(validatorIDs, func(i, j int) bool { return validatorIDs[i] < validatorIDs[j] })
	// OP_CHECKMULTISIG's sig count is fixed by the redeem script's m; a
	// scriptSig carrying more than m signatures does not execute.
	validatorIDs = validatorIDs[:cfg.Threshold()]

	orderedSigs := make([][]byte, 0, len(validatorIDs))
	for _, v := range validatorIDs {
		orderedSigs = append(orderedSigs, firstByValidator[v].Signature)
	}

	scriptSig, err := bitcoin.AssembleMultisigScriptSig(s.proposal.RedeemScript, orderedSigs)
	if err != nil {
		return fmt.Errorf("failed to assemble multisig witness: %w", err)
	}
	s.proposal.Tx.TxIn[0].SignatureScript = scriptSig

	raw, err := serializeTx(s.proposal.Tx)
	if err != nil {
		return err
	}
	// Assembling the witness changes the transaction's serialized bytes
	// and therefore its real Bitcoin txid; signatures(txid) is keyed by
	// the unsigned proposal's id, but the RPC collaborator only knows
	// the tx under its final, signed id.
	finalTxID := s.proposal.Tx.TxHash()

	_, err = s.rpcClient.GetRawTransaction(ctx, finalTxID)
	switch {
	case err == nil:
		// already on the network; a later lect refresh will pick it up.
	case errors.Is(err, rpc.ErrNotFound):
		if err := s.rpcClient.SendRawTransaction(ctx, raw); err != nil {
			s.metrics.RPCFailures.WithLabelValues("send_raw_transaction").Inc()
			return fmt.Errorf("failed to broadcast finalized anchor: %w", err)
		}
	default:
		s.metrics.RPCFailures.WithLabelValues("get_raw_transaction").Inc()
		return fmt.Errorf("get_raw_transaction failed: %w", err)
	}

	count, err := view.LectCount(s.node.ValidatorID)
	if err != nil {
		return fmt.Errorf("failed to load own lect count: %w", err)
	}
	authorPub, err := s.node.AuthorPubkey()
	if err != nil {
		return fmt.Errorf("failed to load author pubkey: %w", err)
	}
	update := &txtypes.UpdateLatestMsg{
		AuthorPubkey: authorPub,
		ValidatorID:  s.node.ValidatorID,
		Tx:           raw,
		LectCount:    count,
	}
	if err := s.broadcaster.BroadcastUpdateLatest(update); err != nil {
		return fmt.Errorf("failed to broadcast finalized lect: %w", err)
	}

	s.metrics.AnchorsFinalized.Inc()
	if s.auditor != nil {
		rec := audit.AnchorRecord{
			AnchorTxID:          finalTxID.String(),
			PayloadHeight:       hAnchor,
			PayloadBlockHash:    fmt.Sprintf("%x", s.proposal.PayloadBlockHash),
			ValidatorID:         s.node.ValidatorID,
			ValidatorCount:      cfg.NumValidators(),
			SignaturesCollected: len(firstByValidator),
		}
		if err := s.auditor.RecordAnchor(ctx, rec); err != nil {
			s.logger.Printf("warn: audit record failed for anchor %s: %v", finalTxID, err)
		}
	}
	s.proposal = nil
	return nil
}
