// Package txtypes implements the two on-chain message kinds the
// anchoring service circulates through consensus, per spec §4.3/§6:
// Signature and UpdateLatest. Both satisfy the Message interface so
// the host's transaction dispatcher can treat them uniformly.
package txtypes

import (
	"encoding/binary"
	"fmt"

	"github.com/certen/btc-anchoring/pkg/bitcoin"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/schema"
)

// ServiceID is the fixed service id these messages travel under.
const ServiceID = 3

// Message type ids, per spec §6.
const (
	TypeSignature    byte = 0
	TypeUpdateLatest byte = 1
)

// ConsensusVerifier abstracts the host's consensus-layer signature
// check: "the message was really signed by author_pubkey" and "does
// author_pubkey match validator_id's configured consensus key". The
// host BFT engine owns this, not this package (see spec §1's Out of
// scope list); tests substitute a fake that always succeeds for a
// configured validator set.
type ConsensusVerifier interface {
	VerifyAuthor(authorPubkey [32]byte, validatorID uint32) error
}

// BlockHashSource resolves the replicated chain's own block hash at a
// given height, so UpdateLatestMsg.Execute can reject a LECT whose
// payload disagrees with the chain's own history at that height (spec
// §8 scenario F). The host's consensus application satisfies this.
type BlockHashSource interface {
	BlockHashAt(height uint64) ([32]byte, error)
}

// Message is the dispatch surface the host's transaction processor
// uses for both message kinds.
type Message interface {
	Verify(cfg *config.AnchoringConfig, view *schema.Schema, cv ConsensusVerifier) error
	Execute(cfg *config.AnchoringConfig, view *schema.Schema, bh BlockHashSource) error
	Encode() []byte
	TypeID() byte
}

// SignatureMsg is a validator's Bitcoin-level signature over one input
// of a candidate AnchoringTx, per spec §4.3.
type SignatureMsg struct {
	AuthorPubkey [32]byte
	ValidatorID  uint32
	Tx           []byte // raw AnchoringTx bytes
	Input        uint32
	Signature    []byte
}

// TypeID implements Message.
func (m *SignatureMsg) TypeID() byte { return TypeSignature }

// Encode serializes the message body, big-endian: author_pubkey[0..32],
// validator_id u32[32..36], tx length u32[36..40], the raw tx bytes,
// input u32, signature length u32, then the signature bytes. tx and
// signature are carried inline; the body is not a fixed-size record
// and holds no references into a separate variable-length segment.
func (m *SignatureMsg) Encode() []byte {
	buf := make([]byte, 0, 32+4+4+len(m.Tx)+4+4+len(m.Signature))
	buf = append(buf, m.AuthorPubkey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, m.ValidatorID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Tx)))
	buf = append(buf, m.Tx...)
	buf = binary.BigEndian.AppendUint32(buf, m.Input)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Signature)))
	buf = append(buf, m.Signature...)
	return buf
}

// DecodeSignatureMsg parses the wire form produced by Encode.
func DecodeSignatureMsg(data []byte) (*SignatureMsg, error) {
	if len(data) < 32+4+4 {
		return nil, fmt.Errorf("signature message too short: %d bytes", len(data))
	}
	m := &SignatureMsg{}
	copy(m.AuthorPubkey[:], data[0:32])
	m.ValidatorID = binary.BigEndian.Uint32(data[32:36])
	off := 36
	txLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(txLen) > len(data) {
		return nil, fmt.Errorf("signature message tx field truncated")
	}
	m.Tx = append([]byte(nil), data[off:off+int(txLen)]...)
	off += int(txLen)

	if off+4 > len(data) {
		return nil, fmt.Errorf("signature message missing input field")
	}
	m.Input = binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	if off+4 > len(data) {
		return nil, fmt.Errorf("signature message missing signature length")
	}
	sigLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(sigLen) > len(data) {
		return nil, fmt.Errorf("signature message signature field truncated")
	}
	m.Signature = append([]byte(nil), data[off:off+int(sigLen)]...)
	return m, nil
}

// Verify implements the checks from spec §4.3, in order, returning the
// first failure. The consensus-layer author signature check is
// delegated to cv; everything Bitcoin-specific is checked here.
func (m *SignatureMsg) Verify(cfg *config.AnchoringConfig, view *schema.Schema, cv ConsensusVerifier) error {
	if err := cv.VerifyAuthor(m.AuthorPubkey, m.ValidatorID); err != nil {
		return fmt.Errorf("signature message: author verification failed: %w", err)
	}
	if int(m.ValidatorID) >= cfg.NumValidators() {
		return fmt.Errorf("signature message: validator_id %d out of range", m.ValidatorID)
	}

	tx, err := bitcoin.ParseAnchoringTx(m.Tx)
	if err != nil {
		return fmt.Errorf("signature message: malformed anchoring tx: %w", err)
	}

	outAddr, err := tx.Output0Address(cfg.NetParams())
	if err != nil {
		return fmt.Errorf("signature message: %w", err)
	}
	known, err := view.IsKnownAddress(outAddr.EncodeAddress())
	if err != nil {
		return fmt.Errorf("signature message: known-address lookup failed: %w", err)
	}
	if !known {
		return fmt.Errorf("signature message: output 0 address %s is not known", outAddr.EncodeAddress())
	}

	pubkeys := cfg.ValidatorPubKeys()
	if int(m.ValidatorID) >= len(pubkeys) {
		return fmt.Errorf("signature message: no configured Bitcoin public key for validator %d", m.ValidatorID)
	}
	ok, err := bitcoin.VerifyInputSignature(tx.MsgTx, int(m.Input), cfg.RedeemScript(), m.Signature, pubkeys[m.ValidatorID])
	if err != nil {
		return fmt.Errorf("signature message: signature verification error: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature message: Bitcoin-level signature does not verify")
	}

	return nil
}

// Execute appends the signature to signatures(txid) once Verify has
// passed at the dispatch boundary. It defensively re-checks the
// known-addresses membership rule, matching spec §4.3's wording that
// this is a property of execute, not just verify.
func (m *SignatureMsg) Execute(cfg *config.AnchoringConfig, view *schema.Schema, _ BlockHashSource) error {
	tx, err := bitcoin.ParseAnchoringTx(m.Tx)
	if err != nil {
		return nil // malformed: drop silently, no state mutation (spec §7)
	}

	// Re-check known_addresses at execute time, independent of Verify:
	// "messages whose tx output-0 address is not in known_addresses are
	// dropped" is a property of execute, not just the verify pass.
	outAddr, err := tx.Output0Address(cfg.NetParams())
	if err == nil {
		known, kerr := view.IsKnownAddress(outAddr.EncodeAddress())
		if kerr == nil && !known {
			return nil
		}
	}

	txid := schema.TxID(m.Tx)

	return view.AppendSignature(txid, schema.StoredSignature{
		ValidatorID: m.ValidatorID,
		Input:       m.Input,
		Signature:   append([]byte(nil), m.Signature...),
	})
}

// UpdateLatestMsg carries a validator's belief about the anchor chain
// tip, per spec §4.3.
type UpdateLatestMsg struct {
	AuthorPubkey [32]byte
	ValidatorID  uint32
	Tx           []byte // raw Bitcoin tx bytes
	LectCount    uint64
}

// TypeID implements Message.
func (m *UpdateLatestMsg) TypeID() byte { return TypeUpdateLatest }

// Encode serializes the message body, big-endian: author_pubkey[0..32],
// validator_id u32[32..36], tx length u32[36..40], the raw tx bytes,
// then lect_count u64. tx is carried inline, so the body is not a
// fixed 52-byte record.
func (m *UpdateLatestMsg) Encode() []byte {
	buf := make([]byte, 0, 32+4+4+len(m.Tx)+8)
	buf = append(buf, m.AuthorPubkey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, m.ValidatorID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Tx)))
	buf = append(buf, m.Tx...)
	buf = binary.BigEndian.AppendUint64(buf, m.LectCount)
	return buf
}

// DecodeUpdateLatestMsg parses the wire form produced by Encode.
func DecodeUpdateLatestMsg(data []byte) (*UpdateLatestMsg, error) {
	if len(data) < 32+4+4 {
		return nil, fmt.Errorf("update_latest message too short: %d bytes", len(data))
	}
	m := &UpdateLatestMsg{}
	copy(m.AuthorPubkey[:], data[0:32])
	m.ValidatorID = binary.BigEndian.Uint32(data[32:36])
	off := 36
	txLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(txLen) > len(data) {
		return nil, fmt.Errorf("update_latest message tx field truncated")
	}
	m.Tx = append([]byte(nil), data[off:off+int(txLen)]...)
	off += int(txLen)

	if off+8 > len(data) {
		return nil, fmt.Errorf("update_latest message missing lect_count field")
	}
	m.LectCount = binary.BigEndian.Uint64(data[off : off+8])
	return m, nil
}

// Verify checks the consensus signature and validator range, per spec
// §4.3: "consensus signature valid, validator_id in range and matching
// author_pubkey". No Bitcoin-level check happens at verify time; the
// Execute step's optimistic-concurrency check and the service's
// agreement logic are what keep bad LECTs from gaining influence.
func (m *UpdateLatestMsg) Verify(cfg *config.AnchoringConfig, view *schema.Schema, cv ConsensusVerifier) error {
	if err := cv.VerifyAuthor(m.AuthorPubkey, m.ValidatorID); err != nil {
		return fmt.Errorf("update_latest message: author verification failed: %w", err)
	}
	if int(m.ValidatorID) >= cfg.NumValidators() {
		return fmt.Errorf("update_latest message: validator_id %d out of range", m.ValidatorID)
	}
	return nil
}

// Execute implements the optimistic-concurrency append from spec §4.3:
// if len(lects(validator_id)) == lect_count, append tx; otherwise drop.
// Property 1 (idempotence) falls directly out of this check. A tx
// carrying an anchoring payload whose block hash disagrees with the
// chain's own history at that height is also dropped, per spec §8
// scenario F; a tx with no payload (the funding tx, or any malformed
// tx) skips this check and is appended as-is, same as today.
func (m *UpdateLatestMsg) Execute(cfg *config.AnchoringConfig, view *schema.Schema, bh BlockHashSource) error {
	count, err := view.LectCount(m.ValidatorID)
	if err != nil {
		return fmt.Errorf("update_latest message: failed to read lect count: %w", err)
	}
	if count != m.LectCount {
		return nil // stale: drop, no mutation
	}

	if bh != nil {
		if tx, err := bitcoin.ParseRawTx(m.Tx); err == nil {
			if payload, err := tx.Payload(); err == nil {
				want, err := bh.BlockHashAt(payload.Height)
				if err == nil && want != payload.BlockHash {
					return nil // payload disagrees with the chain's own history: drop
				}
			}
		}
	}

	if _, err := view.AddLect(m.ValidatorID, m.Tx); err != nil {
		return fmt.Errorf("update_latest message: failed to append lect: %w", err)
	}
	return nil
}
