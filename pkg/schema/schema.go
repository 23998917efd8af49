// Package schema implements the anchoring service's replicated tables
// over a generic key/value view, per spec §4.1 and the key layout in
// §6: lects(v), lect_indexes(v), signatures(txid), known_addresses.
package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/certen/btc-anchoring/pkg/merkle"
)

// KV is the storage interface the schema is built on. Narrow by design:
// a replicated key/value view, not a full database.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
}

// Schema provides typed access to the replicated anchoring tables over
// a KV view. A Schema is created fresh against whatever view the host
// passes into a commit handler; it holds no state of its own beyond
// the KV reference.
type Schema struct {
	kv KV
}

// New wraps a KV view in a Schema.
func New(kv KV) *Schema {
	return &Schema{kv: kv}
}

// StoredSignature is the persisted form of a Signature message,
// independent of pkg/txtypes to avoid an import cycle (txtypes depends
// on schema, not the other way around).
type StoredSignature struct {
	ValidatorID uint32 `json:"validator_id"`
	Input       uint32 `json:"input"`
	Signature   []byte `json:"signature"`
}

// ====== lects(v) ======

// AddLect appends a raw Bitcoin transaction to validator v's LECT list
// and records the new index in v's lect_indexes, per spec §4.1's
// add_lect(v, tx).
func (s *Schema) AddLect(validator uint32, tx []byte) (uint64, error) {
	list, err := s.loadLectList(validator)
	if err != nil {
		return 0, err
	}
	index := list.Append(tx)

	if err := s.saveLectList(validator, list); err != nil {
		return 0, err
	}

	txid := TxID(tx)

	idx, err := s.loadLectIndex(validator)
	if err != nil {
		return 0, err
	}
	idx[hex.EncodeToString(txid[:])] = uint64(index)
	if err := s.saveLectIndex(validator, idx); err != nil {
		return 0, err
	}

	return uint64(index), nil
}

// Lect returns validator v's most recent LECT, per spec §4.1's lect(v).
func (s *Schema) Lect(validator uint32) ([]byte, error) {
	list, err := s.loadLectList(validator)
	if err != nil {
		return nil, err
	}
	tx, ok := list.Last()
	if !ok {
		return nil, ErrLectNotFound
	}
	return tx, nil
}

// LectCount returns len(lects(v)), used as the optimistic-concurrency
// token in UpdateLatest messages.
func (s *Schema) LectCount(validator uint32) (uint64, error) {
	list, err := s.loadLectList(validator)
	if err != nil {
		return 0, err
	}
	return uint64(list.Len()), nil
}

// LectsRoot returns the Merkle root authenticating validator v's current
// lects(v) list, or nil if v has no entries yet. This is what makes
// lects(v) the "authenticated (Merkle) list per validator" spec §6 calls
// for, rather than a plain persisted array.
func (s *Schema) LectsRoot(validator uint32) ([]byte, error) {
	list, err := s.loadLectList(validator)
	if err != nil {
		return nil, err
	}
	return list.Root(), nil
}

// FindLectPosition returns the index of txid within validator v's LECT
// list, per spec §4.1's find_lect_position(v, txid) and property 4.
func (s *Schema) FindLectPosition(validator uint32, txid [32]byte) (uint64, error) {
	idx, err := s.loadLectIndex(validator)
	if err != nil {
		return 0, err
	}
	pos, ok := idx[hex.EncodeToString(txid[:])]
	if !ok {
		return 0, ErrPositionNotFound
	}
	return pos, nil
}

func (s *Schema) loadLectList(validator uint32) (*merkle.List, error) {
	raw, err := s.kv.Get(lectsKey(validator))
	if err != nil {
		return nil, fmt.Errorf("failed to load lects(%d): %w", validator, err)
	}
	if len(raw) == 0 {
		return merkle.NewList(), nil
	}
	var entries [][]byte
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lects(%d): %w", validator, err)
	}
	return merkle.NewListFromEntries(entries), nil
}

func (s *Schema) saveLectList(validator uint32, list *merkle.List) error {
	b, err := json.Marshal(list.Entries())
	if err != nil {
		return fmt.Errorf("failed to marshal lects(%d): %w", validator, err)
	}
	if err := s.kv.Set(lectsKey(validator), b); err != nil {
		return fmt.Errorf("failed to persist lects(%d): %w", validator, err)
	}
	return nil
}

func (s *Schema) loadLectIndex(validator uint32) (map[string]uint64, error) {
	raw, err := s.kv.Get(lectIndexKey(validator))
	if err != nil {
		return nil, fmt.Errorf("failed to load lect_indexes(%d): %w", validator, err)
	}
	if len(raw) == 0 {
		return make(map[string]uint64), nil
	}
	idx := make(map[string]uint64)
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lect_indexes(%d): %w", validator, err)
	}
	return idx, nil
}

func (s *Schema) saveLectIndex(validator uint32, idx map[string]uint64) error {
	b, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to marshal lect_indexes(%d): %w", validator, err)
	}
	if err := s.kv.Set(lectIndexKey(validator), b); err != nil {
		return fmt.Errorf("failed to persist lect_indexes(%d): %w", validator, err)
	}
	return nil
}

// ====== signatures(txid) ======

// AppendSignature appends a Signature record to signatures(txid) with
// no deduplication; per spec §4.1, deduplication is the responsibility
// of the message-execute contract (pkg/txtypes), not the schema.
func (s *Schema) AppendSignature(txid [32]byte, sig StoredSignature) error {
	sigs, err := s.Signatures(txid)
	if err != nil {
		return err
	}
	sigs = append(sigs, sig)
	b, err := json.Marshal(sigs)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures(%x): %w", txid, err)
	}
	if err := s.kv.Set(sigKey(txid), b); err != nil {
		return fmt.Errorf("failed to persist signatures(%x): %w", txid, err)
	}
	return nil
}

// Signatures returns all recorded signatures for a proposal txid, in
// append order.
func (s *Schema) Signatures(txid [32]byte) ([]StoredSignature, error) {
	raw, err := s.kv.Get(sigKey(txid))
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures(%x): %w", txid, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var sigs []StoredSignature
	if err := json.Unmarshal(raw, &sigs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signatures(%x): %w", txid, err)
	}
	return sigs, nil
}

// ====== known_addresses ======

// AddKnownAddress inserts addr into the known_addresses set.
func (s *Schema) AddKnownAddress(addr string) error {
	set, err := s.loadKnownAddresses()
	if err != nil {
		return err
	}
	if _, ok := set[addr]; ok {
		return nil
	}
	set[addr] = struct{}{}
	return s.saveKnownAddresses(set)
}

// IsKnownAddress reports whether addr has ever been inserted into
// known_addresses.
func (s *Schema) IsKnownAddress(addr string) (bool, error) {
	set, err := s.loadKnownAddresses()
	if err != nil {
		return false, err
	}
	_, ok := set[addr]
	return ok, nil
}

func (s *Schema) loadKnownAddresses() (map[string]struct{}, error) {
	raw, err := s.kv.Get(knownAddressesKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load known_addresses: %w", err)
	}
	if len(raw) == 0 {
		return make(map[string]struct{}), nil
	}
	set := make(map[string]struct{})
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal known_addresses: %w", err)
	}
	return set, nil
}

func (s *Schema) saveKnownAddresses(set map[string]struct{}) error {
	b, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal known_addresses: %w", err)
	}
	if err := s.kv.Set(knownAddressesKey(), b); err != nil {
		return fmt.Errorf("failed to persist known_addresses: %w", err)
	}
	return nil
}

// ====== Genesis ======

// Genesis seeds the schema at service startup: it inserts the
// configured multisig address(es) into known_addresses and seeds every
// validator's lects(v) with the funding transaction, per spec §4.1.
func Genesis(s *Schema, numValidators int, multisigAddrs []string, fundingTx []byte) error {
	for _, addr := range multisigAddrs {
		if err := s.AddKnownAddress(addr); err != nil {
			return fmt.Errorf("genesis: failed to add known address %s: %w", addr, err)
		}
	}
	for v := 0; v < numValidators; v++ {
		count, err := s.LectCount(uint32(v))
		if err != nil {
			return fmt.Errorf("genesis: failed to read lect count for validator %d: %w", v, err)
		}
		if count > 0 {
			continue // already seeded; genesis must be idempotent on restart
		}
		if _, err := s.AddLect(uint32(v), fundingTx); err != nil {
			return fmt.Errorf("genesis: failed to seed lect for validator %d: %w", v, err)
		}
	}
	return nil
}

// TxID computes the double-SHA256 id used as the schema's signatures
// and lect-index keys, matching Bitcoin's own txid convention.
func TxID(tx []byte) [32]byte {
	// Bitcoin's txid is the double-SHA256 of the raw tx bytes, reversed
	// for display; the schema only needs a stable, collision-resistant
	// key, so it uses the unreversed digest directly.
	first := merkle.HashData(tx)
	second := merkle.HashData(first)
	var out [32]byte
	copy(out[:], second)
	return out
}
