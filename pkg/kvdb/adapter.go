// Package kvdb adapts CometBFT's dbm.DB to the narrow KV interface the
// anchoring schema is built on.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the storage interface the anchoring schema depends on. It is
// intentionally narrow: a replicated key/value view, not a full database.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// IteratePrefix calls fn for every key with the given prefix, in
	// ascending key order, until fn returns false or the keys are exhausted.
	IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error
}

// Adapter wraps a CometBFT dbm.DB and exposes the KV interface above.
// It is the only place in this module that talks to the replicated
// store directly; everything above it (pkg/schema) only knows about KV.
type Adapter struct {
	db dbm.DB
}

// NewAdapter creates a new Adapter for the given underlying DB.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get implements KV.Get.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	// v may be nil if the key is absent; KV treats nil as "not present".
	return v, nil
}

// Set implements KV.Set.
func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	// SetSync for durable writes at commit time: schema mutations must
	// survive a crash between commit and the next height.
	return a.db.SetSync(key, value)
}

// Has implements KV.Has.
func (a *Adapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// Delete implements KV.Delete.
func (a *Adapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// IteratePrefix implements KV.IteratePrefix.
func (a *Adapter) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	if a.db == nil {
		return nil
	}
	it, err := a.db.Iterator(prefix, dbm.PrefixEndBytes(prefix))
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}
