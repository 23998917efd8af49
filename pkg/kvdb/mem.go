package kvdb

import "sort"

// MemKV is an in-memory KV used by tests that don't need a real CometBFT
// database. It is not used outside test code.
type MemKV struct {
	data map[string][]byte
}

// NewMemKV creates an empty in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (m *MemKV) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemKV) Set(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemKV) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemKV) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *MemKV) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), m.data[k]) {
			break
		}
	}
	return nil
}
