package merkle

import "fmt"

// List is an append-only list of raw byte entries, authenticated by a
// Merkle tree over SHA-256(entry). It backs each validator's LECT
// history: lects(v) in the wire layout is a merkle-list<BitcoinTx>.
type List struct {
	entries [][]byte
}

// NewList creates an empty authenticated list.
func NewList() *List {
	return &List{}
}

// NewListFromEntries rebuilds a List from previously persisted raw entries,
// in append order.
func NewListFromEntries(entries [][]byte) *List {
	l := &List{entries: make([][]byte, len(entries))}
	for i, e := range entries {
		cp := make([]byte, len(e))
		copy(cp, e)
		l.entries[i] = cp
	}
	return l
}

// Len returns the number of entries appended so far.
func (l *List) Len() int {
	return len(l.entries)
}

// Append adds a new entry to the end of the list and returns its index.
func (l *List) Append(entry []byte) int {
	cp := make([]byte, len(entry))
	copy(cp, entry)
	l.entries = append(l.entries, cp)
	return len(l.entries) - 1
}

// At returns the entry at the given index.
func (l *List) At(index int) ([]byte, error) {
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("merkle list index %d out of range [0, %d)", index, len(l.entries))
	}
	cp := make([]byte, len(l.entries[index]))
	copy(cp, l.entries[index])
	return cp, nil
}

// Last returns the most recently appended entry, or ok=false if the list
// is empty.
func (l *List) Last() (entry []byte, ok bool) {
	if len(l.entries) == 0 {
		return nil, false
	}
	v, _ := l.At(len(l.entries) - 1)
	return v, true
}

// Entries returns a defensive copy of all entries in append order, for
// persistence.
func (l *List) Entries() [][]byte {
	out := make([][]byte, len(l.entries))
	for i, e := range l.entries {
		cp := make([]byte, len(e))
		copy(cp, e)
		out[i] = cp
	}
	return out
}

// Root returns the Merkle root authenticating the current list contents,
// or nil if the list is empty.
func (l *List) Root() []byte {
	if len(l.entries) == 0 {
		return nil
	}
	leaves := make([][]byte, len(l.entries))
	for i, e := range l.entries {
		leaves[i] = HashData(e)
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		return nil
	}
	return tree.Root()
}
