package service

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// nearestAnchoringHeight returns the largest multiple of freq that is
// less than or equal to height, per spec §4.4's h_anchor definition.
func nearestAnchoringHeight(height, freq uint64) uint64 {
	return height - (height % freq)
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
