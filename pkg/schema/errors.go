package schema

import "errors"

// Sentinel errors for schema operations.
var (
	// ErrLectNotFound is returned when a validator has no recorded LECT yet.
	ErrLectNotFound = errors.New("schema: no lect recorded for validator")

	// ErrPositionNotFound is returned by FindLectPosition when the given
	// txid is not present in the validator's LECT index.
	ErrPositionNotFound = errors.New("schema: txid not found in lect index")
)
