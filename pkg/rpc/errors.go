package rpc

import "errors"

// Sentinel errors surfaced by the Bitcoin RPC collaborator contract.
var (
	// ErrNotFound is returned by GetRawTransaction when the node has no
	// record of the requested transaction.
	ErrNotFound = errors.New("rpc: transaction not found")

	// ErrUnavailable wraps any transport-level failure (timeout,
	// connection refused, malformed response). Per spec §7, callers
	// treat it as "no information this round" and retry on the next commit.
	ErrUnavailable = errors.New("rpc: collaborator unavailable")
)
