package service

import "errors"

var (
	// ErrNoLocalProposal indicates an operation that requires a standing
	// local proposal was attempted while none exists.
	ErrNoLocalProposal = errors.New("service: no local proposal")
	// ErrFundingUTXOUnavailable indicates the configured funding
	// transaction is not currently spendable at the multisig address.
	ErrFundingUTXOUnavailable = errors.New("service: funding utxo unavailable")
	// ErrNoSigningKey indicates this node has no private key on file for
	// the config's current multisig address.
	ErrNoSigningKey = errors.New("service: no signing key for multisig address")
)
