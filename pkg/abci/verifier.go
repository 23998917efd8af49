package abci

import (
	"fmt"
	"sync"
)

// RegistryVerifier implements txtypes.ConsensusVerifier against a
// validator_id -> consensus pubkey map populated from CometBFT's
// validator set at InitChain. It does not itself verify a cryptographic
// signature over the message bytes; CometBFT's own p2p/consensus layer
// already guarantees a committed transaction reached FinalizeBlock
// through block production by the validator set, so the check this
// core needs is only "does the claimed author_pubkey belong to
// validator_id", per spec §1's Out-of-scope boundary.
type RegistryVerifier struct {
	mu      sync.RWMutex
	authors map[uint32][32]byte
}

// NewRegistryVerifier builds an empty registry.
func NewRegistryVerifier() *RegistryVerifier {
	return &RegistryVerifier{authors: make(map[uint32][32]byte)}
}

// Register associates validatorID with its consensus-layer pubkey.
func (v *RegistryVerifier) Register(validatorID uint32, authorPubkey [32]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authors[validatorID] = authorPubkey
}

// VerifyAuthor implements txtypes.ConsensusVerifier.
func (v *RegistryVerifier) VerifyAuthor(authorPubkey [32]byte, validatorID uint32) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	want, ok := v.authors[validatorID]
	if !ok {
		return fmt.Errorf("abci: no registered consensus key for validator %d", validatorID)
	}
	if want != authorPubkey {
		return fmt.Errorf("abci: author pubkey does not match validator %d's registered consensus key", validatorID)
	}
	return nil
}
