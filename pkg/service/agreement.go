package service

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/schema"
)

// agreement classifies how the network's LECTs relate to this node's
// own, per spec §4.4 step 2.
type agreement int

const (
	agreementNoLect agreement = iota
	agreementDivergent
	agreementAgreed
)

// classifyAgreement implements spec §4.4 step 2: count the number of
// validators whose last LECT equals this node's own. If that count
// reaches threshold, the network is Agreed(mine); if this node has no
// LECT at all, NoLect; otherwise Divergent.
func (s *AnchoringService) classifyAgreement(cfg *config.AnchoringConfig, view *schema.Schema) (agreement, []byte, error) {
	mine, err := view.Lect(s.node.ValidatorID)
	if errors.Is(err, schema.ErrLectNotFound) {
		return agreementNoLect, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("classify agreement: failed to load own lect: %w", err)
	}

	count := 0
	for v := 0; v < cfg.NumValidators(); v++ {
		tx, err := view.Lect(uint32(v))
		if errors.Is(err, schema.ErrLectNotFound) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("classify agreement: failed to load lect for validator %d: %w", v, err)
		}
		if bytes.Equal(tx, mine) {
			count++
		}
	}

	if count >= cfg.Threshold() {
		return agreementAgreed, mine, nil
	}
	return agreementDivergent, mine, nil
}
