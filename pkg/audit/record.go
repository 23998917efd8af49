package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnchorRecord is one row of the publication log: a finalized anchor
// this node broadcast, independent of what the replicated lects(v)
// tables record.
type AnchorRecord struct {
	ID                  uuid.UUID
	AnchorTxID          string
	PayloadHeight       uint64
	PayloadBlockHash    string
	ValidatorID         uint32
	ValidatorCount      int
	SignaturesCollected int
	BroadcastAt         time.Time
}

// Recorder writes finalized anchors to the audit log.
type Recorder struct {
	client *Client
}

// NewRecorder builds a Recorder over an open Client.
func NewRecorder(client *Client) *Recorder {
	return &Recorder{client: client}
}

// RecordAnchor inserts one publication-log entry. Failures here never
// block anchoring itself; callers should log and continue.
func (r *Recorder) RecordAnchor(ctx context.Context, rec AnchorRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.BroadcastAt.IsZero() {
		rec.BroadcastAt = time.Now()
	}

	const query = `
INSERT INTO audit_anchors (
	id, anchor_txid, payload_height, payload_block_hash,
	validator_id, validator_count, signatures_collected, broadcast_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.client.db.ExecContext(ctx, query,
		rec.ID, rec.AnchorTxID, rec.PayloadHeight, rec.PayloadBlockHash,
		rec.ValidatorID, rec.ValidatorCount, rec.SignaturesCollected, rec.BroadcastAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record anchor %s: %w", rec.AnchorTxID, err)
	}
	return nil
}

// RecentAnchors returns the most recently broadcast anchors, newest first.
func (r *Recorder) RecentAnchors(ctx context.Context, limit int) ([]AnchorRecord, error) {
	const query = `
SELECT id, anchor_txid, payload_height, payload_block_hash,
       validator_id, validator_count, signatures_collected, broadcast_at
FROM audit_anchors
ORDER BY broadcast_at DESC
LIMIT $1`

	rows, err := r.client.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query recent anchors: %w", err)
	}
	defer rows.Close()

	var out []AnchorRecord
	for rows.Next() {
		var rec AnchorRecord
		if err := rows.Scan(
			&rec.ID, &rec.AnchorTxID, &rec.PayloadHeight, &rec.PayloadBlockHash,
			&rec.ValidatorID, &rec.ValidatorCount, &rec.SignaturesCollected, &rec.BroadcastAt,
		); err != nil {
			return nil, fmt.Errorf("audit: failed to scan anchor row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
