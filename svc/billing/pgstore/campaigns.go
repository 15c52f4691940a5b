package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageGracePeriod sets the deletion deadline on the owner's campaigns that
// have none yet.
func (s *Store) StageGracePeriod(ctx context.Context, ownerID uuid.UUID, deadline time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE campaigns SET grace_period_ends_at = $2
WHERE owner_id = $1 AND grace_period_ends_at IS NULL`, ownerID, deadline)
	if err != nil {
		return 0, fmt.Errorf("stage grace period: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkForDeletion flags campaigns whose grace period ended before now.
func (s *Store) MarkForDeletion(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE campaigns SET marked_for_deletion_at = $1
WHERE grace_period_ends_at < $1 AND marked_for_deletion_at IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("mark campaigns for deletion: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AddCampaign registers a campaign so its retention can be tracked.
func (s *Store) AddCampaign(ctx context.Context, id, ownerID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `INSERT INTO campaigns (id, owner_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, ownerID)
	if err != nil {
		return fmt.Errorf("add campaign: %w", err)
	}
	return nil
}
