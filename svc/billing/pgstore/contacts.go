package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OwnerEmail returns the owner's billing contact or "" when none is known.
func (s *Store) OwnerEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var addr string
	err := s.db.QueryRow(ctx, `SELECT email FROM owner_contacts WHERE owner_id = $1`, ownerID).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("owner email: %w", err)
	}
	return addr, nil
}

// SetOwnerEmail stores the owner's billing contact.
func (s *Store) SetOwnerEmail(ctx context.Context, ownerID uuid.UUID, addr string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO owner_contacts (owner_id, email) VALUES ($1, $2)
ON CONFLICT (owner_id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()`, ownerID, addr)
	if err != nil {
		return fmt.Errorf("set owner email: %w", err)
	}
	return nil
}
