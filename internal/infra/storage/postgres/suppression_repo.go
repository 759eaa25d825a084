package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// SuppressionRepo implements storage.SuppressionRepository using PostgreSQL.
type SuppressionRepo struct {
	db *DB
}

// NewSuppressionRepo creates a new PostgreSQL suppression repository.
func NewSuppressionRepo(db *DB) *SuppressionRepo {
	return &SuppressionRepo{db: db}
}

func (r *SuppressionRepo) Upsert(ctx context.Context, entry *domain.SuppressionEntry) error {
	query := `
		INSERT INTO call_suppressions (user_id, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET reason = EXCLUDED.reason
	`
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, query, entry.UserID, entry.Reason, createdAt); err != nil {
		return fmt.Errorf("failed to upsert suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM call_suppressions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM call_suppressions WHERE user_id = $1)`
	if err := r.db.GetContext(ctx, &exists, query, userID); err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return exists, nil
}

func (r *SuppressionRepo) List(ctx context.Context) ([]*domain.SuppressionEntry, error) {
	var rows []struct {
		UserID    string    `db:"user_id"`
		Reason    string    `db:"reason"`
		CreatedAt time.Time `db:"created_at"`
	}
	query := `SELECT user_id, reason, created_at FROM call_suppressions ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	entries := make([]*domain.SuppressionEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, &domain.SuppressionEntry{
			UserID:    row.UserID,
			Reason:    row.Reason,
			CreatedAt: row.CreatedAt,
		})
	}
	return entries, nil
}
