package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// CartRepo reads the shared commerce tables (carts, orders, users) as
// the scanner's collaborator. The recovery engine never writes here.
type CartRepo struct {
	db *DB
}

// NewCartRepo creates a new PostgreSQL cart source.
func NewCartRepo(db *DB) *CartRepo {
	return &CartRepo{db: db}
}

func (r *CartRepo) AbandonedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.AbandonedCart, error) {
	var rows []struct {
		CartID         string          `db:"cart_id"`
		UserID         string          `db:"user_id"`
		PhoneNumber    sql.NullString  `db:"phone"`
		Timezone       sql.NullString  `db:"timezone"`
		ItemCount      int             `db:"item_count"`
		TotalUSD       float64         `db:"total_usd"`
		TopItemName    sql.NullString  `db:"top_item_name"`
		LastActivityAt time.Time       `db:"last_activity_at"`
	}
	query := `
		SELECT c.id AS cart_id, c.user_id, u.phone, u.timezone,
		       c.item_count, c.total_usd, c.top_item_name,
		       c.updated_at AS last_activity_at
		FROM carts c
		JOIN users u ON u.id = c.user_id
		WHERE c.updated_at <= $1
		  AND c.item_count > 0
		  AND NOT EXISTS (
			SELECT 1 FROM orders o
			WHERE o.user_id = c.user_id AND o.created_at > c.updated_at
		  )
		ORDER BY c.updated_at ASC
		LIMIT $2
	`
	if err := r.db.SelectContext(ctx, &rows, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to query abandoned carts: %w", err)
	}

	carts := make([]*domain.AbandonedCart, 0, len(rows))
	for _, row := range rows {
		carts = append(carts, &domain.AbandonedCart{
			CartID:         row.CartID,
			UserID:         row.UserID,
			PhoneNumber:    row.PhoneNumber.String,
			Timezone:       row.Timezone.String,
			ItemCount:      row.ItemCount,
			TotalUSD:       row.TotalUSD,
			TopItemName:    row.TopItemName.String,
			LastActivityAt: row.LastActivityAt,
		})
	}
	return carts, nil
}

func (r *CartRepo) Status(ctx context.Context, cartID string) (domain.CartStatus, error) {
	var row struct {
		ItemCount int       `db:"item_count"`
		UserID    string    `db:"user_id"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT item_count, user_id, updated_at FROM carts WHERE id = $1`, cartID)
	if err == sql.ErrNoRows {
		return domain.CartStatus{Exists: false}, nil
	}
	if err != nil {
		return domain.CartStatus{}, fmt.Errorf("failed to load cart %s: %w", cartID, err)
	}

	var converted bool
	err = r.db.GetContext(ctx, &converted, `
		SELECT EXISTS (
			SELECT 1 FROM orders WHERE user_id = $1 AND created_at > $2
		)`, row.UserID, row.UpdatedAt)
	if err != nil {
		return domain.CartStatus{}, fmt.Errorf("failed to check conversion for cart %s: %w", cartID, err)
	}

	return domain.CartStatus{
		Exists:    true,
		Converted: converted,
		Cleared:   row.ItemCount == 0,
	}, nil
}
