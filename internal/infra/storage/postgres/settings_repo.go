package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// SettingsRepo stores the runtime guardrail settings as a single JSONB
// row, so new knobs never need a schema change.
type SettingsRepo struct {
	db *DB
}

// NewSettingsRepo creates a new PostgreSQL settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

func (r *SettingsRepo) Get(ctx context.Context) (domain.Settings, error) {
	var raw []byte
	err := r.db.GetContext(ctx, &raw, `SELECT data FROM voice_settings WHERE id = 1`)
	if err == sql.ErrNoRows {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	s := domain.DefaultSettings()
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}

func (r *SettingsRepo) Put(ctx context.Context, s domain.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	query := `
		INSERT INTO voice_settings (id, data, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, raw); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
