package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// ConfigRepository stores the per-seller bot and reminder settings as one
// JSON document.
type ConfigRepository struct {
	db *pgxpool.Pool
}

func NewConfigRepository(db *pgxpool.Pool) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// GetSettings returns the defaults when the seller never saved settings.
func (r *ConfigRepository) GetSettings(ctx context.Context, sellerID string) (entities.BotSettings, error) {
	settings := entities.DefaultBotSettings()
	err := r.db.QueryRow(ctx, "SELECT settings FROM bot_settings WHERE seller_id = $1", sellerID).Scan(&settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.DefaultBotSettings(), nil
	}
	if err != nil {
		return settings, err
	}
	return settings, nil
}

func (r *ConfigRepository) SaveSettings(ctx context.Context, sellerID string, settings entities.BotSettings) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO bot_settings (seller_id, settings, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (seller_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = NOW()
	`, sellerID, settings)
	return err
}
