package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// BotRepository stores chatbot flows and the Postgres flavour of the
// conversation session store.
type BotRepository struct {
	db *pgxpool.Pool
}

func NewBotRepository(db *pgxpool.Pool) *BotRepository {
	return &BotRepository{db: db}
}

const flowColumns = "id, seller_id, name, trigger_keywords, is_default, is_active, start_node, nodes, created_at, updated_at"

func scanFlow(row pgx.Row) (*entities.BotFlow, error) {
	var f entities.BotFlow
	if err := row.Scan(&f.ID, &f.SellerID, &f.Name, &f.TriggerKeywords, &f.IsDefault, &f.IsActive,
		&f.StartNode, &f.Nodes, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	if f.TriggerKeywords == nil {
		f.TriggerKeywords = []string{}
	}
	return &f, nil
}

func (r *BotRepository) listFlows(ctx context.Context, query string, args ...any) ([]entities.BotFlow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flows := []entities.BotFlow{}
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

func (r *BotRepository) ListFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error) {
	return r.listFlows(ctx, "SELECT "+flowColumns+" FROM bot_flows WHERE seller_id = $1 ORDER BY name", sellerID)
}

// ActiveFlows lists active flows with the default flow last.
func (r *BotRepository) ActiveFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error) {
	return r.listFlows(ctx, "SELECT "+flowColumns+
		" FROM bot_flows WHERE seller_id = $1 AND is_active ORDER BY is_default, created_at", sellerID)
}

func (r *BotRepository) GetFlow(ctx context.Context, sellerID, id string) (*entities.BotFlow, error) {
	return scanFlow(r.db.QueryRow(ctx, "SELECT "+flowColumns+" FROM bot_flows WHERE seller_id = $1 AND id = $2", sellerID, id))
}

// SaveFlow inserts or updates a flow. Marking a flow default clears the flag
// on the seller's other flows in the same transaction.
func (r *BotRepository) SaveFlow(ctx context.Context, f *entities.BotFlow) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		isNew := f.ID == ""
		if isNew {
			f.ID = uuid.NewString()
		}
		if f.IsDefault {
			if _, err := tx.Exec(ctx,
				"UPDATE bot_flows SET is_default = FALSE WHERE seller_id = $1 AND id <> $2", f.SellerID, f.ID); err != nil {
				return err
			}
		}
		if isNew {
			return tx.QueryRow(ctx, `
				INSERT INTO bot_flows (id, seller_id, name, trigger_keywords, is_default, is_active, start_node, nodes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
				f.ID, f.SellerID, f.Name, f.TriggerKeywords, f.IsDefault, f.IsActive, f.StartNode, f.Nodes,
			).Scan(&f.CreatedAt, &f.UpdatedAt)
		}
		err := tx.QueryRow(ctx, `
			UPDATE bot_flows SET name = $3, trigger_keywords = $4, is_default = $5, is_active = $6,
				start_node = $7, nodes = $8, updated_at = NOW()
			WHERE id = $1 AND seller_id = $2 RETURNING created_at, updated_at`,
			f.ID, f.SellerID, f.Name, f.TriggerKeywords, f.IsDefault, f.IsActive, f.StartNode, f.Nodes,
		).Scan(&f.CreatedAt, &f.UpdatedAt)
		return notFound(err)
	})
}

func (r *BotRepository) DeleteFlow(ctx context.Context, sellerID, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM bot_flows WHERE seller_id = $1 AND id = $2", sellerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// Sessions

func (r *BotRepository) GetSession(ctx context.Context, sellerID, phone string) (*entities.BotSession, error) {
	var s entities.BotSession
	err := r.db.QueryRow(ctx, `
		SELECT id, seller_id, phone, flow_id, current_node, status, vars, invalid_attempts, last_interaction, created_at
		FROM bot_sessions WHERE seller_id = $1 AND phone = $2`, sellerID, phone,
	).Scan(&s.ID, &s.SellerID, &s.Phone, &s.FlowID, &s.CurrentNode, &s.Status, &s.Vars,
		&s.InvalidAttempts, &s.LastInteraction, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if s.Vars == nil {
		s.Vars = map[string]string{}
	}
	return &s, nil
}

func (r *BotRepository) SaveSession(ctx context.Context, s *entities.BotSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Vars == nil {
		s.Vars = map[string]string{}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO bot_sessions (id, seller_id, phone, flow_id, current_node, status, vars,
			invalid_attempts, last_interaction, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seller_id, phone) DO UPDATE SET
			flow_id = EXCLUDED.flow_id, current_node = EXCLUDED.current_node, status = EXCLUDED.status,
			vars = EXCLUDED.vars, invalid_attempts = EXCLUDED.invalid_attempts,
			last_interaction = EXCLUDED.last_interaction`,
		s.ID, s.SellerID, s.Phone, s.FlowID, s.CurrentNode, string(s.Status), s.Vars,
		s.InvalidAttempts, s.LastInteraction, s.CreatedAt)
	return err
}

func (r *BotRepository) DeleteSession(ctx context.Context, sellerID, phone string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM bot_sessions WHERE seller_id = $1 AND phone = $2", sellerID, phone)
	return err
}

func (r *BotRepository) CountSessions(ctx context.Context, sellerID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM bot_sessions WHERE seller_id = $1 AND status <> 'ended'", sellerID).Scan(&n)
	return n, err
}

// PurgeIdle removes sessions untouched since before.
func (r *BotRepository) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM bot_sessions WHERE last_interaction < $1", before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
