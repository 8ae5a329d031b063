package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// CatalogRepository stores the seller's servers (IPTV panels) and plans.
type CatalogRepository struct {
	db *pgxpool.Pool
}

func NewCatalogRepository(db *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Servers

func (r *CatalogRepository) ListServers(ctx context.Context, sellerID string) ([]entities.Server, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, seller_id, name, panel_url, monthly_cost, is_active, notes, created_at
		FROM servers WHERE seller_id = $1 ORDER BY name`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []entities.Server{}
	for rows.Next() {
		var s entities.Server
		if err := rows.Scan(&s.ID, &s.SellerID, &s.Name, &s.PanelURL, &s.MonthlyCost, &s.IsActive, &s.Notes, &s.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (r *CatalogRepository) GetServer(ctx context.Context, sellerID, id string) (*entities.Server, error) {
	var s entities.Server
	err := r.db.QueryRow(ctx, `
		SELECT id, seller_id, name, panel_url, monthly_cost, is_active, notes, created_at
		FROM servers WHERE seller_id = $1 AND id = $2`, sellerID, id).
		Scan(&s.ID, &s.SellerID, &s.Name, &s.PanelURL, &s.MonthlyCost, &s.IsActive, &s.Notes, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// SaveServer inserts when ID is empty, otherwise updates the seller's row.
func (r *CatalogRepository) SaveServer(ctx context.Context, s *entities.Server) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
		return r.db.QueryRow(ctx, `
			INSERT INTO servers (id, seller_id, name, panel_url, monthly_cost, is_active, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
			s.ID, s.SellerID, s.Name, s.PanelURL, s.MonthlyCost, s.IsActive, s.Notes).Scan(&s.CreatedAt)
	}
	err := r.db.QueryRow(ctx, `
		UPDATE servers SET name = $3, panel_url = $4, monthly_cost = $5, is_active = $6, notes = $7
		WHERE id = $1 AND seller_id = $2 RETURNING created_at`,
		s.ID, s.SellerID, s.Name, s.PanelURL, s.MonthlyCost, s.IsActive, s.Notes).Scan(&s.CreatedAt)
	return notFound(err)
}

func (r *CatalogRepository) DeleteServer(ctx context.Context, sellerID, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM servers WHERE seller_id = $1 AND id = $2", sellerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// ServerCosts sums the monthly cost of active servers.
func (r *CatalogRepository) ServerCosts(ctx context.Context, sellerID string) (float64, error) {
	var total float64
	err := r.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(monthly_cost), 0)::float8 FROM servers WHERE seller_id = $1 AND is_active",
		sellerID).Scan(&total)
	return total, err
}

// Plans

const planColumns = "id, seller_id, name, duration_days, price, screens, is_active, created_at"

func scanPlan(row pgx.Row) (*entities.Plan, error) {
	var p entities.Plan
	if err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.DurationDays, &p.Price, &p.Screens, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *CatalogRepository) ListPlans(ctx context.Context, sellerID string) ([]entities.Plan, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+planColumns+" FROM plans WHERE seller_id = $1 ORDER BY duration_days, name", sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := []entities.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (r *CatalogRepository) GetPlan(ctx context.Context, sellerID, id string) (*entities.Plan, error) {
	return scanPlan(r.db.QueryRow(ctx,
		"SELECT "+planColumns+" FROM plans WHERE seller_id = $1 AND id = $2", sellerID, id))
}

func (r *CatalogRepository) SavePlan(ctx context.Context, p *entities.Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
		return r.db.QueryRow(ctx, `
			INSERT INTO plans (id, seller_id, name, duration_days, price, screens, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
			p.ID, p.SellerID, p.Name, p.DurationDays, p.Price, p.Screens, p.IsActive).Scan(&p.CreatedAt)
	}
	err := r.db.QueryRow(ctx, `
		UPDATE plans SET name = $3, duration_days = $4, price = $5, screens = $6, is_active = $7
		WHERE id = $1 AND seller_id = $2 RETURNING created_at`,
		p.ID, p.SellerID, p.Name, p.DurationDays, p.Price, p.Screens, p.IsActive).Scan(&p.CreatedAt)
	return notFound(err)
}

func (r *CatalogRepository) DeletePlan(ctx context.Context, sellerID, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM plans WHERE seller_id = $1 AND id = $2", sellerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// UpsertPlans imports plans in one transaction. Rows with an id owned by
// the seller are updated, the rest inserted with a fresh id.
func (r *CatalogRepository) UpsertPlans(ctx context.Context, sellerID string, plans []entities.Plan) (int, error) {
	imported := 0
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		for i := range plans {
			p := &plans[i]
			p.SellerID = sellerID
			if p.ID != "" {
				tag, err := tx.Exec(ctx, `
					UPDATE plans SET name = $3, duration_days = $4, price = $5, screens = $6, is_active = $7
					WHERE id = $1 AND seller_id = $2`,
					p.ID, sellerID, p.Name, p.DurationDays, p.Price, p.Screens, p.IsActive)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 1 {
					imported++
					continue
				}
			}
			p.ID = uuid.NewString()
			if _, err := tx.Exec(ctx, `
				INSERT INTO plans (id, seller_id, name, duration_days, price, screens, is_active)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				p.ID, sellerID, p.Name, p.DurationDays, p.Price, p.Screens, p.IsActive); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}
