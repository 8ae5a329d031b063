package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type ClientRepository struct {
	db *pgxpool.Pool
}

func NewClientRepository(db *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = `c.id, c.seller_id, c.name, c.phone, c.email, c.login_enc, c.password_enc,
	c.server_id, c.plan_id, COALESCE(p.name, ''), c.price::float8, c.expiration_date, c.is_paid,
	c.device, c.notes, c.archived, c.created_at, c.updated_at`

const clientFrom = " FROM clients c LEFT JOIN plans p ON p.id = c.plan_id "

func scanClient(row pgx.Row) (*entities.Client, error) {
	var c entities.Client
	err := row.Scan(&c.ID, &c.SellerID, &c.Name, &c.Phone, &c.Email, &c.LoginEnc, &c.PasswordEnc,
		&c.ServerID, &c.PlanID, &c.PlanName, &c.Price, &c.ExpirationDate, &c.IsPaid,
		&c.Device, &c.Notes, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SaveClient writes the client, replaces its apps and records the optional
// payment in one transaction. An update of a client owned by another seller
// fails with ErrNotFound and nothing is written.
func (r *ClientRepository) SaveClient(ctx context.Context, c *entities.Client, apps []entities.ClientApp, payment *entities.Payment) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO clients (id, seller_id, name, phone, email, login_enc, password_enc,
				server_id, plan_id, price, expiration_date, is_paid, device, notes, archived)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, phone = EXCLUDED.phone, email = EXCLUDED.email,
				login_enc = EXCLUDED.login_enc, password_enc = EXCLUDED.password_enc,
				server_id = EXCLUDED.server_id, plan_id = EXCLUDED.plan_id, price = EXCLUDED.price,
				expiration_date = EXCLUDED.expiration_date, is_paid = EXCLUDED.is_paid,
				device = EXCLUDED.device, notes = EXCLUDED.notes, updated_at = NOW()
			WHERE clients.seller_id = EXCLUDED.seller_id
			RETURNING created_at, updated_at`,
			c.ID, c.SellerID, c.Name, c.Phone, c.Email, c.LoginEnc, c.PasswordEnc,
			c.ServerID, c.PlanID, c.Price, c.ExpirationDate, c.IsPaid, c.Device, c.Notes, c.Archived,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert client: %w", notFound(err))
		}

		if _, err := tx.Exec(ctx, "DELETE FROM client_apps WHERE client_id = $1", c.ID); err != nil {
			return fmt.Errorf("clear client apps: %w", err)
		}
		for i := range apps {
			app := &apps[i]
			if app.ID == "" {
				app.ID = uuid.NewString()
			}
			app.ClientID = c.ID
			app.SellerID = c.SellerID
			if err := tx.QueryRow(ctx, `
				INSERT INTO client_apps (id, seller_id, client_id, app_name, mac_address, device_key_enc, expiration_date)
				VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
				app.ID, app.SellerID, app.ClientID, app.AppName, app.MACAddress, app.DeviceKeyEnc, app.ExpirationDate,
			).Scan(&app.CreatedAt); err != nil {
				return fmt.Errorf("insert client app %q: %w", app.AppName, err)
			}
		}
		c.Apps = apps

		if payment != nil {
			if err := insertPayment(ctx, tx, payment); err != nil {
				return fmt.Errorf("record initial payment: %w", err)
			}
		}
		return nil
	})
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *entities.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (id, seller_id, client_id, amount, months, method, notes, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.SellerID, p.ClientID, p.Amount, p.Months, p.Method, p.Notes, p.PaidAt)
	return err
}

func (r *ClientRepository) GetClient(ctx context.Context, sellerID, id string) (*entities.Client, error) {
	c, err := scanClient(r.db.QueryRow(ctx,
		"SELECT "+clientColumns+clientFrom+"WHERE c.seller_id = $1 AND c.id = $2", sellerID, id))
	if err != nil {
		return nil, err
	}
	apps, err := r.listApps(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Apps = apps
	return c, nil
}

// FindByPhone returns the most recently updated client with the phone.
func (r *ClientRepository) FindByPhone(ctx context.Context, sellerID, phone string) (*entities.Client, error) {
	return scanClient(r.db.QueryRow(ctx,
		"SELECT "+clientColumns+clientFrom+`WHERE c.seller_id = $1 AND c.phone = $2 AND NOT c.archived
		ORDER BY c.updated_at DESC LIMIT 1`, sellerID, phone))
}

func (r *ClientRepository) listApps(ctx context.Context, clientID string) ([]entities.ClientApp, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, client_id, seller_id, app_name, mac_address, device_key_enc, expiration_date, created_at
		FROM client_apps WHERE client_id = $1 ORDER BY created_at, app_name`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := []entities.ClientApp{}
	for rows.Next() {
		var a entities.ClientApp
		if err := rows.Scan(&a.ID, &a.ClientID, &a.SellerID, &a.AppName, &a.MACAddress, &a.DeviceKeyEnc,
			&a.ExpirationDate, &a.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// ListClients filters by status relative to today, which the caller passes
// in the seller's timezone.
func (r *ClientRepository) ListClients(ctx context.Context, sellerID string, f entities.ClientFilter, today time.Time) ([]entities.Client, int, error) {
	where := []string{"c.seller_id = $1", "c.archived = $2"}
	args := []any{sellerID, f.Archived}
	day := today.Format("2006-01-02")

	switch f.Status {
	case entities.ClientExpired:
		args = append(args, day)
		where = append(where, fmt.Sprintf("c.expiration_date < $%d::date", len(args)))
	case entities.ClientExpiring:
		args = append(args, day)
		where = append(where, fmt.Sprintf("c.expiration_date BETWEEN $%d::date AND $%d::date + %d",
			len(args), len(args), entities.ExpiringWindowDays))
	case entities.ClientActive:
		args = append(args, day)
		where = append(where, fmt.Sprintf("c.expiration_date > $%d::date + %d", len(args), entities.ExpiringWindowDays))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(c.name ILIKE $%d OR c.phone ILIKE $%d OR c.email ILIKE $%d)", n, n, n))
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM clients c"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf("SELECT %s%s%s ORDER BY c.expiration_date, c.name LIMIT $%d OFFSET $%d",
		clientColumns, clientFrom, cond, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	clients := []entities.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, *c)
	}
	return clients, total, rows.Err()
}

// ClientsExpiringOn lists unarchived clients whose expiration is day.
func (r *ClientRepository) ClientsExpiringOn(ctx context.Context, sellerID string, day time.Time) ([]entities.Client, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+clientColumns+clientFrom+"WHERE c.seller_id = $1 AND NOT c.archived AND c.expiration_date = $2::date",
		sellerID, day.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := []entities.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func (r *ClientRepository) DeleteClient(ctx context.Context, sellerID, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM clients WHERE seller_id = $1 AND id = $2", sellerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (r *ClientRepository) ArchiveClient(ctx context.Context, sellerID, id string, archived bool) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE clients SET archived = $3, updated_at = NOW() WHERE seller_id = $1 AND id = $2",
		sellerID, id, archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// Billing

// RenewClient moves the expiration date, marks the client paid and records
// the payment in one transaction.
func (r *ClientRepository) RenewClient(ctx context.Context, sellerID, clientID string, expiration time.Time, payment *entities.Payment) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE clients SET expiration_date = $3, is_paid = TRUE, updated_at = NOW()
			WHERE seller_id = $1 AND id = $2`, sellerID, clientID, expiration)
		if err != nil {
			return fmt.Errorf("update expiration: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return entities.ErrNotFound
		}
		if err := insertPayment(ctx, tx, payment); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		return nil
	})
}

func (r *ClientRepository) ListPayments(ctx context.Context, sellerID string, since time.Time, limit int) ([]entities.Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, seller_id, client_id, amount::float8, months, method, notes, paid_at
		FROM payments WHERE seller_id = $1 AND paid_at >= $2
		ORDER BY paid_at DESC LIMIT $3`, sellerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []entities.Payment{}
	for rows.Next() {
		var p entities.Payment
		if err := rows.Scan(&p.ID, &p.SellerID, &p.ClientID, &p.Amount, &p.Months, &p.Method, &p.Notes, &p.PaidAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// StatusCounts returns client counts and the monthly value of unexpired
// clients, normalised by plan duration.
func (r *ClientRepository) StatusCounts(ctx context.Context, sellerID string, today time.Time) (active, expiring, expired int, projected float64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE c.expiration_date > $2::date + $3),
			COUNT(*) FILTER (WHERE c.expiration_date BETWEEN $2::date AND $2::date + $3),
			COUNT(*) FILTER (WHERE c.expiration_date < $2::date),
			COALESCE(SUM(c.price * 30.0 / GREATEST(COALESCE(p.duration_days, 30), 1))
				FILTER (WHERE c.expiration_date >= $2::date), 0)::float8
		FROM clients c LEFT JOIN plans p ON p.id = c.plan_id
		WHERE c.seller_id = $1 AND NOT c.archived`,
		sellerID, today.Format("2006-01-02"), entities.ExpiringWindowDays,
	).Scan(&active, &expiring, &expired, &projected)
	return
}

func (r *ClientRepository) RevenueSince(ctx context.Context, sellerID string, since time.Time) (float64, error) {
	var total float64
	err := r.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::float8 FROM payments WHERE seller_id = $1 AND paid_at >= $2",
		sellerID, since).Scan(&total)
	return total, err
}

// ClaimReminder records that a reminder is being sent. It returns false when
// the (client, expiration, offset) reminder was already claimed.
func (r *ClientRepository) ClaimReminder(ctx context.Context, sellerID, clientID string, expiration time.Time, offset int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO billing_reminders (client_id, expiration_date, offset_days, seller_id)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT DO NOTHING`, clientID, expiration.Format("2006-01-02"), offset, sellerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseReminder removes a claim whose send failed so it is retried.
func (r *ClientRepository) ReleaseReminder(ctx context.Context, clientID string, expiration time.Time, offset int) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM billing_reminders WHERE client_id = $1 AND expiration_date = $2::date AND offset_days = $3`,
		clientID, expiration.Format("2006-01-02"), offset)
	return err
}
