package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type UsageRepository struct {
	db  *pgxpool.Pool
	loc *time.Location
}

// NewUsageRepository counts days in loc.
func NewUsageRepository(db *pgxpool.Pool, loc *time.Location) *UsageRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &UsageRepository{db: db, loc: loc}
}

func (r *UsageRepository) today() string {
	return time.Now().In(r.loc).Format("2006-01-02")
}

// IncrementSent increments messages_sent for today
func (r *UsageRepository) IncrementSent(ctx context.Context, sellerID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_usage (seller_id, date, messages_sent, messages_received)
		VALUES ($1, $2::date, 1, 0)
		ON CONFLICT (seller_id, date)
		DO UPDATE SET messages_sent = message_usage.messages_sent + 1
	`, sellerID, r.today())
	return err
}

// IncrementReceived increments messages_received for today
func (r *UsageRepository) IncrementReceived(ctx context.Context, sellerID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_usage (seller_id, date, messages_sent, messages_received)
		VALUES ($1, $2::date, 0, 1)
		ON CONFLICT (seller_id, date)
		DO UPDATE SET messages_received = message_usage.messages_received + 1
	`, sellerID, r.today())
	return err
}

// GetTodayUsage returns today's message count
func (r *UsageRepository) GetTodayUsage(ctx context.Context, sellerID string) (sent, received int, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(messages_sent), 0), COALESCE(SUM(messages_received), 0)
		FROM message_usage WHERE seller_id = $1 AND date = $2::date
	`, sellerID, r.today()).Scan(&sent, &received)
	return sent, received, err
}

// GetMonthUsage returns this month's total message count
func (r *UsageRepository) GetMonthUsage(ctx context.Context, sellerID string) (sent, received int, err error) {
	firstOfMonth := time.Now().In(r.loc).Format("2006-01") + "-01"
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(messages_sent), 0), COALESCE(SUM(messages_received), 0)
		FROM message_usage WHERE seller_id = $1 AND date >= $2::date
	`, sellerID, firstOfMonth).Scan(&sent, &received)
	return sent, received, err
}

// GetUsageHistory returns last N days of usage
func (r *UsageRepository) GetUsageHistory(ctx context.Context, sellerID string, days int) ([]entities.DailyUsage, error) {
	startDate := time.Now().In(r.loc).AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := r.db.Query(ctx, `
		SELECT date, messages_sent, messages_received
		FROM message_usage
		WHERE seller_id = $1 AND date >= $2::date
		ORDER BY date ASC
	`, sellerID, startDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := []entities.DailyUsage{}
	for rows.Next() {
		var u entities.DailyUsage
		if err := rows.Scan(&u.Date, &u.MessagesSent, &u.MessagesReceived); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
