package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// InstanceRepository stores one WhatsApp instance per seller.
type InstanceRepository struct {
	db *pgxpool.Pool
}

func NewInstanceRepository(db *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `seller_id, instance_name, instance_token, status, phone, qr_code,
	last_heartbeat_at, connected_at, updated_at`

func scanInstance(row pgx.Row) (*entities.WhatsAppInstance, error) {
	var i entities.WhatsAppInstance
	if err := row.Scan(&i.SellerID, &i.InstanceName, &i.InstanceToken, &i.Status, &i.Phone, &i.QRCode,
		&i.LastHeartbeatAt, &i.ConnectedAt, &i.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &i, nil
}

func (r *InstanceRepository) GetInstance(ctx context.Context, sellerID string) (*entities.WhatsAppInstance, error) {
	return scanInstance(r.db.QueryRow(ctx, "SELECT "+instanceColumns+" FROM whatsapp_instances WHERE seller_id = $1", sellerID))
}

func (r *InstanceRepository) GetInstanceByName(ctx context.Context, name string) (*entities.WhatsAppInstance, error) {
	return scanInstance(r.db.QueryRow(ctx, "SELECT "+instanceColumns+" FROM whatsapp_instances WHERE instance_name = $1", name))
}

func (r *InstanceRepository) UpsertInstance(ctx context.Context, inst *entities.WhatsAppInstance) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO whatsapp_instances (seller_id, instance_name, instance_token, status, phone, qr_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seller_id) DO UPDATE SET
			instance_name = EXCLUDED.instance_name,
			instance_token = CASE WHEN EXCLUDED.instance_token = '' THEN whatsapp_instances.instance_token
				ELSE EXCLUDED.instance_token END,
			status = EXCLUDED.status, updated_at = NOW()
		RETURNING updated_at`,
		inst.SellerID, inst.InstanceName, inst.InstanceToken, string(inst.Status), inst.Phone, inst.QRCode,
	).Scan(&inst.UpdatedAt)
}

// UpdateStatus records a status change. connected_at is set on the
// transition to connected and the QR code is cleared once connected.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, name string, status entities.InstanceStatus, heartbeat *time.Time) (previous entities.InstanceStatus, err error) {
	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		var prev string
		if err := tx.QueryRow(ctx,
			"SELECT status FROM whatsapp_instances WHERE instance_name = $1 FOR UPDATE", name).Scan(&prev); err != nil {
			return notFound(err)
		}
		previous = entities.InstanceStatus(prev)

		_, err := tx.Exec(ctx, `
			UPDATE whatsapp_instances SET
				status = $2,
				last_heartbeat_at = COALESCE($3, last_heartbeat_at),
				connected_at = CASE WHEN $2 = 'connected' AND status <> 'connected' THEN NOW() ELSE connected_at END,
				qr_code = CASE WHEN $2 = 'connected' THEN '' ELSE qr_code END,
				updated_at = NOW()
			WHERE instance_name = $1`, name, string(status), heartbeat)
		return err
	})
	return previous, err
}

func (r *InstanceRepository) SetQRCode(ctx context.Context, name, qr string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE whatsapp_instances SET qr_code = $2, status = 'connecting', updated_at = NOW()
		WHERE instance_name = $1`, name, qr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrInstanceNotFound
	}
	return nil
}

func (r *InstanceRepository) SetPhone(ctx context.Context, name, phone string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE whatsapp_instances SET phone = $2, updated_at = NOW() WHERE instance_name = $1", name, phone)
	return err
}

// StaleInstances lists instances not heartbeated since before.
func (r *InstanceRepository) StaleInstances(ctx context.Context, before time.Time) ([]entities.WhatsAppInstance, error) {
	return r.list(ctx, "SELECT "+instanceColumns+
		" FROM whatsapp_instances WHERE last_heartbeat_at IS NULL OR last_heartbeat_at < $1", before)
}

func (r *InstanceRepository) ListConnected(ctx context.Context) ([]entities.WhatsAppInstance, error) {
	return r.list(ctx, "SELECT "+instanceColumns+" FROM whatsapp_instances WHERE status = 'connected'")
}

func (r *InstanceRepository) list(ctx context.Context, query string, args ...any) ([]entities.WhatsAppInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := []entities.WhatsAppInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}
