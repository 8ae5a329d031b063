package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantManager handles operations spanning all of a seller's data.
type TenantManager struct {
	db *pgxpool.Pool
}

func NewTenantManager(db *pgxpool.Pool) *TenantManager {
	return &TenantManager{db: db}
}

// PurgeTenant deletes the seller's rows from tables in the given order in a
// single transaction. Callers pass children before parents.
func (t *TenantManager) PurgeTenant(ctx context.Context, sellerID string, tables []string) error {
	if err := checkIdentifiers(tables...); err != nil {
		return err
	}
	return withTx(ctx, t.db, func(tx pgx.Tx) error {
		for _, table := range tables {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE seller_id = $1", table), sellerID); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}
