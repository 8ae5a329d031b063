package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableManager reads and writes tenant tables generically for backup and
// restore. Table and column names come from a fixed whitelist upstream and
// are checked again here before being spliced into SQL.
type TableManager struct {
	db *pgxpool.Pool
}

func NewTableManager(db *pgxpool.Pool) *TableManager {
	return &TableManager{db: db}
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierPattern.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

// ExportTable returns the seller's rows of table as JSON-shaped maps.
func (m *TableManager) ExportTable(ctx context.Context, table, sellerID string) ([]map[string]any, error) {
	if err := checkIdentifiers(table); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(ctx,
		fmt.Sprintf("SELECT to_jsonb(t) FROM %s t WHERE t.seller_id = $1", table), sellerID)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	results := []map[string]any{}
	for rows.Next() {
		var row map[string]any
		if err := rows.Scan(&row); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func insertSQL(table string, columns []string, rowCount int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	n := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")
	return sb.String()
}

// maxBulkParams keeps a single statement under the Postgres bind limit.
const maxBulkParams = 60000

// BulkInsert inserts all rows in one transaction. Rows that conflict with
// an existing key are skipped; the number actually inserted is returned.
func (m *TableManager) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	if err := checkIdentifiers(append([]string{table}, columns...)...); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	chunk := maxBulkParams / len(columns)
	if chunk < 1 {
		chunk = 1
	}

	inserted := 0
	err := withTx(ctx, m.db, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += chunk {
			end := start + chunk
			if end > len(rows) {
				end = len(rows)
			}
			args := make([]any, 0, (end-start)*len(columns))
			for _, row := range rows[start:end] {
				args = append(args, row...)
			}
			tag, err := tx.Exec(ctx, insertSQL(table, columns, end-start), args...)
			if err != nil {
				return fmt.Errorf("bulk insert %s: %w", table, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertRow inserts one row outside any transaction. It returns false when
// the row conflicted with an existing key.
func (m *TableManager) InsertRow(ctx context.Context, table string, columns []string, row []any) (bool, error) {
	if err := checkIdentifiers(append([]string{table}, columns...)...); err != nil {
		return false, err
	}
	tag, err := m.db.Exec(ctx, insertSQL(table, columns, 1), row...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
