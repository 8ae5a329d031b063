package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type TableStore interface {
	ExportTable(ctx context.Context, table, sellerID string) ([]map[string]any, error)
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int, error)
	InsertRow(ctx context.Context, table string, columns []string, row []any) (bool, error)
}

type TenantPurger interface {
	PurgeTenant(ctx context.Context, sellerID string, tables []string) error
}

const BackupVersion = 1

type RestoreMode string

const (
	RestoreMerge   RestoreMode = "merge"
	RestoreReplace RestoreMode = "replace"
)

// BackupDocument is the portable export of one seller's data. Credential
// columns stay encrypted.
type BackupDocument struct {
	Version   int                         `json:"version"`
	CreatedAt time.Time                   `json:"created_at"`
	SellerID  string                      `json:"seller_id"`
	Tables    map[string][]map[string]any `json:"tables"`
}

type TableReport struct {
	Table    string   `json:"table"`
	Total    int      `json:"total"`
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

type RestoreReport struct {
	Mode   RestoreMode   `json:"mode"`
	Tables []TableReport `json:"tables"`
}

type columnKind int

const (
	kindText columnKind = iota
	kindInt
	kindNumeric
	kindBool
	kindDate
	kindTimestamp
	kindJSON
)

type column struct {
	name     string
	kind     columnKind
	nullable bool
	def      any
	ref      string // parent table the value must resolve in
}

type backupTable struct {
	name    string
	columns []column
}

// backupTables lists tenant tables parents first.
var backupTables = []backupTable{
	{"servers", []column{
		{name: "id"}, {name: "name"}, {name: "panel_url"},
		{name: "monthly_cost", kind: kindNumeric}, {name: "is_active", kind: kindBool, def: true},
		{name: "notes"}, {name: "created_at", kind: kindTimestamp},
	}},
	{"plans", []column{
		{name: "id"}, {name: "name"}, {name: "duration_days", kind: kindInt, def: 30},
		{name: "price", kind: kindNumeric}, {name: "screens", kind: kindInt, def: 1},
		{name: "is_active", kind: kindBool, def: true}, {name: "created_at", kind: kindTimestamp},
	}},
	{"clients", []column{
		{name: "id"}, {name: "name"}, {name: "phone"}, {name: "email"},
		{name: "login_enc"}, {name: "password_enc"},
		{name: "server_id", nullable: true, ref: "servers"}, {name: "plan_id", nullable: true, ref: "plans"},
		{name: "price", kind: kindNumeric}, {name: "expiration_date", kind: kindDate},
		{name: "is_paid", kind: kindBool}, {name: "device"}, {name: "notes"},
		{name: "archived", kind: kindBool},
		{name: "created_at", kind: kindTimestamp}, {name: "updated_at", kind: kindTimestamp},
	}},
	{"client_apps", []column{
		{name: "id"}, {name: "client_id", ref: "clients"}, {name: "app_name"}, {name: "mac_address"},
		{name: "device_key_enc"}, {name: "expiration_date", kind: kindDate, nullable: true},
		{name: "created_at", kind: kindTimestamp},
	}},
	{"payments", []column{
		{name: "id"}, {name: "client_id", nullable: true, ref: "clients"}, {name: "amount", kind: kindNumeric},
		{name: "months", kind: kindInt, def: 1}, {name: "method"}, {name: "notes"},
		{name: "paid_at", kind: kindTimestamp},
	}},
	{"bot_flows", []column{
		{name: "id"}, {name: "name"}, {name: "trigger_keywords", kind: kindJSON, def: []any{}},
		{name: "is_default", kind: kindBool}, {name: "is_active", kind: kindBool, def: true},
		{name: "start_node"}, {name: "nodes", kind: kindJSON, def: []any{}},
		{name: "created_at", kind: kindTimestamp}, {name: "updated_at", kind: kindTimestamp},
	}},
	{"bot_settings", []column{
		{name: "settings", kind: kindJSON, def: map[string]any{}},
		{name: "updated_at", kind: kindTimestamp},
	}},
}

// referenced reports whether a later table points into name.
func referenced(name string) bool {
	for _, t := range backupTables {
		for _, c := range t.columns {
			if c.ref == name {
				return true
			}
		}
	}
	return false
}

func backupTableNames() []string {
	names := make([]string, len(backupTables))
	for i, t := range backupTables {
		names[i] = t.name
	}
	return names
}

// BackupUsecase exports and restores a seller's tenant tables.
type BackupUsecase struct {
	tables  TableStore
	purger  TenantPurger
	locker  interfaces.Locker
	dir     string
	now     func() time.Time
	log     *logrus.Entry
	maxErrs int
}

func NewBackupUsecase(tables TableStore, purger TenantPurger, locker interfaces.Locker, dir string) *BackupUsecase {
	return &BackupUsecase{
		tables:  tables,
		purger:  purger,
		locker:  locker,
		dir:     dir,
		now:     time.Now,
		log:     logger.Component("backup"),
		maxErrs: 20,
	}
}

func (uc *BackupUsecase) Export(ctx context.Context, sellerID string) (*BackupDocument, error) {
	doc := &BackupDocument{
		Version:   BackupVersion,
		CreatedAt: uc.now().UTC(),
		SellerID:  sellerID,
		Tables:    make(map[string][]map[string]any, len(backupTables)),
	}
	for _, t := range backupTables {
		rows, err := uc.tables.ExportTable(ctx, t.name, sellerID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			for k := range row {
				if _, ok := t.column(k); !ok {
					delete(row, k)
				}
			}
		}
		doc.Tables[t.name] = rows
	}
	return doc, nil
}

// WriteFile exports the seller and writes the document under the backup
// directory when path is empty.
func (uc *BackupUsecase) WriteFile(ctx context.Context, sellerID, path string) (string, error) {
	doc, err := uc.Export(ctx, sellerID)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(uc.dir, fmt.Sprintf("%s-%s.json", sellerID, doc.CreatedAt.Format("20060102-150405")))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

func ReadBackupFile(path string) (*BackupDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc BackupDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &doc, nil
}

// Restore loads doc into sellerID. Replace purges the tenant first; both
// modes skip rows whose key already exists. Each table is bulk-inserted in
// one transaction and falls back to row-by-row inserts when that fails.
// References must resolve to rows the tenant owns once their parent table is
// restored: optional ones are cleared, rows with a required one are dropped.
func (uc *BackupUsecase) Restore(ctx context.Context, sellerID string, doc *BackupDocument, mode RestoreMode) (*RestoreReport, error) {
	if err := validation.Validate(string(mode), validation.In(string(RestoreMerge), string(RestoreReplace))); err != nil {
		return nil, validation.Errors{"mode": err}
	}
	if doc == nil || doc.Version < 1 || doc.Version > BackupVersion {
		return nil, validation.Errors{"version": fmt.Errorf("unsupported backup version")}
	}
	if mode == "" {
		mode = RestoreMerge
	}

	token, err := waitLock(ctx, uc.locker, restoreKey(sellerID), restoreLockTTL, 0)
	if err != nil {
		return nil, err
	}
	defer unlock(uc.locker, restoreKey(sellerID), token)

	if mode == RestoreReplace {
		names := backupTableNames()
		reversed := make([]string, 0, len(names))
		for i := len(names) - 1; i >= 0; i-- {
			reversed = append(reversed, names[i])
		}
		if err := uc.purger.PurgeTenant(ctx, sellerID, reversed); err != nil {
			return nil, fmt.Errorf("purge tenant: %w", err)
		}
	}

	report := &RestoreReport{Mode: mode}
	owned := map[string]map[string]bool{}
	for _, t := range backupTables {
		if rows := doc.Tables[t.name]; len(rows) > 0 {
			report.Tables = append(report.Tables, uc.restoreTable(ctx, sellerID, t, rows, owned))
		}
		if referenced(t.name) {
			ids, err := uc.tenantIDs(ctx, t.name, sellerID)
			if err != nil {
				return nil, err
			}
			owned[t.name] = ids
		}
	}

	uc.log.WithFields(logrus.Fields{"seller": sellerID, "mode": mode, "source": doc.SellerID}).Info("restore finished")
	return report, nil
}

func (uc *BackupUsecase) tenantIDs(ctx context.Context, table, sellerID string) (map[string]bool, error) {
	rows, err := uc.tables.ExportTable(ctx, table, sellerID)
	if err != nil {
		return nil, fmt.Errorf("load %s ids: %w", table, err)
	}
	ids := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id := cast.ToString(row["id"]); id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}

func (uc *BackupUsecase) restoreTable(ctx context.Context, sellerID string, t backupTable, rows []map[string]any, owned map[string]map[string]bool) TableReport {
	rep := TableReport{Table: t.name, Total: len(rows)}
	columns := append([]string{"seller_id"}, t.columnNames()...)

	values := make([][]any, 0, len(rows))
	for i, row := range rows {
		v, err := t.coerce(row, uc.now())
		if err == nil {
			err = t.resolveRefs(v, owned)
		}
		if err != nil {
			rep.Failed++
			uc.addError(&rep, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		values = append(values, append([]any{sellerID}, v...))
	}

	inserted, err := uc.tables.BulkInsert(ctx, t.name, columns, values)
	if err == nil {
		rep.Inserted = inserted
		rep.Skipped = len(values) - inserted
		return rep
	}

	uc.log.WithField("table", t.name).Warnf("bulk insert failed, inserting row by row: %v", err)
	for i, v := range values {
		ok, err := uc.tables.InsertRow(ctx, t.name, columns, v)
		switch {
		case err != nil:
			rep.Failed++
			uc.addError(&rep, fmt.Sprintf("row %d: %v", i, err))
			uc.log.WithField("table", t.name).Debugf("row %d not restored: %v", i, err)
		case ok:
			rep.Inserted++
		default:
			rep.Skipped++
		}
	}
	return rep
}

func (uc *BackupUsecase) addError(rep *TableReport, msg string) {
	if len(rep.Errors) < uc.maxErrs {
		rep.Errors = append(rep.Errors, msg)
	}
}

func (t backupTable) column(name string) (column, bool) {
	for _, c := range t.columns {
		if c.name == name {
			return c, true
		}
	}
	return column{}, false
}

func (t backupTable) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// resolveRefs clears optional references the tenant does not own and fails
// on a required one.
func (t backupTable) resolveRefs(values []any, owned map[string]map[string]bool) error {
	for i, c := range t.columns {
		if c.ref == "" || values[i] == nil {
			continue
		}
		if id, _ := values[i].(string); owned[c.ref][id] {
			continue
		}
		if c.nullable {
			values[i] = nil
			continue
		}
		return fmt.Errorf("%s: unknown %s reference", c.name, c.ref)
	}
	return nil
}

// coerce converts a JSON row into column values in columnNames order.
// Unknown keys are dropped.
func (t backupTable) coerce(row map[string]any, now time.Time) ([]any, error) {
	out := make([]any, len(t.columns))
	for i, c := range t.columns {
		v, err := c.coerce(row[c.name], now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c column) coerce(raw any, now time.Time) (any, error) {
	if raw == nil || raw == "" {
		switch {
		case c.name == "id":
			return uuid.NewString(), nil
		case c.nullable:
			return nil, nil
		case c.def != nil:
			raw = c.def
		}
	}

	switch c.kind {
	case kindInt:
		return cast.ToIntE(raw)
	case kindNumeric:
		return cast.ToFloat64E(raw)
	case kindBool:
		return cast.ToBoolE(raw)
	case kindDate:
		if raw == nil || raw == "" {
			return nil, fmt.Errorf("date is required")
		}
		d, err := cast.ToTimeE(raw)
		if err != nil {
			return nil, err
		}
		y, m, day := d.Date()
		return time.Date(y, m, day, 0, 0, 0, 0, time.UTC), nil
	case kindTimestamp:
		if raw == nil || raw == "" {
			return now, nil
		}
		return cast.ToTimeE(raw)
	case kindJSON:
		if s, ok := raw.(string); ok && json.Valid([]byte(s)) {
			return json.RawMessage(s), nil
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	default:
		return cast.ToStringE(raw)
	}
}
