package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresClient{Pool: pool}, nil
}

// schema is applied in order; every statement is idempotent.
var schema = []struct {
	name string
	sql  string
}{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			full_name VARCHAR(255) NOT NULL DEFAULT '',
			whatsapp VARCHAR(32) NOT NULL DEFAULT '',
			company_name VARCHAR(255) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_permanent BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"user_roles", `
		CREATE TABLE IF NOT EXISTS user_roles (
			user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"auth_sessions", `
		CREATE TABLE IF NOT EXISTS auth_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			refresh_token_hash VARCHAR(64) UNIQUE NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			ip VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`},
	{"servers", `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(120) NOT NULL,
			panel_url TEXT NOT NULL DEFAULT '',
			monthly_cost NUMERIC(12,2) NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"plans", `
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(120) NOT NULL,
			duration_days INT NOT NULL DEFAULT 30,
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			screens INT NOT NULL DEFAULT 1,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"clients", `
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(120) NOT NULL,
			phone VARCHAR(20) NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			login_enc TEXT NOT NULL DEFAULT '',
			password_enc TEXT NOT NULL DEFAULT '',
			server_id TEXT REFERENCES servers(id) ON DELETE SET NULL,
			plan_id TEXT REFERENCES plans(id) ON DELETE SET NULL,
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			expiration_date DATE NOT NULL,
			is_paid BOOLEAN NOT NULL DEFAULT FALSE,
			device VARCHAR(120) NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"clients_seller_phone_idx", `CREATE INDEX IF NOT EXISTS clients_seller_phone_idx ON clients (seller_id, phone)`},
	{"clients_seller_expiration_idx", `CREATE INDEX IF NOT EXISTS clients_seller_expiration_idx ON clients (seller_id, expiration_date)`},
	{"client_apps", `
		CREATE TABLE IF NOT EXISTS client_apps (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			app_name VARCHAR(120) NOT NULL,
			mac_address VARCHAR(64) NOT NULL DEFAULT '',
			device_key_enc TEXT NOT NULL DEFAULT '',
			expiration_date DATE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"payments", `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_id TEXT REFERENCES clients(id) ON DELETE SET NULL,
			amount NUMERIC(12,2) NOT NULL,
			months INT NOT NULL DEFAULT 1,
			method VARCHAR(40) NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			paid_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"billing_reminders", `
		CREATE TABLE IF NOT EXISTS billing_reminders (
			client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			expiration_date DATE NOT NULL,
			offset_days INT NOT NULL,
			seller_id TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (client_id, expiration_date, offset_days)
		)`},
	{"whatsapp_instances", `
		CREATE TABLE IF NOT EXISTS whatsapp_instances (
			seller_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			instance_name VARCHAR(64) UNIQUE NOT NULL,
			instance_token TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'disconnected',
			phone VARCHAR(32) NOT NULL DEFAULT '',
			qr_code TEXT NOT NULL DEFAULT '',
			last_heartbeat_at TIMESTAMPTZ,
			connected_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"bot_settings", `
		CREATE TABLE IF NOT EXISTS bot_settings (
			seller_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			settings JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"bot_flows", `
		CREATE TABLE IF NOT EXISTS bot_flows (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(120) NOT NULL,
			trigger_keywords JSONB NOT NULL DEFAULT '[]',
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			start_node VARCHAR(64) NOT NULL,
			nodes JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"bot_sessions", `
		CREATE TABLE IF NOT EXISTS bot_sessions (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			phone VARCHAR(32) NOT NULL,
			flow_id TEXT NOT NULL DEFAULT '',
			current_node VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			vars JSONB NOT NULL DEFAULT '{}',
			invalid_attempts INT NOT NULL DEFAULT 0,
			last_interaction TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (seller_id, phone)
		)`},
	{"message_usage", `
		CREATE TABLE IF NOT EXISTS message_usage (
			seller_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			date DATE NOT NULL,
			messages_sent INT NOT NULL DEFAULT 0,
			messages_received INT NOT NULL DEFAULT 0,
			PRIMARY KEY (seller_id, date)
		)`},
}

// Migrate creates the schema if it does not exist.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.Pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	var count int
	if err := p.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		logger.Component("postgres").Info("database initialized, users table empty; admin will be ensured at startup")
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
