package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, password_hash, full_name, whatsapp, company_name,
	is_active, is_permanent, subscription_expires_at, created_at, updated_at`

func scanUser(row pgx.Row) (*entities.User, error) {
	var u entities.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.WhatsApp, &u.CompanyName,
		&u.IsActive, &u.IsPermanent, &u.SubscriptionExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *entities.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	err := r.db.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, full_name, whatsapp, company_name,
			is_active, is_permanent, subscription_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		user.ID, user.Email, user.PasswordHash, user.FullName, user.WhatsApp, user.CompanyName,
		user.IsActive, user.IsPermanent, user.SubscriptionExpiresAt,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return entities.ErrEmailTaken
	}
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*entities.User, error) {
	return scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*entities.User, error) {
	return scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1",
		strings.ToLower(strings.TrimSpace(email))))
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id, hash string) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1", id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id string, p *entities.Profile) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET full_name = $2, whatsapp = $3, company_name = $4, updated_at = NOW()
		WHERE id = $1`, id, p.FullName, p.WhatsApp, p.CompanyName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// GetRole returns ErrNotFound when the user has no role row.
func (r *UserRepository) GetRole(ctx context.Context, userID string) (entities.Role, error) {
	var role string
	err := r.db.QueryRow(ctx, "SELECT role FROM user_roles WHERE user_id = $1", userID).Scan(&role)
	if err != nil {
		return "", notFound(err)
	}
	return entities.Role(role), nil
}

func (r *UserRepository) SetRole(ctx context.Context, userID string, role entities.Role) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role`, userID, string(role))
	return err
}

// AssignDefaultRole gives a role to a user that has none: the oldest user of
// the platform becomes admin, everyone else seller. An existing role is kept.
func (r *UserRepository) AssignDefaultRole(ctx context.Context, userID string) (entities.Role, error) {
	var role entities.Role
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "LOCK TABLE user_roles IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return err
		}

		var existing string
		err := tx.QueryRow(ctx, "SELECT role FROM user_roles WHERE user_id = $1", userID).Scan(&existing)
		if err == nil {
			role = entities.Role(existing)
			return nil
		}
		if err != pgx.ErrNoRows {
			return err
		}

		var firstID string
		if err := tx.QueryRow(ctx, "SELECT id FROM users ORDER BY created_at, id LIMIT 1").Scan(&firstID); err != nil {
			return notFound(err)
		}
		var admins int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM user_roles WHERE role = 'admin'").Scan(&admins); err != nil {
			return err
		}

		role = entities.RoleSeller
		if firstID == userID && admins == 0 {
			role = entities.RoleAdmin
		}
		_, err = tx.Exec(ctx, "INSERT INTO user_roles (user_id, role) VALUES ($1, $2)", userID, string(role))
		return err
	})
	return role, err
}

// Sessions

func (r *UserRepository) CreateSession(ctx context.Context, s *entities.AuthSession) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO auth_sessions (id, user_id, refresh_token_hash, user_agent, ip, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		s.ID, s.UserID, s.RefreshTokenHash, s.UserAgent, s.IP, s.ExpiresAt,
	).Scan(&s.CreatedAt)
}

const sessionColumns = "id, user_id, refresh_token_hash, user_agent, ip, created_at, expires_at, revoked_at"

func scanSession(row pgx.Row) (*entities.AuthSession, error) {
	var s entities.AuthSession
	if err := row.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.UserAgent, &s.IP,
		&s.CreatedAt, &s.ExpiresAt, &s.RevokedAt); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *UserRepository) GetSession(ctx context.Context, id string) (*entities.AuthSession, error) {
	return scanSession(r.db.QueryRow(ctx, "SELECT "+sessionColumns+" FROM auth_sessions WHERE id = $1", id))
}

func (r *UserRepository) GetSessionByTokenHash(ctx context.Context, hash string) (*entities.AuthSession, error) {
	return scanSession(r.db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM auth_sessions WHERE refresh_token_hash = $1", hash))
}

// RotateSession swaps the refresh token hash only if oldHash is still
// current, so each refresh token is exchanged once. A lost race or a revoked
// session yields ErrSessionRevoked.
func (r *UserRepository) RotateSession(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE auth_sessions SET refresh_token_hash = $3, expires_at = $4
		WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL`, id, oldHash, newHash, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrSessionRevoked
	}
	return nil
}

func (r *UserRepository) RevokeSession(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE auth_sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL", id)
	return err
}

func (r *UserRepository) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE auth_sessions SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL", userID)
	return err
}

// Admin

func (r *UserRepository) ListUsers(ctx context.Context, search string, limit, offset int) ([]entities.UserWithRole, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.email, u.password_hash, u.full_name, u.whatsapp, u.company_name,
			u.is_active, u.is_permanent, u.subscription_expires_at, u.created_at, u.updated_at,
			COALESCE(ur.role, ''),
			(SELECT COUNT(*) FROM clients c WHERE c.seller_id = u.id)
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		WHERE $1 = '' OR u.email ILIKE '%' || $1 || '%' OR u.full_name ILIKE '%' || $1 || '%'
		ORDER BY u.created_at DESC
		LIMIT $2 OFFSET $3`, search, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []entities.UserWithRole{}
	for rows.Next() {
		var u entities.UserWithRole
		var role string
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.WhatsApp, &u.CompanyName,
			&u.IsActive, &u.IsPermanent, &u.SubscriptionExpiresAt, &u.CreatedAt, &u.UpdatedAt,
			&role, &u.ClientCount); err != nil {
			return nil, err
		}
		u.Role = entities.Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1", id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

// ExtendSubscription adds days to the later of now and the current expiry,
// or marks the seller permanent.
func (r *UserRepository) ExtendSubscription(ctx context.Context, id string, days int, permanent bool) (*entities.User, error) {
	var query string
	args := []any{id}
	if permanent {
		query = "UPDATE users SET is_permanent = TRUE, updated_at = NOW() WHERE id = $1 RETURNING " + userColumns
	} else {
		query = fmt.Sprintf(`
			UPDATE users SET is_permanent = FALSE,
				subscription_expires_at = GREATEST(COALESCE(subscription_expires_at, NOW()), NOW()) + make_interval(days => $2),
				updated_at = NOW()
			WHERE id = $1 RETURNING %s`, userColumns)
		args = append(args, days)
	}
	return scanUser(r.db.QueryRow(ctx, query, args...))
}

func (r *UserRepository) PlatformStats(ctx context.Context) (*entities.PlatformStats, error) {
	var s entities.PlatformStats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_active),
			(SELECT COUNT(*) FROM user_roles WHERE role = 'admin'),
			(SELECT COUNT(*) FROM user_roles WHERE role = 'seller'),
			(SELECT COUNT(*) FROM users u JOIN user_roles ur ON ur.user_id = u.id
				WHERE ur.role = 'seller' AND NOT u.is_permanent
				AND u.subscription_expires_at IS NOT NULL AND u.subscription_expires_at < NOW()),
			(SELECT COUNT(*) FROM clients),
			(SELECT COUNT(*) FROM whatsapp_instances WHERE status = 'connected')
	`).Scan(&s.TotalUsers, &s.ActiveUsers, &s.AdminCount, &s.SellerCount, &s.ExpiredSellers,
		&s.TotalClients, &s.ConnectedWA)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
