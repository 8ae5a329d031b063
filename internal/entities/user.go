package entities

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleSeller Role = "seller"
	RoleUser   Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleSeller || r == RoleUser
}

type User struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	PasswordHash          string     `json:"-"`
	FullName              string     `json:"full_name"`
	WhatsApp              string     `json:"whatsapp"`
	CompanyName           string     `json:"company_name"`
	IsActive              bool       `json:"is_active"`
	IsPermanent           bool       `json:"is_permanent"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Profile is the part of a user exposed to the dashboard after sign-in.
type Profile struct {
	UserID                string     `json:"user_id"`
	Email                 string     `json:"email"`
	FullName              string     `json:"full_name"`
	WhatsApp              string     `json:"whatsapp"`
	CompanyName           string     `json:"company_name"`
	IsActive              bool       `json:"is_active"`
	IsPermanent           bool       `json:"is_permanent"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

func (u *User) Profile() *Profile {
	return &Profile{
		UserID:                u.ID,
		Email:                 u.Email,
		FullName:              u.FullName,
		WhatsApp:              u.WhatsApp,
		CompanyName:           u.CompanyName,
		IsActive:              u.IsActive,
		IsPermanent:           u.IsPermanent,
		SubscriptionExpiresAt: u.SubscriptionExpiresAt,
	}
}

// HasAccess reports whether the seller may use tenant features at t.
func (p *Profile) HasAccess(t time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.IsPermanent || p.SubscriptionExpiresAt == nil {
		return true
	}
	return p.SubscriptionExpiresAt.After(t)
}

// AuthSession is a persisted refresh-token session.
type AuthSession struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"-"`
	UserAgent        string     `json:"user_agent"`
	IP               string     `json:"ip"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the session can still mint access tokens at t.
func (s *AuthSession) Valid(t time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(t)
}

// UserWithRole is a row of the admin user list.
type UserWithRole struct {
	User
	Role        Role `json:"role"`
	ClientCount int  `json:"client_count"`
}

type PlatformStats struct {
	TotalUsers     int `json:"total_users"`
	ActiveUsers    int `json:"active_users"`
	AdminCount     int `json:"admin_count"`
	SellerCount    int `json:"seller_count"`
	ExpiredSellers int `json:"expired_sellers"`
	TotalClients   int `json:"total_clients"`
	ConnectedWA    int `json:"connected_whatsapp"`
}
