package usecases

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// UserStore is the persistence the auth flow needs.
type UserStore interface {
	Create(ctx context.Context, user *entities.User) error
	GetByID(ctx context.Context, id string) (*entities.User, error)
	GetByEmail(ctx context.Context, email string) (*entities.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	UpdateProfile(ctx context.Context, id string, p *entities.Profile) error
	GetRole(ctx context.Context, userID string) (entities.Role, error)
	SetRole(ctx context.Context, userID string, role entities.Role) error
	AssignDefaultRole(ctx context.Context, userID string) (entities.Role, error)

	CreateSession(ctx context.Context, s *entities.AuthSession) error
	GetSession(ctx context.Context, id string) (*entities.AuthSession, error)
	GetSessionByTokenHash(ctx context.Context, hash string) (*entities.AuthSession, error)
	RotateSession(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) error
	RevokeSession(ctx context.Context, id string) error
}

type AuthConfig struct {
	JWTSecret      string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	LoadingTimeout time.Duration
	RoleCacheTTL   time.Duration
}

// Claims are carried by access tokens.
type Claims struct {
	SessionID string        `json:"sid"`
	UserID    string        `json:"user_id"`
	Role      entities.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Session      AuthSnapshot `json:"session"`
}

type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	WhatsApp    string `json:"whatsapp"`
	CompanyName string `json:"company_name"`
}

func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.Length(6, 72)),
		validation.Field(&in.FullName, validation.Required, validation.Length(2, 120)),
	)
}

type AuthUsecase struct {
	users     UserStore
	cache     interfaces.Cache
	cfg       AuthConfig
	jwtSecret []byte
	now       func() time.Time
	log       *logrus.Entry

	mu       sync.Mutex
	machines map[string]*AuthStateMachine
}

func NewAuthUsecase(users UserStore, cache interfaces.Cache, cfg AuthConfig) *AuthUsecase {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &AuthUsecase{
		users:     users,
		cache:     cache,
		cfg:       cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		now:       time.Now,
		log:       logger.Component("auth"),
		machines:  make(map[string]*AuthStateMachine),
	}
}

// Register creates a user and gives it a role: the first user of the
// platform becomes admin, everyone else seller.
func (uc *AuthUsecase) Register(ctx context.Context, in RegisterInput) (*entities.User, entities.Role, error) {
	if err := in.Validate(); err != nil {
		return nil, "", err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	user := &entities.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: string(hashed),
		FullName:     strings.TrimSpace(in.FullName),
		WhatsApp:     entities.NormalizePhone(in.WhatsApp),
		CompanyName:  strings.TrimSpace(in.CompanyName),
		IsActive:     true,
	}
	if err := uc.users.Create(ctx, user); err != nil {
		return nil, "", err
	}

	role, err := uc.FixUserRoles(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("assign role: %w", err)
	}
	uc.log.WithFields(logrus.Fields{"user": user.ID, "role": role}).Info("user registered")
	return user, role, nil
}

// Login verifies the password, opens a refresh-token session and signs the
// session's state machine in.
func (uc *AuthUsecase) Login(ctx context.Context, email, password, userAgent, ip string) (*TokenPair, error) {
	user, err := uc.users.GetByEmail(ctx, email)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, entities.ErrInvalidCredentials
	}

	refresh, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	session := &entities.AuthSession{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		RefreshTokenHash: hash,
		UserAgent:        userAgent,
		IP:               ip,
		ExpiresAt:        uc.now().Add(uc.cfg.RefreshTTL),
	}
	if err := uc.users.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	expiresAt := uc.now().Add(uc.cfg.AccessTTL)
	snap := uc.machine(session.ID).Apply(ctx, AuthEvent{
		Type:      EventSignedIn,
		UserID:    user.ID,
		ExpiresAt: expiresAt,
		At:        uc.now(),
	})
	if snap.State != AuthAuthenticated {
		return nil, fmt.Errorf("sign in: %s", snap.Reason)
	}

	access, err := uc.signAccessToken(session.ID, user.ID, snap.Role, expiresAt)
	if err != nil {
		return nil, err
	}
	uc.log.WithFields(logrus.Fields{"user": user.ID, "session": session.ID, "ip": ip}).Info("user logged in")
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt, Session: snap}, nil
}

// Refresh rotates the refresh token and issues a new access token.
func (uc *AuthUsecase) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	oldHash := hashToken(refreshToken)
	session, err := uc.users.GetSessionByTokenHash(ctx, oldHash)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrSessionRevoked
	}
	if err != nil {
		return nil, err
	}
	if !session.Valid(uc.now()) {
		return nil, entities.ErrSessionRevoked
	}

	refresh, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := uc.users.RotateSession(ctx, session.ID, oldHash, hash, uc.now().Add(uc.cfg.RefreshTTL)); err != nil {
		return nil, err
	}

	expiresAt := uc.now().Add(uc.cfg.AccessTTL)
	snap := uc.machine(session.ID).Apply(ctx, AuthEvent{
		Type:      EventTokenRefreshed,
		UserID:    session.UserID,
		ExpiresAt: expiresAt,
		At:        uc.now(),
	})
	if snap.State != AuthAuthenticated {
		return nil, fmt.Errorf("%w: %s", entities.ErrSessionRevoked, snap.Reason)
	}

	access, err := uc.signAccessToken(session.ID, session.UserID, snap.Role, expiresAt)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt, Session: snap}, nil
}

// Logout revokes the session; user-initiated sign-out always applies.
func (uc *AuthUsecase) Logout(ctx context.Context, sessionID string) error {
	if err := uc.users.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	uc.machine(sessionID).Apply(ctx, AuthEvent{Type: EventSignedOut, At: uc.now(), UserInitiated: true})
	return nil
}

// SessionState returns the session's snapshot. A session this process has
// not seen is rebuilt from the store through INITIAL_SESSION.
func (uc *AuthUsecase) SessionState(ctx context.Context, sessionID string) (AuthSnapshot, error) {
	uc.mu.Lock()
	m, ok := uc.machines[sessionID]
	uc.mu.Unlock()
	if ok {
		return m.Snapshot(), nil
	}

	session, err := uc.users.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return AuthSnapshot{}, err
	}

	ev := AuthEvent{Type: EventInitialSession, At: uc.now()}
	if session != nil && session.Valid(uc.now()) {
		ev.UserID = session.UserID
		ev.ExpiresAt = session.ExpiresAt
	}
	return uc.machine(sessionID).Apply(ctx, ev), nil
}

// SessionValid implements SessionVerifier.
func (uc *AuthUsecase) SessionValid(ctx context.Context, sessionID string) (bool, error) {
	session, err := uc.users.GetSession(ctx, sessionID)
	if errors.Is(err, entities.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return session.Valid(uc.now()), nil
}

// SignalSignOut feeds a sign-out that did not come from the user, such as a
// token that failed validation. It only applies if the store agrees.
func (uc *AuthUsecase) SignalSignOut(ctx context.Context, sessionID string) AuthSnapshot {
	return uc.machine(sessionID).Apply(ctx, AuthEvent{Type: EventSignedOut, At: uc.now()})
}

// UserUpdated re-resolves every live session of the user, e.g. after an
// admin changed the role or the profile was edited.
func (uc *AuthUsecase) UserUpdated(ctx context.Context, userID string) {
	if uc.cache != nil {
		_ = uc.cache.Delete(ctx, roleCacheKey(userID))
	}

	uc.mu.Lock()
	targets := make([]*AuthStateMachine, 0)
	for _, m := range uc.machines {
		if m.Snapshot().UserID == userID {
			targets = append(targets, m)
		}
	}
	uc.mu.Unlock()

	for _, m := range targets {
		m.Apply(ctx, AuthEvent{Type: EventUserUpdated, UserID: userID, At: uc.now()})
	}
}

type ProfileInput struct {
	FullName    string `json:"full_name"`
	WhatsApp    string `json:"whatsapp"`
	CompanyName string `json:"company_name"`
}

// UpdateProfile edits the user's own profile and refreshes live sessions.
func (uc *AuthUsecase) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*entities.Profile, error) {
	in.WhatsApp = entities.NormalizePhone(in.WhatsApp)
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.FullName, validation.Required, validation.Length(2, 120)),
		validation.Field(&in.WhatsApp, validation.Length(10, 15), is.Digit),
		validation.Field(&in.CompanyName, validation.Length(0, 120)),
	); err != nil {
		return nil, err
	}

	p := &entities.Profile{FullName: in.FullName, WhatsApp: in.WhatsApp, CompanyName: in.CompanyName}
	if err := uc.users.UpdateProfile(ctx, userID, p); err != nil {
		return nil, err
	}
	uc.UserUpdated(ctx, userID)
	return uc.Profile(ctx, userID)
}

// FixUserRoles gives a role to a user without one.
func (uc *AuthUsecase) FixUserRoles(ctx context.Context, userID string) (entities.Role, error) {
	role, err := uc.users.AssignDefaultRole(ctx, userID)
	if err != nil {
		return "", err
	}
	if uc.cache != nil {
		_ = uc.cache.Delete(ctx, roleCacheKey(userID))
	}
	return role, nil
}

// EnsureAdmin creates the admin account on startup when it does not exist,
// and makes sure it carries the admin role.
func (uc *AuthUsecase) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	user, err := uc.users.GetByEmail(ctx, email)
	if errors.Is(err, entities.ErrNotFound) {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		user = &entities.User{
			ID:           uuid.NewString(),
			Email:        email,
			PasswordHash: string(hashed),
			FullName:     "Administrator",
			IsActive:     true,
			IsPermanent:  true,
		}
		if err := uc.users.Create(ctx, user); err != nil {
			return err
		}
		uc.log.WithField("email", email).Info("admin user created")
	} else if err != nil {
		return err
	}

	return uc.users.SetRole(ctx, user.ID, entities.RoleAdmin)
}

func (uc *AuthUsecase) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validation.Validate(next, validation.Required, validation.Length(6, 72)); err != nil {
		return validation.Errors{"new_password": err}
	}
	user, err := uc.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return entities.ErrInvalidCredentials
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return uc.users.UpdatePassword(ctx, userID, string(hashed))
}

// ParseToken validates an access token.
func (uc *AuthUsecase) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return uc.jwtSecret, nil
	}, jwt.WithTimeFunc(uc.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.SessionID == "" || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// PruneSessions drops state machines idle for longer than maxIdle or
// already signed out.
func (uc *AuthUsecase) PruneSessions(maxIdle time.Duration) int {
	cutoff := uc.now().Add(-maxIdle)

	uc.mu.Lock()
	defer uc.mu.Unlock()

	pruned := 0
	for id, m := range uc.machines {
		last, state := m.lastActivity()
		if state == AuthUnauthenticated || last.Before(cutoff) {
			delete(uc.machines, id)
			pruned++
		}
	}
	return pruned
}

func (uc *AuthUsecase) machine(sessionID string) *AuthStateMachine {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if m, ok := uc.machines[sessionID]; ok {
		return m
	}
	m := NewAuthStateMachine(sessionID, AuthMachineConfig{
		Resolver:       uc,
		Verifier:       uc,
		Cache:          uc.cache,
		RoleCacheTTL:   uc.cfg.RoleCacheTTL,
		LoadingTimeout: uc.cfg.LoadingTimeout,
		Now:            uc.now,
	})
	uc.machines[sessionID] = m
	return m
}

// Profile implements IdentityResolver.
func (uc *AuthUsecase) Profile(ctx context.Context, userID string) (*entities.Profile, error) {
	user, err := uc.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Profile(), nil
}

// Role implements IdentityResolver.
func (uc *AuthUsecase) Role(ctx context.Context, userID string) (entities.Role, error) {
	return uc.users.GetRole(ctx, userID)
}

func (uc *AuthUsecase) signAccessToken(sessionID, userID string, role entities.Role, expiresAt time.Time) (string, error) {
	now := uc.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(uc.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func newRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
