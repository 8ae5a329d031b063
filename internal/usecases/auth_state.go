package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type AuthState string

const (
	AuthLoading         AuthState = "loading"
	AuthAuthenticated   AuthState = "authenticated"
	AuthUnauthenticated AuthState = "unauthenticated"
)

type AuthEventType string

const (
	EventInitialSession AuthEventType = "INITIAL_SESSION"
	EventSignedIn       AuthEventType = "SIGNED_IN"
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEventType = "USER_UPDATED"
	EventSignedOut      AuthEventType = "SIGNED_OUT"
)

// Reasons reported with an unauthenticated snapshot.
const (
	ReasonNoSession           = "no_session"
	ReasonSignedOut           = "signed_out"
	ReasonSessionEnded        = "session_ended"
	ReasonTimeout             = "timeout"
	ReasonIdentityUnavailable = "identity_unavailable"
)

type AuthEvent struct {
	Type          AuthEventType
	UserID        string
	ExpiresAt     time.Time
	At            time.Time
	UserInitiated bool
}

type AuthSnapshot struct {
	State     AuthState         `json:"state"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id,omitempty"`
	Role      entities.Role     `json:"role,omitempty"`
	Profile   *entities.Profile `json:"profile,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Identity is what a signed-in user resolves to.
type Identity struct {
	Role    entities.Role     `json:"role"`
	Profile *entities.Profile `json:"profile"`
}

// IdentityResolver loads the parts of an identity. Role returns
// entities.ErrNotFound when the user has no role yet.
type IdentityResolver interface {
	Profile(ctx context.Context, userID string) (*entities.Profile, error)
	Role(ctx context.Context, userID string) (entities.Role, error)
	FixUserRoles(ctx context.Context, userID string) (entities.Role, error)
}

// SessionVerifier reports whether a persisted session is still usable.
type SessionVerifier interface {
	SessionValid(ctx context.Context, sessionID string) (bool, error)
}

type AuthMachineConfig struct {
	Resolver       IdentityResolver
	Verifier       SessionVerifier
	Cache          interfaces.Cache
	RoleCacheTTL   time.Duration
	LoadingTimeout time.Duration
	Now            func() time.Time
}

// AuthStateMachine tracks one session through auth events that may arrive
// late, twice or spuriously. Identity resolution runs outside the lock, so
// readers observe "loading" while it is in flight.
type AuthStateMachine struct {
	cfg       AuthMachineConfig
	sessionID string
	log       *logrus.Entry

	mu           sync.Mutex
	state        AuthState
	userID       string
	identity     *Identity
	expiresAt    time.Time
	reason       string
	lastEventAt  time.Time
	loadingSince time.Time
	generation   uint64
}

func NewAuthStateMachine(sessionID string, cfg AuthMachineConfig) *AuthStateMachine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LoadingTimeout <= 0 {
		cfg.LoadingTimeout = 10 * time.Second
	}
	if cfg.RoleCacheTTL <= 0 {
		cfg.RoleCacheTTL = 5 * time.Minute
	}
	return &AuthStateMachine{
		cfg:       cfg,
		sessionID: sessionID,
		state:     AuthLoading,
		log:       logger.Component("auth").WithField("session", sessionID),
	}
}

func roleCacheKey(userID string) string {
	return "role:" + userID
}

// Snapshot returns the current state. A machine stuck in loading past the
// loading timeout turns unauthenticated with reason "timeout"; a resolution
// finishing afterwards is discarded.
func (m *AuthStateMachine) Snapshot() AuthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == AuthLoading && !m.loadingSince.IsZero() &&
		m.cfg.Now().Sub(m.loadingSince) > m.cfg.LoadingTimeout {
		m.log.Warn("identity resolution timed out")
		m.setUnauthenticated(ReasonTimeout)
		m.generation++
	}
	return m.snapshotLocked()
}

func (m *AuthStateMachine) snapshotLocked() AuthSnapshot {
	snap := AuthSnapshot{
		State:     m.state,
		SessionID: m.sessionID,
		UserID:    m.userID,
		ExpiresAt: m.expiresAt,
		Reason:    m.reason,
	}
	if m.identity != nil {
		snap.Role = m.identity.Role
		snap.Profile = m.identity.Profile
	}
	return snap
}

func (m *AuthStateMachine) setUnauthenticated(reason string) {
	m.state = AuthUnauthenticated
	m.userID = ""
	m.identity = nil
	m.expiresAt = time.Time{}
	m.reason = reason
	m.loadingSince = time.Time{}
}

// Apply feeds an event and returns the resulting snapshot.
func (m *AuthStateMachine) Apply(ctx context.Context, ev AuthEvent) AuthSnapshot {
	if ev.At.IsZero() {
		ev.At = m.cfg.Now()
	}

	m.mu.Lock()
	if !m.lastEventAt.IsZero() && ev.At.Before(m.lastEventAt) {
		m.log.WithField("event", ev.Type).Debug("ignoring stale auth event")
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap
	}
	m.lastEventAt = ev.At

	switch ev.Type {
	case EventInitialSession:
		if ev.UserID == "" {
			m.setUnauthenticated(ReasonNoSession)
			m.generation++
			break
		}
		return m.beginResolve(ctx, ev, true)

	case EventSignedIn:
		if m.state == AuthAuthenticated && m.userID == ev.UserID {
			m.expiresAt = ev.ExpiresAt
			break
		}
		return m.beginResolve(ctx, ev, true)

	case EventTokenRefreshed:
		if m.state == AuthAuthenticated && (ev.UserID == "" || ev.UserID == m.userID) {
			m.expiresAt = ev.ExpiresAt
			break
		}
		if ev.UserID != "" {
			return m.beginResolve(ctx, ev, true)
		}

	case EventUserUpdated:
		if m.state == AuthAuthenticated && (ev.UserID == "" || ev.UserID == m.userID) {
			ev.UserID = m.userID
			if ev.ExpiresAt.IsZero() {
				ev.ExpiresAt = m.expiresAt
			}
			return m.beginResolve(ctx, ev, false)
		}
		if ev.UserID != "" {
			return m.beginResolve(ctx, ev, true)
		}

	case EventSignedOut:
		if ev.UserInitiated {
			m.setUnauthenticated(ReasonSignedOut)
			m.generation++
			break
		}
		m.mu.Unlock()
		return m.verifySignOut(ctx, ev)
	}

	snap := m.snapshotLocked()
	m.mu.Unlock()
	return snap
}

// verifySignOut applies a sign-out the user did not ask for only when the
// session store agrees the session is gone.
func (m *AuthStateMachine) verifySignOut(ctx context.Context, ev AuthEvent) AuthSnapshot {
	valid, err := m.cfg.Verifier.SessionValid(ctx, m.sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err != nil:
		m.log.WithError(err).Warn("could not verify sign-out, keeping session")
	case valid:
		m.log.Info("ignoring spurious sign-out for a valid session")
	default:
		if !ev.At.Before(m.lastEventAt) {
			m.setUnauthenticated(ReasonSessionEnded)
			m.generation++
		}
	}
	return m.snapshotLocked()
}

// beginResolve is entered with m.mu held and releases it.
func (m *AuthStateMachine) beginResolve(ctx context.Context, ev AuthEvent, showLoading bool) AuthSnapshot {
	m.generation++
	gen := m.generation

	var previous *Identity
	if m.userID == ev.UserID {
		previous = m.identity
	}
	if showLoading {
		m.state = AuthLoading
		m.loadingSince = m.cfg.Now()
		m.reason = ""
	}
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LoadingTimeout)
	identity, err := m.resolve(rctx, ev.UserID, previous)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		// A newer event or the loading timeout superseded this resolution.
		return m.snapshotLocked()
	}

	if err != nil {
		if !showLoading {
			// USER_UPDATED keeps the identity it already had.
			m.log.WithError(err).Warn("user update could not be resolved, keeping identity")
			return m.snapshotLocked()
		}
		m.log.WithError(err).Warn("identity resolution failed")
		m.setUnauthenticated(ReasonIdentityUnavailable)
		return m.snapshotLocked()
	}

	m.state = AuthAuthenticated
	m.userID = ev.UserID
	m.identity = identity
	m.expiresAt = ev.ExpiresAt
	m.reason = ""
	m.loadingSince = time.Time{}
	return m.snapshotLocked()
}

// resolve loads profile and role. A missing role is repaired once. Any
// failure falls back to the cached identity of the same user, then to
// previous; only with neither does it return an error.
func (m *AuthStateMachine) resolve(ctx context.Context, userID string, previous *Identity) (*Identity, error) {
	cached := m.cachedIdentity(ctx, userID)

	identity, err := m.fetch(ctx, userID, cached)
	if err == nil {
		m.storeIdentity(ctx, userID, identity)
		return identity, nil
	}

	if cached != nil && cached.Profile != nil {
		m.log.WithError(err).Info("using cached identity")
		return cached, nil
	}
	if previous != nil {
		return previous, nil
	}
	return nil, err
}

func (m *AuthStateMachine) fetch(ctx context.Context, userID string, cached *Identity) (*Identity, error) {
	profile, err := m.cfg.Resolver.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cached != nil && cached.Role.Valid() {
		return &Identity{Role: cached.Role, Profile: profile}, nil
	}

	role, err := m.cfg.Resolver.Role(ctx, userID)
	if errors.Is(err, entities.ErrNotFound) {
		m.log.WithField("user", userID).Info("user has no role, repairing")
		if _, err := m.cfg.Resolver.FixUserRoles(ctx, userID); err != nil {
			return nil, err
		}
		role, err = m.cfg.Resolver.Role(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return &Identity{Role: role, Profile: profile}, nil
}

func (m *AuthStateMachine) cachedIdentity(ctx context.Context, userID string) *Identity {
	if m.cfg.Cache == nil {
		return nil
	}
	raw, ok, err := m.cfg.Cache.Get(ctx, roleCacheKey(userID))
	if err != nil || !ok {
		return nil
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil
	}
	return &id
}

func (m *AuthStateMachine) storeIdentity(ctx context.Context, userID string, id *Identity) {
	if m.cfg.Cache == nil {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := m.cfg.Cache.Set(ctx, roleCacheKey(userID), string(raw), m.cfg.RoleCacheTTL); err != nil {
		m.log.WithError(err).Debug("role cache write failed")
	}
}

// lastActivity is used to prune idle machines.
func (m *AuthStateMachine) lastActivity() (time.Time, AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventAt, m.state
}
