package usecases

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeResolver struct {
	mu         sync.Mutex
	roles      map[string]entities.Role
	profileErr error
	profiles   int
	fixes      int

	entered chan struct{}
	gate    chan struct{}
}

func (r *fakeResolver) Profile(ctx context.Context, userID string) (*entities.Profile, error) {
	if r.gate != nil {
		r.entered <- struct{}{}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles++
	if r.profileErr != nil {
		return nil, r.profileErr
	}
	return &entities.Profile{UserID: userID, Email: userID + "@example.com", IsActive: true}, nil
}

func (r *fakeResolver) Role(_ context.Context, userID string) (entities.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[userID]
	if !ok {
		return "", entities.ErrNotFound
	}
	return role, nil
}

func (r *fakeResolver) FixUserRoles(_ context.Context, userID string) (entities.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes++
	if r.roles == nil {
		r.roles = map[string]entities.Role{}
	}
	r.roles[userID] = entities.RoleSeller
	return entities.RoleSeller, nil
}

type fakeVerifier struct {
	valid bool
	err   error
}

func (v *fakeVerifier) SessionValid(context.Context, string) (bool, error) { return v.valid, v.err }

type authHarness struct {
	m        *AuthStateMachine
	clock    *fakeClock
	resolver *fakeResolver
	verifier *fakeVerifier
	cache    *mapCache
}

func newAuthHarness(cache *mapCache) *authHarness {
	h := &authHarness{
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		resolver: &fakeResolver{roles: map[string]entities.Role{"u1": entities.RoleAdmin}},
		verifier: &fakeVerifier{valid: true},
		cache:    cache,
	}
	if h.cache == nil {
		h.cache = &mapCache{}
	}
	h.m = NewAuthStateMachine("sess-1", AuthMachineConfig{
		Resolver:       h.resolver,
		Verifier:       h.verifier,
		Cache:          h.cache,
		LoadingTimeout: 10 * time.Second,
		Now:            h.clock.Now,
	})
	return h
}

func (h *authHarness) apply(ev AuthEvent) AuthSnapshot {
	if ev.At.IsZero() {
		h.clock.Advance(time.Second)
		ev.At = h.clock.Now()
	}
	return h.m.Apply(context.Background(), ev)
}

func TestAuthState_InitialWithoutSession(t *testing.T) {
	h := newAuthHarness(nil)
	assert.Equal(t, AuthLoading, h.m.Snapshot().State)

	snap := h.apply(AuthEvent{Type: EventInitialSession})
	assert.Equal(t, AuthUnauthenticated, snap.State)
	assert.Equal(t, ReasonNoSession, snap.Reason)
	assert.Equal(t, "sess-1", snap.SessionID)
}

func TestAuthState_SignInResolvesIdentity(t *testing.T) {
	h := newAuthHarness(nil)
	exp := h.clock.Now().Add(time.Hour)

	snap := h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1", ExpiresAt: exp})
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, entities.RoleAdmin, snap.Role)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, "u1@example.com", snap.Profile.Email)
	assert.Equal(t, exp, snap.ExpiresAt)

	_, cached, _ := h.cache.Get(context.Background(), roleCacheKey("u1"))
	assert.True(t, cached)

	snap = h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1", ExpiresAt: exp.Add(time.Hour)})
	assert.Equal(t, exp.Add(time.Hour), snap.ExpiresAt)
	assert.Equal(t, 1, h.resolver.profiles, "a repeated sign-in only moves the expiry")
}

func TestAuthState_MissingRoleIsRepaired(t *testing.T) {
	h := newAuthHarness(nil)
	snap := h.apply(AuthEvent{Type: EventSignedIn, UserID: "u2"})
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, entities.RoleSeller, snap.Role)
	assert.Equal(t, 1, h.resolver.fixes)
}

func TestAuthState_TokenRefreshKeepsIdentity(t *testing.T) {
	h := newAuthHarness(nil)
	h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1"})

	exp := h.clock.Now().Add(2 * time.Hour)
	snap := h.apply(AuthEvent{Type: EventTokenRefreshed, ExpiresAt: exp})
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, exp, snap.ExpiresAt)
	assert.Equal(t, 1, h.resolver.profiles)
}

func TestAuthState_StaleEventsAreIgnored(t *testing.T) {
	h := newAuthHarness(nil)
	t0 := h.clock.Now()
	h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1", At: t0.Add(2 * time.Second)})

	snap := h.apply(AuthEvent{Type: EventSignedOut, UserInitiated: true, At: t0.Add(time.Second)})
	assert.Equal(t, AuthAuthenticated, snap.State)
}

func TestAuthState_SignOut(t *testing.T) {
	for _, tc := range []struct {
		name      string
		initiated bool
		verifier  fakeVerifier
		want      AuthState
		reason    string
	}{
		{"user initiated", true, fakeVerifier{valid: true}, AuthUnauthenticated, ReasonSignedOut},
		{"spurious with valid session", false, fakeVerifier{valid: true}, AuthAuthenticated, ""},
		{"session really gone", false, fakeVerifier{valid: false}, AuthUnauthenticated, ReasonSessionEnded},
		{"verifier unreachable", false, fakeVerifier{err: errTransient}, AuthAuthenticated, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newAuthHarness(nil)
			*h.verifier = tc.verifier
			h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1"})

			snap := h.apply(AuthEvent{Type: EventSignedOut, UserInitiated: tc.initiated})
			assert.Equal(t, tc.want, snap.State)
			assert.Equal(t, tc.reason, snap.Reason)
			if tc.want == AuthUnauthenticated {
				assert.Nil(t, snap.Profile)
				assert.Empty(t, snap.UserID)
			}
		})
	}
}

func TestAuthState_UserUpdateFailureKeepsIdentity(t *testing.T) {
	h := newAuthHarness(nil)
	h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1"})
	require.NoError(t, h.cache.Delete(context.Background(), roleCacheKey("u1")))

	h.resolver.profileErr = errTransient
	snap := h.apply(AuthEvent{Type: EventUserUpdated})
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, entities.RoleAdmin, snap.Role)
}

func TestAuthState_FallsBackToCachedIdentity(t *testing.T) {
	cache := &mapCache{}
	first := newAuthHarness(cache)
	first.apply(AuthEvent{Type: EventSignedIn, UserID: "u1"})

	second := newAuthHarness(cache)
	second.resolver.profileErr = errTransient
	snap := second.apply(AuthEvent{Type: EventInitialSession, UserID: "u1"})
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, entities.RoleAdmin, snap.Role)
}

func TestAuthState_ResolutionFailureWithoutFallback(t *testing.T) {
	h := newAuthHarness(nil)
	h.resolver.profileErr = errTransient

	snap := h.apply(AuthEvent{Type: EventSignedIn, UserID: "u1"})
	assert.Equal(t, AuthUnauthenticated, snap.State)
	assert.Equal(t, ReasonIdentityUnavailable, snap.Reason)
}

func TestAuthState_LoadingTimeoutDiscardsLateResolution(t *testing.T) {
	h := newAuthHarness(nil)
	h.resolver.entered = make(chan struct{}, 1)
	h.resolver.gate = make(chan struct{})

	done := make(chan AuthSnapshot, 1)
	go func() {
		done <- h.m.Apply(context.Background(), AuthEvent{Type: EventSignedIn, UserID: "u1", At: h.clock.Now()})
	}()

	select {
	case <-h.resolver.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("resolution never started")
	}
	assert.Equal(t, AuthLoading, h.m.Snapshot().State)

	h.clock.Advance(11 * time.Second)
	snap := h.m.Snapshot()
	assert.Equal(t, AuthUnauthenticated, snap.State)
	assert.Equal(t, ReasonTimeout, snap.Reason)

	close(h.resolver.gate)
	select {
	case late := <-done:
		assert.Equal(t, AuthUnauthenticated, late.State)
	case <-time.After(2 * time.Second):
		t.Fatal("apply did not return")
	}
	assert.Equal(t, ReasonTimeout, h.m.Snapshot().Reason)
}
