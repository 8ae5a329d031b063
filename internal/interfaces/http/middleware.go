package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// Context keys set by AuthRequired.
const (
	ctxUserID    = "user_id"
	ctxSessionID = "session_id"
	ctxRole      = "role"
	ctxProfile   = "profile"
)

type Middleware struct {
	auth         *usecases.AuthUsecase
	rateLimiters map[string]*limiterEntry
	mu           sync.Mutex
	now          func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMiddleware(auth *usecases.AuthUsecase) *Middleware {
	return &Middleware{
		auth:         auth,
		rateLimiters: make(map[string]*limiterEntry),
		now:          time.Now,
	}
}

// AuthRequired validates the bearer token and checks its session against
// the auth state machine. A session still resolving is admitted with the
// role carried by the token.
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := m.auth.ParseToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		snap, err := m.auth.SessionState(c.Request.Context(), claims.SessionID)
		if err != nil {
			logger.Print(c).Errorf("session state: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Session check unavailable"})
			return
		}

		role := claims.Role
		switch snap.State {
		case usecases.AuthAuthenticated:
			if snap.UserID != claims.UserID {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
			role = snap.Role
			c.Set(ctxProfile, snap.Profile)
		case usecases.AuthLoading:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session ended", "reason": snap.Reason})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxSessionID, claims.SessionID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

// RequireActive rejects blocked sellers and lapsed subscriptions. Admins
// always pass.
func (m *Middleware) RequireActive() gin.HandlerFunc {
	return func(c *gin.Context) {
		if getRole(c) == entities.RoleAdmin {
			c.Next()
			return
		}
		profile, ok := c.Get(ctxProfile)
		p, _ := profile.(*entities.Profile)
		if !ok || p == nil {
			var err error
			if p, err = m.auth.Profile(c.Request.Context(), getUserID(c)); err != nil {
				respondError(c, err)
				c.Abort()
				return
			}
		}
		if !p.HasAccess(m.now()) {
			respondError(c, entities.ErrSubscriptionInactive)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (m *Middleware) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if getRole(c) != entities.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

// RateLimitPerUser limits requests based on "user_id" from context (must follow AuthRequired)
func (m *Middleware) RateLimitPerUser(r rate.Limit, b int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getUserID(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User identity not found for rate limiting"})
			return
		}

		m.mu.Lock()
		entry, exists := m.rateLimiters[key]
		if !exists {
			entry = &limiterEntry{limiter: rate.NewLimiter(r, b)}
			m.rateLimiters[key] = entry
		}
		entry.lastSeen = m.now()
		m.mu.Unlock()

		if !entry.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// PruneLimiters drops per-user limiters idle for longer than maxIdle.
func (m *Middleware) PruneLimiters(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, e := range m.rateLimiters {
		if e.lastSeen.Before(cutoff) {
			delete(m.rateLimiters, key)
			pruned++
		}
	}
	return pruned
}

// CORSMiddleware allows Cross-Origin requests
func (m *Middleware) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecurityHeaders adds security headers to prevent common attacks
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Writer.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}

// RequestSizeLimiter limits request body size to prevent DoS
func RequestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs every request with its status and latency.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.Print(c).WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

func getUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// sellerID is the tenant of the request: every seller operates on their own data.
func sellerID(c *gin.Context) string {
	return getUserID(c)
}

func getRole(c *gin.Context) entities.Role {
	v, _ := c.Get(ctxRole)
	role, _ := v.(entities.Role)
	return role
}
