package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/infrastructure"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatusFor(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{validation.Errors{"name": errors.New("required")}, http.StatusUnprocessableEntity},
		{fmt.Errorf("get: %w", entities.ErrNotFound), http.StatusNotFound},
		{entities.ErrInstanceNotFound, http.StatusNotFound},
		{entities.ErrOperationInProgress, http.StatusConflict},
		{entities.ErrEmailTaken, http.StatusConflict},
		{entities.ErrInvalidCredentials, http.StatusUnauthorized},
		{entities.ErrSessionRevoked, http.StatusUnauthorized},
		{entities.ErrForbidden, http.StatusForbidden},
		{entities.ErrSubscriptionInactive, http.StatusForbidden},
		{fmt.Errorf("%w: bad node", entities.ErrInvalidFlow), http.StatusUnprocessableEntity},
		{entities.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestRespondError(t *testing.T) {
	r := gin.New()
	r.GET("/validation", func(c *gin.Context) {
		respondError(c, validation.Errors{"phone": errors.New("must contain digits only")})
	})
	r.GET("/internal", func(c *gin.Context) { respondError(c, errors.New("pq: connection refused")) })
	r.GET("/conflict", func(c *gin.Context) { respondError(c, entities.ErrOperationInProgress) })

	w := serve(r, http.MethodGet, "/validation", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Validation failed", body["error"])
	assert.Equal(t, "must contain digits only", body["fields"].(map[string]any)["phone"])

	w = serve(r, http.MethodGet, "/internal", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")

	w = serve(r, http.MethodGet, "/conflict", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, entities.ErrOperationInProgress.Error(), decode(t, w)["error"])
}

func TestIDParamAndStrings(t *testing.T) {
	assert.True(t, ValidID("0b6c2a4e-8a57-4f3b-9d0e-5b1f6a7c8d9e"))
	assert.False(t, ValidID("42"))

	assert.Equal(t, "abc", SanitizeString(" a\x00bc "))
	assert.Equal(t, "ok", SanitizeString("o\xffk"))
	assert.Equal(t, "ação", TruncateString("açãoxyz", 4))
	assert.Equal(t, "curto", TruncateString("curto", 10))

	r := gin.New()
	r.GET("/items/:id", func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		c.String(http.StatusOK, id)
	})
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/items/abc", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/items/0b6c2a4e-8a57-4f3b-9d0e-5b1f6a7c8d9e", "", nil).Code)
}

type dispatchRecorder struct {
	instance string
	messages []entities.InboundMessage
	state    string
	qr       string
	err      error
}

func (d *dispatchRecorder) HandleMessages(_ context.Context, instance string, msgs []entities.InboundMessage) error {
	d.instance, d.messages = instance, msgs
	return d.err
}

func (d *dispatchRecorder) HandleConnectionUpdate(_ context.Context, instance, state string) error {
	d.instance, d.state = instance, state
	return d.err
}

func (d *dispatchRecorder) HandleQRCode(_ context.Context, instance, qr string) error {
	d.instance, d.qr = instance, qr
	return d.err
}

func webhookRouter(d WebhookDispatcher, secret string) *gin.Engine {
	r := gin.New()
	r.POST("/webhook/evolution", NewWebhookHandler(d, secret).HandleEvolution)
	return r
}

const upsertBody = `{"event":"messages.upsert","instance":"seller-abc",
	"data":{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"M1"},"message":{"conversation":"oi"}}}`

func TestWebhook_RequiresSecret(t *testing.T) {
	d := &dispatchRecorder{}
	r := webhookRouter(d, "s3cret")

	w := serve(r, http.MethodPost, "/webhook/evolution", upsertBody, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = serve(r, http.MethodPost, "/webhook/evolution", upsertBody, map[string]string{"apikey": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, d.messages)

	w = serve(r, http.MethodPost, "/webhook/evolution", upsertBody, map[string]string{"apikey": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPost, "/webhook/evolution?token=s3cret", upsertBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_Dispatch(t *testing.T) {
	d := &dispatchRecorder{}
	r := webhookRouter(d, "")

	w := serve(r, http.MethodPost, "/webhook/evolution", upsertBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "seller-abc", d.instance)
	require.Len(t, d.messages, 1)
	assert.Equal(t, "oi", d.messages[0].Text)

	w = serve(r, http.MethodPost, "/webhook/evolution",
		`{"event":"connection.update","instance":"seller-abc","data":{"state":"open"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "open", d.state)

	w = serve(r, http.MethodPost, "/webhook/evolution",
		`{"event":"qrcode.updated","instance":"seller-abc","data":{"qrcode":{"base64":"data:image/png;base64,AA"}}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data:image/png;base64,AA", d.qr)

	w = serve(r, http.MethodPost, "/webhook/evolution", `{"event":"presence.update","instance":"seller-abc","data":{}}`, nil)
	assert.Equal(t, "ignored", decode(t, w)["status"])
}

func TestWebhook_BadPayloads(t *testing.T) {
	r := webhookRouter(&dispatchRecorder{}, "")
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/webhook/evolution", `not json`, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		serve(r, http.MethodPost, "/webhook/evolution", `{"event":"messages.upsert","data":{}}`, nil).Code)
}

func TestWebhook_DispatchErrorsAreAcknowledged(t *testing.T) {
	r := webhookRouter(&dispatchRecorder{err: entities.ErrInstanceNotFound}, "")
	w := serve(r, http.MethodPost, "/webhook/evolution", upsertBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RateLimitPerUser(t *testing.T) {
	m := &Middleware{rateLimiters: map[string]*limiterEntry{}, now: time.Now}
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u != "" {
			c.Set(ctxUserID, u)
		}
	}, m.RateLimitPerUser(0.001, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	alice := map[string]string{"X-User": "alice"}
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x", "", alice).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x", "", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/x", "", alice).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x", "", map[string]string{"X-User": "bob"}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/x", "", nil).Code)

	assert.Zero(t, m.PruneLimiters(time.Hour))
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 2, m.PruneLimiters(time.Hour))
}

func TestMiddleware_AdminRequired(t *testing.T) {
	m := NewMiddleware(nil)
	r := gin.New()
	r.GET("/admin", func(c *gin.Context) {
		c.Set(ctxRole, entities.Role(c.GetHeader("X-Role")))
	}, m.AdminRequired(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/admin", "", map[string]string{"X-Role": "seller"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/admin", "", map[string]string{"X-Role": "admin"}).Code)
}

func TestMiddleware_HeadersAndPreflight(t *testing.T) {
	m := NewMiddleware(nil)
	r := gin.New()
	r.Use(SecurityHeaders(), m.CORSMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/x", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(r, http.MethodOptions, "/x", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type fakeAlerts struct {
	err  error
	sent []string
}

func (f *fakeAlerts) Notify(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return f.err
}

func (f *fakeAlerts) Describe() infrastructure.AlertStatus {
	return infrastructure.AlertStatus{Channel: "telegram", Bot: "@panel_bot", ChatConfigured: true}
}

func TestTelegramHandler(t *testing.T) {
	alerts := &fakeAlerts{}
	h := NewTelegramHandler(alerts)
	h.validateToken = func(token string) (string, error) {
		if token == "good" {
			return "panel_bot", nil
		}
		return "", errors.New("unauthorized")
	}
	r := gin.New()
	h.RegisterRoutes(r.Group("/admin"))

	w := serve(r, http.MethodGet, "/admin/telegram/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "@panel_bot", decode(t, w)["bot"])

	w = serve(r, http.MethodPost, "/admin/telegram/test", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, alerts.sent, 1)

	alerts.err = errors.New("chat not found")
	w = serve(r, http.MethodPost, "/admin/telegram/test", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = serve(r, http.MethodPost, "/admin/telegram/validate", `{"token":"good"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "@panel_bot", decode(t, w)["bot_name"])

	w = serve(r, http.MethodPost, "/admin/telegram/validate", `{"token":"bad"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["valid"])
}
