package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/infrastructure"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// WebhookDispatcher receives decoded gateway events.
type WebhookDispatcher interface {
	HandleMessages(ctx context.Context, instance string, msgs []entities.InboundMessage) error
	HandleConnectionUpdate(ctx context.Context, instance, state string) error
	HandleQRCode(ctx context.Context, instance, qr string) error
}

type WebhookHandler struct {
	dispatch WebhookDispatcher
	secret   string
}

func NewWebhookHandler(dispatch WebhookDispatcher, secret string) *WebhookHandler {
	return &WebhookHandler{dispatch: dispatch, secret: secret}
}

// authorized accepts the shared secret in the apikey header or the token
// query parameter. An empty secret disables the check.
func (h *WebhookHandler) authorized(c *gin.Context) bool {
	if h.secret == "" {
		return true
	}
	for _, got := range []string{c.GetHeader("apikey"), c.Query("token")} {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1 {
			return true
		}
	}
	return false
}

// HandleEvolution receives Evolution API webhook calls. Dispatch errors are
// logged and acknowledged so the gateway does not redeliver the batch.
func (h *WebhookHandler) HandleEvolution(c *gin.Context) {
	if !h.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook token"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid payload")
		return
	}
	ev, err := infrastructure.ParseEvolutionWebhook(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if ev.Instance == "" {
		badRequest(c, "Missing instance")
		return
	}

	ctx := c.Request.Context()
	switch ev.Event {
	case infrastructure.EventMessagesUpsert:
		err = h.dispatch.HandleMessages(ctx, ev.Instance, ev.Messages)
	case infrastructure.EventConnectionUpdate:
		err = h.dispatch.HandleConnectionUpdate(ctx, ev.Instance, ev.State)
	case infrastructure.EventQRCodeUpdated:
		err = h.dispatch.HandleQRCode(ctx, ev.Instance, ev.QRCode)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		logger.Print(c).WithFields(logrus.Fields{"event": ev.Event, "instance": ev.Instance}).
			Errorf("webhook dispatch failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
