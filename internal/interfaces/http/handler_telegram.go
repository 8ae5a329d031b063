package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/infrastructure"
)

// AlertChannel is the operator alert sink (Telegram or the log).
type AlertChannel interface {
	Notify(ctx context.Context, text string) error
	Describe() infrastructure.AlertStatus
}

// TelegramHandler exposes the alert channel to admins.
type TelegramHandler struct {
	alerts        AlertChannel
	validateToken func(token string) (string, error)
}

func NewTelegramHandler(alerts AlertChannel) *TelegramHandler {
	if alerts == nil {
		alerts = infrastructure.NoopNotifier{}
	}
	return &TelegramHandler{
		alerts:        alerts,
		validateToken: infrastructure.ValidateTelegramToken,
	}
}

// RegisterRoutes registers Telegram management routes
func (h *TelegramHandler) RegisterRoutes(api *gin.RouterGroup) {
	tg := api.Group("/telegram")
	{
		tg.GET("/status", h.GetStatus)
		tg.POST("/test", h.SendTest)
		tg.POST("/validate", h.ValidateToken)
	}
}

func (h *TelegramHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.Describe())
}

// SendTest delivers a test alert to the configured chat.
func (h *TelegramHandler) SendTest(c *gin.Context) {
	text := fmt.Sprintf("Test alert from the panel at %s", time.Now().Format("02/01/2006 15:04"))
	if err := h.alerts.Notify(c.Request.Context(), text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Alert delivery failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// ValidateToken checks if a token is valid without saving
func (h *TelegramHandler) ValidateToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	botName, err := h.validateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":    true,
		"bot_name": "@" + botName,
	})
}
