package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// Deps are the usecases served over HTTP.
type Deps struct {
	Auth      *usecases.AuthUsecase
	Clients   *usecases.ClientUsecase
	Billing   *usecases.BillingUsecase
	Bot       *usecases.BotEngine
	WhatsApp  *usecases.WhatsAppUsecase
	Backup    *usecases.BackupUsecase
	Dashboard *usecases.DashboardUsecase
	Admin     *usecases.AdminUsecase
	Alerts    AlertChannel

	WebhookSecret string
	RateLimit     rate.Limit
	RateBurst     int

	// Health reports whether backing services are reachable.
	Health func(ctx context.Context) error
	// SendStats reports the outbound WhatsApp throttle state.
	SendStats func() map[string]interface{}
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

func SetupRoutes(r *gin.Engine, d Deps, middleware *Middleware) {
	h := NewHandler(d)
	adminHandler := NewAdminHandler(d.Admin, d.SendStats)
	telegramHandler := NewTelegramHandler(d.Alerts)
	webhookHandler := NewWebhookHandler(d.WhatsApp, d.WebhookSecret)

	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(MaxRequestBytes))
	r.Use(middleware.CORSMiddleware())
	r.Use(RequestLogger())

	r.GET("/health", h.HealthCheck)
	r.POST("/webhook/evolution", webhookHandler.HandleEvolution)

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	rateLimit, burst := d.RateLimit, d.RateBurst
	if rateLimit <= 0 {
		rateLimit, burst = 5, 10
	}

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser(rateLimit, burst))
	{
		api.GET("/auth/me", h.Me)
		api.POST("/auth/logout", h.Logout)
		api.PUT("/auth/profile", h.UpdateProfile)
		api.PUT("/auth/password", h.ChangePassword)
	}

	tenant := api.Group("")
	tenant.Use(middleware.RequireActive())
	{
		tenant.GET("/dashboard/stats", h.GetUserStats)

		tenant.GET("/clients", h.ListClients)
		tenant.POST("/clients", h.SaveClient)
		tenant.GET("/clients/export", h.ExportClients)
		tenant.GET("/clients/:id", h.GetClient)
		tenant.PUT("/clients/:id", h.SaveClient)
		tenant.DELETE("/clients/:id", h.DeleteClient)
		tenant.PATCH("/clients/:id/archive", h.ArchiveClient)
		tenant.GET("/clients/:id/credentials", h.GetCredentials)
		tenant.POST("/clients/:id/renew", h.RenewClient)

		tenant.GET("/servers", h.ListServers)
		tenant.POST("/servers", h.SaveServer)
		tenant.PUT("/servers/:id", h.SaveServer)
		tenant.DELETE("/servers/:id", h.DeleteServer)

		tenant.GET("/plans", h.ListPlans)
		tenant.POST("/plans", h.SavePlan)
		tenant.POST("/plans/import", h.ImportPlans)
		tenant.PUT("/plans/:id", h.SavePlan)
		tenant.DELETE("/plans/:id", h.DeletePlan)
		tenant.GET("/plans/:id/quote", h.QuotePlan)

		tenant.GET("/billing/summary", h.BillingSummary)
		tenant.GET("/billing/payments", h.ListPayments)
		tenant.POST("/billing/reminders/run", h.RunReminders)

		tenant.POST("/whatsapp/connect", h.ConnectWhatsApp)
		tenant.GET("/whatsapp/status", h.WhatsAppStatus)
		tenant.GET("/whatsapp/qr", h.WhatsAppQRCode)
		tenant.POST("/whatsapp/heartbeat", h.WhatsAppHeartbeat)
		tenant.POST("/whatsapp/logout", h.LogoutWhatsApp)

		tenant.GET("/bot/flows", h.ListFlows)
		tenant.POST("/bot/flows", h.SaveFlow)
		tenant.GET("/bot/flows/:id", h.GetFlow)
		tenant.PUT("/bot/flows/:id", h.SaveFlow)
		tenant.DELETE("/bot/flows/:id", h.DeleteFlow)
		tenant.GET("/bot/settings", h.GetBotSettings)
		tenant.PUT("/bot/settings", h.SaveBotSettings)
		tenant.DELETE("/bot/sessions/:phone", h.EndBotSession)

		tenant.GET("/backup", h.ExportBackup)
		tenant.POST("/backup/restore", h.RestoreBackup)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AdminRequired())
	{
		admin.GET("/stats", adminHandler.GetStats)
		admin.GET("/users", adminHandler.GetAllUsers)
		admin.PUT("/users/:id/status", adminHandler.UpdateUserStatus)
		admin.PUT("/users/:id/role", adminHandler.UpdateUserRole)
		admin.POST("/users/:id/extend", adminHandler.ExtendSubscription)
		admin.POST("/users/:id/fix-role", adminHandler.FixRole)
		admin.POST("/users/:id/disconnect-wa", adminHandler.DisconnectUserWA)
		admin.GET("/whatsapp/throttle", adminHandler.GetSendStats)

		telegramHandler.RegisterRoutes(admin)
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Auth

func (h *Handler) Register(c *gin.Context) {
	var in usecases.RegisterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	in.FullName = SanitizeString(in.FullName)
	in.CompanyName = SanitizeString(in.CompanyName)

	user, role, err := h.Auth.Register(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user, "role": role})
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	tokens, err := h.Auth.Login(c.Request.Context(), req.Email, req.Password, c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "refresh_token is required")
		return
	}
	tokens, err := h.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// Me returns the session snapshot. It is reachable with a lapsed
// subscription so the dashboard can tell the user why access is blocked.
func (h *Handler) Me(c *gin.Context) {
	snap, err := h.Auth.SessionState(c.Request.Context(), c.GetString(ctxSessionID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.Auth.Logout(c.Request.Context(), c.GetString(ctxSessionID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var in usecases.ProfileInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	in.FullName = SanitizeString(in.FullName)
	in.CompanyName = SanitizeString(in.CompanyName)

	profile, err := h.Auth.UpdateProfile(c.Request.Context(), getUserID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if err := h.Auth.ChangePassword(c.Request.Context(), getUserID(c), req.Current, req.New); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
