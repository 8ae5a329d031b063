package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

type AdminHandler struct {
	admin     *usecases.AdminUsecase
	sendStats func() map[string]interface{}
}

func NewAdminHandler(admin *usecases.AdminUsecase, sendStats func() map[string]interface{}) *AdminHandler {
	return &AdminHandler{admin: admin, sendStats: sendStats}
}

// GetStats returns platform statistics
func (h *AdminHandler) GetStats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetAllUsers returns a page of users with their role and client count
func (h *AdminHandler) GetAllUsers(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	search := TruncateString(SanitizeString(c.Query("search")), MaxSearchLength)

	users, err := h.admin.ListUsers(c.Request.Context(), search, limit, queryInt(c, "offset", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// UpdateUserStatus blocks or unblocks a user account
func (h *AdminHandler) UpdateUserStatus(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var payload struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	if getUserID(c) == userID && !payload.IsActive {
		badRequest(c, "Cannot disable your own account")
		return
	}

	if err := h.admin.SetActive(c.Request.Context(), userID, payload.IsActive); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "is_active": payload.IsActive})
}

func (h *AdminHandler) UpdateUserRole(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Role entities.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if getUserID(c) == userID && payload.Role != entities.RoleAdmin {
		badRequest(c, "Cannot remove your own admin role")
		return
	}

	if err := h.admin.SetRole(c.Request.Context(), userID, payload.Role); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "role": payload.Role})
}

func (h *AdminHandler) ExtendSubscription(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var in usecases.ExtendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	user, err := h.admin.ExtendSubscription(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *AdminHandler) FixRole(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	role, err := h.admin.FixRole(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "fixed", "role": role})
}

// DisconnectUserWA logs a seller's WhatsApp instance out
func (h *AdminHandler) DisconnectUserWA(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.admin.DisconnectWhatsApp(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// GetSendStats returns the outbound message throttle counters
func (h *AdminHandler) GetSendStats(c *gin.Context) {
	if h.sendStats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.sendStats())
}
