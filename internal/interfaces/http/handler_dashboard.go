package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// GetUserStats returns dashboard stats for the authenticated seller
func (h *Handler) GetUserStats(c *gin.Context) {
	days := queryInt(c, "days", 7)
	if days < 1 || days > 90 {
		days = 7
	}
	stats, err := h.Dashboard.Stats(c.Request.Context(), sellerID(c), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// WhatsApp

func (h *Handler) ConnectWhatsApp(c *gin.Context) {
	qr, err := h.WhatsApp.Connect(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qr)
}

func (h *Handler) WhatsAppStatus(c *gin.Context) {
	inst, err := h.WhatsApp.Status(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) WhatsAppQRCode(c *gin.Context) {
	qr, err := h.WhatsApp.QRCode(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, qr)
}

// WhatsAppHeartbeat checks the instance now instead of waiting for the
// monitor.
func (h *Handler) WhatsAppHeartbeat(c *gin.Context) {
	inst, err := h.WhatsApp.Heartbeat(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) LogoutWhatsApp(c *gin.Context) {
	if err := h.WhatsApp.Logout(c.Request.Context(), sellerID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// Bot

func (h *Handler) ListFlows(c *gin.Context) {
	flows, err := h.Bot.ListFlows(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flows)
}

func (h *Handler) GetFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	flow, err := h.Bot.GetFlow(c.Request.Context(), sellerID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *Handler) SaveFlow(c *gin.Context) {
	var flow entities.BotFlow
	if err := c.ShouldBindJSON(&flow); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	flow.ID = ""
	if c.Param("id") != "" {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		flow.ID = id
	}
	flow.Name = SanitizeString(flow.Name)

	created := flow.ID == ""
	if err := h.Bot.SaveFlow(c.Request.Context(), sellerID(c), &flow); err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, flow)
}

func (h *Handler) DeleteFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.Bot.DeleteFlow(c.Request.Context(), sellerID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) GetBotSettings(c *gin.Context) {
	s, err := h.Bot.Settings(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) SaveBotSettings(c *gin.Context) {
	var s entities.BotSettings
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if err := h.Bot.SaveSettings(c.Request.Context(), sellerID(c), s); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) EndBotSession(c *gin.Context) {
	phone := entities.NormalizePhone(c.Param("phone"))
	if phone == "" {
		badRequest(c, "Invalid phone")
		return
	}
	if err := h.Bot.EndSession(c.Request.Context(), sellerID(c), phone); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// Backup

func (h *Handler) ExportBackup(c *gin.Context) {
	doc, err := h.Backup.Export(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	name := fmt.Sprintf("backup-%s.json", time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.JSON(http.StatusOK, doc)
}

// RestoreBackup loads a backup document into the caller's tenant.
// ?mode=replace wipes existing data first; the default merges.
func (h *Handler) RestoreBackup(c *gin.Context) {
	var doc usecases.BackupDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		badRequest(c, "Invalid backup file")
		return
	}
	mode := usecases.RestoreMode(c.DefaultQuery("mode", string(usecases.RestoreMerge)))

	report, err := h.Backup.Restore(c.Request.Context(), sellerID(c), &doc, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
