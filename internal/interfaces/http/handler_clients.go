package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// Clients

func (h *Handler) ListClients(c *gin.Context) {
	f := entities.ClientFilter{
		Status:   entities.ClientStatus(c.Query("status")),
		Search:   TruncateString(SanitizeString(c.Query("search")), MaxSearchLength),
		Archived: c.Query("archived") == "true",
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	page, err := h.Clients.ListClients(c.Request.Context(), sellerID(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetClient(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	client, err := h.Clients.GetClient(c.Request.Context(), sellerID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

// SaveClient creates (POST) or updates (PUT /:id) a client atomically.
func (h *Handler) SaveClient(c *gin.Context) {
	var in entities.ClientInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	in.ID = ""
	if c.Param("id") != "" {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		in.ID = id
	}
	in.Name = SanitizeString(in.Name)
	in.Notes = SanitizeString(in.Notes)

	client, err := h.Clients.SaveClient(c.Request.Context(), sellerID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if in.ID == "" {
		status = http.StatusCreated
	}
	c.JSON(status, client)
}

func (h *Handler) DeleteClient(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.Clients.DeleteClient(c.Request.Context(), sellerID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) ArchiveClient(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Archived bool `json:"archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if err := h.Clients.ArchiveClient(c.Request.Context(), sellerID(c), id, req.Archived); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "archived": req.Archived})
}

func (h *Handler) GetCredentials(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	creds, err := h.Clients.GetCredentials(c.Request.Context(), sellerID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, creds)
}

func (h *Handler) ExportClients(c *gin.Context) {
	data, err := h.Clients.ExportClientsCSV(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	name := fmt.Sprintf("clients-%s.csv", time.Now().Format("20060102"))
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

func (h *Handler) RenewClient(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var in usecases.RenewInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	res, err := h.Billing.Renew(c.Request.Context(), sellerID(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Servers

func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.Clients.ListServers(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

func (h *Handler) SaveServer(c *gin.Context) {
	var s entities.Server
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	s.ID = ""
	if c.Param("id") != "" {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		s.ID = id
	}
	s.Name = SanitizeString(s.Name)
	if err := h.Clients.SaveServer(c.Request.Context(), sellerID(c), &s); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteServer(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.Clients.DeleteServer(c.Request.Context(), sellerID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Plans

func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.Clients.ListPlans(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (h *Handler) SavePlan(c *gin.Context) {
	var p entities.Plan
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	p.ID = ""
	if c.Param("id") != "" {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		p.ID = id
	}
	p.Name = SanitizeString(p.Name)
	if err := h.Clients.SavePlan(c.Request.Context(), sellerID(c), &p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePlan(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.Clients.DeletePlan(c.Request.Context(), sellerID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ImportPlans accepts a CSV upload in the "file" form field.
func (h *Handler) ImportPlans(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "CSV file is required")
		return
	}
	f, err := file.Open()
	if err != nil {
		badRequest(c, "Could not read upload")
		return
	}
	defer f.Close()

	n, err := h.Clients.ImportPlansCSV(c.Request.Context(), sellerID(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "imported", "count": n})
}

func (h *Handler) QuotePlan(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	q, err := h.Billing.Quote(c.Request.Context(), sellerID(c), id, queryInt(c, "months", 1))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q, "total_formatted": "R$ " + usecases.FormatMoney(q.Total)})
}

// Billing

func (h *Handler) BillingSummary(c *gin.Context) {
	summary, err := h.Billing.Summary(c.Request.Context(), sellerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListPayments(c *gin.Context) {
	payments, err := h.Billing.Payments(c.Request.Context(), sellerID(c), queryInt(c, "days", 30))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payments)
}

// RunReminders sends today's reminders now, even when the daily job is
// switched off for the seller.
func (h *Handler) RunReminders(c *gin.Context) {
	report, err := h.Billing.SendReminders(c.Request.Context(), sellerID(c), true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
