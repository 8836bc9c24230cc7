package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for buyers and sellers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute", h.Open)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.GET("/disputes/:id/messages", h.ListMessages)
}

// RegisterAdminRoutes sets up staff routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/overdue", h.ListOverdue)
	r.POST("/disputes/:id/status", h.SetStatus)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/messages", h.AddMessage)
}

// Open handles POST /v1/transactions/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	req.TransactionID = c.Param("id")
	req.OpenedBy = auth.GetUserID(c)

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.GetForViewer(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.AuthorID = auth.GetUserID(c)

	m, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// AddMessage handles POST /v1/disputes/:id/messages and its admin twin.
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body is required",
		})
		return
	}
	req.AuthorID = auth.ActorID(c)
	req.Staff = auth.IsStaff(c)

	m, err := h.service.AddMessage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type setStatusRequest struct {
	Status trade.DisputeStatus `json:"status" binding:"required"`
}

// SetStatus handles POST /v1/admin/disputes/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}

	d, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), req.Status, auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required",
		})
		return
	}
	req.AdminID = auth.ActorID(c)

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOverdue handles GET /v1/admin/disputes/overdue
func (h *Handler) ListOverdue(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListOverdue(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

func viewer(c *gin.Context) Viewer {
	return Viewer{UserID: auth.GetUserID(c), Staff: auth.IsStaff(c)}
}

func writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
