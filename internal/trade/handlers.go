package trade

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/pagination"
	"github.com/accountbazaar/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for purchases.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Purchase)
	r.GET("/transactions", h.ListMine)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/confirm", h.ConfirmReceipt)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/items", h.RegisterItem)
	r.POST("/payouts/:id/status", h.AdvancePayout)
}

// Purchase handles POST /v1/transactions
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.BuyerID = auth.GetUserID(c)
	req.CustomerPhone = validation.SanitizePhone(req.CustomerPhone)
	req.PayeePhone = validation.SanitizePhone(req.PayeePhone)
	req.CustomerName = validation.SanitizeString(req.CustomerName, validation.MaxNameLength)
	if errs := validation.Validate(
		validation.ValidPhone("customerPhone", req.CustomerPhone),
		validation.ValidPhone("payeePhone", req.PayeePhone),
		validation.ValidOperator("payeeOperator", req.PayeeOperator),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	p, err := h.service.Purchase(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !auth.IsStaff(c) && !d.Transaction.IsParty(auth.GetUserID(c)) {
		// Same answer as a missing transaction.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListMine handles GET /v1/transactions
func (h *Handler) ListMine(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 50, 200)

	page, err := h.service.ListByUser(c.Request.Context(), auth.GetUserID(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ConfirmReceipt handles POST /v1/transactions/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	t, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// RegisterItem handles POST /v1/admin/items
func (h *Handler) RegisterItem(c *gin.Context) {
	var req RegisterItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	item, err := h.service.RegisterItem(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

type advancePayoutRequest struct {
	Status escrow.PayoutStatus `json:"status" binding:"required"`
}

// AdvancePayout handles POST /v1/admin/payouts/:id/status
func (h *Handler) AdvancePayout(c *gin.Context) {
	var req advancePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}

	p, err := h.service.AdvancePayout(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
