package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/money"
)

// Handler provides the provider webhook and operator verification endpoints.
type Handler struct {
	reconciler *Reconciler
	signer     *Signer
	logger     *slog.Logger
}

// NewHandler creates a new gateway handler.
func NewHandler(reconciler *Reconciler, signer *Signer, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, signer: signer, logger: logger}
}

// RegisterRoutes sets up the public webhook route. It authenticates by signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Webhook)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:externalId/verify", h.Verify)
}

// Webhook handles POST /v1/payments/webhook
//
// 401 only for a bad signature and 400 for a payload we cannot read. Anything
// authenticated is acknowledged with 200 so the provider stops retrying,
// including unknown references and statuses that arrive too late to apply.
func (h *Handler) Webhook(c *gin.Context) {
	n, err := bindNotification(c)
	if err != nil {
		gwNotifications.WithLabelValues("webhook", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed notification",
		})
		return
	}

	if err := h.signer.Verify(n); err != nil {
		gwSignatureFailures.Inc()
		h.logger.Warn("webhook signature rejected", "external_id", n.ExternalID, "client_ip", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	res, err := h.reconciler.Apply(c.Request.Context(), *n)
	gwNotifications.WithLabelValues("webhook", outcomeLabel(res, err)).Inc()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": res.Outcome})
	case errors.Is(err, apperr.ErrNotFound):
		h.logger.Warn("webhook for unknown payment", "external_id", n.ExternalID, "status_code", n.StatusCode)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": "unknown"})
	case errors.Is(err, apperr.ErrConflict):
		h.logger.Warn("webhook could not be applied", "external_id", n.ExternalID, "status_code", n.StatusCode, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": "ignored"})
	case errors.Is(err, apperr.ErrValidation):
		h.logger.Warn("webhook rejected", "external_id", n.ExternalID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("webhook apply failed", "external_id", n.ExternalID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

// Verify handles POST /v1/admin/payments/:externalId/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.reconciler.Verify(c.Request.Context(), c.Param("externalId"))
	if errors.Is(err, ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment provider is unavailable",
		})
		return
	}
	if err != nil {
		status, code := apperr.HTTPStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "Internal error"
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// bindNotification reads a JSON or form-encoded notification.
func bindNotification(c *gin.Context) (*Notification, error) {
	var n Notification
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&n); err != nil {
			return nil, err
		}
	} else {
		if err := c.ShouldBind(&n); err != nil {
			return nil, err
		}
		if raw := c.PostForm("amount"); raw != "" {
			amount, ok := money.Parse(raw)
			if !ok {
				return nil, apperr.Validation("gateway.bind", "bad amount %q", raw)
			}
			n.Amount = amount
		}
	}
	if strings.TrimSpace(n.ExternalID) == "" || strings.TrimSpace(n.StatusCode) == "" {
		return nil, apperr.Validation("gateway.bind", "external_transaction_id and status_code are required")
	}
	return &n, nil
}
