package chatgate

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Handler answers chat lock queries from the messaging subsystem.
type Handler struct {
	store trade.Store
}

// NewHandler creates a chat gate handler.
func NewHandler(store trade.Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/chat", h.GetChat)
}

// GetChat handles GET /v1/transactions/:id/chat
func (h *Handler) GetChat(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.store.GetTransaction(ctx, c.Param("id"))
	if err == nil && !auth.IsStaff(c) && !t.IsParty(auth.GetUserID(c)) {
		err = apperr.NotFound("chatgate.GetChat", "transaction %s not found", t.ID)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	payment, dispute, err := related(ctx, h.store, t.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	d := Evaluate(t, payment, dispute)
	c.JSON(http.StatusOK, gin.H{
		"transactionId": t.ID,
		"participants":  t.Parties(),
		"locked":        d.Locked,
		"reason":        d.Reason,
	})
}

func writeError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Failed to read transaction"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
