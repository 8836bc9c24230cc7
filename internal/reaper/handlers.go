package reaper

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes manual sweeps to operators.
type Handler struct {
	reaper   *Reaper
	defaults Options
}

// NewHandler creates a reaper handler. defaults supplies the timeouts used
// when a request does not override them.
func NewHandler(reaper *Reaper, defaults Options) *Handler {
	return &Handler{reaper: reaper, defaults: defaults}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reaper/run", h.Run)
}

// Run handles POST /v1/admin/reaper/run?dryRun=true&limit=100&pendingTimeout=30m
func (h *Handler) Run(c *gin.Context) {
	opts := h.defaults
	opts.DryRun = c.Query("dryRun") == "true"
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	for param, dst := range map[string]*time.Duration{
		"pendingTimeout":    &opts.PendingTimeout,
		"processingTimeout": &opts.ProcessingTimeout,
	} {
		if raw := c.Query(param); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": param + " must be a positive duration",
				})
				return
			}
			*dst = d
		}
	}

	report, err := h.reaper.Sweep(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":   report,
		"affected": report.Affected(),
	})
}
