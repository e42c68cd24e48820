package trust

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fiatlock/releasegate/internal/logging"
)

// Handler exposes profile reads and identity-flag updates.
type Handler struct {
	store     Store
	evaluator *Evaluator
}

// NewHandler creates a trust handler.
func NewHandler(store Store, evaluator *Evaluator) *Handler {
	return &Handler{store: store, evaluator: evaluator}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/trust", h.GetTrust)
}

// RegisterAdminRoutes sets up routes that require the admin role. The caller
// applies the role guard to the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PATCH("/users/:id/trust", h.UpdateFlags)
}

type trustResponse struct {
	Profile    *Profile   `json:"profile"`
	Evaluation Evaluation `json:"evaluation"`
}

// GetTrust handles GET /v1/users/:id/trust
func (h *Handler) GetTrust(c *gin.Context) {
	p, err := Load(c.Request.Context(), h.store, c.Param("id"), h.evaluator.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load trust profile",
		})
		return
	}
	c.JSON(http.StatusOK, trustResponse{Profile: p, Evaluation: h.evaluator.Evaluate(p)})
}

// UpdateFlags handles PATCH /v1/admin/users/:id/trust
func (h *Handler) UpdateFlags(c *gin.Context) {
	var f Flags
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid flags payload",
		})
		return
	}
	ctx := c.Request.Context()
	userID := c.Param("id")
	p, err := h.store.Update(ctx, userID, func(p *Profile) error {
		p.ApplyFlags(f, h.evaluator.now())
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update trust profile",
		})
		return
	}
	logging.L(ctx).Info("trust flags updated", "user_id", userID, "blacklisted", p.Blacklisted)
	c.JSON(http.StatusOK, trustResponse{Profile: p, Evaluation: h.evaluator.Evaluate(p)})
}
