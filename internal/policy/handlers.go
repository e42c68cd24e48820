package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fiatlock/releasegate/internal/trust"
)

// Handler serves read-only policy endpoints for operators.
type Handler struct {
	doc      *Document
	resolver *Resolver
}

// NewHandler creates a policy handler.
func NewHandler(doc *Document) *Handler {
	return &Handler{doc: doc, resolver: doc.Resolver()}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.GetDocument)
	r.GET("/policy/holds", h.GetHolds)
}

// GetDocument handles GET /v1/policy
func (h *Handler) GetDocument(c *gin.Context) {
	c.JSON(http.StatusOK, h.doc)
}

// GetHolds handles GET /v1/policy/holds?method=&level=
// With no method, quotes every method at the level (default NEW).
func (h *Handler) GetHolds(c *gin.Context) {
	level := trust.Level(c.DefaultQuery("level", string(trust.LevelNew)))
	if !level.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_level",
			"message": "level must be one of NEW, VERIFIED, TRUSTED, POWER",
		})
		return
	}

	if m := c.Query("method"); m != "" {
		q, err := h.resolver.Quote(Method(m), level)
		if errors.Is(err, ErrUnknownMethod) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_method",
				"message": err.Error(),
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve hold",
			})
			return
		}
		c.JSON(http.StatusOK, q)
		return
	}

	quotes := make([]*HoldQuote, 0, len(h.doc.Methods))
	for _, row := range h.resolver.Table().Methods() {
		q, err := h.resolver.Quote(row.Method, level)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve hold",
			})
			return
		}
		quotes = append(quotes, q)
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes, "count": len(quotes)})
}
