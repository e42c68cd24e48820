package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides auth HTTP endpoints.
type Handler struct {
	tokens   *TokenManager
	devIssue bool
}

// NewHandler creates an auth handler. devIssue enables the unauthenticated
// token endpoint and must only be set in development.
func NewHandler(tokens *TokenManager, devIssue bool) *Handler {
	return &Handler{tokens: tokens, devIssue: devIssue}
}

// RegisterRoutes sets up auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", RequireAuth(), h.Me)
	if h.devIssue {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	id, _ := GetIdentity(c)
	c.JSON(http.StatusOK, id)
}

// DevTokenRequest asks for a development token.
type DevTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Roles  []Role `json:"roles"`
}

// DevToken handles POST /v1/auth/dev-token
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []Role{RoleUser}
	}
	token, exp, err := h.tokens.Issue(req.UserID, req.Roles...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": exp})
}
