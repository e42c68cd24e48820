package bill

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fiatlock/releasegate/internal/auth"
	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/oracle"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/validation"
)

// Handler provides HTTP endpoints for bill operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new bill handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only bill routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bills/:id", validation.IDParamMiddleware(), h.GetBill)
	r.GET("/bills/:id/audit", validation.IDParamMiddleware(), h.GetAudit)
	r.GET("/users/:id/bills", validation.IDParamMiddleware(), h.ListBills)
}

// RegisterProtectedRoutes sets up lifecycle routes. The group must carry
// auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bills", h.CreateBill)

	g := r.Group("/bills/:id", validation.IDParamMiddleware())
	g.POST("/cancel", h.CancelBill)
	g.POST("/claim", h.ClaimBill)
	g.POST("/declare", h.DeclarePayment)
	g.POST("/verify", h.VerifyPayment)
	g.POST("/release", h.ReleaseBill)
	g.POST("/confirm-release", h.ConfirmRelease)
	g.POST("/dispute", h.DisputeBill)
	g.POST("/resolve", h.ResolveDispute)
	g.POST("/override", h.OverrideHold)
	g.POST("/expire", h.ExpireBill)
	g.POST("/rate", h.RateBill)
}

// RegisterAttestationRoutes sets up inbound payment confirmations. These
// authenticate themselves by signature, not by bearer token.
func (h *Handler) RegisterAttestationRoutes(r *gin.RouterGroup) {
	r.POST("/attestations", h.SubmitAttestation)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// RegisterLedgerRoutes sets up ledger callbacks. The group must carry
// auth.RequireAPIKey.
func (h *Handler) RegisterLedgerRoutes(r *gin.RouterGroup) {
	r.POST("/events/funds-locked", h.FundsLocked)
}

// actorFrom maps the authenticated identity to an engine actor.
func actorFrom(c *gin.Context) Actor {
	id, ok := auth.GetIdentity(c)
	if !ok {
		return Actor{}
	}
	return Actor{
		ID:       id.UserID,
		Admin:    id.HasRole(auth.RoleAdmin),
		Resolver: id.HasRole(auth.RoleResolver),
	}
}

// writeError maps engine errors to status codes.
func writeError(c *gin.Context, err error) {
	var be *Error
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Bill not found",
		})
	case errors.As(err, &be):
		status := http.StatusInternalServerError
		switch be.Kind {
		case ErrValidation:
			status = http.StatusBadRequest
		case ErrForbidden:
			status = http.StatusForbidden
		case ErrConflict:
			status = http.StatusConflict
		case ErrPolicy:
			status = http.StatusUnprocessableEntity
		}
		body := gin.H{"error": be.Code, "message": be.Message}
		if be.Current != nil {
			body["current"] = be.Current
		}
		c.JSON(status, body)
	case errors.Is(err, settlement.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Settlement ledger unavailable, retry later",
		})
	default:
		logging.L(c.Request.Context()).Error("bill request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c)
		return false
	}
	return true
}

func respond(c *gin.Context, status int, b *Bill, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, gin.H{"bill": b})
}

// CreateBill handles POST /v1/bills
func (h *Handler) CreateBill(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.Create(c.Request.Context(), actorFrom(c), req)
	respond(c, http.StatusCreated, b, err)
}

// GetBill handles GET /v1/bills/:id
func (h *Handler) GetBill(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// GetAudit handles GET /v1/bills/:id/audit
func (h *Handler) GetAudit(c *gin.Context) {
	entries, err := h.service.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// ListBills handles GET /v1/users/:id/bills?limit=&cursor=
func (h *Handler) ListBills(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	page, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bills":      page.Bills,
		"count":      len(page.Bills),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// CancelBill handles POST /v1/bills/:id/cancel
func (h *Handler) CancelBill(c *gin.Context) {
	b, err := h.service.Cancel(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// ClaimBill handles POST /v1/bills/:id/claim
func (h *Handler) ClaimBill(c *gin.Context) {
	b, err := h.service.Claim(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// DeclarePayment handles POST /v1/bills/:id/declare
func (h *Handler) DeclarePayment(c *gin.Context) {
	var req DeclareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.DeclarePayment(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// VerifyPayment handles POST /v1/bills/:id/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	b, err := h.service.VerifyPayment(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// ReleaseBill handles POST /v1/bills/:id/release
func (h *Handler) ReleaseBill(c *gin.Context) {
	var req ReleaseRequest
	if !bindOptional(c, &req) {
		return
	}
	b, err := h.service.Release(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// ConfirmRelease handles POST /v1/bills/:id/confirm-release
func (h *Handler) ConfirmRelease(c *gin.Context) {
	b, err := h.service.ConfirmAndRelease(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// DisputeBill handles POST /v1/bills/:id/dispute
func (h *Handler) DisputeBill(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.Dispute(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// ResolveDispute handles POST /v1/bills/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.Resolve(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// OverrideHold handles POST /v1/bills/:id/override
func (h *Handler) OverrideHold(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.Override(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// ExpireBill handles POST /v1/bills/:id/expire
func (h *Handler) ExpireBill(c *gin.Context) {
	b, err := h.service.Expire(c.Request.Context(), actorFrom(c), c.Param("id"))
	respond(c, http.StatusOK, b, err)
}

// RateBill handles POST /v1/bills/:id/rate
func (h *Handler) RateBill(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.Rate(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	respond(c, http.StatusOK, b, err)
}

// FundsLockedEvent is the ledger's lock confirmation.
type FundsLockedEvent struct {
	BillID string `json:"billId" binding:"required"`
	TxID   string `json:"txId"`
}

// FundsLocked handles POST /v1/events/funds-locked
func (h *Handler) FundsLocked(c *gin.Context) {
	var ev FundsLockedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.ConfirmFunded(c.Request.Context(), ev.BillID, ev.TxID)
	respond(c, http.StatusOK, b, err)
}

// SubmitAttestation handles POST /v1/attestations
func (h *Handler) SubmitAttestation(c *gin.Context) {
	var a oracle.Attestation
	if err := c.ShouldBindJSON(&a); err != nil {
		badRequest(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("signature", a.Signature),
		validation.ValidSignature("signature", a.Signature),
		validation.ValidPaymentRef("paymentRef", a.PaymentRef),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	b, err := h.service.SubmitAttestation(c.Request.Context(), &a)
	respond(c, http.StatusOK, b, err)
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c)
		return
	}
	b, err := h.service.HandleStripeWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, oracle.ErrIgnoredEvent) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	respond(c, http.StatusOK, b, err)
}
