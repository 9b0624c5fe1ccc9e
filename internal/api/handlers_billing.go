package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/logging"
)

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 104
)

// handleGetStatus returns the caller's billing status for the billed week
func (s *Server) handleGetStatus(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	status, err := s.deps.Billing.Status(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, status)
}

// handleGetHistory returns the caller's billing periods, newest first
func (s *Server) handleGetHistory(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	periods, err := s.deps.Billing.History(c.Request.Context(), userID, limit)
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, periods)
}

func (s *Server) handleListPaymentMethods(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	methods, err := s.deps.Billing.PaymentMethods(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, methods)
}

// handleAddPaymentMethod saves a card tokenized client-side
func (s *Server) handleAddPaymentMethod(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req struct {
		PaymentMethodID string `json:"payment_method_id" binding:"required"`
		MakeDefault     bool   `json:"make_default"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "payment_method_id is required")
		return
	}

	method, err := s.deps.Billing.AddPaymentMethod(c.Request.Context(), userID, req.PaymentMethodID, req.MakeDefault)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": method})
}

func (s *Server) handleRemovePaymentMethod(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	methodID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.deps.Billing.RemovePaymentMethod(c.Request.Context(), userID, methodID); err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, gin.H{"removed": methodID})
}

func (s *Server) handleSetDefaultPaymentMethod(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	methodID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.deps.Billing.SetDefaultPaymentMethod(c.Request.Context(), userID, methodID); err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, gin.H{"default": methodID})
}

// handleStripeWebhook verifies and applies a gateway callback. Rejected
// signatures get a 400; processing errors get a 500 so the gateway retries.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	if s.deps.Webhooks == nil {
		errorResponse(c, http.StatusServiceUnavailable, "billing service not available")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxWebhookBytes))
	if err != nil {
		errorResponse(c, http.StatusRequestEntityTooLarge, "failed to read request body")
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		errorResponse(c, http.StatusBadRequest, "missing Stripe signature")
		return
	}

	result, err := s.deps.Webhooks.HandlePayload(c.Request.Context(), payload, signature)
	if err != nil {
		if isVerificationError(err) {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		logging.FromContext(c.Request.Context()).Error("Webhook processing failed", "error", err)
		errorResponse(c, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  result.Outcome,
	})
}

func isVerificationError(err error) bool {
	for _, target := range []error{
		billing.ErrWebhookBadHeader,
		billing.ErrWebhookBadSignature,
		billing.ErrWebhookStale,
		billing.ErrWebhookMalformedBody,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
