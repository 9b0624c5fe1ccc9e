package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/logging"
)

// handleAdminGetUser returns any user's billing status
func (s *Server) handleAdminGetUser(c *gin.Context) {
	userID, ok := pathID(c, "userId")
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

// handleAdminCharge charges one user for the billed week now
func (s *Server) handleAdminCharge(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	result := s.deps.Billing.ChargeWeeklyFee(c.Request.Context(), userID)
	logging.FromContext(c.Request.Context()).Info("Admin charge",
		"user_id", userID, "status", result.Status, "actor", actor(c))
	c.JSON(chargeStatusCode(result.Status), gin.H{"success": result.Success, "data": result})
}

func (s *Server) handleAdminSetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := pathID(c, "userId")
		if !ok {
			return
		}

		if err := s.deps.Billing.SetBillingEnabled(c.Request.Context(), userID, enabled, actor(c)); err != nil {
			serviceError(c, err)
			return
		}
		successResponse(c, gin.H{"user_id": userID, "billing_enabled": enabled})
	}
}

// handleAdminRetry re-attempts a failed period with a fresh idempotency key
func (s *Server) handleAdminRetry(c *gin.Context) {
	periodID, ok := pathID(c, "periodId")
	if !ok {
		return
	}

	result := s.deps.Billing.RetryFailedPeriod(c.Request.Context(), periodID)
	c.JSON(chargeStatusCode(result.Status), gin.H{"success": result.Success, "data": result})
}

func (s *Server) handleAdminWaive(c *gin.Context) {
	periodID, ok := pathID(c, "periodId")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "reason is required")
		return
	}

	period, err := s.deps.Billing.WaivePeriod(c.Request.Context(), periodID, req.Reason, actor(c))
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, period)
}

func (s *Server) handleAdminRefund(c *gin.Context) {
	periodID, ok := pathID(c, "periodId")
	if !ok {
		return
	}

	payment, err := s.deps.Billing.RefundPeriod(c.Request.Context(), periodID, actor(c))
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, payment)
}

// handleAdminRunWeekly starts the weekly batch in the background. The
// summary is available from GET on the same path once it finishes.
func (s *Server) handleAdminRunWeekly(c *gin.Context) {
	if s.deps.Batch == nil {
		errorResponse(c, http.StatusServiceUnavailable, "billing service not available")
		return
	}
	if s.deps.Batch.IsRunning() {
		serviceError(c, billing.ErrBatchRunning)
		return
	}

	s.runInBackground("run-weekly", actor(c), func(ctx context.Context) error {
		_, err := s.deps.Batch.RunWeekly(ctx)
		return err
	})
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "weekly billing started"})
}

func (s *Server) handleAdminLastRun(c *gin.Context) {
	if s.deps.Batch == nil {
		errorResponse(c, http.StatusServiceUnavailable, "billing service not available")
		return
	}
	successResponse(c, gin.H{
		"running":  s.deps.Batch.IsRunning(),
		"last_run": s.deps.Batch.LastRun(),
	})
}

func (s *Server) handleAdminReconcileUser(c *gin.Context) {
	if !s.reconcileAvailable(c) {
		return
	}
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	result, err := s.deps.Reconcile.SyncUser(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, result)
}

func (s *Server) handleAdminReconcileAll(c *gin.Context) {
	if !s.reconcileAvailable(c) {
		return
	}
	if s.deps.Reconcile.IsRunning() {
		errorResponse(c, http.StatusConflict, "reconciliation already running")
		return
	}

	s.runInBackground("reconcile-all", actor(c), func(ctx context.Context) error {
		_, err := s.deps.Reconcile.SyncAll(ctx)
		return err
	})
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "reconciliation started"})
}

func (s *Server) handleAdminFixMissing(c *gin.Context) {
	if !s.reconcileAvailable(c) {
		return
	}
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	result, err := s.deps.Reconcile.FixMissing(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, err)
		return
	}
	successResponse(c, result)
}

func (s *Server) reconcileAvailable(c *gin.Context) bool {
	if s.deps.Reconcile == nil {
		errorResponse(c, http.StatusServiceUnavailable, "brokerage reconciliation not configured")
		return false
	}
	return true
}

// runInBackground detaches a long admin run from the request. It stops when
// the server shuts down.
func (s *Server) runInBackground(name, who string, fn func(ctx context.Context) error) {
	log := s.logger.WithFields(map[string]interface{}{"run": name, "actor": who})
	go func() {
		log.Info("Admin run started")
		err := fn(s.bgCtx)
		switch {
		case errors.Is(err, billing.ErrBatchRunning):
			log.Warn("Admin run skipped, already running")
		case err != nil:
			log.Error("Admin run failed", "error", err)
			s.deps.Bus.PublishError(name, "admin run failed", err)
		default:
			log.Info("Admin run completed")
		}
	}()
}
