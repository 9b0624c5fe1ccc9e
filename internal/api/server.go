package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"trading-fee-billing/internal/auth"
	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/events"
	"trading-fee-billing/internal/logging"
	"trading-fee-billing/internal/reconcile"
)

// BillingService is the orchestrator surface the handlers use
type BillingService interface {
	Status(ctx context.Context, userID int64) (*billing.BillingStatus, error)
	History(ctx context.Context, userID int64, limit int) ([]database.BillingPeriod, error)
	PaymentMethods(ctx context.Context, userID int64) ([]database.PaymentMethod, error)
	AddPaymentMethod(ctx context.Context, userID int64, paymentMethodID string, makeDefault bool) (*database.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, userID, methodID int64) error
	SetDefaultPaymentMethod(ctx context.Context, userID, methodID int64) error
	SetBillingEnabled(ctx context.Context, userID int64, enabled bool, actor string) error
	ChargeWeeklyFee(ctx context.Context, userID int64) billing.ChargeResult
	RetryFailedPeriod(ctx context.Context, periodID int64) billing.ChargeResult
	WaivePeriod(ctx context.Context, periodID int64, reason, actor string) (*database.BillingPeriod, error)
	RefundPeriod(ctx context.Context, periodID int64, actor string) (*database.Payment, error)
}

// BatchService runs the weekly fan-out
type BatchService interface {
	RunWeekly(ctx context.Context) (*billing.BatchSummary, error)
	LastRun() *billing.BatchSummary
	IsRunning() bool
}

// WebhookHandler verifies and applies gateway callbacks
type WebhookHandler interface {
	HandlePayload(ctx context.Context, payload []byte, signatureHeader string) (*billing.WebhookResult, error)
}

// ReconcileService runs brokerage syncs on demand
type ReconcileService interface {
	SyncUser(ctx context.Context, userID int64) (*reconcile.UserSyncResult, error)
	SyncAll(ctx context.Context) (*reconcile.BatchReport, error)
	FixMissing(ctx context.Context, userID int64) (*reconcile.FixResult, error)
	IsRunning() bool
}

// HealthChecker reports database reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services the server routes to. Reconcile and Bus may be nil.
type Deps struct {
	Billing   BillingService
	Batch     BatchService
	Webhooks  WebhookHandler
	Reconcile ReconcileService
	Health    HealthChecker
	Bus       *events.EventBus
	JWT       *auth.JWTManager // nil disables auth
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ProductionMode  bool
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxWebhookBytes int64
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	hub        *WSHub
	logger     *logging.Logger

	// background runs started from admin endpoints
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MaxWebhookBytes <= 0 {
		config.MaxWebhookBytes = 64 << 10
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:5173"}
	}

	router := gin.New()
	log := logger.WithComponent("api")
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if slices.Contains(config.AllowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		router:   router,
		config:   config,
		deps:     deps,
		logger:   log,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	if deps.Bus != nil {
		s.hub = InitWebSocket(deps.Bus, log)
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Signed by the gateway, never by a user token
	s.router.POST("/api/webhooks/stripe", s.handleStripeWebhook)

	user := s.router.Group("/api/billing")
	user.Use(s.authMiddleware())
	{
		user.GET("/status", s.handleGetStatus)
		user.GET("/history", s.handleGetHistory)
		user.GET("/payment-methods", s.handleListPaymentMethods)
		user.POST("/payment-methods", s.handleAddPaymentMethod)
		user.DELETE("/payment-methods/:id", s.handleRemovePaymentMethod)
		user.POST("/payment-methods/:id/default", s.handleSetDefaultPaymentMethod)
	}

	admin := s.router.Group("/api/admin")
	admin.Use(s.authMiddleware(), auth.RequireAdmin())
	{
		admin.GET("/billing/users/:userId", s.handleAdminGetUser)
		admin.POST("/billing/users/:userId/charge", s.handleAdminCharge)
		admin.POST("/billing/users/:userId/enable", s.handleAdminSetEnabled(true))
		admin.POST("/billing/users/:userId/disable", s.handleAdminSetEnabled(false))
		admin.POST("/billing/periods/:periodId/retry", s.handleAdminRetry)
		admin.POST("/billing/periods/:periodId/waive", s.handleAdminWaive)
		admin.POST("/billing/periods/:periodId/refund", s.handleAdminRefund)
		admin.POST("/billing/run-weekly", s.handleAdminRunWeekly)
		admin.GET("/billing/run-weekly", s.handleAdminLastRun)
		admin.GET("/billing/events/ws", s.handleWebSocket)

		admin.POST("/reconcile/users/:userId", s.handleAdminReconcileUser)
		admin.POST("/reconcile/run", s.handleAdminReconcileAll)
		admin.POST("/reconcile/users/:userId/fix-missing", s.handleAdminFixMissing)
	}
}

// authMiddleware validates bearer tokens. With auth disabled every caller
// is an admin acting as the user named in X-User-ID.
func (s *Server) authMiddleware() gin.HandlerFunc {
	if s.deps.JWT != nil {
		return auth.Middleware(s.deps.JWT)
	}
	return func(c *gin.Context) {
		claims := &auth.UserClaims{IsAdmin: true}
		if id, err := parseID(c.GetHeader("X-User-ID")); err == nil {
			claims.UserID = id
		}
		auth.SetClaims(c, claims)
		c.Next()
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server and cancels admin-triggered
// background runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.bgCancel()
	if s.hub != nil {
		s.hub.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// serviceError maps domain errors onto HTTP statuses
func serviceError(c *gin.Context, err error) {
	var gwErr *billing.GatewayError
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrConflict), errors.Is(err, reconcile.ErrSyncRunning):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrPrecondition), errors.Is(err, reconcile.ErrNoAccount):
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &gwErr) && gwErr.IsCardError():
		errorResponse(c, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &gwErr):
		errorResponse(c, http.StatusBadGateway, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

// chargeStatusCode maps a charge outcome onto an HTTP status
func chargeStatusCode(status billing.ChargeStatus) int {
	switch status {
	case billing.ChargeCharged, billing.ChargeNoFeeDue:
		return http.StatusOK
	case billing.ChargePending:
		return http.StatusAccepted
	case billing.ChargeConflict:
		return http.StatusConflict
	case billing.ChargePreconditionFailed:
		return http.StatusUnprocessableEntity
	case billing.ChargeInvalid:
		return http.StatusBadRequest
	case billing.ChargeFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// getUserIDRequired returns the caller's user ID or writes a 401
func (s *Server) getUserIDRequired(c *gin.Context) (int64, bool) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   auth.ErrUnauthorized.Code,
			"message": "authentication required",
		})
		return 0, false
	}
	return userID, true
}

// actor names the admin for audit rows
func actor(c *gin.Context) string {
	if id, ok := auth.GetUserID(c); ok {
		return fmt.Sprintf("admin:%d", id)
	}
	return "admin"
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := parseID(c.Param(name))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ParseOrigins splits a comma separated origin list
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
