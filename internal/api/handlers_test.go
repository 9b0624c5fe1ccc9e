package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-fee-billing/internal/auth"
	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
	"trading-fee-billing/internal/reconcile"
)

type fakeBilling struct {
	mu          sync.Mutex
	statusErr   error
	chargeRes   billing.ChargeResult
	addErr      error
	removed     []int64
	enabled     map[int64]bool
	waiveReason string
	waiveActor  string
	historyArgs []int
}

func (f *fakeBilling) Status(_ context.Context, userID int64) (*billing.BillingStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &billing.BillingStatus{UserID: userID, WeekStart: "2026-10-05", WeekEnd: "2026-10-11", FeeAmount: 80}, nil
}

func (f *fakeBilling) History(_ context.Context, userID int64, limit int) ([]database.BillingPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyArgs = append(f.historyArgs, limit)
	return []database.BillingPeriod{{ID: 1, UserID: userID}}, nil
}

func (f *fakeBilling) PaymentMethods(_ context.Context, userID int64) ([]database.PaymentMethod, error) {
	return []database.PaymentMethod{{ID: 3, UserID: userID, Last4: "4242", IsDefault: true}}, nil
}

func (f *fakeBilling) AddPaymentMethod(_ context.Context, userID int64, pmID string, makeDefault bool) (*database.PaymentMethod, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return &database.PaymentMethod{ID: 9, UserID: userID, StripePaymentMethodID: pmID, IsDefault: makeDefault}, nil
}

func (f *fakeBilling) RemovePaymentMethod(_ context.Context, _ int64, methodID int64) error {
	if methodID == 404 {
		return fmt.Errorf("%w: payment method %d", billing.ErrNotFound, methodID)
	}
	f.removed = append(f.removed, methodID)
	return nil
}

func (f *fakeBilling) SetDefaultPaymentMethod(context.Context, int64, int64) error { return nil }

func (f *fakeBilling) SetBillingEnabled(_ context.Context, userID int64, enabled bool, _ string) error {
	if f.enabled == nil {
		f.enabled = map[int64]bool{}
	}
	f.enabled[userID] = enabled
	return nil
}

func (f *fakeBilling) ChargeWeeklyFee(_ context.Context, userID int64) billing.ChargeResult {
	r := f.chargeRes
	r.UserID = userID
	return r
}

func (f *fakeBilling) RetryFailedPeriod(_ context.Context, periodID int64) billing.ChargeResult {
	return billing.ChargeResult{Status: billing.ChargeConflict, BillingPeriodID: periodID, Error: "period is paid"}
}

func (f *fakeBilling) WaivePeriod(_ context.Context, periodID int64, reason, actor string) (*database.BillingPeriod, error) {
	f.waiveReason, f.waiveActor = reason, actor
	return &database.BillingPeriod{ID: periodID, Status: database.PeriodStatusWaived}, nil
}

func (f *fakeBilling) RefundPeriod(_ context.Context, periodID int64, _ string) (*database.Payment, error) {
	return nil, fmt.Errorf("%w: period %d has no succeeded payment", billing.ErrPrecondition, periodID)
}

type fakeBatch struct {
	running bool
	ran     chan struct{}
}

func (b *fakeBatch) RunWeekly(context.Context) (*billing.BatchSummary, error) {
	close(b.ran)
	return &billing.BatchSummary{}, nil
}
func (b *fakeBatch) LastRun() *billing.BatchSummary { return nil }
func (b *fakeBatch) IsRunning() bool                { return b.running }

type fakeWebhooks struct {
	err error
}

func (w *fakeWebhooks) HandlePayload(_ context.Context, payload []byte, _ string) (*billing.WebhookResult, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &billing.WebhookResult{Outcome: billing.WebhookProcessed}, nil
}

type fakeReconcile struct {
	syncErr error
}

func (r *fakeReconcile) SyncUser(_ context.Context, userID int64) (*reconcile.UserSyncResult, error) {
	if r.syncErr != nil {
		return nil, r.syncErr
	}
	return &reconcile.UserSyncResult{UserID: userID, Imported: 2}, nil
}
func (r *fakeReconcile) SyncAll(context.Context) (*reconcile.BatchReport, error) {
	return &reconcile.BatchReport{}, nil
}
func (r *fakeReconcile) FixMissing(_ context.Context, userID int64) (*reconcile.FixResult, error) {
	return &reconcile.FixResult{UserID: userID, Fixed: 1}, nil
}
func (r *fakeReconcile) IsRunning() bool { return false }

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

type harness struct {
	server  *Server
	billing *fakeBilling
	batch   *fakeBatch
	hooks   *fakeWebhooks
	recon   *fakeReconcile
	jwt     *auth.JWTManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		billing: &fakeBilling{chargeRes: billing.ChargeResult{Success: true, Status: billing.ChargeCharged, FeeAmount: 80}},
		batch:   &fakeBatch{ran: make(chan struct{})},
		hooks:   &fakeWebhooks{},
		recon:   &fakeReconcile{},
		jwt:     auth.NewJWTManager("test-secret", "", time.Hour),
	}
	h.server = NewServer(ServerConfig{}, Deps{
		Billing:   h.billing,
		Batch:     h.batch,
		Webhooks:  h.hooks,
		Reconcile: h.recon,
		Health:    fakeHealth{},
		JWT:       h.jwt,
	}, logging.Nop())
	t.Cleanup(func() { _ = h.server.Shutdown(context.Background()) })
	return h
}

func (h *harness) token(t *testing.T, userID int64, admin bool) string {
	t.Helper()
	tok, err := h.jwt.GenerateAccessToken(auth.UserClaims{UserID: userID, IsAdmin: admin})
	require.NoError(t, err)
	return tok
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	h.server.deps.Health = fakeHealth{err: errors.New("db down")}
	w = h.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUserRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/billing/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/billing/status", h.token(t, 7, false), "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["user_id"])
	assert.Equal(t, "2026-10-05", data["week_start"])

	h.billing.statusErr = fmt.Errorf("%w: user 7", billing.ErrNotFound)
	w = h.do(http.MethodGet, "/api/billing/status", h.token(t, 7, false), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHistoryLimit(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 7, false)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/billing/history", tok, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/billing/history?limit=500", tok, "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/billing/history?limit=-1", tok, "").Code)
	assert.Equal(t, []int{defaultHistoryLimit, maxHistoryLimit}, h.billing.historyArgs)
}

func TestPaymentMethodRoutes(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 7, false)

	w := h.do(http.MethodPost, "/api/billing/payment-methods", tok, `{"payment_method_id":"pm_123","make_default":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(http.MethodPost, "/api/billing/payment-methods", tok, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.billing.addErr = &billing.GatewayError{StatusCode: 402, Type: "card_error", Code: "card_declined"}
	w = h.do(http.MethodPost, "/api/billing/payment-methods", tok, `{"payment_method_id":"pm_bad"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	h.billing.addErr = fmt.Errorf("%w: payment method already saved", billing.ErrConflict)
	w = h.do(http.MethodPost, "/api/billing/payment-methods", tok, `{"payment_method_id":"pm_123"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/billing/payment-methods", tok, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodDelete, "/api/billing/payment-methods/3", tok, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/billing/payment-methods/404", tok, "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodDelete, "/api/billing/payment-methods/abc", tok, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/billing/payment-methods/3/default", tok, "").Code)
	assert.Equal(t, []int64{3}, h.billing.removed)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/admin/billing/users/7/charge", h.token(t, 7, false), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminChargeStatusCodes(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 1, true)

	tests := []struct {
		status billing.ChargeStatus
		want   int
	}{
		{billing.ChargeCharged, http.StatusOK},
		{billing.ChargeNoFeeDue, http.StatusOK},
		{billing.ChargePending, http.StatusAccepted},
		{billing.ChargeConflict, http.StatusConflict},
		{billing.ChargePreconditionFailed, http.StatusUnprocessableEntity},
		{billing.ChargeInvalid, http.StatusBadRequest},
		{billing.ChargeFailed, http.StatusPaymentRequired},
		{billing.ChargeError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h.billing.chargeRes = billing.ChargeResult{Status: tt.status}
			w := h.do(http.MethodPost, "/api/admin/billing/users/7/charge", tok, "")
			assert.Equal(t, tt.want, w.Code)
			data := decode(t, w)["data"].(map[string]interface{})
			assert.Equal(t, string(tt.status), data["status"])
		})
	}
}

func TestAdminPeriodActions(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 1, true)

	w := h.do(http.MethodPost, "/api/admin/billing/periods/5/waive", tok, `{"reason":"goodwill"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "goodwill", h.billing.waiveReason)
	assert.Equal(t, "admin:1", h.billing.waiveActor)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/admin/billing/periods/5/waive", tok, `{}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/api/admin/billing/periods/5/refund", tok, "").Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/admin/billing/periods/5/retry", tok, "").Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/admin/billing/users/7/disable", tok, "").Code)
	assert.False(t, h.billing.enabled[7])
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/admin/billing/users/7/enable", tok, "").Code)
	assert.True(t, h.billing.enabled[7])

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/admin/billing/users/7", tok, "").Code)
}

func TestAdminRunWeekly(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 1, true)

	h.batch.running = true
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/admin/billing/run-weekly", tok, "").Code)

	h.batch.running = false
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/admin/billing/run-weekly", tok, "").Code)
	select {
	case <-h.batch.ran:
	case <-time.After(time.Second):
		t.Fatal("weekly batch not started")
	}

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/admin/billing/run-weekly", tok, "").Code)
}

func TestAdminReconcile(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, 1, true)

	w := h.do(http.MethodPost, "/api/admin/reconcile/users/7", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["imported"])

	h.recon.syncErr = fmt.Errorf("%w: user 7", reconcile.ErrNoAccount)
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/api/admin/reconcile/users/7", tok, "").Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/admin/reconcile/users/7/fix-missing", tok, "").Code)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/admin/reconcile/run", tok, "").Code)

	h.server.deps.Reconcile = nil
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/api/admin/reconcile/run", tok, "").Code)
}

func TestStripeWebhook(t *testing.T) {
	h := newHarness(t)
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
		if sig != "" {
			req.Header.Set("Stripe-Signature", sig)
		}
		w := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(w, req)
		return w
	}

	w := post("t=1,v1=abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed", decode(t, w)["outcome"])

	assert.Equal(t, http.StatusBadRequest, post("").Code)

	h.hooks.err = billing.ErrWebhookBadSignature
	assert.Equal(t, http.StatusBadRequest, post("t=1,v1=abc").Code)

	h.hooks.err = errors.New("connection reset")
	assert.Equal(t, http.StatusInternalServerError, post("t=1,v1=abc").Code)
}

func TestAuthDisabledUsesHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fb := &fakeBilling{}
	s := NewServer(ServerConfig{}, Deps{Billing: fb}, logging.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/admin/billing/users/9", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/billing/status", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/billing/status", nil)
	req.Header.Set("X-User-ID", "9")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example, ,https://b.example"))
	assert.Nil(t, ParseOrigins(""))
}
