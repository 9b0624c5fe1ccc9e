package billing

import (
	"context"
	"errors"
	"time"

	"trading-fee-billing/internal/database"
)

// ChargeStatus classifies the outcome of a charge request
type ChargeStatus string

const (
	ChargeCharged            ChargeStatus = "charged"
	ChargePending            ChargeStatus = "pending"
	ChargeNoFeeDue           ChargeStatus = "no_fee_due"
	ChargeConflict           ChargeStatus = "conflict"
	ChargePreconditionFailed ChargeStatus = "precondition_failed"
	ChargeInvalid            ChargeStatus = "invalid"
	ChargeFailed             ChargeStatus = "failed"
	ChargeError              ChargeStatus = "error"
)

// ChargeResult is returned by every charge entry point. Callers never see a
// panic or a bare error from the orchestrator.
type ChargeResult struct {
	Success         bool         `json:"success"`
	Status          ChargeStatus `json:"status"`
	UserID          int64        `json:"user_id"`
	BillingPeriodID int64        `json:"billing_period_id,omitempty"`
	WeekStart       string       `json:"week_start,omitempty"`
	WeekEnd         string       `json:"week_end,omitempty"`
	TotalPnL        float64      `json:"total_pnl"`
	FeeAmount       float64      `json:"fee_amount"`
	Attempt         int          `json:"attempt,omitempty"`
	PaymentIntentID string       `json:"payment_intent_id,omitempty"`
	ChargeID        string       `json:"charge_id,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Errors returned by the non-charge operations
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrPrecondition = errors.New("precondition failed")
	ErrNotFound     = errors.New("not found")
)

// Config holds billing configuration
type Config struct {
	FeeRate               float64
	Currency              string
	MinimumCharge         float64
	Location              *time.Location
	ChargeTimeout         time.Duration
	ReconcileBeforeCharge bool
	MaxConcurrent         int
}

// DefaultConfig returns default billing configuration
func DefaultConfig() Config {
	return Config{
		FeeRate:               0.10,
		Currency:              "usd",
		MinimumCharge:         0.50,
		Location:              time.UTC,
		ChargeTimeout:         30 * time.Second,
		ReconcileBeforeCharge: true,
		MaxConcurrent:         4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FeeRate <= 0 {
		c.FeeRate = d.FeeRate
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.ChargeTimeout <= 0 {
		c.ChargeTimeout = d.ChargeTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	return c
}

// Store is the persistence the billing pipeline needs
type Store interface {
	TradeLister

	GetUser(ctx context.Context, userID int64) (*database.User, error)
	SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error
	SetBillingEnabled(ctx context.Context, userID int64, enabled bool) (bool, error)
	ListBillableUserIDs(ctx context.Context) ([]int64, error)

	GetDefaultPaymentMethod(ctx context.Context, userID int64) (*database.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID int64) ([]database.PaymentMethod, error)
	CreatePaymentMethod(ctx context.Context, m *database.PaymentMethod) error
	SetDefaultPaymentMethod(ctx context.Context, userID, methodID int64) error
	DeletePaymentMethod(ctx context.Context, userID, methodID int64) (*database.PaymentMethod, error)

	CreateBillingPeriod(ctx context.Context, p *database.BillingPeriod) error
	GetBillingPeriod(ctx context.Context, id int64) (*database.BillingPeriod, error)
	GetBillingPeriodForWeek(ctx context.Context, userID int64, weekStart, weekEnd time.Time) (*database.BillingPeriod, error)
	ListUserBillingPeriods(ctx context.Context, userID int64, limit int) ([]database.BillingPeriod, error)
	ListBillingPeriodsByStatus(ctx context.Context, status string, limit int) ([]database.BillingPeriod, error)
	TransitionBillingPeriod(ctx context.Context, t database.PeriodTransition) (bool, error)

	CreatePayment(ctx context.Context, p *database.Payment) error
	GetPaymentByIntentID(ctx context.Context, intentID string) (*database.Payment, error)
	ListPaymentsForPeriod(ctx context.Context, periodID int64) ([]database.Payment, error)
	BindPaymentIntent(ctx context.Context, paymentID int64, intentID string) (bool, error)
	TransitionPayment(ctx context.Context, t database.PaymentTransition) (bool, error)

	BillingEventExists(ctx context.Context, externalEventID string) (bool, error)
	ListUserBillingEvents(ctx context.Context, userID int64, limit int) ([]database.BillingEvent, error)
}

// EventRecorder appends audit rows
type EventRecorder interface {
	Record(ctx context.Context, e *database.BillingEvent) (bool, error)
}

// Backfiller pulls brokerage data for a user before their P&L is summed
type Backfiller interface {
	BackfillUser(ctx context.Context, userID int64) error
}
