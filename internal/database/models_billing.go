package database

import (
	"time"
)

// Billing period lifecycle
const (
	PeriodStatusPending = "pending"
	PeriodStatusPaid    = "paid"
	PeriodStatusFailed  = "failed"
	PeriodStatusWaived  = "waived"
)

// Payment lifecycle
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Billing event types
const (
	EventPeriodCreated        = "period_created"
	EventChargeAttempted      = "charge_attempted"
	EventChargeSucceeded      = "charge_succeeded"
	EventChargeFailed         = "charge_failed"
	EventChargePending        = "charge_pending"
	EventRefundIssued         = "refund_issued"
	EventPeriodWaived         = "period_waived"
	EventRetryRequested       = "retry_requested"
	EventDuplicateCharge      = "duplicate_charge"
	EventPaymentMethodAdded   = "payment_method_added"
	EventPaymentMethodRemoved = "payment_method_removed"
	EventPaymentMethodDefault = "payment_method_default_changed"
	EventBillingEnabled       = "billing_enabled"
	EventBillingDisabled      = "billing_disabled"
)

// BillingPeriod is one (user, week) fee obligation
type BillingPeriod struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	WeekStart      time.Time  `json:"week_start"`
	WeekEnd        time.Time  `json:"week_end"`
	TotalPnL       float64    `json:"total_pnl"`
	TradeCount     int        `json:"trade_count"`
	FeeRate        float64    `json:"fee_rate"`
	FeeAmount      float64    `json:"fee_amount"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	StripeChargeID *string    `json:"stripe_charge_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Payment is one attempted money movement for a billing period
type Payment struct {
	ID                    int64     `json:"id"`
	BillingPeriodID       int64     `json:"billing_period_id"`
	UserID                int64     `json:"user_id"`
	Amount                float64   `json:"amount"`
	Currency              string    `json:"currency"`
	StripePaymentIntentID *string   `json:"stripe_payment_intent_id,omitempty"`
	StripeChargeID        *string   `json:"stripe_charge_id,omitempty"`
	StripePaymentMethodID string    `json:"stripe_payment_method_id"`
	Status                string    `json:"status"`
	FailureReason         *string   `json:"failure_reason,omitempty"`
	ReceiptURL            *string   `json:"receipt_url,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// PaymentMethod is a saved card on the gateway
type PaymentMethod struct {
	ID                    int64     `json:"id"`
	UserID                int64     `json:"user_id"`
	StripeCustomerID      string    `json:"stripe_customer_id"`
	StripePaymentMethodID string    `json:"stripe_payment_method_id"`
	Brand                 string    `json:"brand"`
	Last4                 string    `json:"last4"`
	ExpMonth              int       `json:"exp_month"`
	ExpYear               int       `json:"exp_year"`
	IsDefault             bool      `json:"is_default"`
	CreatedAt             time.Time `json:"created_at"`
}

// BillingEvent is an immutable audit row
type BillingEvent struct {
	ID              int64                  `json:"id"`
	UserID          int64                  `json:"user_id"`
	BillingPeriodID *int64                 `json:"billing_period_id,omitempty"`
	EventType       string                 `json:"event_type"`
	EventData       map[string]interface{} `json:"event_data"`
	ExternalEventID *string                `json:"external_event_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// PeriodTransition is the full set of columns a status change may write.
// Nil fields are left untouched.
type PeriodTransition struct {
	PeriodID         int64
	From             []string
	To               string
	At               time.Time
	IncrementAttempt bool
	StripeChargeID   *string
}

// PaymentTransition is the full set of columns a payment update may write.
// Nil fields are left untouched.
type PaymentTransition struct {
	PaymentID      int64
	From           []string
	To             string
	StripeChargeID *string
	FailureReason  *string
	ReceiptURL     *string
}
