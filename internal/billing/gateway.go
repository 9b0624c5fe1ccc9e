package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway intent statuses the orchestrator acts on
const (
	IntentSucceeded      = "succeeded"
	IntentProcessing     = "processing"
	IntentRequiresAction = "requires_action"
	IntentFailed         = "requires_payment_method"
	IntentCanceled       = "canceled"
)

// Gateway is the payment provider as seen by billing
type Gateway interface {
	CreateCustomer(ctx context.Context, userID int64, email, name string) (string, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*CardDetails, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	Charge(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error)
	Refund(ctx context.Context, paymentIntentID string) (*RefundOutcome, error)
	ConstructEvent(payload []byte, signatureHeader string) (*WebhookEvent, error)
}

// ChargeRequest is one off-session charge against a saved card
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

// ChargeOutcome is what the gateway reported synchronously
type ChargeOutcome struct {
	PaymentIntentID string
	ChargeID        string
	Status          string
	FailureReason   string
	ReceiptURL      string
}

// RefundOutcome is the result of refunding a payment intent
type RefundOutcome struct {
	RefundID    string
	AmountCents int64
	Status      string
}

// CardDetails describes an attached card
type CardDetails struct {
	PaymentMethodID string
	Brand           string
	Last4           string
	ExpMonth        int
	ExpYear         int
}

// GatewayError is a structured error returned by the payment API. Card
// declines carry the payment intent that was created for the attempt.
type GatewayError struct {
	StatusCode      int
	Type            string
	Code            string
	DeclineCode     string
	Message         string
	PaymentIntentID string
	ChargeID        string
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.DeclineCode != "" {
		return fmt.Sprintf("gateway %d %s (%s): %s", e.StatusCode, e.Code, e.DeclineCode, msg)
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("gateway %d: %s", e.StatusCode, msg)
}

// IsCardError reports whether the gateway rejected the card itself
func (e *GatewayError) IsCardError() bool {
	return e.Type == "card_error" || e.StatusCode == 402
}

// Webhook verification errors
var (
	ErrWebhookNoSecret      = errors.New("webhook secret not configured")
	ErrWebhookBadHeader     = errors.New("malformed signature header")
	ErrWebhookBadSignature  = errors.New("webhook signature mismatch")
	ErrWebhookStale         = errors.New("webhook timestamp outside tolerance")
	ErrWebhookMalformedBody = errors.New("malformed webhook payload")
)

// WebhookEvent is a verified gateway callback
type WebhookEvent struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   []byte
}
