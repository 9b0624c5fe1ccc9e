package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
)

// Gateway event types the reconciler acts on
const (
	EventTypePaymentSucceeded = "payment_intent.succeeded"
	EventTypePaymentFailed    = "payment_intent.payment_failed"
	EventTypeChargeRefunded   = "charge.refunded"
)

// WebhookOutcome says what the reconciler did with a delivery
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookUnmatched WebhookOutcome = "unmatched"
	// WebhookDoubleCharged means the gateway took money for a period that
	// was already paid. The payment needs a manual refund.
	WebhookDoubleCharged WebhookOutcome = "duplicate_charge"
)

// WebhookResult describes one handled delivery
type WebhookResult struct {
	Outcome         WebhookOutcome `json:"outcome"`
	EventID         string         `json:"event_id"`
	EventType       string         `json:"event_type"`
	PaymentID       int64          `json:"payment_id,omitempty"`
	BillingPeriodID int64          `json:"billing_period_id,omitempty"`
	StateChanged    bool           `json:"state_changed"`
}

// WebhookReconciler converges payments and periods from gateway callbacks.
// Every delivery is safe to repeat and safe to arrive before or after the
// synchronous charge result.
type WebhookReconciler struct {
	store   Store
	gateway Gateway
	events  EventRecorder
	logger  *logging.Logger
	now     func() time.Time
}

// NewWebhookReconciler creates a webhook reconciler
func NewWebhookReconciler(store Store, gateway Gateway, events EventRecorder, logger *logging.Logger) *WebhookReconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookReconciler{
		store:   store,
		gateway: gateway,
		events:  events,
		logger:  logger.WithComponent("webhook"),
		now:     time.Now,
	}
}

// HandlePayload verifies the signature before anything else, then handles
// the event. Verification errors are returned unwrapped so callers can map
// them to a 400.
func (w *WebhookReconciler) HandlePayload(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	event, err := w.gateway.ConstructEvent(payload, signatureHeader)
	if err != nil {
		w.logger.Warn("Rejected webhook delivery", "error", err)
		return nil, err
	}
	return w.Handle(ctx, event)
}

type intentObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	LatestCharge     json.RawMessage   `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type chargeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	ReceiptURL     string            `json:"receipt_url"`
	Metadata       map[string]string `json:"metadata"`
}

// Handle applies a verified event
func (w *WebhookReconciler) Handle(ctx context.Context, event *WebhookEvent) (*WebhookResult, error) {
	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	log := w.logger.WithFields(map[string]interface{}{"event_id": event.ID, "event_type": event.Type})

	seen, err := w.store.BillingEventExists(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("check event %s: %w", event.ID, err)
	}
	if seen {
		log.Debug("Duplicate webhook delivery")
		result.Outcome = WebhookDuplicate
		return result, nil
	}

	switch event.Type {
	case EventTypePaymentSucceeded, EventTypePaymentFailed:
		var pi intentObject
		if err := json.Unmarshal(event.Object, &pi); err != nil || pi.ID == "" {
			return nil, fmt.Errorf("%w: payment intent object", ErrWebhookMalformedBody)
		}
		payment, err := w.resolvePayment(ctx, pi.ID, pi.Metadata)
		if err != nil {
			return nil, err
		}
		if payment == nil {
			log.Info("No payment for webhook intent", "payment_intent", pi.ID)
			result.Outcome = WebhookUnmatched
			return result, nil
		}
		result.PaymentID = payment.ID
		result.BillingPeriodID = payment.BillingPeriodID

		if event.Type == EventTypePaymentSucceeded {
			err = w.applySucceeded(ctx, event, payment, &pi, result)
		} else {
			err = w.applyFailed(ctx, event, payment, &pi, result)
		}
		if err != nil {
			return nil, err
		}

	case EventTypeChargeRefunded:
		var ch chargeObject
		if err := json.Unmarshal(event.Object, &ch); err != nil || ch.PaymentIntent == "" {
			return nil, fmt.Errorf("%w: charge object", ErrWebhookMalformedBody)
		}
		payment, err := w.resolvePayment(ctx, ch.PaymentIntent, ch.Metadata)
		if err != nil {
			return nil, err
		}
		if payment == nil {
			log.Info("No payment for refunded charge", "payment_intent", ch.PaymentIntent)
			result.Outcome = WebhookUnmatched
			return result, nil
		}
		result.PaymentID = payment.ID
		result.BillingPeriodID = payment.BillingPeriodID
		if err := w.applyRefunded(ctx, event, payment, &ch, result); err != nil {
			return nil, err
		}

	default:
		log.Debug("Ignoring webhook event type")
		result.Outcome = WebhookIgnored
		return result, nil
	}

	if result.Outcome == "" {
		result.Outcome = WebhookProcessed
	}
	log.Info("Webhook applied", "payment_id", result.PaymentID, "billing_period_id", result.BillingPeriodID,
		"state_changed", result.StateChanged, "outcome", string(result.Outcome))
	return result, nil
}

// resolvePayment finds the payment a gateway intent belongs to. A payment
// written after a timeout has no intent yet; it is matched through the
// billing period id carried in the intent metadata and bound to the intent.
func (w *WebhookReconciler) resolvePayment(ctx context.Context, intentID string, metadata map[string]string) (*database.Payment, error) {
	payment, err := w.store.GetPaymentByIntentID(ctx, intentID)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("lookup payment %s: %w", intentID, err)
	}

	periodID, perr := strconv.ParseInt(metadata["billing_period_id"], 10, 64)
	if perr != nil || periodID <= 0 {
		return nil, nil
	}
	payments, err := w.store.ListPaymentsForPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("list payments for period %d: %w", periodID, err)
	}
	for i := range payments {
		p := &payments[i]
		if p.StripePaymentIntentID != nil {
			continue
		}
		bound, err := w.store.BindPaymentIntent(ctx, p.ID, intentID)
		if err != nil {
			return nil, fmt.Errorf("bind payment %d to %s: %w", p.ID, intentID, err)
		}
		if bound {
			w.logger.Info("Bound payment intent to unresolved payment", "payment_id", p.ID, "payment_intent", intentID)
			p.StripePaymentIntentID = &intentID
			return p, nil
		}
	}
	return nil, nil
}

func (w *WebhookReconciler) applySucceeded(ctx context.Context, event *WebhookEvent, payment *database.Payment, pi *intentObject, result *WebhookResult) error {
	chargeID := nonEmpty(chargeIDFrom(pi.LatestCharge))

	moved, err := w.store.TransitionPayment(ctx, database.PaymentTransition{
		PaymentID:      payment.ID,
		From:           database.PaymentSourcesFor(database.PaymentStatusSucceeded),
		To:             database.PaymentStatusSucceeded,
		StripeChargeID: chargeID,
	})
	if errors.Is(err, database.ErrDuplicate) {
		// Another payment on this period already succeeded, so this one is
		// a second capture of the same fee.
		w.logger.Error("Duplicate charge for an already paid billing period", "payment_id", payment.ID,
			"billing_period_id", payment.BillingPeriodID, "user_id", payment.UserID, "payment_intent", pi.ID, "amount", FromMinorUnits(pi.Amount))
		result.Outcome = WebhookDoubleCharged
		return w.recordEvent(ctx, event, payment, database.EventDuplicateCharge, map[string]interface{}{
			"payment_intent": pi.ID,
			"charge":         chargeIDFrom(pi.LatestCharge),
			"amount":         FromMinorUnits(pi.Amount),
			"needs_refund":   true,
		}, result)
	}
	if err != nil {
		return fmt.Errorf("mark payment %d succeeded: %w", payment.ID, err)
	}
	result.StateChanged = moved

	periodMoved, err := w.movePeriod(ctx, payment.BillingPeriodID, database.PeriodStatusPaid, chargeID)
	if err != nil {
		return err
	}
	result.StateChanged = result.StateChanged || periodMoved

	return w.recordEvent(ctx, event, payment, database.EventChargeSucceeded, map[string]interface{}{
		"payment_intent": pi.ID,
		"charge":         chargeIDFrom(pi.LatestCharge),
		"amount":         FromMinorUnits(pi.Amount),
	}, result)
}

func (w *WebhookReconciler) applyFailed(ctx context.Context, event *WebhookEvent, payment *database.Payment, pi *intentObject, result *WebhookResult) error {
	reason := "payment failed"
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Message
		if pi.LastPaymentError.DeclineCode != "" {
			reason = pi.LastPaymentError.DeclineCode + ": " + reason
		}
	}

	moved, err := w.store.TransitionPayment(ctx, database.PaymentTransition{
		PaymentID:     payment.ID,
		From:          []string{database.PaymentStatusPending},
		To:            database.PaymentStatusFailed,
		FailureReason: &reason,
	})
	if err != nil {
		return fmt.Errorf("mark payment %d failed: %w", payment.ID, err)
	}
	result.StateChanged = moved

	// A failure for a payment that was already resolved must not touch the
	// period; it may have been reopened for a newer attempt.
	if moved {
		if _, err := w.movePeriod(ctx, payment.BillingPeriodID, database.PeriodStatusFailed, nil); err != nil {
			return err
		}
	}

	return w.recordEvent(ctx, event, payment, database.EventChargeFailed, map[string]interface{}{
		"payment_intent": pi.ID,
		"reason":         reason,
		"amount":         FromMinorUnits(pi.Amount),
	}, result)
}

func (w *WebhookReconciler) applyRefunded(ctx context.Context, event *WebhookEvent, payment *database.Payment, ch *chargeObject, result *WebhookResult) error {
	moved, err := w.store.TransitionPayment(ctx, database.PaymentTransition{
		PaymentID: payment.ID,
		From:      []string{database.PaymentStatusSucceeded},
		To:        database.PaymentStatusRefunded,
	})
	if err != nil {
		return fmt.Errorf("mark payment %d refunded: %w", payment.ID, err)
	}
	result.StateChanged = moved

	return w.recordEvent(ctx, event, payment, database.EventRefundIssued, map[string]interface{}{
		"payment_intent": ch.PaymentIntent,
		"charge":         ch.ID,
		"amount":         FromMinorUnits(ch.AmountRefunded),
	}, result)
}

// movePeriod reads the period and applies a conditional transition from its
// current state. A period that is already terminal, or whose current state
// cannot reach the target, is left alone. attempt_count is incremented only
// when a pending period is resolved.
func (w *WebhookReconciler) movePeriod(ctx context.Context, periodID int64, to string, chargeID *string) (bool, error) {
	for i := 0; i < 2; i++ {
		period, err := w.store.GetBillingPeriod(ctx, periodID)
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load billing period %d: %w", periodID, err)
		}
		if period.Status == to || !database.CanTransitionPeriod(period.Status, to) {
			return false, nil
		}
		moved, err := w.store.TransitionBillingPeriod(ctx, database.PeriodTransition{
			PeriodID:         periodID,
			From:             []string{period.Status},
			To:               to,
			At:               w.now(),
			IncrementAttempt: period.Status == database.PeriodStatusPending,
			StripeChargeID:   chargeID,
		})
		if err != nil {
			return false, fmt.Errorf("move billing period %d to %s: %w", periodID, to, err)
		}
		if moved {
			return true, nil
		}
		// Lost a race with another writer; re-read once.
	}
	return false, nil
}

func (w *WebhookReconciler) recordEvent(ctx context.Context, event *WebhookEvent, payment *database.Payment, eventType string, data map[string]interface{}, result *WebhookResult) error {
	if w.events == nil {
		return nil
	}
	data["source"] = "webhook"
	data["payment_id"] = payment.ID
	data["state_changed"] = result.StateChanged
	data["livemode"] = event.Livemode

	periodID := payment.BillingPeriodID
	externalID := event.ID
	inserted, err := w.events.Record(ctx, &database.BillingEvent{
		UserID:          payment.UserID,
		BillingPeriodID: &periodID,
		EventType:       eventType,
		EventData:       data,
		ExternalEventID: &externalID,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	if !inserted {
		result.Outcome = WebhookDuplicate
	}
	return nil
}

func chargeIDFrom(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
