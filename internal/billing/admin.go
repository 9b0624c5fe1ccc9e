package billing

import (
	"context"
	"errors"
	"fmt"

	"trading-fee-billing/internal/database"
)

// WaivePeriod forgives a billing period. Failed periods can always be waived;
// pending periods only while no payment attempt is on record, since an
// in-flight charge could still settle.
func (o *Orchestrator) WaivePeriod(ctx context.Context, periodID int64, reason, actor string) (*database.BillingPeriod, error) {
	if periodID <= 0 {
		return nil, fmt.Errorf("%w: billing period id must be positive", ErrInvalidInput)
	}
	period, err := o.loadPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}

	switch period.Status {
	case database.PeriodStatusFailed:
	case database.PeriodStatusPending:
		payments, err := o.store.ListPaymentsForPeriod(ctx, periodID)
		if err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		if len(payments) > 0 {
			return nil, fmt.Errorf("%w: pending period has a payment in flight", ErrConflict)
		}
	default:
		return nil, fmt.Errorf("%w: cannot waive a %s period", ErrConflict, period.Status)
	}

	ok, err := o.store.TransitionBillingPeriod(ctx, database.PeriodTransition{
		PeriodID: periodID,
		From:     []string{period.Status},
		To:       database.PeriodStatusWaived,
		At:       o.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("waive billing period: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: billing period changed state concurrently", ErrConflict)
	}

	o.logger.Info("Billing period waived", "billing_period_id", periodID, "user_id", period.UserID, "actor", actor)
	o.record(ctx, period.UserID, &period.ID, database.EventPeriodWaived, map[string]interface{}{
		"previous_status": period.Status,
		"fee_amount":      period.FeeAmount,
		"reason":          reason,
		"actor":           actor,
	})

	period.Status = database.PeriodStatusWaived
	return period, nil
}

// RefundPeriod refunds the succeeded payment of a paid period. The period
// itself stays paid; the payment row moves to refunded.
func (o *Orchestrator) RefundPeriod(ctx context.Context, periodID int64, actor string) (*database.Payment, error) {
	if periodID <= 0 {
		return nil, fmt.Errorf("%w: billing period id must be positive", ErrInvalidInput)
	}
	period, err := o.loadPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if period.Status != database.PeriodStatusPaid {
		return nil, fmt.Errorf("%w: only paid periods can be refunded, period is %s", ErrConflict, period.Status)
	}

	payments, err := o.store.ListPaymentsForPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	var paid *database.Payment
	for i := range payments {
		if payments[i].Status == database.PaymentStatusSucceeded {
			paid = &payments[i]
			break
		}
	}
	if paid == nil {
		return nil, fmt.Errorf("%w: no succeeded payment for period %d", ErrPrecondition, periodID)
	}
	if paid.StripePaymentIntentID == nil {
		return nil, fmt.Errorf("%w: payment %d has no payment intent", ErrPrecondition, paid.ID)
	}

	refund, err := o.gateway.Refund(ctx, *paid.StripePaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("refund payment intent: %w", err)
	}

	ok, err := o.store.TransitionPayment(context.WithoutCancel(ctx), database.PaymentTransition{
		PaymentID: paid.ID,
		From:      []string{database.PaymentStatusSucceeded},
		To:        database.PaymentStatusRefunded,
	})
	if err != nil {
		o.logger.Error("Refund issued but payment row not updated", "payment_id", paid.ID, "refund_id", refund.RefundID, "error", err)
		return nil, fmt.Errorf("mark payment refunded: %w", err)
	}
	if !ok {
		o.logger.Warn("Payment already moved on before refund was recorded", "payment_id", paid.ID)
	}

	o.logger.Info("Payment refunded", "billing_period_id", periodID, "payment_id", paid.ID, "refund_id", refund.RefundID, "actor", actor)
	o.record(ctx, period.UserID, &period.ID, database.EventRefundIssued, map[string]interface{}{
		"payment_id":     paid.ID,
		"payment_intent": *paid.StripePaymentIntentID,
		"refund_id":      refund.RefundID,
		"amount":         FromMinorUnits(refund.AmountCents),
		"actor":          actor,
		"source":         "admin",
	})

	paid.Status = database.PaymentStatusRefunded
	return paid, nil
}

func (o *Orchestrator) loadPeriod(ctx context.Context, periodID int64) (*database.BillingPeriod, error) {
	period, err := o.store.GetBillingPeriod(ctx, periodID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: billing period %d", ErrNotFound, periodID)
	}
	if err != nil {
		return nil, fmt.Errorf("load billing period: %w", err)
	}
	return period, nil
}
