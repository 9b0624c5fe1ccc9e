package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
)

// Orchestrator drives weekly fee collection for one user at a time
type Orchestrator struct {
	store      Store
	gateway    Gateway
	events     EventRecorder
	backfill   Backfiller
	aggregator *Aggregator
	config     Config
	now        func() time.Time
	logger     *logging.Logger
}

// NewOrchestrator creates a charge orchestrator. backfill may be nil.
func NewOrchestrator(store Store, gateway Gateway, events EventRecorder, backfill Backfiller, config Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	config = config.withDefaults()
	return &Orchestrator{
		store:      store,
		gateway:    gateway,
		events:     events,
		backfill:   backfill,
		aggregator: NewAggregator(store, config.Location),
		config:     config,
		now:        time.Now,
		logger:     logger.WithComponent("billing"),
	}
}

// SetClock overrides the wall clock used to pick the billing week
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Config returns the effective billing configuration
func (o *Orchestrator) Config() Config {
	return o.config
}

// CurrentWindow is the week that a charge started now would bill
func (o *Orchestrator) CurrentWindow() WeekWindow {
	return PreviousWeek(o.now(), o.config.Location)
}

// ChargeWeeklyFee bills the user for the most recently completed week
func (o *Orchestrator) ChargeWeeklyFee(ctx context.Context, userID int64) ChargeResult {
	return o.ChargeWeek(ctx, userID, o.CurrentWindow())
}

// ChargeWeek bills the user for an explicit window. Used by operators to
// collect a week the scheduler missed.
func (o *Orchestrator) ChargeWeek(ctx context.Context, userID int64, w WeekWindow) (result ChargeResult) {
	result = ChargeResult{
		UserID:    userID,
		WeekStart: w.Start.Format(dateLayout),
		WeekEnd:   w.End.Format(dateLayout),
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Charge panicked", "user_id", userID, "panic", fmt.Sprint(r))
			result.Success = false
			result.Status = ChargeError
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if userID <= 0 {
		return result.fail(ChargeInvalid, "user id must be positive")
	}
	if w.Start.Weekday() != time.Monday || !w.End.Equal(w.Start.AddDate(0, 0, 4)) {
		return result.fail(ChargeInvalid, "week must run Monday to Friday")
	}
	if !w.EndOfDay().Before(o.now()) {
		return result.fail(ChargeInvalid, "week has not ended yet")
	}

	log := o.logger.WithFields(map[string]interface{}{"user_id": userID, "week_start": result.WeekStart})

	user, pm, msg, err := o.chargePreconditions(ctx, userID)
	if err != nil {
		log.Error("Failed to load billing preconditions", "error", err)
		return result.fail(ChargeError, err.Error())
	}
	if msg != "" {
		return result.fail(ChargePreconditionFailed, msg)
	}

	if existing, err := o.store.GetBillingPeriodForWeek(ctx, userID, w.StartDate(), w.EndDate()); err == nil {
		result.BillingPeriodID = existing.ID
		result.FeeAmount = existing.FeeAmount
		result.TotalPnL = existing.TotalPnL
		return result.fail(ChargeConflict, fmt.Sprintf("billing period %d already exists with status %s", existing.ID, existing.Status))
	} else if !errors.Is(err, database.ErrNotFound) {
		return result.fail(ChargeError, fmt.Sprintf("lookup billing period: %v", err))
	}

	if o.config.ReconcileBeforeCharge && o.backfill != nil {
		if err := o.backfill.BackfillUser(ctx, userID); err != nil {
			// Local ledger values are still billable; the next sync corrects them.
			log.Warn("Brokerage backfill failed, billing from local ledger", "error", err)
		}
	}

	summary, err := o.aggregator.WeeklyPnL(ctx, userID, w)
	if err != nil {
		return result.fail(ChargeError, err.Error())
	}
	result.TotalPnL = summary.TotalPnL

	if summary.TotalPnL <= 0 {
		log.Info("No fee due", "total_pnl", summary.TotalPnL, "trades", summary.TradeCount)
		return result.fail(ChargeNoFeeDue, "no profit for the week")
	}

	fee := FeeFor(summary.TotalPnL, o.config.FeeRate)
	result.FeeAmount = fee
	if fee < o.config.MinimumCharge {
		log.Info("Fee below minimum charge", "fee", fee, "minimum", o.config.MinimumCharge)
		return result.fail(ChargeNoFeeDue, fmt.Sprintf("fee %.2f is below the minimum charge", fee))
	}

	period := &database.BillingPeriod{
		UserID:     userID,
		WeekStart:  w.StartDate(),
		WeekEnd:    w.EndDate(),
		TotalPnL:   summary.TotalPnL,
		TradeCount: summary.TradeCount,
		FeeRate:    o.config.FeeRate,
		FeeAmount:  fee,
		Status:     database.PeriodStatusPending,
	}
	if err := o.store.CreateBillingPeriod(ctx, period); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			log.Warn("Concurrent charge already created this billing period")
			if existing, lookupErr := o.store.GetBillingPeriodForWeek(ctx, userID, w.StartDate(), w.EndDate()); lookupErr == nil {
				result.BillingPeriodID = existing.ID
			}
			return result.fail(ChargeConflict, "billing period already created by another attempt")
		}
		return result.fail(ChargeError, fmt.Sprintf("create billing period: %v", err))
	}
	result.BillingPeriodID = period.ID

	o.record(ctx, userID, &period.ID, database.EventPeriodCreated, map[string]interface{}{
		"week_start":  result.WeekStart,
		"week_end":    result.WeekEnd,
		"total_pnl":   summary.TotalPnL,
		"trade_count": summary.TradeCount,
		"derived":     summary.DerivedCount,
		"fee_rate":    o.config.FeeRate,
		"fee_amount":  fee,
	})

	return o.attempt(ctx, user, pm, period, result, 0)
}

// RetryFailedPeriod makes a new charge attempt for a failed period on the
// same row. The stored fee is charged; P&L is not recomputed. When the last
// attempt never got an answer from the gateway, that attempt is replayed
// with its original idempotency key and card so the gateway can return
// the first result instead of charging again.
func (o *Orchestrator) RetryFailedPeriod(ctx context.Context, periodID int64) (result ChargeResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Retry panicked", "billing_period_id", periodID, "panic", fmt.Sprint(r))
			result.Success = false
			result.Status = ChargeError
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	result = ChargeResult{BillingPeriodID: periodID}
	if periodID <= 0 {
		return result.fail(ChargeInvalid, "billing period id must be positive")
	}

	period, err := o.store.GetBillingPeriod(ctx, periodID)
	if errors.Is(err, database.ErrNotFound) {
		return result.fail(ChargeInvalid, "billing period not found")
	}
	if err != nil {
		return result.fail(ChargeError, err.Error())
	}
	result.UserID = period.UserID
	result.WeekStart = period.WeekStart.Format(dateLayout)
	result.WeekEnd = period.WeekEnd.Format(dateLayout)
	result.TotalPnL = period.TotalPnL
	result.FeeAmount = period.FeeAmount

	if period.Status != database.PeriodStatusFailed {
		return result.fail(ChargeConflict, fmt.Sprintf("billing period is %s, only failed periods can be retried", period.Status))
	}

	user, pm, msg, err := o.chargePreconditions(ctx, period.UserID)
	if err != nil {
		return result.fail(ChargeError, err.Error())
	}
	if msg != "" {
		return result.fail(ChargePreconditionFailed, msg)
	}

	replayOf := 0
	if last, err := o.latestPayment(ctx, period.ID); err != nil {
		return result.fail(ChargeError, err.Error())
	} else if outcomeUnknown(last) {
		replayOf = period.AttemptCount
		pm = &database.PaymentMethod{UserID: period.UserID, StripePaymentMethodID: last.StripePaymentMethodID}
		o.logger.Warn("Replaying attempt with unknown outcome", "billing_period_id", period.ID, "attempt", replayOf, "payment_method", last.StripePaymentMethodID)
	}

	ok, err := o.store.TransitionBillingPeriod(ctx, database.PeriodTransition{
		PeriodID: period.ID,
		From:     []string{database.PeriodStatusFailed},
		To:       database.PeriodStatusPending,
		At:       o.now(),
	})
	if err != nil {
		return result.fail(ChargeError, fmt.Sprintf("reopen billing period: %v", err))
	}
	if !ok {
		return result.fail(ChargeConflict, "billing period changed state before the retry started")
	}
	period.Status = database.PeriodStatusPending

	o.record(ctx, period.UserID, &period.ID, database.EventRetryRequested, map[string]interface{}{
		"previous_attempts": period.AttemptCount,
		"replays_attempt":   replayOf,
	})

	return o.attempt(ctx, user, pm, period, result, replayOf)
}

func (o *Orchestrator) latestPayment(ctx context.Context, periodID int64) (*database.Payment, error) {
	payments, err := o.store.ListPaymentsForPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

// outcomeUnknown reports whether a failed payment was recorded without the
// gateway ever answering, so the charge may still have gone through.
func outcomeUnknown(p *database.Payment) bool {
	if p == nil || p.Status != database.PaymentStatusFailed {
		return false
	}
	if p.StripePaymentIntentID != nil && *p.StripePaymentIntentID != "" {
		return false
	}
	return p.FailureReason != nil && strings.HasPrefix(*p.FailureReason, outcomeUnknownPrefix)
}

// chargePreconditions loads the user and their default card. A non-empty
// message means a precondition is not met.
func (o *Orchestrator) chargePreconditions(ctx context.Context, userID int64) (*database.User, *database.PaymentMethod, string, error) {
	user, err := o.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, "user not found", nil
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("load user: %w", err)
	}
	if !user.BillingEnabled {
		return nil, nil, "billing is disabled for this user", nil
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return nil, nil, "user has no payment gateway customer", nil
	}

	pm, err := o.store.GetDefaultPaymentMethod(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, "no default payment method on file", nil
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("load payment method: %w", err)
	}
	return user, pm, "", nil
}

// attempt performs one gateway call for a pending period and records the
// outcome. The period must already be pending and durably stored. A
// non-zero replayOf reuses that earlier attempt's idempotency key.
func (o *Orchestrator) attempt(ctx context.Context, user *database.User, pm *database.PaymentMethod, period *database.BillingPeriod, result ChargeResult, replayOf int) ChargeResult {
	attemptNo := period.AttemptCount + 1
	keyAttempt := attemptNo
	if replayOf > 0 {
		keyAttempt = replayOf
	}
	result.Attempt = attemptNo
	log := logging.ChargeContext(o.logger, user.ID, period.ID, attemptNo)

	o.record(ctx, user.ID, &period.ID, database.EventChargeAttempted, map[string]interface{}{
		"attempt":        attemptNo,
		"amount":         period.FeeAmount,
		"currency":       o.config.Currency,
		"payment_method": pm.StripePaymentMethodID,
		"key_attempt":    keyAttempt,
	})

	req := ChargeRequest{
		CustomerID:      *user.StripeCustomerID,
		PaymentMethodID: pm.StripePaymentMethodID,
		AmountCents:     MinorUnits(period.FeeAmount),
		Currency:        o.config.Currency,
		Description: fmt.Sprintf("Performance fee %s to %s (%.0f%% of $%.2f)",
			period.WeekStart.Format(dateLayout), period.WeekEnd.Format(dateLayout), o.config.FeeRate*100, period.TotalPnL),
		IdempotencyKey: fmt.Sprintf("billing-period-%d-attempt-%d", period.ID, keyAttempt),
		Metadata: map[string]string{
			"billing_period_id": strconv.FormatInt(period.ID, 10),
			"user_id":           strconv.FormatInt(user.ID, 10),
			"week_start":        period.WeekStart.Format(dateLayout),
			"week_end":          period.WeekEnd.Format(dateLayout),
			"attempt":           strconv.Itoa(keyAttempt),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.ChargeTimeout)
	start := time.Now()
	outcome, err := o.gateway.Charge(callCtx, req)
	cancel()
	log = log.WithDuration(time.Since(start))

	// Outcome writes must land even if the caller's context was cancelled
	// while the gateway call was in flight.
	writeCtx := context.WithoutCancel(ctx)

	if err != nil {
		reason, intentID, chargeID := describeChargeError(err)
		log.Warn("Charge attempt failed", "reason", reason, "payment_intent", intentID)
		return o.recordFailure(writeCtx, period, pm, result, reason, intentID, chargeID)
	}

	result.PaymentIntentID = outcome.PaymentIntentID
	result.ChargeID = outcome.ChargeID

	switch outcome.Status {
	case IntentSucceeded:
		log.Info("Charge succeeded", "payment_intent", outcome.PaymentIntentID, "amount", period.FeeAmount)
		return o.recordSuccess(writeCtx, period, pm, result, outcome)
	case IntentProcessing, IntentRequiresAction:
		log.Info("Charge awaiting confirmation", "payment_intent", outcome.PaymentIntentID, "intent_status", outcome.Status)
		return o.recordPending(writeCtx, period, pm, result, outcome)
	default:
		reason := outcome.FailureReason
		if reason == "" {
			reason = "payment intent ended in status " + outcome.Status
		}
		log.Warn("Charge not completed", "payment_intent", outcome.PaymentIntentID, "intent_status", outcome.Status)
		return o.recordFailure(writeCtx, period, pm, result, reason, outcome.PaymentIntentID, outcome.ChargeID)
	}
}

// outcomeUnknownPrefix marks failure reasons where no gateway response was
// received. Retries of such attempts replay the same idempotency key.
const outcomeUnknownPrefix = "outcome unknown: "

func describeChargeError(err error) (reason, intentID, chargeID string) {
	var gwErr *GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr.Error(), gwErr.PaymentIntentID, gwErr.ChargeID
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeUnknownPrefix + "gateway timeout: " + err.Error(), "", ""
	case errors.Is(err, context.Canceled):
		return outcomeUnknownPrefix + "charge cancelled: " + err.Error(), "", ""
	default:
		return outcomeUnknownPrefix + "gateway error: " + err.Error(), "", ""
	}
}

func (o *Orchestrator) recordSuccess(ctx context.Context, period *database.BillingPeriod, pm *database.PaymentMethod, result ChargeResult, outcome *ChargeOutcome) ChargeResult {
	now := o.now()
	result.Success = true
	result.Status = ChargeCharged

	moved, err := o.store.TransitionBillingPeriod(ctx, database.PeriodTransition{
		PeriodID:         period.ID,
		From:             []string{database.PeriodStatusPending},
		To:               database.PeriodStatusPaid,
		At:               now,
		IncrementAttempt: true,
		StripeChargeID:   nonEmpty(outcome.ChargeID),
	})
	if err != nil || !moved {
		// Money moved; surface the bookkeeping problem without hiding the charge.
		o.logger.Error("Failed to mark billing period paid", "billing_period_id", period.ID, "moved", moved, "error", err)
	}

	payment := &database.Payment{
		BillingPeriodID:       period.ID,
		UserID:                period.UserID,
		Amount:                period.FeeAmount,
		Currency:              o.config.Currency,
		StripePaymentIntentID: nonEmpty(outcome.PaymentIntentID),
		StripeChargeID:        nonEmpty(outcome.ChargeID),
		StripePaymentMethodID: pm.StripePaymentMethodID,
		Status:                database.PaymentStatusSucceeded,
		ReceiptURL:            nonEmpty(outcome.ReceiptURL),
	}
	if err := o.store.CreatePayment(ctx, payment); err != nil {
		o.logger.Error("Failed to record succeeded payment", "billing_period_id", period.ID, "payment_intent", outcome.PaymentIntentID, "error", err)
		result.Error = "charge succeeded but payment record failed: " + err.Error()
	}

	o.record(ctx, period.UserID, &period.ID, database.EventChargeSucceeded, map[string]interface{}{
		"attempt":        result.Attempt,
		"amount":         period.FeeAmount,
		"payment_intent": outcome.PaymentIntentID,
		"charge":         outcome.ChargeID,
		"source":         "sync",
	})
	return result
}

func (o *Orchestrator) recordFailure(ctx context.Context, period *database.BillingPeriod, pm *database.PaymentMethod, result ChargeResult, reason, intentID, chargeID string) ChargeResult {
	now := o.now()
	result.Success = false
	result.Status = ChargeFailed
	result.Error = reason
	result.PaymentIntentID = intentID

	if _, err := o.store.TransitionBillingPeriod(ctx, database.PeriodTransition{
		PeriodID:         period.ID,
		From:             []string{database.PeriodStatusPending},
		To:               database.PeriodStatusFailed,
		At:               now,
		IncrementAttempt: true,
	}); err != nil {
		o.logger.Error("Failed to mark billing period failed", "billing_period_id", period.ID, "error", err)
	}

	payment := &database.Payment{
		BillingPeriodID:       period.ID,
		UserID:                period.UserID,
		Amount:                period.FeeAmount,
		Currency:              o.config.Currency,
		StripePaymentIntentID: nonEmpty(intentID),
		StripeChargeID:        nonEmpty(chargeID),
		StripePaymentMethodID: pm.StripePaymentMethodID,
		Status:                database.PaymentStatusFailed,
		FailureReason:         &reason,
	}
	if err := o.store.CreatePayment(ctx, payment); err != nil {
		o.logger.Error("Failed to record failed payment", "billing_period_id", period.ID, "error", err)
	}

	o.record(ctx, period.UserID, &period.ID, database.EventChargeFailed, map[string]interface{}{
		"attempt":        result.Attempt,
		"amount":         period.FeeAmount,
		"reason":         reason,
		"payment_intent": intentID,
		"source":         "sync",
	})
	return result
}

func (o *Orchestrator) recordPending(ctx context.Context, period *database.BillingPeriod, pm *database.PaymentMethod, result ChargeResult, outcome *ChargeOutcome) ChargeResult {
	result.Success = false
	result.Status = ChargePending

	payment := &database.Payment{
		BillingPeriodID:       period.ID,
		UserID:                period.UserID,
		Amount:                period.FeeAmount,
		Currency:              o.config.Currency,
		StripePaymentIntentID: nonEmpty(outcome.PaymentIntentID),
		StripeChargeID:        nonEmpty(outcome.ChargeID),
		StripePaymentMethodID: pm.StripePaymentMethodID,
		Status:                database.PaymentStatusPending,
	}
	if err := o.store.CreatePayment(ctx, payment); err != nil {
		o.logger.Error("Failed to record pending payment", "billing_period_id", period.ID, "error", err)
		result.Error = "payment record failed: " + err.Error()
	}

	o.record(ctx, period.UserID, &period.ID, database.EventChargePending, map[string]interface{}{
		"attempt":        result.Attempt,
		"amount":         period.FeeAmount,
		"payment_intent": outcome.PaymentIntentID,
		"intent_status":  outcome.Status,
	})
	return result
}

// record writes an audit row. Audit failures are logged, never returned:
// the state change they describe has already been committed.
func (o *Orchestrator) record(ctx context.Context, userID int64, periodID *int64, eventType string, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	e := &database.BillingEvent{
		UserID:          userID,
		BillingPeriodID: periodID,
		EventType:       eventType,
		EventData:       data,
	}
	if _, err := o.events.Record(ctx, e); err != nil {
		o.logger.Error("Failed to record billing event", "event_type", eventType, "user_id", userID, "error", err)
	}
}

func (r ChargeResult) fail(status ChargeStatus, msg string) ChargeResult {
	r.Success = false
	r.Status = status
	r.Error = msg
	return r
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
