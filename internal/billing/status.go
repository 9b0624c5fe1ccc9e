package billing

import (
	"context"
	"errors"
	"fmt"

	"trading-fee-billing/internal/database"
)

// BillingStatus is the per-user view shown on the billing page. The week
// is the one the next scheduled run will bill.
type BillingStatus struct {
	UserID           int64                    `json:"user_id"`
	WeekStart        string                   `json:"week_start"`
	WeekEnd          string                   `json:"week_end"`
	TotalPnL         float64                  `json:"total_pnl"`
	TradeCount       int                      `json:"trade_count"`
	FeeRate          float64                  `json:"fee_rate"`
	FeeAmount        float64                  `json:"fee_amount"`
	Period           *database.BillingPeriod  `json:"billing_period,omitempty"`
	Eligible         bool                     `json:"eligible"`
	Reason           string                   `json:"reason,omitempty"`
	BillingEnabled   bool                     `json:"billing_enabled"`
	DefaultCard      *database.PaymentMethod  `json:"default_payment_method,omitempty"`
	OutstandingCount int                      `json:"outstanding_count"`
	OutstandingTotal float64                  `json:"outstanding_total"`
	RecentPeriods    []database.BillingPeriod `json:"recent_periods"`
	RecentEvents     []database.BillingEvent  `json:"recent_events"`
}

const (
	statusHistoryLimit = 12
	statusEventLimit   = 20
)

// Status summarizes a user's billing state without charging anything
func (o *Orchestrator) Status(ctx context.Context, userID int64) (*BillingStatus, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	user, err := o.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	w := o.CurrentWindow()
	st := &BillingStatus{
		UserID:         userID,
		WeekStart:      w.Start.Format(dateLayout),
		WeekEnd:        w.End.Format(dateLayout),
		FeeRate:        o.config.FeeRate,
		BillingEnabled: user.BillingEnabled,
	}

	pm, err := o.store.GetDefaultPaymentMethod(ctx, userID)
	switch {
	case err == nil:
		st.DefaultCard = pm
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("load payment method: %w", err)
	}

	summary, err := o.aggregator.WeeklyPnL(ctx, userID, w)
	if err != nil {
		return nil, err
	}
	st.TotalPnL = summary.TotalPnL
	st.TradeCount = summary.TradeCount
	if summary.TotalPnL > 0 {
		st.FeeAmount = FeeFor(summary.TotalPnL, o.config.FeeRate)
	}

	period, err := o.store.GetBillingPeriodForWeek(ctx, userID, w.StartDate(), w.EndDate())
	switch {
	case err == nil:
		st.Period = period
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("lookup billing period: %w", err)
	}

	switch {
	case !user.BillingEnabled:
		st.Reason = "billing is disabled"
	case user.StripeCustomerID == nil || *user.StripeCustomerID == "":
		st.Reason = "no payment gateway customer"
	case st.DefaultCard == nil:
		st.Reason = "no default payment method"
	case st.Period != nil:
		st.Reason = "week already billed (" + st.Period.Status + ")"
	case summary.TotalPnL <= 0:
		st.Reason = "no profit for the week"
	case st.FeeAmount < o.config.MinimumCharge:
		st.Reason = "fee below minimum charge"
	default:
		st.Eligible = true
	}

	periods, err := o.store.ListUserBillingPeriods(ctx, userID, statusHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list billing periods: %w", err)
	}
	st.RecentPeriods = periods
	for _, p := range periods {
		if p.Status == database.PeriodStatusPending || p.Status == database.PeriodStatusFailed {
			st.OutstandingCount++
			st.OutstandingTotal += p.FeeAmount
		}
	}

	events, err := o.store.ListUserBillingEvents(ctx, userID, statusEventLimit)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	st.RecentEvents = events
	return st, nil
}

// History returns the user's billing periods, newest first
func (o *Orchestrator) History(ctx context.Context, userID int64, limit int) ([]database.BillingPeriod, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	if limit <= 0 || limit > 200 {
		limit = 52
	}
	return o.store.ListUserBillingPeriods(ctx, userID, limit)
}

// PeriodDetail is a billing period with its payments
type PeriodDetail struct {
	Period   *database.BillingPeriod `json:"period"`
	Payments []database.Payment      `json:"payments"`
}

// GetPeriod loads a billing period and its payment attempts
func (o *Orchestrator) GetPeriod(ctx context.Context, periodID int64) (*PeriodDetail, error) {
	period, err := o.loadPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	payments, err := o.store.ListPaymentsForPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return &PeriodDetail{Period: period, Payments: payments}, nil
}

// Events returns the user's audit trail, newest first
func (o *Orchestrator) Events(ctx context.Context, userID int64, limit int) ([]database.BillingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.store.ListUserBillingEvents(ctx, userID, limit)
}
