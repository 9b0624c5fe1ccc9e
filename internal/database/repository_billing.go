package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ============================================================================
// BILLING PERIODS
// ============================================================================

const periodColumns = `id, user_id, week_start, week_end, total_pnl, trade_count, fee_rate, fee_amount,
	status, attempt_count, last_attempt_at, paid_at, stripe_charge_id, created_at, updated_at`

func scanPeriod(row pgx.Row) (*BillingPeriod, error) {
	var p BillingPeriod
	err := row.Scan(
		&p.ID, &p.UserID, &p.WeekStart, &p.WeekEnd, &p.TotalPnL, &p.TradeCount, &p.FeeRate, &p.FeeAmount,
		&p.Status, &p.AttemptCount, &p.LastAttemptAt, &p.PaidAt, &p.StripeChargeID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func collectPeriods(rows pgx.Rows) ([]BillingPeriod, error) {
	defer rows.Close()
	var out []BillingPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreateBillingPeriod inserts a new pending period. A second insert for the
// same (user, week) fails with ErrDuplicate; that constraint is what stops
// double billing across processes.
func (r *Repository) CreateBillingPeriod(ctx context.Context, p *BillingPeriod) error {
	query := `
		INSERT INTO billing_periods (user_id, week_start, week_end, total_pnl, trade_count, fee_rate, fee_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, attempt_count, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, query,
		p.UserID, p.WeekStart, p.WeekEnd, p.TotalPnL, p.TradeCount, p.FeeRate, p.FeeAmount, p.Status,
	).Scan(&p.ID, &p.AttemptCount, &p.CreatedAt, &p.UpdatedAt)
	return mapError(err)
}

// GetBillingPeriod loads a period by ID
func (r *Repository) GetBillingPeriod(ctx context.Context, id int64) (*BillingPeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM billing_periods WHERE id = $1`
	return scanPeriod(r.db.Pool.QueryRow(ctx, query, id))
}

// GetBillingPeriodForWeek loads the period for a user's week, if any
func (r *Repository) GetBillingPeriodForWeek(ctx context.Context, userID int64, weekStart, weekEnd time.Time) (*BillingPeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM billing_periods
		WHERE user_id = $1 AND week_start = $2 AND week_end = $3`
	return scanPeriod(r.db.Pool.QueryRow(ctx, query, userID, weekStart, weekEnd))
}

// ListUserBillingPeriods returns a user's most recent periods
func (r *Repository) ListUserBillingPeriods(ctx context.Context, userID int64, limit int) ([]BillingPeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM billing_periods
		WHERE user_id = $1 ORDER BY week_start DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// ListBillingPeriodsByStatus returns periods in a status, oldest first
func (r *Repository) ListBillingPeriodsByStatus(ctx context.Context, status string, limit int) ([]BillingPeriod, error) {
	query := `SELECT ` + periodColumns + ` FROM billing_periods
		WHERE status = $1 ORDER BY week_start, id LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// TransitionBillingPeriod applies a conditional status change. It returns
// false without error when the row is no longer in one of t.From, which is
// how concurrent writers avoid regressing each other.
func (r *Repository) TransitionBillingPeriod(ctx context.Context, t PeriodTransition) (bool, error) {
	for _, from := range t.From {
		if !CanTransitionPeriod(from, t.To) {
			return false, fmt.Errorf("illegal billing period transition %s -> %s", from, t.To)
		}
	}

	query := `
		UPDATE billing_periods SET
			status = $2,
			attempt_count = attempt_count + CASE WHEN $3 THEN 1 ELSE 0 END,
			last_attempt_at = CASE WHEN $3 THEN $4 ELSE last_attempt_at END,
			paid_at = CASE WHEN $2 = 'paid' THEN $4 ELSE paid_at END,
			stripe_charge_id = COALESCE($5, stripe_charge_id),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)`
	tag, err := r.db.Pool.Exec(ctx, query, t.PeriodID, t.To, t.IncrementAttempt, t.At, t.StripeChargeID, t.From)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ============================================================================
// PAYMENTS
// ============================================================================

const paymentColumns = `id, billing_period_id, user_id, amount, currency, stripe_payment_intent_id,
	stripe_charge_id, stripe_payment_method_id, status, failure_reason, receipt_url, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.BillingPeriodID, &p.UserID, &p.Amount, &p.Currency, &p.StripePaymentIntentID,
		&p.StripeChargeID, &p.StripePaymentMethodID, &p.Status, &p.FailureReason, &p.ReceiptURL,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// CreatePayment records one attempted money movement
func (r *Repository) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (billing_period_id, user_id, amount, currency, stripe_payment_intent_id,
			stripe_charge_id, stripe_payment_method_id, status, failure_reason, receipt_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, query,
		p.BillingPeriodID, p.UserID, p.Amount, p.Currency, p.StripePaymentIntentID,
		p.StripeChargeID, p.StripePaymentMethodID, p.Status, p.FailureReason, p.ReceiptURL,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapError(err)
}

// GetPaymentByIntentID finds a payment by its gateway payment intent
func (r *Repository) GetPaymentByIntentID(ctx context.Context, intentID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE stripe_payment_intent_id = $1`
	return scanPayment(r.db.Pool.QueryRow(ctx, query, intentID))
}

// ListPaymentsForPeriod returns every payment attempt for a period, newest first
func (r *Repository) ListPaymentsForPeriod(ctx context.Context, periodID int64) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE billing_period_id = $1 ORDER BY id DESC`
	rows, err := r.db.Pool.Query(ctx, query, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// BindPaymentIntent attaches a gateway intent to a payment whose attempt
// ended before the intent ID was known (timeouts).
func (r *Repository) BindPaymentIntent(ctx context.Context, paymentID int64, intentID string) (bool, error) {
	query := `
		UPDATE payments SET stripe_payment_intent_id = $2, updated_at = NOW()
		WHERE id = $1 AND stripe_payment_intent_id IS NULL`
	tag, err := r.db.Pool.Exec(ctx, query, paymentID, intentID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionPayment applies a conditional payment status change
func (r *Repository) TransitionPayment(ctx context.Context, t PaymentTransition) (bool, error) {
	for _, from := range t.From {
		if !CanTransitionPayment(from, t.To) {
			return false, fmt.Errorf("illegal payment transition %s -> %s", from, t.To)
		}
	}

	query := `
		UPDATE payments SET
			status = $2,
			stripe_charge_id = COALESCE($3, stripe_charge_id),
			failure_reason = COALESCE($4, failure_reason),
			receipt_url = COALESCE($5, receipt_url),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)`
	tag, err := r.db.Pool.Exec(ctx, query, t.PaymentID, t.To, t.StripeChargeID, t.FailureReason, t.ReceiptURL, t.From)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ============================================================================
// PAYMENT METHODS
// ============================================================================

const paymentMethodColumns = `id, user_id, stripe_customer_id, stripe_payment_method_id, brand, last4,
	exp_month, exp_year, is_default, created_at`

func scanPaymentMethod(row pgx.Row) (*PaymentMethod, error) {
	var m PaymentMethod
	err := row.Scan(&m.ID, &m.UserID, &m.StripeCustomerID, &m.StripePaymentMethodID, &m.Brand, &m.Last4,
		&m.ExpMonth, &m.ExpYear, &m.IsDefault, &m.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

// ListPaymentMethods returns a user's saved cards, default first
func (r *Repository) ListPaymentMethods(ctx context.Context, userID int64) ([]PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods
		WHERE user_id = $1 ORDER BY is_default DESC, created_at DESC`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentMethod
	for rows.Next() {
		m, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetDefaultPaymentMethod returns the user's default card
func (r *Repository) GetDefaultPaymentMethod(ctx context.Context, userID int64) (*PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE user_id = $1 AND is_default`
	return scanPaymentMethod(r.db.Pool.QueryRow(ctx, query, userID))
}

// CreatePaymentMethod saves a card. The first card a user adds becomes the
// default; otherwise m.IsDefault decides.
func (r *Repository) CreatePaymentMethod(ctx context.Context, m *PaymentMethod) error {
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM payment_methods WHERE user_id = $1`, m.UserID).Scan(&existing); err != nil {
			return err
		}
		if existing == 0 {
			m.IsDefault = true
		}
		if m.IsDefault {
			if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = FALSE WHERE user_id = $1 AND is_default`, m.UserID); err != nil {
				return err
			}
		}
		return tx.QueryRow(ctx, `
			INSERT INTO payment_methods (user_id, stripe_customer_id, stripe_payment_method_id, brand, last4,
				exp_month, exp_year, is_default)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			m.UserID, m.StripeCustomerID, m.StripePaymentMethodID, m.Brand, m.Last4, m.ExpMonth, m.ExpYear, m.IsDefault,
		).Scan(&m.ID, &m.CreatedAt)
	})
	return mapError(err)
}

// SetDefaultPaymentMethod makes one of the user's cards the default
func (r *Repository) SetDefaultPaymentMethod(ctx context.Context, userID, methodID int64) error {
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_methods WHERE id = $1 AND user_id = $2)`, methodID, userID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = FALSE WHERE user_id = $1 AND is_default AND id <> $2`, userID, methodID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = TRUE WHERE id = $1`, methodID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return mapError(err)
}

// DeletePaymentMethod removes a card and returns it. If it was the default,
// the newest remaining card is promoted.
func (r *Repository) DeletePaymentMethod(ctx context.Context, userID, methodID int64) (*PaymentMethod, error) {
	var removed *PaymentMethod
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		m, err := scanPaymentMethod(tx.QueryRow(ctx,
			`DELETE FROM payment_methods WHERE id = $1 AND user_id = $2 RETURNING `+paymentMethodColumns, methodID, userID))
		if err != nil {
			return err
		}
		removed = m
		if !m.IsDefault {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE payment_methods SET is_default = TRUE
			WHERE id = (SELECT id FROM payment_methods WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1)`, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, mapError(err)
	}
	return removed, nil
}

// ============================================================================
// BILLING EVENTS
// ============================================================================

// InsertBillingEvent appends an audit row. When ExternalEventID is set and
// already recorded, nothing is written and false is returned.
func (r *Repository) InsertBillingEvent(ctx context.Context, e *BillingEvent) (bool, error) {
	data := e.EventData
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("marshal event data: %w", err)
	}

	query := `
		INSERT INTO billing_events (user_id, billing_period_id, event_type, event_data, external_event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_event_id) WHERE external_event_id IS NOT NULL DO NOTHING
		RETURNING id, created_at`
	err = r.db.Pool.QueryRow(ctx, query,
		e.UserID, e.BillingPeriodID, e.EventType, payload, e.ExternalEventID,
	).Scan(&e.ID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

// BillingEventExists reports whether a gateway event has been recorded
func (r *Repository) BillingEventExists(ctx context.Context, externalEventID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM billing_events WHERE external_event_id = $1)`, externalEventID,
	).Scan(&exists)
	return exists, err
}

const eventColumns = `id, user_id, billing_period_id, event_type, event_data, external_event_id, created_at`

func scanEvent(row pgx.Row) (*BillingEvent, error) {
	var e BillingEvent
	var raw []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.BillingPeriodID, &e.EventType, &raw, &e.ExternalEventID, &e.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.EventData); err != nil {
			return nil, fmt.Errorf("decode event %d data: %w", e.ID, err)
		}
	}
	return &e, nil
}

// ListUserBillingEvents returns a user's most recent audit rows
func (r *Repository) ListUserBillingEvents(ctx context.Context, userID int64, limit int) ([]BillingEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM billing_events WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ForEachBillingEvent streams audit rows created in [from, to) in insertion order
func (r *Repository) ForEachBillingEvent(ctx context.Context, from, to time.Time, fn func(*BillingEvent) error) error {
	query := `SELECT ` + eventColumns + ` FROM billing_events
		WHERE created_at >= $1 AND created_at < $2 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, from, to)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
