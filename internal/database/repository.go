package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// USERS
// ============================================================================

const userColumns = `id, email, name, stripe_customer_id, billing_enabled, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.StripeCustomerID, &u.BillingEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// GetUser loads a user by ID
func (r *Repository) GetUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.Pool.QueryRow(ctx, query, userID))
}

// SetStripeCustomerID stores the gateway customer reference for a user
func (r *Repository) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	query := `UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, userID, customerID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBillingEnabled toggles weekly billing for a user. Returns false when the
// flag already had the requested value.
func (r *Repository) SetBillingEnabled(ctx context.Context, userID int64, enabled bool) (bool, error) {
	query := `
		UPDATE users SET billing_enabled = $2, updated_at = NOW()
		WHERE id = $1 AND billing_enabled <> $2`
	tag, err := r.db.Pool.Exec(ctx, query, userID, enabled)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetUser(ctx, userID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListBillableUserIDs returns users with billing enabled
func (r *Repository) ListBillableUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM users WHERE billing_enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ============================================================================
// TRADES
// ============================================================================

const tradeColumns = `id, user_id, symbol, direction, asset_class, entry_price, exit_price, quantity,
	entry_time, exit_time, pnl, pnl_source, status, external_position_id, brokerage_account_id,
	created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &t.Direction, &t.AssetClass, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
		&t.EntryTime, &t.ExitTime, &t.PnL, &t.PnLSource, &t.Status, &t.ExternalPositionID, &t.BrokerageAccountID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]Trade, error) {
	defer rows.Close()
	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// CreateTrade inserts a trade recorded by the platform
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (user_id, symbol, direction, asset_class, entry_price, exit_price, quantity,
			entry_time, exit_time, pnl, pnl_source, status, external_position_id, brokerage_account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, query,
		trade.UserID, trade.Symbol, trade.Direction, trade.AssetClass, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.EntryTime, trade.ExitTime, trade.PnL, trade.PnLSource, trade.Status,
		trade.ExternalPositionID, trade.BrokerageAccountID,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	return mapError(err)
}

// ImportTrade inserts a brokerage-sourced trade keyed by its external position
// ID. Returns false when a concurrent run already imported it.
func (r *Repository) ImportTrade(ctx context.Context, trade *Trade) (bool, error) {
	query := `
		INSERT INTO trades (user_id, symbol, direction, asset_class, entry_price, exit_price, quantity,
			entry_time, exit_time, pnl, pnl_source, status, external_position_id, brokerage_account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, external_position_id) DO NOTHING
		RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, query,
		trade.UserID, trade.Symbol, trade.Direction, trade.AssetClass, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.EntryTime, trade.ExitTime, trade.PnL, trade.PnLSource, trade.Status,
		trade.ExternalPositionID, trade.BrokerageAccountID,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

// ListClosedTrades returns closed trades whose entry time falls in [from, to]
func (r *Repository) ListClosedTrades(ctx context.Context, userID int64, from, to time.Time) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE user_id = $1 AND status = 'closed' AND entry_time >= $2 AND entry_time <= $3
		ORDER BY entry_time, id`
	rows, err := r.db.Pool.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

// GetTradeByExternalID finds a trade previously linked to a brokerage position
func (r *Repository) GetTradeByExternalID(ctx context.Context, userID int64, externalID string) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = $1 AND external_position_id = $2`
	return scanTrade(r.db.Pool.QueryRow(ctx, query, userID, externalID))
}

// FindUnlinkedTrade finds a locally recorded closed trade that matches a
// brokerage position but has not been linked to one yet.
func (r *Repository) FindUnlinkedTrade(ctx context.Context, userID int64, symbol string, opened, closed time.Time) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE user_id = $1 AND symbol = $2 AND external_position_id IS NULL
			AND status = 'closed'
			AND entry_time >= $3 AND entry_time < $3 + INTERVAL '1 day'
			AND exit_time >= $4 AND exit_time < $4 + INTERVAL '1 day'
		ORDER BY id
		LIMIT 1`
	return scanTrade(r.db.Pool.QueryRow(ctx, query, userID, symbol, opened, closed))
}

// LinkTrade attaches a brokerage position ID to a local trade. Returns false
// if the trade was linked by someone else first.
func (r *Repository) LinkTrade(ctx context.Context, tradeID int64, externalID, accountID string) (bool, error) {
	query := `
		UPDATE trades SET external_position_id = $2, brokerage_account_id = $3, updated_at = NOW()
		WHERE id = $1 AND external_position_id IS NULL`
	tag, err := r.db.Pool.Exec(ctx, query, tradeID, externalID, accountID)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListTradesMissingPnL returns closed trades that have an exit price but no P&L
func (r *Repository) ListTradesMissingPnL(ctx context.Context, userID int64) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE user_id = $1 AND status = 'closed' AND exit_price IS NOT NULL AND pnl IS NULL
		ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

// AdjustTradePnL writes a new P&L value and its audit row in one transaction.
// The write only applies if the stored value still equals adj.PreviousPnL, so
// two reconcilers racing on the same trade cannot lose an audit row.
func (r *Repository) AdjustTradePnL(ctx context.Context, adj *TradePnLAdjustment) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trades SET pnl = $2, pnl_source = $3, updated_at = NOW()
			WHERE id = $1 AND pnl IS NOT DISTINCT FROM $4::numeric`,
			adj.TradeID, adj.NewPnL, adj.NewSource, adj.PreviousPnL)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO trade_pnl_adjustments (trade_id, previous_pnl, new_pnl, previous_source, new_source, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			adj.TradeID, adj.PreviousPnL, adj.NewPnL, adj.PreviousSource, adj.NewSource, adj.Reason,
		).Scan(&adj.ID, &adj.CreatedAt)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("adjust trade %d pnl: %w", adj.TradeID, err)
	}
	return applied, nil
}

// ListPnLAdjustments returns the adjustment history for a trade, oldest first
func (r *Repository) ListPnLAdjustments(ctx context.Context, tradeID int64) ([]TradePnLAdjustment, error) {
	query := `
		SELECT id, trade_id, previous_pnl, new_pnl, previous_source, new_source, reason, created_at
		FROM trade_pnl_adjustments WHERE trade_id = $1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradePnLAdjustment
	for rows.Next() {
		var a TradePnLAdjustment
		if err := rows.Scan(&a.ID, &a.TradeID, &a.PreviousPnL, &a.NewPnL, &a.PreviousSource, &a.NewSource, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ============================================================================
// BROKERAGE ACCOUNTS
// ============================================================================

const brokerageColumns = `user_id, account_id, sync_enabled, last_synced_at, last_sync_error, updated_at`

func scanBrokerageAccount(row pgx.Row) (*BrokerageAccount, error) {
	var a BrokerageAccount
	if err := row.Scan(&a.UserID, &a.AccountID, &a.SyncEnabled, &a.LastSyncedAt, &a.LastSyncError, &a.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// GetBrokerageAccount loads a user's linked brokerage account
func (r *Repository) GetBrokerageAccount(ctx context.Context, userID int64) (*BrokerageAccount, error) {
	query := `SELECT ` + brokerageColumns + ` FROM brokerage_accounts WHERE user_id = $1`
	return scanBrokerageAccount(r.db.Pool.QueryRow(ctx, query, userID))
}

// UpsertBrokerageAccount links or relinks a user's brokerage account
func (r *Repository) UpsertBrokerageAccount(ctx context.Context, userID int64, accountID string, syncEnabled bool) error {
	query := `
		INSERT INTO brokerage_accounts (user_id, account_id, sync_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			sync_enabled = EXCLUDED.sync_enabled,
			last_synced_at = CASE WHEN brokerage_accounts.account_id = EXCLUDED.account_id
				THEN brokerage_accounts.last_synced_at ELSE NULL END,
			updated_at = NOW()`
	_, err := r.db.Pool.Exec(ctx, query, userID, accountID, syncEnabled)
	return mapError(err)
}

// ListSyncableAccounts returns accounts that the scheduled reconciler should visit
func (r *Repository) ListSyncableAccounts(ctx context.Context) ([]BrokerageAccount, error) {
	query := `SELECT ` + brokerageColumns + ` FROM brokerage_accounts WHERE sync_enabled ORDER BY user_id`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BrokerageAccount
	for rows.Next() {
		a, err := scanBrokerageAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RecordSyncSuccess stamps a completed sync and clears any previous error
func (r *Repository) RecordSyncSuccess(ctx context.Context, userID int64, syncedAt time.Time) error {
	query := `
		UPDATE brokerage_accounts SET last_synced_at = $2, last_sync_error = NULL, updated_at = NOW()
		WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, syncedAt)
	return err
}

// RecordSyncFailure stores the last sync error without moving the sync cursor
func (r *Repository) RecordSyncFailure(ctx context.Context, userID int64, message string) error {
	query := `UPDATE brokerage_accounts SET last_sync_error = $2, updated_at = NOW() WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, message)
	return err
}
