// Package reconcile keeps the trade ledger in agreement with the brokerage's
// realized gain/loss records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/brokerage"
	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
)

var (
	// ErrNoAccount is returned when a user has no linked brokerage account
	ErrNoAccount = errors.New("reconcile: no brokerage account linked")
	// ErrSyncRunning is returned when a batch sync is already in progress
	ErrSyncRunning = errors.New("reconcile: batch sync already running")
)

// Store is the persistence the reconciler needs
type Store interface {
	GetBrokerageAccount(ctx context.Context, userID int64) (*database.BrokerageAccount, error)
	ListSyncableAccounts(ctx context.Context) ([]database.BrokerageAccount, error)
	RecordSyncSuccess(ctx context.Context, userID int64, syncedAt time.Time) error
	RecordSyncFailure(ctx context.Context, userID int64, message string) error

	GetTradeByExternalID(ctx context.Context, userID int64, externalID string) (*database.Trade, error)
	FindUnlinkedTrade(ctx context.Context, userID int64, symbol string, opened, closed time.Time) (*database.Trade, error)
	LinkTrade(ctx context.Context, tradeID int64, externalID, accountID string) (bool, error)
	ImportTrade(ctx context.Context, trade *database.Trade) (bool, error)
	ListTradesMissingPnL(ctx context.Context, userID int64) ([]database.Trade, error)
	AdjustTradePnL(ctx context.Context, adj *database.TradePnLAdjustment) (bool, error)
}

// PositionSource lists realized positions for an account
type PositionSource interface {
	ListClosedPositions(ctx context.Context, creds brokerage.Credentials, since time.Time) ([]brokerage.ClosedPosition, error)
}

// Config holds reconciler settings
type Config struct {
	Tolerance       float64
	MaxConcurrent   int
	FixMissing      bool
	InitialLookback time.Duration
	ResyncOverlap   time.Duration
	// Location is the billing timezone ledger dates are read in
	Location *time.Location
}

// DefaultConfig returns default reconciler settings
func DefaultConfig() Config {
	return Config{
		Tolerance:       10.00,
		MaxConcurrent:   4,
		FixMissing:      true,
		InitialLookback: 90 * 24 * time.Hour,
		ResyncOverlap:   7 * 24 * time.Hour,
		Location:        time.UTC,
	}
}

// Reconciler imports brokerage positions and corrects local P&L
type Reconciler struct {
	store   Store
	source  PositionSource
	creds   brokerage.CredentialStore
	config  Config
	logger  *logging.Logger
	now     func() time.Time
	running atomic.Bool
}

// NewReconciler creates a reconciler
func NewReconciler(store Store, source PositionSource, creds brokerage.CredentialStore, cfg Config, logger *logging.Logger) *Reconciler {
	d := DefaultConfig()
	if cfg.Tolerance < 0 {
		cfg.Tolerance = d.Tolerance
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = d.InitialLookback
	}
	if cfg.ResyncOverlap < 0 {
		cfg.ResyncOverlap = d.ResyncOverlap
	}
	if cfg.Location == nil {
		cfg.Location = d.Location
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		store:  store,
		source: source,
		creds:  creds,
		config: cfg,
		logger: logger.WithComponent("reconcile"),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// UserSyncResult summarizes one user's sync
type UserSyncResult struct {
	UserID    int64         `json:"user_id"`
	AccountID string        `json:"account_id"`
	Since     time.Time     `json:"since"`
	Positions int           `json:"positions"`
	Imported  int           `json:"imported"`
	Linked    int           `json:"linked"`
	Filled    int           `json:"filled"`
	Corrected int           `json:"corrected"`
	Confirmed int           `json:"confirmed"`
	Unchanged int           `json:"unchanged"`
	Errors    []string      `json:"errors,omitempty"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// FixResult summarizes a local P&L fill
type FixResult struct {
	UserID  int64 `json:"user_id"`
	Checked int   `json:"checked"`
	Fixed   int   `json:"fixed"`
	Skipped int   `json:"skipped"`
}

// positionAction is what reconciling one position did to the ledger
type positionAction int

const (
	actionUnchanged positionAction = iota
	actionImported
	actionFilled
	actionCorrected
	actionConfirmed
)

// SyncUser pulls closed positions for a user and merges them into the trade
// ledger. The sync cursor only advances when every position was applied, so
// a partial failure is retried in full on the next run.
func (r *Reconciler) SyncUser(ctx context.Context, userID int64) (*UserSyncResult, error) {
	start := r.now()
	result := &UserSyncResult{UserID: userID}

	// Step 1: Load the account link and its token
	account, err := r.store.GetBrokerageAccount(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return result, ErrNoAccount
	}
	if err != nil {
		return result, fmt.Errorf("load brokerage account: %w", err)
	}
	result.AccountID = account.AccountID
	log := logging.SyncContext(r.logger, userID, account.AccountID)

	creds, err := r.creds.Get(ctx, userID)
	if err != nil {
		r.recordFailure(ctx, log, userID, err)
		return result, fmt.Errorf("load brokerage credentials: %w", err)
	}
	creds.AccountID = account.AccountID

	// Step 2: Fetch positions since the last cursor, with overlap
	result.Since = r.syncSince(account, start)
	positions, err := r.source.ListClosedPositions(ctx, *creds, result.Since)
	if err != nil {
		if errors.Is(err, brokerage.ErrUnauthorized) {
			if inv, ok := r.creds.(brokerage.CacheInvalidator); ok {
				// The token may have been rotated; reread it on the next sync.
				inv.InvalidateCacheForUser(userID)
				log.Warn("Brokerage rejected cached token, cache dropped")
			}
		}
		r.recordFailure(ctx, log, userID, err)
		result.Duration = r.now().Sub(start)
		return result, fmt.Errorf("fetch closed positions: %w", err)
	}
	result.Positions = len(positions)
	for i := range positions {
		positions[i] = positions[i].InLocation(r.config.Location)
	}

	// Step 3: Merge each position
	var errs []error
	for i := range positions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		linked, action, err := r.reconcilePosition(ctx, log, userID, account.AccountID, &positions[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", positions[i].StableID(account.AccountID), err))
			continue
		}
		if linked {
			result.Linked++
		}
		switch action {
		case actionImported:
			result.Imported++
		case actionFilled:
			result.Filled++
		case actionCorrected:
			result.Corrected++
		case actionConfirmed:
			result.Confirmed++
		default:
			result.Unchanged++
		}
	}

	result.Duration = r.now().Sub(start)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		for _, e := range errs {
			result.Errors = append(result.Errors, e.Error())
		}
		r.recordFailure(ctx, log, userID, err)
		return result, err
	}

	// Step 4: Advance the cursor
	if err := r.store.RecordSyncSuccess(ctx, userID, start); err != nil {
		return result, fmt.Errorf("record sync success: %w", err)
	}
	result.Success = true

	log.WithDuration(result.Duration).Info("Brokerage sync completed",
		"positions", result.Positions,
		"imported", result.Imported,
		"linked", result.Linked,
		"filled", result.Filled,
		"corrected", result.Corrected,
		"confirmed", result.Confirmed)
	return result, nil
}

func (r *Reconciler) syncSince(account *database.BrokerageAccount, now time.Time) time.Time {
	if account.LastSyncedAt == nil {
		return now.Add(-r.config.InitialLookback)
	}
	return account.LastSyncedAt.Add(-r.config.ResyncOverlap)
}

func (r *Reconciler) recordFailure(ctx context.Context, log *logging.Logger, userID int64, cause error) {
	log.Error("Brokerage sync failed", "error", cause)
	if err := r.store.RecordSyncFailure(context.WithoutCancel(ctx), userID, cause.Error()); err != nil {
		log.Error("Failed to record sync failure", "error", err)
	}
}

// reconcilePosition finds or creates the ledger row for a position, then
// reconciles its P&L. linked reports that an existing local trade was adopted.
func (r *Reconciler) reconcilePosition(ctx context.Context, log *logging.Logger, userID int64, accountID string, pos *brokerage.ClosedPosition) (bool, positionAction, error) {
	externalID := pos.StableID(accountID)

	trade, err := r.store.GetTradeByExternalID(ctx, userID, externalID)
	if err == nil {
		action, err := r.comparePnL(ctx, log, trade, pos)
		return false, action, err
	}
	if !errors.Is(err, database.ErrNotFound) {
		return false, actionUnchanged, err
	}

	local, err := r.store.FindUnlinkedTrade(ctx, userID, pos.Symbol, pos.OpenDate, pos.CloseDate)
	switch {
	case err == nil:
		linked, err := r.store.LinkTrade(ctx, local.ID, externalID, accountID)
		if err != nil {
			return false, actionUnchanged, err
		}
		if linked {
			action, err := r.comparePnL(ctx, log, local, pos)
			return true, action, err
		}
		// Another run linked or imported this position first
		return r.reconcileExisting(ctx, log, userID, externalID, pos)
	case !errors.Is(err, database.ErrNotFound):
		return false, actionUnchanged, err
	}

	row := pos.ToTrade(userID, accountID)
	inserted, err := r.store.ImportTrade(ctx, row)
	if err != nil {
		return false, actionUnchanged, err
	}
	if !inserted {
		return r.reconcileExisting(ctx, log, userID, externalID, pos)
	}
	log.Debug("Imported brokerage position", "trade_id", row.ID, "symbol", row.Symbol, "pnl", pos.GainLoss)
	return false, actionImported, nil
}

func (r *Reconciler) reconcileExisting(ctx context.Context, log *logging.Logger, userID int64, externalID string, pos *brokerage.ClosedPosition) (bool, positionAction, error) {
	trade, err := r.store.GetTradeByExternalID(ctx, userID, externalID)
	if err != nil {
		return false, actionUnchanged, err
	}
	action, err := r.comparePnL(ctx, log, trade, pos)
	return false, action, err
}

// comparePnL fills a missing P&L or overwrites one that disagrees with the
// brokerage by more than the tolerance. A locally derived value that agrees
// within tolerance is replaced by the brokerage figure and marked confirmed.
func (r *Reconciler) comparePnL(ctx context.Context, log *logging.Logger, trade *database.Trade, pos *brokerage.ClosedPosition) (positionAction, error) {
	broker := decimal.NewFromFloat(pos.GainLoss).Round(2).InexactFloat64()

	adj := &database.TradePnLAdjustment{
		TradeID:        trade.ID,
		PreviousPnL:    trade.PnL,
		NewPnL:         broker,
		PreviousSource: trade.PnLSource,
		NewSource:      database.PnLSourceBrokerage,
	}
	action := actionFilled

	if trade.PnL == nil {
		adj.Reason = database.AdjustmentFilled
	} else {
		diff := math.Abs(*trade.PnL - broker)
		switch {
		case diff <= r.config.Tolerance && !isLocal(trade):
			return actionUnchanged, nil
		case diff <= r.config.Tolerance:
			adj.Reason = database.AdjustmentConfirmed
			action = actionConfirmed
			log.Debug("Brokerage confirmed locally derived P&L", "trade_id", trade.ID, "local_pnl", *trade.PnL, "brokerage_pnl", broker)
		default:
			adj.Reason = database.AdjustmentOverwritten
			action = actionCorrected
			log.Warn("P&L discrepancy with brokerage, overwriting",
				"trade_id", trade.ID,
				"symbol", trade.Symbol,
				"old_pnl", *trade.PnL,
				"new_pnl", broker,
				"difference", decimal.NewFromFloat(diff).Round(2).InexactFloat64())
		}
	}

	applied, err := r.store.AdjustTradePnL(ctx, adj)
	if err != nil {
		return actionUnchanged, err
	}
	if !applied {
		log.Debug("Trade P&L changed concurrently, skipping", "trade_id", trade.ID)
		return actionUnchanged, nil
	}
	return action, nil
}

func isLocal(trade *database.Trade) bool {
	return trade.PnLSource != nil && *trade.PnLSource == database.PnLSourceLocal
}

// FixMissing computes P&L from prices for closed trades that have an exit
// price but no stored value. These stay marked local until the brokerage
// confirms them.
func (r *Reconciler) FixMissing(ctx context.Context, userID int64) (*FixResult, error) {
	trades, err := r.store.ListTradesMissingPnL(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades missing pnl: %w", err)
	}

	result := &FixResult{UserID: userID, Checked: len(trades)}
	log := r.logger.WithField("user_id", userID)

	for i := range trades {
		t := &trades[i]
		pnl, ok := billing.ComputePnL(t.Direction, t.AssetClass, t.EntryPrice, *t.ExitPrice, t.Quantity)
		if !ok {
			log.Warn("Cannot derive P&L for trade", "trade_id", t.ID, "direction", t.Direction)
			result.Skipped++
			continue
		}
		applied, err := r.store.AdjustTradePnL(ctx, &database.TradePnLAdjustment{
			TradeID:        t.ID,
			NewPnL:         pnl,
			PreviousSource: t.PnLSource,
			NewSource:      database.PnLSourceLocal,
			Reason:         database.AdjustmentLocalFix,
		})
		if err != nil {
			return result, err
		}
		if applied {
			result.Fixed++
		} else {
			result.Skipped++
		}
	}

	if result.Fixed > 0 {
		log.Info("Filled missing trade P&L", "fixed", result.Fixed, "skipped", result.Skipped)
	}
	return result, nil
}

// BackfillUser runs a sync and local fill ahead of billing. Users without a
// linked account have nothing to backfill.
func (r *Reconciler) BackfillUser(ctx context.Context, userID int64) error {
	_, err := r.SyncUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoAccount) {
		return err
	}
	if r.config.FixMissing {
		if _, err := r.FixMissing(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// BatchReport summarizes a sync over every enabled account
type BatchReport struct {
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Accounts  int              `json:"accounts"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Imported  int              `json:"imported"`
	Linked    int              `json:"linked"`
	Filled    int              `json:"filled"`
	Corrected int              `json:"corrected"`
	Confirmed int              `json:"confirmed"`
	Fixed     int              `json:"fixed"`
	Failures  map[int64]string `json:"failures,omitempty"`
}

// SyncAll syncs every account with sync enabled. One user's failure is
// recorded on their account and never stops the batch.
func (r *Reconciler) SyncAll(ctx context.Context) (*BatchReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer r.running.Store(false)

	start := r.now()
	accounts, err := r.store.ListSyncableAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list syncable accounts: %w", err)
	}

	report := &BatchReport{StartedAt: start, Accounts: len(accounts), Failures: make(map[int64]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxConcurrent)
	for _, account := range accounts {
		userID := account.UserID
		g.Go(func() error {
			res, err := r.SyncUser(gctx, userID)

			var fixed int
			if r.config.FixMissing {
				if fix, ferr := r.FixMissing(gctx, userID); ferr != nil {
					r.logger.Error("Fix missing P&L failed", "user_id", userID, "error", ferr)
				} else {
					fixed = fix.Fixed
				}
			}

			mu.Lock()
			defer mu.Unlock()
			report.Fixed += fixed
			if res != nil {
				report.Imported += res.Imported
				report.Linked += res.Linked
				report.Filled += res.Filled
				report.Corrected += res.Corrected
				report.Confirmed += res.Confirmed
			}
			if err != nil {
				report.Failed++
				report.Failures[userID] = err.Error()
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = r.now().Sub(start)
	r.logger.WithDuration(report.Duration).Info("Brokerage batch sync completed",
		"accounts", report.Accounts,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"corrected", report.Corrected)
	return report, nil
}

// IsRunning reports whether a batch sync is in progress
func (r *Reconciler) IsRunning() bool {
	return r.running.Load()
}

var _ billing.Backfiller = (*Reconciler)(nil)
