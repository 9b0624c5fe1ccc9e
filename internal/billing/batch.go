package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
)

// BatchSummary counts the outcomes of one batch run
type BatchSummary struct {
	WeekStart    string               `json:"week_start,omitempty"`
	WeekEnd      string               `json:"week_end,omitempty"`
	Users        int                  `json:"users"`
	Counts       map[ChargeStatus]int `json:"counts"`
	TotalCharged float64              `json:"total_charged"`
	Failures     []ChargeResult       `json:"failures,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     string               `json:"duration"`
}

func newBatchSummary(started time.Time) *BatchSummary {
	return &BatchSummary{Counts: make(map[ChargeStatus]int), StartedAt: started}
}

func (s *BatchSummary) add(r ChargeResult) {
	s.Counts[r.Status]++
	switch r.Status {
	case ChargeCharged:
		s.TotalCharged += r.FeeAmount
	case ChargeFailed, ChargeError:
		s.Failures = append(s.Failures, r)
	}
}

// BatchRunner charges every billable user with bounded concurrency
type BatchRunner struct {
	orchestrator *Orchestrator
	store        Store
	logger       *logging.Logger

	mu      sync.Mutex
	running bool
	lastRun *BatchSummary
}

// NewBatchRunner creates a batch runner on top of an orchestrator
func NewBatchRunner(o *Orchestrator, store Store, logger *logging.Logger) *BatchRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &BatchRunner{
		orchestrator: o,
		store:        store,
		logger:       logger.WithComponent("billing-batch"),
	}
}

// ErrBatchRunning is returned when a batch is already in progress in this
// process
var ErrBatchRunning = fmt.Errorf("%w: batch already running", ErrConflict)

// RunWeekly charges the previous week for every billing-enabled user. One
// user's failure never stops the batch.
func (b *BatchRunner) RunWeekly(ctx context.Context) (*BatchSummary, error) {
	if !b.begin() {
		return nil, ErrBatchRunning
	}
	defer b.end()

	started := time.Now()
	window := b.orchestrator.CurrentWindow()
	summary := newBatchSummary(started)
	summary.WeekStart = window.Start.Format(dateLayout)
	summary.WeekEnd = window.End.Format(dateLayout)

	userIDs, err := b.store.ListBillableUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list billable users: %w", err)
	}
	summary.Users = len(userIDs)
	b.logger.Info("Starting weekly billing run", "users", len(userIDs), "week", window.String())

	b.fanOut(ctx, userIDs, summary, func(ctx context.Context, userID int64) ChargeResult {
		return b.orchestrator.ChargeWeek(ctx, userID, window)
	})

	b.finish(summary, started)
	b.logger.Info("Weekly billing run complete",
		"users", summary.Users,
		"charged", summary.Counts[ChargeCharged],
		"pending", summary.Counts[ChargePending],
		"no_fee", summary.Counts[ChargeNoFeeDue],
		"failed", summary.Counts[ChargeFailed]+summary.Counts[ChargeError],
		"skipped", summary.Counts[ChargePreconditionFailed]+summary.Counts[ChargeConflict],
		"total_charged", summary.TotalCharged,
		"duration", summary.Duration)
	return summary, nil
}

// RetryFailedPeriods makes one new attempt for each failed period, oldest
// first, up to limit periods.
func (b *BatchRunner) RetryFailedPeriods(ctx context.Context, limit int) (*BatchSummary, error) {
	if !b.begin() {
		return nil, ErrBatchRunning
	}
	defer b.end()

	started := time.Now()
	summary := newBatchSummary(started)

	periods, err := b.store.ListBillingPeriodsByStatus(ctx, database.PeriodStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed periods: %w", err)
	}
	ids := make([]int64, len(periods))
	for i, p := range periods {
		ids[i] = p.ID
	}
	summary.Users = len(ids)
	b.logger.Info("Retrying failed billing periods", "periods", len(ids))

	b.fanOut(ctx, ids, summary, b.orchestrator.RetryFailedPeriod)

	b.finish(summary, started)
	b.logger.Info("Retry run complete",
		"periods", len(ids),
		"charged", summary.Counts[ChargeCharged],
		"failed", summary.Counts[ChargeFailed]+summary.Counts[ChargeError])
	return summary, nil
}

// LastRun returns the summary of the most recent completed batch
func (b *BatchRunner) LastRun() *BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// IsRunning reports whether a batch is in progress
func (b *BatchRunner) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *BatchRunner) fanOut(ctx context.Context, ids []int64, summary *BatchSummary, fn func(context.Context, int64) ChargeResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.orchestrator.Config().MaxConcurrent)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r := fn(gctx, id)
			mu.Lock()
			summary.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (b *BatchRunner) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	return true
}

func (b *BatchRunner) end() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (b *BatchRunner) finish(summary *BatchSummary, started time.Time) {
	summary.Duration = time.Since(started).Round(time.Millisecond).String()
	b.mu.Lock()
	b.lastRun = summary
	b.mu.Unlock()
}
