package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-fee-billing/internal/billing"
	"trading-fee-billing/internal/brokerage"
	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
	"trading-fee-billing/internal/vault"
)

// fakeStore is an in-memory ledger with the same uniqueness and
// compare-and-set rules as the postgres repository.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	trades      map[int64]*database.Trade
	accounts    map[int64]*database.BrokerageAccount
	adjustments []database.TradePnLAdjustment
}

func newFakeStore() *fakeStore {
	return &fakeStore{trades: map[int64]*database.Trade{}, accounts: map[int64]*database.BrokerageAccount{}}
}

func (s *fakeStore) link(userID int64, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID] = &database.BrokerageAccount{UserID: userID, AccountID: accountID, SyncEnabled: true}
}

func (s *fakeStore) addTrade(t database.Trade) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	s.trades[t.ID] = &t
	return t.ID
}

func (s *fakeStore) trade(id int64) database.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.trades[id]
}

func (s *fakeStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *fakeStore) account(userID int64) database.BrokerageAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[userID]
}

func (s *fakeStore) GetBrokerageAccount(_ context.Context, userID int64) (*database.BrokerageAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListSyncableAccounts(_ context.Context) ([]database.BrokerageAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.BrokerageAccount
	for _, a := range s.accounts {
		if a.SyncEnabled {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordSyncSuccess(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID].LastSyncedAt = &at
	s.accounts[userID].LastSyncError = nil
	return nil
}

func (s *fakeStore) RecordSyncFailure(_ context.Context, userID int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID].LastSyncError = &msg
	return nil
}

func (s *fakeStore) GetTradeByExternalID(_ context.Context, userID int64, externalID string) (*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.UserID == userID && t.ExternalPositionID != nil && *t.ExternalPositionID == externalID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}

func (s *fakeStore) FindUnlinkedTrade(_ context.Context, userID int64, symbol string, opened, closed time.Time) (*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := int64(1); id <= s.nextID; id++ {
		t, ok := s.trades[id]
		if !ok || t.UserID != userID || t.Symbol != symbol || t.ExternalPositionID != nil || t.Status != database.TradeStatusClosed {
			continue
		}
		if t.ExitTime != nil && sameDay(t.EntryTime, opened) && sameDay(*t.ExitTime, closed) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) LinkTrade(_ context.Context, tradeID int64, externalID, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trades[tradeID]
	if t.ExternalPositionID != nil {
		return false, nil
	}
	for _, other := range s.trades {
		if other.UserID == t.UserID && other.ExternalPositionID != nil && *other.ExternalPositionID == externalID {
			return false, nil
		}
	}
	t.ExternalPositionID = &externalID
	t.BrokerageAccountID = &accountID
	return true, nil
}

func (s *fakeStore) ImportTrade(_ context.Context, trade *database.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.UserID == trade.UserID && t.ExternalPositionID != nil && *t.ExternalPositionID == *trade.ExternalPositionID {
			return false, nil
		}
	}
	s.nextID++
	trade.ID = s.nextID
	cp := *trade
	s.trades[cp.ID] = &cp
	return true, nil
}

func (s *fakeStore) ListTradesMissingPnL(_ context.Context, userID int64) ([]database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Trade
	for id := int64(1); id <= s.nextID; id++ {
		t, ok := s.trades[id]
		if ok && t.UserID == userID && t.Status == database.TradeStatusClosed && t.ExitPrice != nil && t.PnL == nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) AdjustTradePnL(_ context.Context, adj *database.TradePnLAdjustment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trades[adj.TradeID]
	switch {
	case t.PnL == nil && adj.PreviousPnL != nil,
		t.PnL != nil && adj.PreviousPnL == nil,
		t.PnL != nil && *t.PnL != *adj.PreviousPnL:
		return false, nil
	}
	v := adj.NewPnL
	src := adj.NewSource
	t.PnL = &v
	t.PnLSource = &src
	s.adjustments = append(s.adjustments, *adj)
	return true, nil
}

// fakeSource returns canned positions and records the requested cursor
type fakeSource struct {
	mu        sync.Mutex
	positions map[string][]brokerage.ClosedPosition
	err       map[string]error
	since     []time.Time
	calls     int32
}

func (f *fakeSource) ListClosedPositions(_ context.Context, creds brokerage.Credentials, since time.Time) ([]brokerage.ClosedPosition, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if err := f.err[creds.AccountID]; err != nil {
		return nil, err
	}
	return f.positions[creds.AccountID], nil
}

var (
	syncNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	opened  = time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)
	closed  = time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	store  *fakeStore
	source *fakeSource
	creds  *vault.Client
	rec    *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(),
		source: &fakeSource{positions: map[string][]brokerage.ClosedPosition{}, err: map[string]error{}},
		creds:  vault.NewMemoryClient(),
	}
	h.rec = NewReconciler(h.store, h.source, h.creds, Config{Tolerance: 10, MaxConcurrent: 3, FixMissing: true,
		InitialLookback: 90 * 24 * time.Hour, ResyncOverlap: 7 * 24 * time.Hour}, logging.Nop())
	h.rec.SetClock(func() time.Time { return syncNow })
	return h
}

func (h *harness) linkUser(t *testing.T, userID int64) string {
	t.Helper()
	account := fmt.Sprintf("VA%04d", userID)
	h.store.link(userID, account)
	require.NoError(t, h.creds.Put(context.Background(), userID, brokerage.Credentials{AccountID: account, AccessToken: "tok"}))
	return account
}

func position(symbol string, gain float64) brokerage.ClosedPosition {
	return brokerage.ClosedPosition{Symbol: symbol, OpenDate: opened, CloseDate: closed, Quantity: 10, Cost: 1000, Proceeds: 1000 + gain, GainLoss: gain}
}

func localTrade(userID int64, symbol string, pnl *float64) database.Trade {
	exit := 110.0
	exitTime := closed.Add(15 * time.Hour)
	return database.Trade{
		UserID: userID, Symbol: symbol, Direction: database.DirectionLong, AssetClass: database.AssetClassStock,
		EntryPrice: 100, ExitPrice: &exit, Quantity: 10, EntryTime: opened.Add(14 * time.Hour), ExitTime: &exitTime,
		PnL: pnl, Status: database.TradeStatusClosed,
	}
}

func f(v float64) *float64 { return &v }

func TestSyncUserImportsNewPositions(t *testing.T) {
	h := newHarness(t)
	account := h.linkUser(t, 7)
	h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", 100), position("MSFT", -40)}

	res, err := h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, h.store.tradeCount())
	assert.Equal(t, syncNow.Add(-90*24*time.Hour), h.source.since[0], "first sync uses the initial lookback")

	acct := h.store.account(7)
	require.NotNil(t, acct.LastSyncedAt)
	assert.Equal(t, syncNow, *acct.LastSyncedAt)
}

func TestSyncUserIsIdempotent(t *testing.T) {
	h := newHarness(t)
	account := h.linkUser(t, 7)
	h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", 100)}

	_, err := h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)
	res, err := h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 1, h.store.tradeCount())
	assert.Equal(t, syncNow.Add(-7*24*time.Hour), h.source.since[1], "resync overlaps the previous cursor")
}

func TestSyncUserConcurrentRunsImportOnce(t *testing.T) {
	h := newHarness(t)
	account := h.linkUser(t, 7)
	h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", 100), position("TSLA", 50)}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.rec.SyncUser(context.Background(), 7)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, h.store.tradeCount())
}

func TestSyncUserPnLReconciliation(t *testing.T) {
	tests := []struct {
		name       string
		localPnL   *float64
		brokerPnL  float64
		wantPnL    float64
		wantSource string
		wantAdjust int
		wantReason string
	}{
		{"missing local pnl is filled", nil, 120, 120, database.PnLSourceBrokerage, 1, database.AdjustmentFilled},
		{"within tolerance unchanged", f(100), 108, 100, database.PnLSourceTradeClose, 0, ""},
		{"exactly at tolerance unchanged", f(100), 110, 100, database.PnLSourceTradeClose, 0, ""},
		{"discrepancy overwritten", f(100), 250, 250, database.PnLSourceBrokerage, 1, database.AdjustmentOverwritten},
		{"negative discrepancy overwritten", f(100), -50, -50, database.PnLSourceBrokerage, 1, database.AdjustmentOverwritten},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			account := h.linkUser(t, 7)
			trade := localTrade(7, "AAPL", tt.localPnL)
			if tt.localPnL != nil {
				src := database.PnLSourceTradeClose
				trade.PnLSource = &src
			}
			id := h.store.addTrade(trade)
			h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", tt.brokerPnL)}

			res, err := h.rec.SyncUser(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Linked)
			assert.Equal(t, 0, res.Imported)
			assert.Equal(t, 1, h.store.tradeCount())

			got := h.store.trade(id)
			require.NotNil(t, got.ExternalPositionID)
			require.NotNil(t, got.PnL)
			assert.Equal(t, tt.wantPnL, *got.PnL)
			assert.Equal(t, tt.wantSource, *got.PnLSource)
			require.Len(t, h.store.adjustments, tt.wantAdjust)
			if tt.wantAdjust > 0 {
				adj := h.store.adjustments[0]
				assert.Equal(t, tt.wantReason, adj.Reason)
				assert.Equal(t, tt.localPnL, adj.PreviousPnL)
			}
		})
	}
}

func TestSyncUserPromotesLocalPnLOnMatch(t *testing.T) {
	h := newHarness(t)
	account := h.linkUser(t, 7)
	id := h.store.addTrade(localTrade(7, "AAPL", nil))

	fix, err := h.rec.FixMissing(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, fix.Fixed)
	require.Equal(t, database.PnLSourceLocal, *h.store.trade(id).PnLSource)

	h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", 98)}
	res, err := h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 0, res.Corrected)

	got := h.store.trade(id)
	assert.Equal(t, 98.0, *got.PnL)
	assert.Equal(t, database.PnLSourceBrokerage, *got.PnLSource)
	require.Len(t, h.store.adjustments, 2)
	assert.Equal(t, database.AdjustmentConfirmed, h.store.adjustments[1].Reason)
	assert.Equal(t, database.PnLSourceLocal, *h.store.adjustments[1].PreviousSource)

	// Once confirmed, a later sync leaves it alone.
	res, err = h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Confirmed)
	assert.Equal(t, 1, res.Unchanged)
	assert.Len(t, h.store.adjustments, 2)
}

func TestSyncUserFetchFailureKeepsCursor(t *testing.T) {
	h := newHarness(t)
	account := h.linkUser(t, 7)
	h.source.err[account] = fmt.Errorf("list: %w", brokerage.ErrUnauthorized)

	_, err := h.rec.SyncUser(context.Background(), 7)
	assert.ErrorIs(t, err, brokerage.ErrUnauthorized)

	acct := h.store.account(7)
	assert.Nil(t, acct.LastSyncedAt)
	require.NotNil(t, acct.LastSyncError)
	assert.Contains(t, *acct.LastSyncError, "unauthorized")
}

// trackingCreds records cache invalidations on top of the memory store
type trackingCreds struct {
	*vault.Client
	mu          sync.Mutex
	invalidated []int64
}

func (c *trackingCreds) InvalidateCacheForUser(userID int64) {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, userID)
	c.mu.Unlock()
	c.Client.InvalidateCacheForUser(userID)
}

func TestSyncUserDropsRejectedToken(t *testing.T) {
	h := newHarness(t)
	creds := &trackingCreds{Client: h.creds}
	h.rec = NewReconciler(h.store, h.source, creds, Config{Tolerance: 10}, logging.Nop())
	h.rec.SetClock(func() time.Time { return syncNow })
	account := h.linkUser(t, 7)
	h.linkUser(t, 8)

	h.source.err[account] = fmt.Errorf("list: %w", brokerage.ErrUnauthorized)
	_, err := h.rec.SyncUser(context.Background(), 7)
	assert.ErrorIs(t, err, brokerage.ErrUnauthorized)
	assert.Equal(t, []int64{7}, creds.invalidated)

	// Other failures keep the cached token.
	h.source.err["VA0008"] = errors.New("connection reset")
	_, err = h.rec.SyncUser(context.Background(), 8)
	assert.Error(t, err)
	assert.Equal(t, []int64{7}, creds.invalidated)
}

func TestSyncUserWithoutAccountOrToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.SyncUser(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNoAccount)

	h.store.link(8, "VA0008")
	_, err = h.rec.SyncUser(context.Background(), 8)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials)
	assert.Zero(t, atomic.LoadInt32(&h.source.calls))
}

func TestFixMissing(t *testing.T) {
	h := newHarness(t)
	missing := h.store.addTrade(localTrade(7, "AAPL", nil))
	present := h.store.addTrade(localTrade(7, "MSFT", f(55)))
	bad := localTrade(7, "XYZ", nil)
	bad.Direction = "sideways"
	badID := h.store.addTrade(bad)

	res, err := h.rec.FixMissing(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Fixed)
	assert.Equal(t, 1, res.Skipped)

	got := h.store.trade(missing)
	require.NotNil(t, got.PnL)
	assert.Equal(t, 100.0, *got.PnL)
	assert.Equal(t, database.PnLSourceLocal, *got.PnLSource)
	assert.Equal(t, 55.0, *h.store.trade(present).PnL)
	assert.Nil(t, h.store.trade(badID).PnL)
	require.Len(t, h.store.adjustments, 1)
	assert.Equal(t, database.AdjustmentLocalFix, h.store.adjustments[0].Reason)
}

func TestBackfillUser(t *testing.T) {
	h := newHarness(t)

	t.Run("no account still fills local pnl", func(t *testing.T) {
		id := h.store.addTrade(localTrade(9, "AAPL", nil))
		require.NoError(t, h.rec.BackfillUser(context.Background(), 9))
		assert.NotNil(t, h.store.trade(id).PnL)
	})

	t.Run("fetch failure is returned", func(t *testing.T) {
		account := h.linkUser(t, 10)
		h.source.err[account] = errors.New("brokerage down")
		assert.Error(t, h.rec.BackfillUser(context.Background(), 10))
	})
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 5; id++ {
		account := h.linkUser(t, id)
		h.source.positions[account] = []brokerage.ClosedPosition{position("AAPL", float64(id*10))}
	}
	h.source.err["VA0003"] = errors.New("boom")

	report, err := h.rec.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Accounts)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 4, report.Imported)
	assert.Contains(t, report.Failures[3], "boom")
	assert.False(t, h.rec.IsRunning())

	require.NotNil(t, h.store.account(3).LastSyncError)
	assert.Nil(t, h.store.account(3).LastSyncedAt)
	assert.NotNil(t, h.store.account(4).LastSyncedAt)
}

func (s *fakeStore) ListClosedTrades(_ context.Context, userID int64, from, to time.Time) ([]database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Trade
	for id := int64(1); id <= s.nextID; id++ {
		t, ok := s.trades[id]
		if ok && t.UserID == userID && t.Status == database.TradeStatusClosed &&
			!t.EntryTime.Before(from) && !t.EntryTime.After(to) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func TestImportedTradesLandInBillingWeekday(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone unavailable: %v", err)
	}
	h := newHarness(t)
	h.rec = NewReconciler(h.store, h.source, h.creds, Config{Tolerance: 10, Location: ny}, logging.Nop())
	h.rec.SetClock(func() time.Time { return time.Date(2024, 1, 14, 18, 0, 0, 0, ny) })
	account := h.linkUser(t, 7)

	// The ledger client yields calendar days at UTC midnight
	monday := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	saturday := time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)
	h.source.positions[account] = []brokerage.ClosedPosition{
		{Symbol: "AAPL", OpenDate: monday, CloseDate: monday.AddDate(0, 0, 1), Quantity: 10, Cost: 1000, Proceeds: 1800, GainLoss: 800},
		{Symbol: "MSFT", OpenDate: saturday, CloseDate: saturday, Quantity: 1, Cost: 100, Proceeds: 200, GainLoss: 100},
	}

	res, err := h.rec.SyncUser(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 2, res.Imported)

	window, err := billing.WindowFor(time.Date(2024, 1, 8, 0, 0, 0, 0, ny), ny)
	require.NoError(t, err)
	summary, err := billing.NewAggregator(h.store, ny).WeeklyPnL(context.Background(), 7, window)
	require.NoError(t, err)

	assert.Equal(t, 800.0, summary.TotalPnL, "Monday counts, Saturday does not")
	assert.Equal(t, 1, summary.TradeCount)
}
