package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-fee-billing/internal/database"
)

var hundred = decimal.NewFromInt(100)

// ContractMultiplier returns the per-unit multiplier for an asset class
func ContractMultiplier(assetClass string) decimal.Decimal {
	switch strings.ToLower(assetClass) {
	case database.AssetClassOption, database.AssetClassFuture:
		return hundred
	default:
		return decimal.NewFromInt(1)
	}
}

// ComputePnL derives realized P&L from prices. Long and call positions profit
// when exit > entry; short and put positions profit when exit < entry. The
// result is rounded to cents. ok is false for an unknown direction.
func ComputePnL(direction, assetClass string, entry, exit, quantity float64) (pnl float64, ok bool) {
	d, ok := computePnL(direction, assetClass, entry, exit, quantity)
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}

func computePnL(direction, assetClass string, entry, exit, quantity float64) (decimal.Decimal, bool) {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)

	var diff decimal.Decimal
	switch strings.ToLower(direction) {
	case database.DirectionLong, database.DirectionCall:
		diff = x.Sub(e)
	case database.DirectionShort, database.DirectionPut:
		diff = e.Sub(x)
	default:
		return decimal.Zero, false
	}

	qty := decimal.NewFromFloat(quantity).Abs()
	return diff.Mul(qty).Mul(ContractMultiplier(assetClass)).Round(2), true
}

// TradePnL returns the P&L that counts toward billing for one trade: the
// stored value when present, otherwise the derived value for a closed trade
// with an exit price. derived reports which path was used.
func TradePnL(t *database.Trade) (pnl decimal.Decimal, derived bool, ok bool) {
	if t.PnL != nil {
		return decimal.NewFromFloat(*t.PnL).Round(2), false, true
	}
	if !t.IsClosed() {
		return decimal.Zero, false, false
	}
	d, ok := computePnL(t.Direction, t.AssetClass, t.EntryPrice, *t.ExitPrice, t.Quantity)
	return d, true, ok
}

// FeeFor returns round2(pnl * rate)
func FeeFor(pnl, rate float64) float64 {
	return decimal.NewFromFloat(pnl).Mul(decimal.NewFromFloat(rate)).Round(2).InexactFloat64()
}

// MinorUnits converts a currency amount to integer cents
func MinorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount).Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts integer cents back to a currency amount
func FromMinorUnits(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// TradeLister is the slice of the trade ledger the aggregator reads
type TradeLister interface {
	ListClosedTrades(ctx context.Context, userID int64, from, to time.Time) ([]database.Trade, error)
}

// PnLSummary is a user's realized result for one window
type PnLSummary struct {
	TotalPnL     float64 `json:"total_pnl"`
	TradeCount   int     `json:"trade_count"`
	StoredCount  int     `json:"stored_count"`
	DerivedCount int     `json:"derived_count"`
	SkippedCount int     `json:"skipped_count"`
}

// Aggregator sums closed-trade P&L over a billing window
type Aggregator struct {
	trades TradeLister
	loc    *time.Location
}

// NewAggregator creates an aggregator evaluating weekdays in loc
func NewAggregator(trades TradeLister, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{trades: trades, loc: loc}
}

// WeeklyPnL sums closed trades entered during the window on weekdays. Trades
// without a usable P&L are skipped and not counted. An empty window returns a
// zero summary.
func (a *Aggregator) WeeklyPnL(ctx context.Context, userID int64, w WeekWindow) (*PnLSummary, error) {
	trades, err := a.trades.ListClosedTrades(ctx, userID, w.Start, w.EndOfDay())
	if err != nil {
		return nil, fmt.Errorf("list closed trades: %w", err)
	}

	total := decimal.Zero
	summary := &PnLSummary{}
	for i := range trades {
		t := &trades[i]
		if !w.Contains(t.EntryTime) || !IsWeekday(t.EntryTime, a.loc) {
			continue
		}
		pnl, derived, ok := TradePnL(t)
		if !ok {
			summary.SkippedCount++
			continue
		}
		total = total.Add(pnl)
		summary.TradeCount++
		if derived {
			summary.DerivedCount++
		} else {
			summary.StoredCount++
		}
	}

	summary.TotalPnL = total.Round(2).InexactFloat64()
	return summary, nil
}
