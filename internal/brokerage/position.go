package brokerage

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-fee-billing/internal/database"
)

var (
	// ErrUnauthorized is returned when the brokerage rejects the access token
	ErrUnauthorized = errors.New("brokerage: unauthorized")
	// ErrNoCredentials is returned when no token is stored for a user
	ErrNoCredentials = errors.New("brokerage: no credentials")
)

// Credentials identify one user's brokerage account
type Credentials struct {
	AccountID   string `json:"account_id"`
	AccessToken string `json:"access_token"`
}

// ClosedPosition is one realized position from the gain/loss ledger
type ClosedPosition struct {
	PositionID      string    `json:"position_id,omitempty"`
	Symbol          string    `json:"symbol"`
	OpenDate        time.Time `json:"open_date"`
	CloseDate       time.Time `json:"close_date"`
	Quantity        float64   `json:"quantity"`
	Cost            float64   `json:"cost"`
	Proceeds        float64   `json:"proceeds"`
	GainLoss        float64   `json:"gain_loss"`
	GainLossPercent float64   `json:"gain_loss_percent"`
	Term            int       `json:"term"`
}

// StableID returns the identifier the trade ledger stores for this position.
// The ledger has no position ids of its own, so a composite of account,
// symbol, open and close dates and quantity stands in when none is present.
func (p *ClosedPosition) StableID(accountID string) string {
	if p.PositionID != "" {
		return p.PositionID
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		accountID,
		p.Symbol,
		p.OpenDate.Format("2006-01-02"),
		p.CloseDate.Format("2006-01-02"),
		strconv.FormatFloat(p.Quantity, 'f', -1, 64),
	)
}

// InLocation returns the position with its ledger dates read as calendar
// days in loc, so a Monday in the ledger is a Monday in the billing timezone.
func (p ClosedPosition) InLocation(loc *time.Location) ClosedPosition {
	p.OpenDate = calendarDay(p.OpenDate, loc)
	p.CloseDate = calendarDay(p.CloseDate, loc)
	return p
}

func calendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// OptionSymbol is a parsed OCC option root
type OptionSymbol struct {
	Underlying string
	Expiry     time.Time
	Right      string // call or put
	Strike     float64
}

var occPattern = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5})(\d{6})([CP])(\d{8})$`)

// ParseOptionSymbol parses an OCC symbol such as SPY180625C00276000
func ParseOptionSymbol(symbol string) (*OptionSymbol, bool) {
	m := occPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if m == nil {
		return nil, false
	}
	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return nil, false
	}
	strike, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, false
	}
	right := database.DirectionCall
	if m[3] == "P" {
		right = database.DirectionPut
	}
	return &OptionSymbol{
		Underlying: m[1],
		Expiry:     expiry,
		Right:      right,
		Strike:     float64(strike) / 1000,
	}, true
}

// Classify maps a position to the trade ledger's asset class and direction
func (p *ClosedPosition) Classify() (assetClass, direction string) {
	if opt, ok := ParseOptionSymbol(p.Symbol); ok {
		return database.AssetClassOption, opt.Right
	}
	if p.Quantity < 0 {
		return database.AssetClassStock, database.DirectionShort
	}
	return database.AssetClassStock, database.DirectionLong
}

// ToTrade builds the closed trade row for an imported position. Prices are
// per unit; the brokerage gain/loss is stored as the authoritative P&L.
func (p *ClosedPosition) ToTrade(userID int64, accountID string) *database.Trade {
	assetClass, direction := p.Classify()
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}

	units := qty
	if assetClass == database.AssetClassOption {
		units = qty * 100
	}
	var entry, exit float64
	if units > 0 {
		entry, exit = p.Cost/units, p.Proceeds/units
		if direction == database.DirectionShort {
			entry, exit = exit, entry
		}
	}

	externalID := p.StableID(accountID)
	pnl := p.GainLoss
	source := database.PnLSourceBrokerage
	openTime := p.OpenDate
	closeTime := p.CloseDate
	return &database.Trade{
		UserID:             userID,
		Symbol:             p.Symbol,
		Direction:          direction,
		AssetClass:         assetClass,
		EntryPrice:         round4(entry),
		ExitPrice:          ptrFloat(round4(exit)),
		Quantity:           qty,
		EntryTime:          openTime,
		ExitTime:           &closeTime,
		PnL:                &pnl,
		PnLSource:          &source,
		Status:             database.TradeStatusClosed,
		ExternalPositionID: &externalID,
		BrokerageAccountID: &accountID,
	}
}

func round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}

func ptrFloat(v float64) *float64 { return &v }
