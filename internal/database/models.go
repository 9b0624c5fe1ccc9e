package database

import (
	"time"
)

// Trade status values
const (
	TradeStatusOpen    = "open"
	TradeStatusClosed  = "closed"
	TradeStatusStopped = "stopped"
)

// Trade direction values
const (
	DirectionLong  = "long"
	DirectionShort = "short"
	DirectionCall  = "call"
	DirectionPut   = "put"
)

// Asset class values. Options and futures carry a 100x contract multiplier.
const (
	AssetClassStock  = "stock"
	AssetClassETF    = "etf"
	AssetClassOption = "option"
	AssetClassFuture = "future"
	AssetClassCrypto = "crypto"
)

// Where a trade's realized P&L came from
const (
	PnLSourceTradeClose = "trade_close" // written when the position was closed locally
	PnLSourceBrokerage  = "brokerage"   // confirmed by the brokerage gain/loss ledger
	PnLSourceLocal      = "local"       // derived from prices, not brokerage-confirmed
)

// Reasons recorded on trade_pnl_adjustments
const (
	AdjustmentFilled      = "filled_missing"
	AdjustmentOverwritten = "brokerage_discrepancy"
	AdjustmentLocalFix    = "local_formula"
	AdjustmentConfirmed   = "brokerage_confirmed"
)

// User is the billing view of a platform account
type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	StripeCustomerID *string   `json:"stripe_customer_id,omitempty"`
	BillingEnabled   bool      `json:"billing_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Trade is one position lifecycle record in the trade ledger
type Trade struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	Symbol             string     `json:"symbol"`
	Direction          string     `json:"direction"`
	AssetClass         string     `json:"asset_class"`
	EntryPrice         float64    `json:"entry_price"`
	ExitPrice          *float64   `json:"exit_price,omitempty"`
	Quantity           float64    `json:"quantity"`
	EntryTime          time.Time  `json:"entry_time"`
	ExitTime           *time.Time `json:"exit_time,omitempty"`
	PnL                *float64   `json:"pnl,omitempty"`
	PnLSource          *string    `json:"pnl_source,omitempty"`
	Status             string     `json:"status"`
	ExternalPositionID *string    `json:"external_position_id,omitempty"`
	BrokerageAccountID *string    `json:"brokerage_account_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsClosed reports whether the trade has been closed with an exit price
func (t *Trade) IsClosed() bool {
	return t.Status == TradeStatusClosed && t.ExitPrice != nil
}

// TradePnLAdjustment preserves the value a reconciliation write replaced
type TradePnLAdjustment struct {
	ID             int64     `json:"id"`
	TradeID        int64     `json:"trade_id"`
	PreviousPnL    *float64  `json:"previous_pnl,omitempty"`
	NewPnL         float64   `json:"new_pnl"`
	PreviousSource *string   `json:"previous_source,omitempty"`
	NewSource      string    `json:"new_source"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// BrokerageAccount links a user to a brokerage account. The access token is
// kept in Vault, never here.
type BrokerageAccount struct {
	UserID        int64      `json:"user_id"`
	AccountID     string     `json:"account_id"`
	SyncEnabled   bool       `json:"sync_enabled"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError *string    `json:"last_sync_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
