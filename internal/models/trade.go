package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade states.
const (
	TradeStateOpen   = "open"
	TradeStateClosed = "closed"
)

// Close reasons, in the priority order the close workflow resolves them.
const (
	CloseReasonSignal       = "signal"
	CloseReasonStopLoss     = "stop_loss"
	CloseReasonTakeProfit   = "take_profit"
	CloseReasonLiquidation  = "liquidation"
	CloseReasonPartialClose = "partial_close"
)

// Order sides and types as the exchange spells them.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderTypeMarket = "Market"
	OrderTypeLimit  = "Limit"
)

// Trade is the persisted record of one position, created on a successful
// order execution and updated in place on (partial) close. Never deleted
// by the core.
type Trade struct {
	gorm.Model
	BotID  uint   `gorm:"not null;index" json:"bot_id"`
	UserID uint   `gorm:"not null;index" json:"user_id"`
	State  string `gorm:"size:10;not null;default:'open';index" json:"state"`

	Symbol   string  `gorm:"size:50;not null;index" json:"symbol"`
	Side     string  `gorm:"size:10;not null" json:"side"`
	Quantity float64 `gorm:"not null" json:"quantity"`
	Price    float64 `gorm:"not null" json:"price"`
	OrderID  string  `gorm:"size:64;index" json:"order_id"`

	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	RiskAmount float64 `json:"risk_amount"`

	RealizedPnl   float64 `json:"realized_pnl"`
	Fees          float64 `json:"fees"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	AvgExitPrice  float64 `json:"avg_exit_price"`
	ExitPrice     float64 `json:"exit_price"`
	CloseReason   string  `gorm:"size:20" json:"close_reason"`

	// TradeMetrics is the serialized analytics blob computed on close and
	// recomputed after reconciliation.
	TradeMetrics string `gorm:"type:text" json:"trade_metrics,omitempty"`

	IsTest     bool       `gorm:"default:false" json:"is_test"`
	Reconciled bool       `gorm:"default:false" json:"reconciled"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// OppositeSide returns the side that closes this trade.
func (t *Trade) OppositeSide() string {
	if t.Side == SideBuy {
		return SideSell
	}
	return SideBuy
}
