package models

import (
	"time"

	"gorm.io/gorm"
)

// Bot represents one webhook-driven trading configuration owned by a user.
// The core mutates only the aggregate fields (LastTradeAt, TradeCount,
// ProfitLoss); everything else is managed by the out-of-scope dashboard.
type Bot struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	Name   string `gorm:"size:255;not null" json:"name"`
	Symbol string `gorm:"size:50;not null" json:"symbol"`

	// Defaults applied when the alert payload omits a field.
	DefaultSide      string  `gorm:"size:10;default:'Buy'" json:"default_side"`
	DefaultOrderType string  `gorm:"size:10;default:'Market'" json:"default_order_type"`
	DefaultQuantity  float64 `json:"default_quantity"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
	Leverage         int     `json:"leverage"`

	// TestMode routes orders through the simulator. The dashboard creates
	// bots with this enabled; a plain bool so disabling it persists.
	TestMode bool `json:"test_mode"`

	// Risk and sizing controls. Zero values disable the corresponding check.
	RiskPerTrade          float64 `json:"risk_per_trade"`
	PositionSizingEnabled bool    `gorm:"default:false" json:"position_sizing_enabled"`
	MaxPositionSize       float64 `json:"max_position_size"`
	DailyLossLimit        float64 `json:"daily_loss_limit"`

	// Fee fractions per leg (0.00055 = 0.055%). Zero falls back to the
	// service-wide defaults from config.
	MarketFeeRate float64 `json:"market_fee_rate"`
	LimitFeeRate  float64 `json:"limit_fee_rate"`

	// Optional bound exchange credentials. Nil falls back to the user's
	// default key, then the user's oldest key.
	ApiKeyID *uint `gorm:"index" json:"api_key_id,omitempty"`

	// Aggregate stats maintained by the signal router.
	LastTradeAt *time.Time `json:"last_trade_at,omitempty"`
	TradeCount  int        `gorm:"default:0" json:"trade_count"`
	ProfitLoss  float64    `gorm:"default:0" json:"profit_loss"`
}
