package bybit

import (
	"encoding/json"
	"fmt"
	"time"
)

// retCode the exchange returns when set-leverage is a no-op. Treated as
// success: the position already has the requested leverage.
const retCodeLeverageNotModified = 110043

// Credentials are per-bot exchange api credentials resolved from the ledger.
type Credentials struct {
	Key    string
	Secret string
}

// ExchangeError is an application-level failure reported by the exchange
// (non-zero retCode) as opposed to a transport failure.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Message)
}

// envelope is the common Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// InstrumentInfo holds the lot constraints for a symbol.
type InstrumentInfo struct {
	Symbol string
	MinQty float64
	// QtyStep is the order quantity granularity. Persisted quantities must
	// be a multiple of it.
	QtyStep float64
}

// OrderParams describes one order to submit.
type OrderParams struct {
	Symbol     string
	Side       string // Buy | Sell
	OrderType  string // Market | Limit
	Quantity   float64
	Price      float64 // required for limit orders
	StopLoss   float64
	TakeProfit float64
	ReduceOnly bool
}

// OrderResult is the outcome of a submitted order, enriched by the
// best-effort execution lookup.
type OrderResult struct {
	OrderID       string
	ExecutedPrice float64
	Fees          float64
	Status        string
}

// PnlRecord is one exchange-reported closed-PnL entry.
type PnlRecord struct {
	OrderID       string
	Symbol        string
	Side          string
	Quantity      float64
	ClosedPnl     float64
	AvgEntryPrice float64
	AvgExitPrice  float64
	CreatedAt     time.Time
}
