package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Alert states.
const (
	AlertStateOpen  = "open"
	AlertStateClose = "close"
)

// AlertPayload is the inbound TradingView-style alert. The body is untyped
// JSON: numeric fields regularly arrive as strings when the alert message is
// built from placeholders, so decoding goes through an any-map with cast
// coercion rather than strict struct tags.
type AlertPayload struct {
	State         string  `json:"state"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	OrderType     string  `json:"orderType"`
	CloseQuantity float64 `json:"close_quantity"`
	CloseReason   string  `json:"close_reason"`
	IsLiquidation bool    `json:"is_liquidation"`
	RealizedPnl   float64 `json:"realized_pnl"`
}

// ParseAlertPayload decodes raw webhook JSON into an AlertPayload.
// Unknown fields are ignored; unparseable JSON is an error.
func ParseAlertPayload(body []byte) (*AlertPayload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse alert payload: %w", err)
	}

	p := &AlertPayload{State: AlertStateOpen}

	if v, ok := raw["state"]; ok {
		p.State = strings.ToLower(cast.ToString(v))
	}
	if p.State != AlertStateOpen && p.State != AlertStateClose {
		return nil, fmt.Errorf("invalid alert state %q", p.State)
	}

	p.Symbol = cast.ToString(raw["symbol"])
	p.Side = NormalizeSide(cast.ToString(raw["side"]))
	p.OrderType = NormalizeOrderType(cast.ToString(raw["orderType"]))
	p.CloseReason = cast.ToString(raw["close_reason"])
	p.IsLiquidation = cast.ToBool(raw["is_liquidation"])

	p.Price = cast.ToFloat64(raw["price"])
	p.Quantity = cast.ToFloat64(raw["quantity"])
	p.StopLoss = cast.ToFloat64(raw["stopLoss"])
	p.TakeProfit = cast.ToFloat64(raw["takeProfit"])
	p.CloseQuantity = cast.ToFloat64(raw["close_quantity"])
	p.RealizedPnl = cast.ToFloat64(raw["realized_pnl"])

	return p, nil
}

// NormalizeSide maps the free-form side values TradingView emits ("buy",
// "SELL", "long", "short") onto the exchange's spelling. Unrecognized values
// come back empty so the bot default applies.
func NormalizeSide(side string) string {
	switch strings.ToLower(side) {
	case "buy", "long":
		return SideBuy
	case "sell", "short":
		return SideSell
	}
	return ""
}

// NormalizeOrderType maps free-form order types onto the exchange's spelling.
func NormalizeOrderType(orderType string) string {
	switch strings.ToLower(orderType) {
	case "market":
		return OrderTypeMarket
	case "limit":
		return OrderTypeLimit
	}
	return ""
}
