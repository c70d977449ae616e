package sizing

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput covers non-positive entry/stop/risk and a stop on the
// wrong side of the entry for the given direction.
var ErrInvalidInput = errors.New("invalid sizing input")

// Input describes one risk-based sizing request.
type Input struct {
	EntryPrice float64
	StopPrice  float64
	// RiskAmount is the maximum currency amount to lose if the stop is hit.
	RiskAmount float64
	Side       string // Buy | Sell
	// FeeRate is the per-leg fee fraction; charged on both entry and exit.
	FeeRate float64
	MinQty  float64
	QtyStep float64
	// MaxNotional caps quantity*entry when > 0.
	MaxNotional float64
	Decimals    int
}

// Calculate returns the largest order quantity whose worst-case loss
// (distance to stop plus fees on both legs) stays within the risk amount,
// subject to the instrument's lot constraints.
//
// Rounding always goes down: overshooting the risk target is not allowed.
func Calculate(in Input) (float64, error) {
	if in.EntryPrice <= 0 || in.StopPrice <= 0 || in.RiskAmount <= 0 {
		return 0, fmt.Errorf("%w: entry, stop and risk must be positive", ErrInvalidInput)
	}

	switch in.Side {
	case "Buy":
		if in.StopPrice >= in.EntryPrice {
			return 0, fmt.Errorf("%w: stop %.8f must be below entry %.8f for Buy", ErrInvalidInput, in.StopPrice, in.EntryPrice)
		}
	case "Sell":
		if in.StopPrice <= in.EntryPrice {
			return 0, fmt.Errorf("%w: stop %.8f must be above entry %.8f for Sell", ErrInvalidInput, in.StopPrice, in.EntryPrice)
		}
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidInput, in.Side)
	}

	riskPerUnit := math.Abs(in.EntryPrice - in.StopPrice)
	// Fees are paid on both legs: entering at the entry price and exiting at
	// the stop, both at the given rate.
	feePerUnit := in.EntryPrice*in.FeeRate + in.StopPrice*in.FeeRate
	effectiveRiskPerUnit := riskPerUnit + feePerUnit

	quantity := in.RiskAmount / effectiveRiskPerUnit

	if in.MinQty > 0 && quantity < in.MinQty {
		quantity = in.MinQty
	}
	quantity = floorToStep(quantity, in.QtyStep)

	if in.MaxNotional > 0 && quantity*in.EntryPrice > in.MaxNotional {
		quantity = floorToStep(in.MaxNotional/in.EntryPrice, in.QtyStep)
	}

	quantity = roundToDecimals(quantity, in.Decimals)
	if quantity < 0 {
		quantity = 0
	}
	return quantity, nil
}

// FloorToLot rounds a directly-requested quantity down to the instrument's
// constraints: nearest step multiple, zero if below the minimum.
func FloorToLot(quantity, minQty, qtyStep float64, decimals int) float64 {
	quantity = floorToStep(quantity, qtyStep)
	quantity = roundToDecimals(quantity, decimals)
	if quantity < minQty {
		return 0
	}
	return quantity
}

func floorToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	// A small epsilon keeps binary representation noise (9.716 stored as
	// 9.7159999...) from dropping a whole step.
	return math.Floor(quantity/step+1e-9) * step
}

func roundToDecimals(value float64, decimals int) float64 {
	if decimals <= 0 {
		return value
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(value*pow) / pow
}
