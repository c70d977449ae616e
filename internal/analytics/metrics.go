package analytics

import (
	"fmt"
	"math"
	"time"
)

// Input carries everything the metrics calculation needs. All values are
// taken as-is; the function has no side effects and is safe to re-run after
// reconciliation updates the realized figures.
type Input struct {
	Side         string // Buy | Sell
	PlannedEntry float64
	ActualEntry  float64
	StopLoss     float64
	TakeProfit   float64
	MaxRisk      float64
	RealizedPnl  float64
	OpenFee      float64
	CloseFee     float64
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// Metrics is the post-trade analytics blob persisted on the trade record.
type Metrics struct {
	RiskPerUnit   float64 `json:"risk_per_unit"`
	PositionUnits float64 `json:"position_units"`
	TargetRR      float64 `json:"target_rr"`
	FinishedRR    float64 `json:"finished_rr"`
	// RiskDeviationPct is how far the realized loss overshot the planned
	// max risk, in percent. Zero unless the loss exceeded the risk.
	RiskDeviationPct float64 `json:"risk_deviation_pct"`
	Slippage         float64 `json:"slippage"`
	Duration         string  `json:"duration"`
	TotalFees        float64 `json:"total_fees"`
}

// Calculate computes R-multiples, slippage and duration for a finished trade.
// R math runs off the planned entry, the one the risk was sized against;
// the actual fill only contributes to slippage.
func Calculate(in Input) Metrics {
	var riskPerUnit float64
	if in.Side == "Sell" {
		riskPerUnit = in.StopLoss - in.PlannedEntry
	} else {
		riskPerUnit = in.PlannedEntry - in.StopLoss
	}

	m := Metrics{
		RiskPerUnit: riskPerUnit,
		Slippage:    math.Abs(in.ActualEntry - in.PlannedEntry),
		Duration:    formatDuration(in.ClosedAt.Sub(in.OpenedAt)),
		TotalFees:   in.OpenFee + in.CloseFee,
	}

	if riskPerUnit != 0 {
		if in.MaxRisk > 0 {
			m.PositionUnits = in.MaxRisk / riskPerUnit
		}
		if in.TakeProfit > 0 {
			if in.Side == "Sell" {
				m.TargetRR = (in.PlannedEntry - in.TakeProfit) / riskPerUnit
			} else {
				m.TargetRR = (in.TakeProfit - in.PlannedEntry) / riskPerUnit
			}
		}
	}

	if in.MaxRisk > 0 {
		m.FinishedRR = in.RealizedPnl / in.MaxRisk
		if loss := -in.RealizedPnl; loss > in.MaxRisk {
			m.RiskDeviationPct = (loss - in.MaxRisk) / in.MaxRisk * 100
		}
	}

	return m
}

// formatDuration renders a trade duration as DD:HH:MM when it spans at
// least a day, HH:MM otherwise.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalMinutes := int(d.Minutes())
	days := totalMinutes / (24 * 60)
	hours := (totalMinutes % (24 * 60)) / 60
	minutes := totalMinutes % 60

	if days > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", days, hours, minutes)
	}
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}
