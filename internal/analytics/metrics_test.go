package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculate_LongExample(t *testing.T) {
	opened := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	m := Calculate(Input{
		Side:         "Buy",
		PlannedEntry: 100,
		ActualEntry:  101,
		StopLoss:     95,
		TakeProfit:   110,
		MaxRisk:      50,
		RealizedPnl:  40,
		OpenFee:      0.25,
		CloseFee:     0.30,
		OpenedAt:     opened,
		ClosedAt:     opened.Add(3*time.Hour + 25*time.Minute),
	})

	assert.Equal(t, 5.0, m.RiskPerUnit)
	assert.Equal(t, 10.0, m.PositionUnits)
	assert.Equal(t, 2.0, m.TargetRR)
	assert.Equal(t, 0.8, m.FinishedRR)
	assert.Equal(t, 1.0, m.Slippage)
	assert.Equal(t, "03:25", m.Duration)
	assert.InDelta(t, 0.55, m.TotalFees, 1e-9)
	assert.Zero(t, m.RiskDeviationPct, "profit cannot deviate from max risk")
}

func TestCalculate_ShortSide(t *testing.T) {
	m := Calculate(Input{
		Side:         "Sell",
		PlannedEntry: 200,
		ActualEntry:  200,
		StopLoss:     210,
		TakeProfit:   180,
		MaxRisk:      100,
		RealizedPnl:  -50,
		OpenedAt:     time.Now(),
		ClosedAt:     time.Now(),
	})

	assert.Equal(t, 10.0, m.RiskPerUnit)
	assert.Equal(t, 2.0, m.TargetRR)
	assert.Equal(t, -0.5, m.FinishedRR)
}

func TestCalculate_RiskDeviation(t *testing.T) {
	// Lost 75 against a planned 50: 50% over budget.
	m := Calculate(Input{
		Side:         "Buy",
		PlannedEntry: 100,
		ActualEntry:  100,
		StopLoss:     95,
		MaxRisk:      50,
		RealizedPnl:  -75,
		OpenedAt:     time.Now(),
		ClosedAt:     time.Now(),
	})

	assert.Equal(t, -1.5, m.FinishedRR)
	assert.InDelta(t, 50.0, m.RiskDeviationPct, 1e-9)
}

func TestCalculate_ZeroRiskPerUnit(t *testing.T) {
	// Stop at entry: no target math, no division by zero.
	m := Calculate(Input{
		Side:         "Buy",
		PlannedEntry: 100,
		ActualEntry:  100,
		StopLoss:     100,
		TakeProfit:   110,
		MaxRisk:      50,
		OpenedAt:     time.Now(),
		ClosedAt:     time.Now(),
	})

	assert.Zero(t, m.RiskPerUnit)
	assert.Zero(t, m.PositionUnits)
	assert.Zero(t, m.TargetRR)
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d        time.Duration
		expected string
	}{
		{25 * time.Minute, "00:25"},
		{3*time.Hour + 5*time.Minute, "03:05"},
		{26*time.Hour + 10*time.Minute, "01:02:10"},
		{49 * time.Hour, "02:01:00"},
		{-time.Minute, "00:00"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, formatDuration(tc.d))
	}
}

func TestCalculate_IsPure(t *testing.T) {
	in := Input{
		Side: "Buy", PlannedEntry: 100, ActualEntry: 101, StopLoss: 95,
		TakeProfit: 110, MaxRisk: 50, RealizedPnl: 40,
		OpenedAt: time.Unix(1000, 0), ClosedAt: time.Unix(5000, 0),
	}

	first := Calculate(in)
	second := Calculate(in)
	assert.Equal(t, first, second)
}
