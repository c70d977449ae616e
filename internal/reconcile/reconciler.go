package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"bybit-webhook-bot-go/internal/analytics"
	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	// ErrFetchFailed means the closed-PnL query kept failing after all
	// retry attempts.
	ErrFetchFailed = errors.New("reconciliation failed: could not fetch closed pnl")
	// ErrNoMatch means no candidate record matched the trade. A soft
	// warning, not a hard failure.
	ErrNoMatch = errors.New("no matching closed pnl record")
)

// Match tiers, strongest first.
const (
	MatchOrderID     = "order_id"
	MatchOppositeQty = "symbol_opposite_side_qty"
	MatchOpposite    = "symbol_opposite_side"
	MatchSameSide    = "symbol_same_side"

	qtyTolerance    = 0.01 // 1% relative
	feeEstimateRate = 0.00055
	maxAttempts     = 3
	maxBackoff      = 8 * time.Second

	windowBeforeOpen = time.Hour
	windowAfterOpen  = 7 * 24 * time.Hour
)

// Reconciler matches closed trades to the exchange's asynchronous
// settlement records and writes the realized figures back to the ledger.
type Reconciler struct {
	exchange bybit.ClientInterface
	ledger   ledger.Ledger
	logger   *zap.Logger

	// backoffBase is the first retry delay; shortened in tests.
	backoffBase time.Duration
	// sleep waits between attempts; tests replace it to record the delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a reconciler.
func NewReconciler(exchange bybit.ClientInterface, l ledger.Ledger, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		exchange:    exchange,
		ledger:      l,
		logger:      logger,
		backoffBase: time.Second,
		sleep:       sleepContext,
	}
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile fetches the exchange's closed-PnL records around the trade's
// open time and, on a match, writes pnl, average prices, a fee estimate and
// recomputed metrics back to the trade. Idempotent: re-running on an
// already-reconciled trade overwrites with the same values.
func (r *Reconciler) Reconcile(ctx context.Context, trade *models.Trade, creds bybit.Credentials) (string, error) {
	start := trade.OpenedAt.Add(-windowBeforeOpen)
	end := trade.OpenedAt.Add(windowAfterOpen)

	records, err := r.fetchWithRetry(ctx, creds, trade.Symbol, start, end)
	if err != nil {
		return "", err
	}

	record, matchType := MatchRecord(trade, records)
	if record == nil {
		r.logger.Warn("No closed pnl record matched trade",
			zap.Uint("trade_id", trade.ID),
			zap.String("symbol", trade.Symbol),
			zap.Int("candidates", len(records)),
		)
		return "", ErrNoMatch
	}

	trade.RealizedPnl = record.ClosedPnl
	trade.AvgEntryPrice = record.AvgEntryPrice
	trade.AvgExitPrice = record.AvgExitPrice
	// The closed-pnl endpoint does not itemize fees; estimate them as a
	// fixed taker fraction of the exit notional.
	trade.Fees = record.AvgExitPrice * record.Quantity * feeEstimateRate
	trade.Reconciled = true

	closedAt := trade.CreatedAt
	if trade.ClosedAt != nil {
		closedAt = *trade.ClosedAt
	}
	metrics := analytics.Calculate(analytics.Input{
		Side:         trade.Side,
		PlannedEntry: trade.Price,
		ActualEntry:  record.AvgEntryPrice,
		StopLoss:     trade.StopLoss,
		TakeProfit:   trade.TakeProfit,
		MaxRisk:      trade.RiskAmount,
		RealizedPnl:  record.ClosedPnl,
		CloseFee:     trade.Fees,
		OpenedAt:     trade.OpenedAt,
		ClosedAt:     closedAt,
	})
	if blob, err := json.Marshal(metrics); err == nil {
		trade.TradeMetrics = string(blob)
	}

	if err := r.ledger.UpdateTrade(ctx, trade); err != nil {
		return matchType, fmt.Errorf("failed to persist reconciliation: %w", err)
	}

	r.logger.Info("Trade reconciled",
		zap.Uint("trade_id", trade.ID),
		zap.String("match_type", matchType),
		zap.Float64("realized_pnl", record.ClosedPnl),
	)
	return matchType, nil
}

// fetchWithRetry queries closed pnl with up to maxAttempts tries and
// exponential backoff (base doubled each attempt, capped, plus jitter up to
// the base delay).
func (r *Reconciler) fetchWithRetry(ctx context.Context, creds bybit.Credentials, symbol string, start, end time.Time) ([]bybit.PnlRecord, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.backoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int63n(int64(r.backoffBase)))
			if err := r.sleep(ctx, backoff+jitter); err != nil {
				return nil, err
			}
		}

		records, err := r.exchange.GetClosedPnl(ctx, creds, symbol, start, end)
		if err == nil {
			return records, nil
		}
		lastErr = err
		r.logger.Warn("Closed pnl fetch failed",
			zap.Int("attempt", attempt+1),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrFetchFailed, maxAttempts, lastErr)
}

// MatchRecord applies the tiered matching heuristic over the candidate list
// and returns the matched record with its tier, or nil when nothing fits.
// Deterministic for a fixed trade and candidate list.
func MatchRecord(trade *models.Trade, records []bybit.PnlRecord) (*bybit.PnlRecord, string) {
	// Tier 1: exact order id.
	for i := range records {
		if trade.OrderID != "" && records[i].OrderID == trade.OrderID {
			return &records[i], MatchOrderID
		}
	}

	opposite := trade.OppositeSide()

	// Tier 2: opposite side with quantity within tolerance, nearest in time.
	if best := nearest(trade, records, func(rec *bybit.PnlRecord) bool {
		return rec.Symbol == trade.Symbol && rec.Side == opposite && withinTolerance(rec.Quantity, trade.Quantity)
	}); best != nil {
		return best, MatchOppositeQty
	}

	// Tier 3: opposite side, any quantity.
	if best := nearest(trade, records, func(rec *bybit.PnlRecord) bool {
		return rec.Symbol == trade.Symbol && rec.Side == opposite
	}); best != nil {
		return best, MatchOpposite
	}

	// Tier 4: same side, for venues that report the original side.
	if best := nearest(trade, records, func(rec *bybit.PnlRecord) bool {
		return rec.Symbol == trade.Symbol && rec.Side == trade.Side
	}); best != nil {
		return best, MatchSameSide
	}

	return nil, ""
}

// nearest returns the matching record closest in time to the trade's open.
func nearest(trade *models.Trade, records []bybit.PnlRecord, match func(*bybit.PnlRecord) bool) *bybit.PnlRecord {
	var best *bybit.PnlRecord
	var bestDelta time.Duration
	for i := range records {
		if !match(&records[i]) {
			continue
		}
		delta := records[i].CreatedAt.Sub(trade.OpenedAt)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best = &records[i]
			bestDelta = delta
		}
	}
	return best
}

func withinTolerance(a, b float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= qtyTolerance
}
