package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bybit-webhook-bot-go/internal/analytics"
	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/events"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"go.uber.org/zap"
)

// closeTrade runs the close workflow for the most recent open trade on the
// bot's symbol: full close, or in-place quantity reduction for partials.
func (r *Router) closeTrade(ctx context.Context, bot *models.Bot, payload *models.AlertPayload, creds bybit.Credentials) *Result {
	now := r.now()
	symbol := symbolFor(bot, payload)

	trade, err := r.ledger.LatestOpenTrade(ctx, bot.ID, symbol)
	if err != nil {
		if errors.Is(err, ledger.ErrNoOpenTrade) {
			return failure(KindNotFound, fmt.Sprintf("no open trade for %s", symbol))
		}
		return failure(KindPersistence, err.Error())
	}

	closeQty := payload.CloseQuantity
	if closeQty <= 0 {
		closeQty = trade.Quantity
	}
	if closeQty > trade.Quantity {
		// Rejected, not clamped: a stale alert must not close more than is open.
		return failure(KindValidation, fmt.Sprintf(
			"close quantity %.8f exceeds open quantity %.8f", closeQty, trade.Quantity))
	}
	isPartial := closeQty < trade.Quantity

	reason := resolveCloseReason(trade, payload)
	if isPartial {
		reason = models.CloseReasonPartialClose
	}

	exitPrice := payload.Price
	var execution *Execution
	if needsCloseOrder(trade, reason) {
		execution, err = r.executor(bot).Execute(ctx, creds, bybit.OrderParams{
			Symbol:     symbol,
			Side:       trade.OppositeSide(),
			OrderType:  models.OrderTypeMarket,
			Quantity:   closeQty,
			Price:      exitPrice,
			ReduceOnly: true,
		})
		if err != nil {
			r.logger.Error("Close order submission failed",
				zap.Uint("trade_id", trade.ID),
				zap.Error(err),
			)
			return failure(KindExchange, err.Error())
		}
		if execution.ExecutedPrice > 0 {
			exitPrice = execution.ExecutedPrice
		}
	}
	if exitPrice <= 0 {
		exitPrice = trade.Price
	}

	realized := payload.RealizedPnl
	if realized == 0 {
		realized = closePnl(trade, exitPrice, closeQty)
	}
	var closeFees float64
	if execution != nil {
		closeFees = execution.Fees
	}

	if isPartial {
		return r.reducePosition(ctx, bot, trade, closeQty, realized, closeFees, now)
	}
	return r.closePosition(ctx, bot, trade, creds, reason, exitPrice, realized, closeFees, now)
}

func (r *Router) reducePosition(ctx context.Context, bot *models.Bot, trade *models.Trade, closeQty, realized, closeFees float64, now time.Time) *Result {
	newQuantity := trade.Quantity - closeQty
	if err := r.ledger.ReduceTrade(ctx, trade.ID, newQuantity, realized, closeFees); err != nil {
		if errors.Is(err, ledger.ErrTradeNotOpen) {
			return failure(KindNotFound, "trade was closed concurrently")
		}
		return failure(KindPersistence, err.Error())
	}

	r.emitter.Emit(events.Event{
		Kind: events.KindTradeReduced, BotID: bot.ID, TradeID: trade.ID, Symbol: trade.Symbol,
		Fields: map[string]any{
			"closed_quantity": closeQty, "remaining_quantity": newQuantity, "realized_pnl": realized,
		},
		At: now,
	})

	pnl := realized
	return &Result{
		Success:        true,
		Status:         "reduced",
		RealizedPnl:    &pnl,
		CloseReason:    models.CloseReasonPartialClose,
		IsPartialClose: true,
	}
}

func (r *Router) closePosition(ctx context.Context, bot *models.Bot, trade *models.Trade, creds bybit.Credentials, reason string, exitPrice, realized, closeFees float64, now time.Time) *Result {
	// Partials before this close already accumulated realized pnl.
	totalPnl := trade.RealizedPnl + realized

	metrics := analytics.Calculate(analytics.Input{
		Side:         trade.Side,
		PlannedEntry: trade.Price,
		ActualEntry:  trade.Price,
		StopLoss:     trade.StopLoss,
		TakeProfit:   trade.TakeProfit,
		MaxRisk:      trade.RiskAmount,
		RealizedPnl:  totalPnl,
		OpenFee:      trade.Fees,
		CloseFee:     closeFees,
		OpenedAt:     trade.OpenedAt,
		ClosedAt:     now,
	})

	trade.CloseReason = reason
	trade.ExitPrice = exitPrice
	trade.RealizedPnl = totalPnl
	trade.Fees += closeFees
	trade.ClosedAt = &now
	if blob, err := json.Marshal(metrics); err == nil {
		trade.TradeMetrics = string(blob)
	}

	if err := r.ledger.CloseTrade(ctx, trade); err != nil {
		if errors.Is(err, ledger.ErrTradeNotOpen) {
			// A concurrent close won the conditional update.
			return failure(KindNotFound, "trade was closed concurrently")
		}
		result := failure(KindPersistence, err.Error())
		result.Inconsistent = !trade.IsTest
		r.emitter.Emit(events.Event{
			Kind: events.KindInconsistency, BotID: bot.ID, TradeID: trade.ID, Symbol: trade.Symbol,
			Detail: fmt.Sprintf("close executed but not persisted: %v", err),
			At:     now,
		})
		return result
	}

	pnlDelta := 0.0
	if trade.IsTest {
		pnlDelta = realized
	}
	if err := r.ledger.UpdateBotStats(ctx, bot.ID, 0, pnlDelta, now); err != nil {
		r.logger.Warn("Failed to update bot stats", zap.Uint("bot_id", bot.ID), zap.Error(err))
	}

	r.emitter.Emit(events.Event{
		Kind: events.KindTradeClosed, BotID: bot.ID, TradeID: trade.ID, Symbol: trade.Symbol,
		Fields: map[string]any{
			"reason": reason, "exit_price": exitPrice, "realized_pnl": totalPnl,
		},
		At: now,
	})

	// Settlement records land asynchronously at the exchange; reconcile in
	// the background and never fail the close over it.
	if !trade.IsTest {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := r.reconciler.Reconcile(rctx, trade, creds); err != nil {
				r.logger.Warn("Post-close reconciliation failed",
					zap.Uint("trade_id", trade.ID),
					zap.Error(err),
				)
			}
		}()
	}

	pnl := totalPnl
	return &Result{
		Success:     true,
		Status:      "closed",
		RealizedPnl: &pnl,
		CloseReason: reason,
	}
}

// resolveCloseReason applies the priority order: explicit payload reason,
// stop-loss crossed, take-profit crossed, liquidation flag, plain signal.
func resolveCloseReason(trade *models.Trade, payload *models.AlertPayload) string {
	if payload.CloseReason != "" {
		return payload.CloseReason
	}

	price := payload.Price
	if price > 0 && trade.StopLoss > 0 {
		if trade.Side == models.SideBuy && price <= trade.StopLoss {
			return models.CloseReasonStopLoss
		}
		if trade.Side == models.SideSell && price >= trade.StopLoss {
			return models.CloseReasonStopLoss
		}
	}
	if price > 0 && trade.TakeProfit > 0 {
		if trade.Side == models.SideBuy && price >= trade.TakeProfit {
			return models.CloseReasonTakeProfit
		}
		if trade.Side == models.SideSell && price <= trade.TakeProfit {
			return models.CloseReasonTakeProfit
		}
	}
	if payload.IsLiquidation {
		return models.CloseReasonLiquidation
	}
	return models.CloseReasonSignal
}

// needsCloseOrder reports whether a closing order must actually be sent.
// When the exchange's own stop or take-profit fired, the position is already
// flat and a duplicate order would open a fresh one in the other direction.
func needsCloseOrder(trade *models.Trade, reason string) bool {
	if reason == models.CloseReasonSignal || reason == models.CloseReasonPartialClose {
		return true
	}
	return trade.StopLoss == 0 && trade.TakeProfit == 0
}

// closePnl computes the realized pnl of closing closeQty at exitPrice.
func closePnl(trade *models.Trade, exitPrice, closeQty float64) float64 {
	if trade.Side == models.SideSell {
		return (trade.Price - exitPrice) * closeQty
	}
	return (exitPrice - trade.Price) * closeQty
}
