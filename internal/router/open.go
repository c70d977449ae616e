package router

import (
	"context"
	"fmt"

	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/events"
	"bybit-webhook-bot-go/internal/models"
	"bybit-webhook-bot-go/internal/sizing"
	"go.uber.org/zap"
)

// openTrade runs the open workflow: risk gate, lot constraints, quantity,
// order submission, persistence, bot stats.
func (r *Router) openTrade(ctx context.Context, bot *models.Bot, payload *models.AlertPayload, creds bybit.Credentials) *Result {
	now := r.now()
	symbol := symbolFor(bot, payload)
	if symbol == "" {
		return failure(KindValidation, "no symbol in alert or bot config")
	}

	if err := r.governor.CheckDailyLoss(ctx, bot, now); err != nil {
		r.emitter.Emit(events.Event{
			Kind: events.KindTradeRejected, BotID: bot.ID, Symbol: symbol,
			Detail: err.Error(), At: now,
		})
		return failure(KindRiskLimit, err.Error())
	}

	instrument, err := r.exchange.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return failure(KindExchange, err.Error())
	}

	side := payload.Side
	if side == "" {
		side = bot.DefaultSide
	}
	orderType := payload.OrderType
	if orderType == "" {
		orderType = bot.DefaultOrderType
	}
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}
	if orderType == models.OrderTypeLimit && payload.Price <= 0 {
		return failure(KindValidation, "limit order requires a price")
	}

	entryPrice := payload.Price
	stopLoss := resolveStop(payload.StopLoss, bot.StopLossPct, entryPrice, side)
	takeProfit := resolveTarget(payload.TakeProfit, bot.TakeProfitPct, entryPrice, side)
	feeRate := r.feeRate(bot, orderType)

	quantity, res := r.resolveQuantity(bot, payload, instrument, entryPrice, stopLoss, side, feeRate)
	if res != nil {
		return res
	}
	if quantity < instrument.MinQty {
		return failure(KindValidation, fmt.Sprintf(
			"quantity %.8f below instrument minimum %.8f", quantity, instrument.MinQty))
	}

	if bot.Leverage > 0 && !bot.TestMode {
		// Best-effort: a leverage failure must not block the entry.
		if err := r.exchange.SetLeverage(ctx, creds, symbol, bot.Leverage); err != nil {
			r.logger.Warn("Failed to set leverage",
				zap.Uint("bot_id", bot.ID),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	execution, err := r.executor(bot).Execute(ctx, creds, bybit.OrderParams{
		Symbol:     symbol,
		Side:       side,
		OrderType:  orderType,
		Quantity:   quantity,
		Price:      entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
	if err != nil {
		r.logger.Error("Order submission failed",
			zap.Uint("bot_id", bot.ID),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return failure(KindExchange, err.Error())
	}

	trade := &models.Trade{
		BotID:      bot.ID,
		UserID:     bot.UserID,
		State:      models.TradeStateOpen,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      execution.ExecutedPrice,
		OrderID:    execution.OrderID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		RiskAmount: bot.RiskPerTrade,
		Fees:       execution.Fees,
		IsTest:     execution.Simulated,
		OpenedAt:   now,
	}

	if err := r.ledger.CreateTrade(ctx, trade); err != nil {
		// The order exists at the exchange but not in the ledger. Surface
		// the divergence instead of swallowing it.
		r.logger.Error("Ledger write failed after order execution",
			zap.Uint("bot_id", bot.ID),
			zap.String("order_id", execution.OrderID),
			zap.Error(err),
		)
		r.emitter.Emit(events.Event{
			Kind: events.KindInconsistency, BotID: bot.ID, Symbol: symbol,
			Detail: fmt.Sprintf("order %s executed but not persisted: %v", execution.OrderID, err),
			At:     now,
		})
		result := failure(KindPersistence, fmt.Sprintf(
			"order %s executed but could not be persisted", execution.OrderID))
		result.OrderID = execution.OrderID
		result.Inconsistent = !execution.Simulated
		return result
	}

	pnlDelta := 0.0
	if execution.Simulated {
		pnlDelta = execution.SimulatedPnl
	}
	if err := r.ledger.UpdateBotStats(ctx, bot.ID, 1, pnlDelta, now); err != nil {
		r.logger.Warn("Failed to update bot stats", zap.Uint("bot_id", bot.ID), zap.Error(err))
	}

	r.emitter.Emit(events.Event{
		Kind: events.KindTradeOpened, BotID: bot.ID, TradeID: trade.ID, Symbol: symbol,
		Fields: map[string]any{
			"side": side, "quantity": quantity, "price": execution.ExecutedPrice,
			"order_id": execution.OrderID, "test_mode": execution.Simulated,
		},
		At: now,
	})

	return &Result{
		Success:          true,
		OrderID:          execution.OrderID,
		Status:           execution.Status,
		AdjustedQuantity: quantity,
	}
}

// resolveQuantity computes the order quantity, either risk-based through the
// position sizer or by lot-rounding the requested/default quantity.
func (r *Router) resolveQuantity(
	bot *models.Bot,
	payload *models.AlertPayload,
	instrument *bybit.InstrumentInfo,
	entryPrice, stopLoss float64,
	side string,
	feeRate float64,
) (float64, *Result) {
	if bot.PositionSizingEnabled && stopLoss > 0 && bot.RiskPerTrade > 0 && entryPrice > 0 {
		quantity, err := sizing.Calculate(sizing.Input{
			EntryPrice:  entryPrice,
			StopPrice:   stopLoss,
			RiskAmount:  bot.RiskPerTrade,
			Side:        side,
			FeeRate:     feeRate,
			MinQty:      instrument.MinQty,
			QtyStep:     instrument.QtyStep,
			MaxNotional: bot.MaxPositionSize,
			Decimals:    r.trading.QtyDecimals,
		})
		if err != nil {
			return 0, failure(KindSizing, err.Error())
		}
		return quantity, nil
	}

	requested := payload.Quantity
	if requested <= 0 {
		requested = bot.DefaultQuantity
	}
	if requested <= 0 {
		requested = r.trading.DefaultQuantity
	}

	if capped, reduced := r.governor.CapQuantity(bot, requested, entryPrice); reduced {
		requested = capped
	}

	quantity := sizing.FloorToLot(requested, instrument.MinQty, instrument.QtyStep, r.trading.QtyDecimals)
	if quantity <= 0 {
		return 0, failure(KindValidation, fmt.Sprintf(
			"requested quantity %.8f below instrument minimum %.8f", requested, instrument.MinQty))
	}
	return quantity, nil
}

// feeRate picks the per-leg fee fraction for the order type.
func (r *Router) feeRate(bot *models.Bot, orderType string) float64 {
	if orderType == models.OrderTypeLimit {
		if bot.LimitFeeRate > 0 {
			return bot.LimitFeeRate
		}
		return r.trading.LimitFeeRate
	}
	if bot.MarketFeeRate > 0 {
		return bot.MarketFeeRate
	}
	return r.trading.MarketFeeRate
}

// resolveStop returns the explicit stop, or one derived from the bot's
// percentage default when a price is known.
func resolveStop(explicit, pct, price float64, side string) float64 {
	if explicit > 0 {
		return explicit
	}
	if pct <= 0 || price <= 0 {
		return 0
	}
	if side == models.SideSell {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}

// resolveTarget mirrors resolveStop for the take-profit side.
func resolveTarget(explicit, pct, price float64, side string) float64 {
	if explicit > 0 {
		return explicit
	}
	if pct <= 0 || price <= 0 {
		return 0
	}
	if side == models.SideSell {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}
