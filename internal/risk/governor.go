package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"go.uber.org/zap"
)

// ErrDailyLossLimit is returned when today's cumulative realized loss has
// reached the bot's configured limit. No order is submitted.
var ErrDailyLossLimit = errors.New("daily loss limit exceeded")

// Governor runs the pre-trade checks for open signals.
type Governor struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewGovernor creates a risk governor over the given ledger.
func NewGovernor(l ledger.Ledger, logger *zap.Logger) *Governor {
	return &Governor{ledger: l, logger: logger}
}

// CheckDailyLoss rejects the trade when the bot's realized losses today
// (UTC calendar day) have reached its daily loss limit. A zero limit
// disables the check.
func (g *Governor) CheckDailyLoss(ctx context.Context, bot *models.Bot, now time.Time) error {
	if bot.DailyLossLimit <= 0 {
		return nil
	}

	pnl, err := g.ledger.DailyRealizedPnl(ctx, bot.ID, now.UTC())
	if err != nil {
		return fmt.Errorf("could not compute daily pnl: %w", err)
	}

	if pnl < 0 && -pnl >= bot.DailyLossLimit {
		g.logger.Warn("Daily loss limit reached, rejecting open signal",
			zap.Uint("bot_id", bot.ID),
			zap.Float64("daily_pnl", pnl),
			zap.Float64("limit", bot.DailyLossLimit),
		)
		return fmt.Errorf("%w: today's pnl %.2f, limit %.2f", ErrDailyLossLimit, pnl, bot.DailyLossLimit)
	}
	return nil
}

// CapQuantity shrinks a quantity so its notional at the given price stays
// within the bot's max position size. Unlike the loss limit this does not
// reject: the reduction is logged and the trade proceeds at the smaller size.
// Returns the possibly reduced quantity and whether a reduction happened.
func (g *Governor) CapQuantity(bot *models.Bot, quantity, price float64) (float64, bool) {
	if bot.MaxPositionSize <= 0 || price <= 0 {
		return quantity, false
	}
	if quantity*price <= bot.MaxPositionSize {
		return quantity, false
	}

	reduced := bot.MaxPositionSize / price
	g.logger.Info("Reducing quantity to respect max position size",
		zap.Uint("bot_id", bot.ID),
		zap.Float64("requested_qty", quantity),
		zap.Float64("reduced_qty", reduced),
		zap.Float64("max_notional", bot.MaxPositionSize),
	)
	return reduced, true
}
