package ledger

import (
	"context"
	"errors"
	"time"

	"bybit-webhook-bot-go/internal/models"
)

// Sentinel errors returned by Ledger implementations.
var (
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrBotNotFound     = errors.New("bot not found")
	ErrApiKeyNotFound  = errors.New("api key not found")
	ErrTradeNotFound   = errors.New("trade not found")
	ErrNoOpenTrade     = errors.New("no open trade for symbol")
	// ErrTradeNotOpen is returned when a conditional close or reduce loses
	// the race: the record was no longer in the open state.
	ErrTradeNotOpen = errors.New("trade is not open")
)

// Ledger is the persistence capability the signal router depends on.
// It hides the backing store; the gorm implementation lives in this package,
// tests use the same implementation over an in-memory database.
type Ledger interface {
	GetWebhookByToken(ctx context.Context, token string) (*models.Webhook, error)
	GetBot(ctx context.Context, id uint) (*models.Bot, error)

	GetApiKey(ctx context.Context, id uint) (*models.ApiKey, error)
	GetDefaultApiKey(ctx context.Context, userID uint) (*models.ApiKey, error)
	GetOldestApiKey(ctx context.Context, userID uint) (*models.ApiKey, error)

	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id uint) (*models.Trade, error)
	// LatestOpenTrade returns the most recently created open trade for the
	// bot and symbol, or ErrNoOpenTrade.
	LatestOpenTrade(ctx context.Context, botID uint, symbol string) (*models.Trade, error)
	// CloseTrade transitions the trade to closed. The update is conditional
	// on the record still being open; a losing concurrent writer gets
	// ErrTradeNotOpen instead of double-closing.
	CloseTrade(ctx context.Context, trade *models.Trade) error
	// ReduceTrade shrinks an open trade in place for a partial close,
	// accumulating realized pnl and fees. Conditional like CloseTrade.
	ReduceTrade(ctx context.Context, tradeID uint, newQuantity, addedPnl, addedFees float64) error
	// UpdateTrade persists reconciliation results on an already-closed trade.
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	// DailyRealizedPnl sums realized pnl over the bot's trades whose close
	// falls on the given UTC calendar day.
	DailyRealizedPnl(ctx context.Context, botID uint, day time.Time) (float64, error)

	// UpdateBotStats bumps the bot's aggregate counters after a trade.
	UpdateBotStats(ctx context.Context, botID uint, tradeDelta int, pnlDelta float64, at time.Time) error
}
