package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bybit-webhook-bot-go/internal/models"
	"gorm.io/gorm"
)

// GormLedger implements Ledger over a gorm database handle.
type GormLedger struct {
	db *gorm.DB
}

// ensure GormLedger implements the interface
var _ Ledger = (*GormLedger)(nil)

// NewGormLedger creates a ledger backed by the given database.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) GetWebhookByToken(ctx context.Context, token string) (*models.Webhook, error) {
	var webhook models.Webhook
	err := l.db.WithContext(ctx).Where("token = ?", token).First(&webhook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &webhook, nil
}

func (l *GormLedger) GetBot(ctx context.Context, id uint) (*models.Bot, error) {
	var bot models.Bot
	err := l.db.WithContext(ctx).First(&bot, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bot %d: %w", id, err)
	}
	return &bot, nil
}

func (l *GormLedger) GetApiKey(ctx context.Context, id uint) (*models.ApiKey, error) {
	var key models.ApiKey
	err := l.db.WithContext(ctx).First(&key, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApiKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key %d: %w", id, err)
	}
	return &key, nil
}

func (l *GormLedger) GetDefaultApiKey(ctx context.Context, userID uint) (*models.ApiKey, error) {
	var key models.ApiKey
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND is_default = ?", userID, true).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApiKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default api key for user %d: %w", userID, err)
	}
	return &key, nil
}

func (l *GormLedger) GetOldestApiKey(ctx context.Context, userID uint) (*models.ApiKey, error) {
	var key models.ApiKey
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApiKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oldest api key for user %d: %w", userID, err)
	}
	return &key, nil
}

func (l *GormLedger) CreateTrade(ctx context.Context, trade *models.Trade) error {
	if err := l.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (l *GormLedger) GetTrade(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	err := l.db.WithContext(ctx).First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %d: %w", id, err)
	}
	return &trade, nil
}

func (l *GormLedger) LatestOpenTrade(ctx context.Context, botID uint, symbol string) (*models.Trade, error) {
	var trade models.Trade
	err := l.db.WithContext(ctx).
		Where("bot_id = ? AND symbol = ? AND state = ?", botID, symbol, models.TradeStateOpen).
		Order("created_at DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOpenTrade
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open trade for bot %d %s: %w", botID, symbol, err)
	}
	return &trade, nil
}

func (l *GormLedger) CloseTrade(ctx context.Context, trade *models.Trade) error {
	res := l.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ? AND state = ?", trade.ID, models.TradeStateOpen).
		Updates(map[string]any{
			"state":         models.TradeStateClosed,
			"close_reason":  trade.CloseReason,
			"exit_price":    trade.ExitPrice,
			"realized_pnl":  trade.RealizedPnl,
			"fees":          trade.Fees,
			"trade_metrics": trade.TradeMetrics,
			"closed_at":     trade.ClosedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close trade %d: %w", trade.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTradeNotOpen
	}
	trade.State = models.TradeStateClosed
	return nil
}

func (l *GormLedger) ReduceTrade(ctx context.Context, tradeID uint, newQuantity, addedPnl, addedFees float64) error {
	res := l.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ? AND state = ?", tradeID, models.TradeStateOpen).
		Updates(map[string]any{
			"quantity":     newQuantity,
			"realized_pnl": gorm.Expr("realized_pnl + ?", addedPnl),
			"fees":         gorm.Expr("fees + ?", addedFees),
			"close_reason": models.CloseReasonPartialClose,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reduce trade %d: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTradeNotOpen
	}
	return nil
}

func (l *GormLedger) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	if err := l.db.WithContext(ctx).Save(trade).Error; err != nil {
		return fmt.Errorf("failed to update trade %d: %w", trade.ID, err)
	}
	return nil
}

func (l *GormLedger) DailyRealizedPnl(ctx context.Context, botID uint, day time.Time) (float64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var total float64
	err := l.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("bot_id = ? AND closed_at >= ? AND closed_at < ?", botID, dayStart, dayEnd).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily pnl for bot %d: %w", botID, err)
	}
	return total, nil
}

func (l *GormLedger) UpdateBotStats(ctx context.Context, botID uint, tradeDelta int, pnlDelta float64, at time.Time) error {
	res := l.db.WithContext(ctx).
		Model(&models.Bot{}).
		Where("id = ?", botID).
		Updates(map[string]any{
			"trade_count":   gorm.Expr("trade_count + ?", tradeDelta),
			"profit_loss":   gorm.Expr("profit_loss + ?", pnlDelta),
			"last_trade_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update bot %d stats: %w", botID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBotNotFound
	}
	return nil
}
