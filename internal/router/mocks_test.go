package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/config"
	"bybit-webhook-bot-go/internal/events"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"bybit-webhook-bot-go/internal/reconcile"
	"bybit-webhook-bot-go/internal/risk"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockExchange) GetInstrumentInfo(ctx context.Context, symbol string) (*bybit.InstrumentInfo, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bybit.InstrumentInfo), args.Error(1)
}

func (m *mockExchange) SetLeverage(ctx context.Context, creds bybit.Credentials, symbol string, leverage int) error {
	args := m.Called(ctx, creds, symbol, leverage)
	return args.Error(0)
}

func (m *mockExchange) CreateOrder(ctx context.Context, creds bybit.Credentials, params bybit.OrderParams) (*bybit.OrderResult, error) {
	args := m.Called(ctx, creds, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bybit.OrderResult), args.Error(1)
}

func (m *mockExchange) GetClosedPnl(ctx context.Context, creds bybit.Credentials, symbol string, start, end time.Time) ([]bybit.PnlRecord, error) {
	args := m.Called(ctx, creds, symbol, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bybit.PnlRecord), args.Error(1)
}

// recordEmitter captures emitted events for assertions.
type recordEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordEmitter) Emit(event events.Event) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

func (e *recordEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

// testClock is a fixed point in time stubbed into the router.
var testClock = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

type fixture struct {
	router   *Router
	exchange *mockExchange
	emitter  *recordEmitter
	db       *gorm.DB
}

func setupRouter(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Bot{}, &models.Webhook{}, &models.ApiKey{}, &models.Trade{}))

	exchange := new(mockExchange)
	emitter := &recordEmitter{}
	logger := zap.NewNop()
	l := ledger.NewGormLedger(db)

	trading := config.Trading{
		DefaultQuantity: 0.1,
		MarketFeeRate:   0.00055,
		LimitFeeRate:    0.0002,
		QtyDecimals:     3,
	}

	r := NewRouter(
		l,
		exchange,
		risk.NewGovernor(l, logger),
		reconcile.NewReconciler(exchange, l, logger),
		NewTestExecutor(42),
		emitter,
		trading,
		logger,
	)
	r.now = func() time.Time { return testClock }

	return &fixture{router: r, exchange: exchange, emitter: emitter, db: db}
}

// seedBot creates a bot with an api key and a live webhook, returning the bot
// and the webhook token.
func (f *fixture) seedBot(t *testing.T, mutate func(*models.Bot)) (*models.Bot, string) {
	bot := &models.Bot{UserID: 1, Symbol: "BTCUSDT", DefaultSide: models.SideBuy}
	if mutate != nil {
		mutate(bot)
	}
	require.NoError(t, f.db.Create(bot).Error)

	require.NoError(t, f.db.Create(&models.ApiKey{
		UserID: bot.UserID, Name: "main", Key: "k", Secret: "s", IsDefault: true,
	}).Error)

	token := "tok-" + bot.Symbol
	require.NoError(t, f.db.Create(&models.Webhook{
		UserID: bot.UserID, BotID: bot.ID, Token: token,
		ExpiresAt: testClock.Add(24 * time.Hour),
	}).Error)

	return bot, token
}

func (f *fixture) seedOpenTrade(t *testing.T, bot *models.Bot, mutate func(*models.Trade)) *models.Trade {
	trade := &models.Trade{
		BotID: bot.ID, UserID: bot.UserID, State: models.TradeStateOpen,
		Symbol: bot.Symbol, Side: models.SideBuy, Quantity: 1, Price: 100,
		OrderID: "ord-open", OpenedAt: testClock.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(trade)
	}
	require.NoError(t, f.db.Create(trade).Error)
	return trade
}

var btcInstrument = &bybit.InstrumentInfo{Symbol: "BTCUSDT", MinQty: 0.001, QtyStep: 0.001}
