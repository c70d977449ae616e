package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
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

func TestMatchRecord(t *testing.T) {
	openedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	trade := &models.Trade{
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Quantity: 0.5,
		OrderID:  "X123",
		OpenedAt: openedAt,
	}

	t.Run("order id wins over everything", func(t *testing.T) {
		records := []bybit.PnlRecord{
			{OrderID: "other", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5},
			{OrderID: "X123", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 99},
		}
		rec, tier := MatchRecord(trade, records)
		require.NotNil(t, rec)
		assert.Equal(t, MatchOrderID, tier)
		assert.Equal(t, "X123", rec.OrderID)
	})

	t.Run("opposite side and quantity within one percent", func(t *testing.T) {
		anon := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5, OpenedAt: openedAt}
		records := []bybit.PnlRecord{
			{OrderID: "a", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.504}, // within 1%
			{OrderID: "b", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.6},
		}
		rec, tier := MatchRecord(anon, records)
		require.NotNil(t, rec)
		assert.Equal(t, MatchOppositeQty, tier)
		assert.Equal(t, "a", rec.OrderID)
	})

	t.Run("quantity tie breaks on time proximity", func(t *testing.T) {
		anon := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5, OpenedAt: openedAt}
		records := []bybit.PnlRecord{
			{OrderID: "far", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5, CreatedAt: openedAt.Add(6 * time.Hour)},
			{OrderID: "near", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5, CreatedAt: openedAt.Add(5 * time.Minute)},
		}
		rec, _ := MatchRecord(anon, records)
		require.NotNil(t, rec)
		assert.Equal(t, "near", rec.OrderID)
	})

	t.Run("opposite side with mismatched quantity still matches", func(t *testing.T) {
		anon := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5, OpenedAt: openedAt}
		records := []bybit.PnlRecord{
			{OrderID: "c", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 3},
		}
		rec, tier := MatchRecord(anon, records)
		require.NotNil(t, rec)
		assert.Equal(t, MatchOpposite, tier)
	})

	t.Run("same side is the last resort", func(t *testing.T) {
		anon := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5, OpenedAt: openedAt}
		records := []bybit.PnlRecord{
			{OrderID: "d", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5},
		}
		rec, tier := MatchRecord(anon, records)
		require.NotNil(t, rec)
		assert.Equal(t, MatchSameSide, tier)
	})

	t.Run("wrong symbol never matches", func(t *testing.T) {
		anon := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.5, OpenedAt: openedAt}
		records := []bybit.PnlRecord{
			{OrderID: "e", Symbol: "ETHUSDT", Side: models.SideSell, Quantity: 0.5},
		}
		rec, tier := MatchRecord(anon, records)
		assert.Nil(t, rec)
		assert.Empty(t, tier)
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		records := []bybit.PnlRecord{
			{OrderID: "other", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5},
			{OrderID: "X123", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: 0.5},
		}
		for i := 0; i < 10; i++ {
			rec, tier := MatchRecord(trade, records)
			require.NotNil(t, rec)
			assert.Equal(t, "X123", rec.OrderID)
			assert.Equal(t, MatchOrderID, tier)
		}
	})
}

func setupReconciler(t *testing.T, exchange bybit.ClientInterface) (*Reconciler, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Trade{}))

	r := NewReconciler(exchange, ledger.NewGormLedger(db), zap.NewNop())
	r.backoffBase = time.Millisecond
	return r, db
}

func TestReconcile_WritesBackSettlement(t *testing.T) {
	openedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	closedAt := openedAt.Add(2 * time.Hour)

	exchange := new(mockExchange)
	r, db := setupReconciler(t, exchange)

	trade := &models.Trade{
		BotID:    1,
		Symbol:   "BTCUSDT",
		State:    models.TradeStateClosed,
		Side:     models.SideBuy,
		Quantity: 0.5,
		Price:    100,
		StopLoss: 95,
		OrderID:  "X123",
		OpenedAt: openedAt,
		ClosedAt: &closedAt,
	}
	require.NoError(t, db.Create(trade).Error)

	record := bybit.PnlRecord{
		OrderID:       "X123",
		Symbol:        "BTCUSDT",
		Side:          models.SideSell,
		Quantity:      0.5,
		ClosedPnl:     4.2,
		AvgEntryPrice: 100.1,
		AvgExitPrice:  108.5,
		CreatedAt:     closedAt,
	}
	exchange.On("GetClosedPnl", mock.Anything, mock.Anything, "BTCUSDT",
		openedAt.Add(-time.Hour), openedAt.Add(7*24*time.Hour)).
		Return([]bybit.PnlRecord{record}, nil).Once()

	matchType, err := r.Reconcile(context.Background(), trade, bybit.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, MatchOrderID, matchType)

	var stored models.Trade
	require.NoError(t, db.First(&stored, trade.ID).Error)
	assert.True(t, stored.Reconciled)
	assert.InDelta(t, 4.2, stored.RealizedPnl, 1e-9)
	assert.InDelta(t, 100.1, stored.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 108.5, stored.AvgExitPrice, 1e-9)
	assert.InDelta(t, 108.5*0.5*0.00055, stored.Fees, 1e-9)
	assert.NotEmpty(t, stored.TradeMetrics)

	exchange.AssertExpectations(t)
}

func TestReconcile_RetriesThenGivesUp(t *testing.T) {
	exchange := new(mockExchange)
	r, _ := setupReconciler(t, exchange)

	var delays []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	exchange.On("GetClosedPnl", mock.Anything, mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, errors.New("503 upstream")).Times(3)

	trade := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, OpenedAt: time.Now()}
	_, err := r.Reconcile(context.Background(), trade, bybit.Credentials{})

	assert.ErrorIs(t, err, ErrFetchFailed)
	exchange.AssertExpectations(t)
	exchange.AssertNumberOfCalls(t, "GetClosedPnl", 3)

	// One pause between each pair of attempts, nondecreasing, each at least
	// the doubling base (jitter only adds).
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], r.backoffBase)
	assert.GreaterOrEqual(t, delays[1], 2*r.backoffBase)
	assert.GreaterOrEqual(t, delays[1], delays[0])
}

func TestReconcile_NoMatchIsSoft(t *testing.T) {
	exchange := new(mockExchange)
	r, db := setupReconciler(t, exchange)

	trade := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, OpenedAt: time.Now()}
	require.NoError(t, db.Create(trade).Error)

	exchange.On("GetClosedPnl", mock.Anything, mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return([]bybit.PnlRecord{}, nil).Once()

	_, err := r.Reconcile(context.Background(), trade, bybit.Credentials{})
	assert.ErrorIs(t, err, ErrNoMatch)

	var stored models.Trade
	require.NoError(t, db.First(&stored, trade.ID).Error)
	assert.False(t, stored.Reconciled)
}
