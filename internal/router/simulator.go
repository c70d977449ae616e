package router

import (
	"context"
	"math/rand"
	"sync"

	"bybit-webhook-bot-go/internal/bybit"
	"github.com/google/uuid"
)

// Execution is an order outcome from either the live exchange or the
// simulator.
type Execution struct {
	bybit.OrderResult
	Simulated bool
	// SimulatedPnl is a fabricated realized pnl for test-mode analytics.
	// Always zero for live executions.
	SimulatedPnl float64
}

// OrderExecutor abstracts how an order gets filled, so test-mode bots and
// unit tests can run the full workflow without touching the exchange.
type OrderExecutor interface {
	Execute(ctx context.Context, creds bybit.Credentials, params bybit.OrderParams) (*Execution, error)
}

// LiveExecutor submits orders through the exchange client.
type LiveExecutor struct {
	exchange bybit.ClientInterface
}

// NewLiveExecutor creates an executor backed by the real exchange.
func NewLiveExecutor(exchange bybit.ClientInterface) *LiveExecutor {
	return &LiveExecutor{exchange: exchange}
}

func (e *LiveExecutor) Execute(ctx context.Context, creds bybit.Credentials, params bybit.OrderParams) (*Execution, error) {
	order, err := e.exchange.CreateOrder(ctx, creds, params)
	if err != nil {
		return nil, err
	}
	return &Execution{OrderResult: *order}, nil
}

// TestExecutor synthesizes fills for bots in test mode. Fills are immediate
// at the requested price with a pseudo-random simulated pnl in the range
// [-riskFraction, +riskFraction] of the order notional.
type TestExecutor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTestExecutor creates a simulator seeded from the given source. Tests
// pass a fixed seed for deterministic fills.
func NewTestExecutor(seed int64) *TestExecutor {
	return &TestExecutor{rng: rand.New(rand.NewSource(seed))}
}

func (e *TestExecutor) Execute(_ context.Context, _ bybit.Credentials, params bybit.OrderParams) (*Execution, error) {
	e.mu.Lock()
	// Simulated pnl between -2% and +2% of notional.
	pnl := (e.rng.Float64()*4 - 2) / 100 * params.Quantity * params.Price
	e.mu.Unlock()

	return &Execution{
		OrderResult: bybit.OrderResult{
			OrderID:       "TEST_ORDER-" + uuid.NewString(),
			ExecutedPrice: params.Price,
			Status:        "Filled",
		},
		Simulated:    true,
		SimulatedPnl: pnl,
	}, nil
}
