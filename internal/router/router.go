package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/config"
	"bybit-webhook-bot-go/internal/events"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/models"
	"bybit-webhook-bot-go/internal/reconcile"
	"bybit-webhook-bot-go/internal/risk"
	"go.uber.org/zap"
)

// Router is the orchestrator: it validates inbound signals, loads context
// from the ledger, gates trades through the risk governor and dispatches to
// the open/close workflows.
type Router struct {
	ledger     ledger.Ledger
	exchange   bybit.ClientInterface
	governor   *risk.Governor
	reconciler *reconcile.Reconciler
	live       OrderExecutor
	test       OrderExecutor
	emitter    events.Emitter
	trading    config.Trading
	logger     *zap.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewRouter wires the orchestrator. The test executor is pluggable so tests
// can inject deterministic simulated fills.
func NewRouter(
	l ledger.Ledger,
	exchange bybit.ClientInterface,
	governor *risk.Governor,
	reconciler *reconcile.Reconciler,
	test OrderExecutor,
	emitter events.Emitter,
	trading config.Trading,
	logger *zap.Logger,
) *Router {
	return &Router{
		ledger:     l,
		exchange:   exchange,
		governor:   governor,
		reconciler: reconciler,
		live:       NewLiveExecutor(exchange),
		test:       test,
		emitter:    emitter,
		trading:    trading,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleAlert processes one webhook delivery: token lookup and expiry,
// payload parsing, credential resolution, then dispatch on the alert state.
//
// Repeated deliveries of the same alert are not deduplicated: the inbound
// protocol carries no idempotency key, so a retried delivery can
// double-execute. For open signals that means a second open trade on the
// same (bot, symbol); closes then unwind them newest-first. Known gap.
func (r *Router) HandleAlert(ctx context.Context, token string, body []byte) *Result {
	webhook, err := r.ledger.GetWebhookByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ledger.ErrWebhookNotFound) {
			return failure(KindNotFound, "unknown webhook token")
		}
		return failure(KindPersistence, err.Error())
	}
	if webhook.Expired(r.now()) {
		return failure(KindNotFound, "webhook token expired")
	}

	payload, err := models.ParseAlertPayload(body)
	if err != nil {
		return failure(KindValidation, err.Error())
	}

	bot, err := r.ledger.GetBot(ctx, webhook.BotID)
	if err != nil {
		if errors.Is(err, ledger.ErrBotNotFound) {
			return failure(KindNotFound, "bot not found")
		}
		return failure(KindPersistence, err.Error())
	}

	return r.dispatch(ctx, bot, payload)
}

// HandleDirect processes a non-webhook trade request for a bot by id,
// with the same validation and dispatch as the alert path.
func (r *Router) HandleDirect(ctx context.Context, botID uint, body []byte) *Result {
	payload, err := models.ParseAlertPayload(body)
	if err != nil {
		return failure(KindValidation, err.Error())
	}

	bot, err := r.ledger.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, ledger.ErrBotNotFound) {
			return failure(KindNotFound, "bot not found")
		}
		return failure(KindPersistence, err.Error())
	}

	return r.dispatch(ctx, bot, payload)
}

// HandleReconcile triggers reconciliation of a single closed trade.
// Idempotent: an already-reconciled trade returns its current figures.
func (r *Router) HandleReconcile(ctx context.Context, tradeID uint) *Result {
	trade, err := r.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, ledger.ErrTradeNotFound) {
			return failure(KindNotFound, "trade not found")
		}
		return failure(KindPersistence, err.Error())
	}

	if trade.State != models.TradeStateClosed {
		return failure(KindValidation, "trade is not closed")
	}
	if trade.IsTest || trade.Reconciled {
		pnl := trade.RealizedPnl
		return &Result{Success: true, Status: "reconciled", RealizedPnl: &pnl}
	}

	bot, err := r.ledger.GetBot(ctx, trade.BotID)
	if err != nil {
		return failure(KindPersistence, err.Error())
	}
	creds, res := r.resolveCredentials(ctx, bot)
	if res != nil {
		return res
	}

	matchType, err := r.reconciler.Reconcile(ctx, trade, creds)
	if err != nil {
		if errors.Is(err, reconcile.ErrNoMatch) {
			return failure(KindReconcile, "no matching closed pnl record")
		}
		return failure(KindExchange, err.Error())
	}

	r.emitter.Emit(events.Event{
		Kind:    events.KindReconciled,
		BotID:   trade.BotID,
		TradeID: trade.ID,
		Symbol:  trade.Symbol,
		Fields:  map[string]any{"match_type": matchType, "realized_pnl": trade.RealizedPnl},
		At:      r.now(),
	})

	pnl := trade.RealizedPnl
	return &Result{Success: true, Status: "reconciled", RealizedPnl: &pnl}
}

// dispatch resolves credentials and routes to the open or close workflow.
func (r *Router) dispatch(ctx context.Context, bot *models.Bot, payload *models.AlertPayload) *Result {
	creds, res := r.resolveCredentials(ctx, bot)
	if res != nil {
		return res
	}

	if payload.State == models.AlertStateClose {
		return r.closeTrade(ctx, bot, payload, creds)
	}
	return r.openTrade(ctx, bot, payload, creds)
}

func (r *Router) resolveCredentials(ctx context.Context, bot *models.Bot) (bybit.Credentials, *Result) {
	key, err := ledger.ResolveApiKey(ctx, r.ledger, bot)
	if err != nil {
		if errors.Is(err, ledger.ErrNoCredentials) {
			return bybit.Credentials{}, failure(KindCredentials, fmt.Sprintf("no api key for bot %d", bot.ID))
		}
		return bybit.Credentials{}, failure(KindPersistence, err.Error())
	}
	return bybit.Credentials{Key: key.Key, Secret: key.Secret}, nil
}

// executor picks the live or simulated execution path for a bot.
func (r *Router) executor(bot *models.Bot) OrderExecutor {
	if bot.TestMode {
		return r.test
	}
	return r.live
}

// symbolFor resolves the trading symbol: the alert's, falling back to the
// bot's configured symbol.
func symbolFor(bot *models.Bot, payload *models.AlertPayload) string {
	if payload.Symbol != "" {
		return payload.Symbol
	}
	return bot.Symbol
}
