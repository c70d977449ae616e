package events

import (
	"time"

	"go.uber.org/zap"
)

// Event kinds emitted by the signal router.
const (
	KindTradeOpened   = "trade_opened"
	KindTradeClosed   = "trade_closed"
	KindTradeReduced  = "trade_reduced"
	KindTradeRejected = "trade_rejected"
	KindReconciled    = "trade_reconciled"
	// KindInconsistency flags state divergence between the exchange and the
	// ledger (an order exists at the venue with no trade record). This is
	// the one event that warrants out-of-band alerting.
	KindInconsistency = "ledger_inconsistency"
)

// Event is one domain event. Fields must never contain credentials.
type Event struct {
	Kind    string         `json:"kind"`
	BotID   uint           `json:"bot_id"`
	TradeID uint           `json:"trade_id,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Emitter is the audit/observability port. Emission failures are the
// emitter's problem: they are logged and never propagate into workflows.
type Emitter interface {
	Emit(event Event)
}

// ZapEmitter renders domain events into the structured log.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates an emitter writing to the given logger.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	return &ZapEmitter{logger: logger.Named("events")}
}

func (e *ZapEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("kind", event.Kind),
		zap.Uint("bot_id", event.BotID),
	}
	if event.TradeID != 0 {
		fields = append(fields, zap.Uint("trade_id", event.TradeID))
	}
	if event.Symbol != "" {
		fields = append(fields, zap.String("symbol", event.Symbol))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	if event.Kind == KindInconsistency {
		e.logger.Error("Domain event", fields...)
		return
	}
	e.logger.Info("Domain event", fields...)
}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// NopEmitter discards events. Used in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
