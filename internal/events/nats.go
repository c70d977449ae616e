package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsEmitter publishes domain events to a NATS subject so the out-of-scope
// dashboard can consume them. Publishing is fire-and-forget: a broken broker
// must never fail a trade.
type NatsEmitter struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNatsEmitter connects to the broker and returns an emitter for the
// given subject.
func NewNatsEmitter(url, subject string, logger *zap.Logger) (*NatsEmitter, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NatsEmitter{
		conn:    conn,
		subject: subject,
		logger:  logger.Named("nats-events"),
	}, nil
}

func (e *NatsEmitter) Emit(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Error("Failed to publish event",
			zap.String("kind", event.Kind),
			zap.Error(err),
		)
	}
}

// Close drains the connection.
func (e *NatsEmitter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
