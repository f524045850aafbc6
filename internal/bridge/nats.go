// Package bridge mirrors accepted publishes onto NATS so out-of-process
// consumers can tap the stream. The broker never depends on the bridge for
// correctness: publishing is fire-and-forget and failures only log.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/broker"
)

// Config holds bridge connection settings. An empty URL disables the bridge.
type Config struct {
	URL           string
	SubjectPrefix string
}

// Bridge publishes message copies to subjects of the form
// "<prefix>.<topic>".
type Bridge struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// wireMessage is the mirrored representation published to NATS.
type wireMessage struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
	TS      time.Time      `json:"ts"`
}

// Connect establishes the NATS connection with reconnect handling. Returns
// nil without error when cfg.URL is empty.
func Connect(cfg Config, logger zerolog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	log := logger.With().Str("component", "nats_bridge").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "pubsub"
	}

	log.Info().Str("url", cfg.URL).Str("prefix", prefix).Msg("NATS bridge connected")
	return &Bridge{conn: conn, prefix: prefix, logger: log}, nil
}

// Publish mirrors one message. Errors are logged, never returned: the
// in-process fan-out has already happened by the time this runs.
func (b *Bridge) Publish(topic string, msg *broker.Message) {
	data, err := json.Marshal(wireMessage{ID: msg.ID, Payload: msg.Payload, TS: msg.Timestamp})
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal mirrored message")
		return
	}
	subject := b.prefix + "." + topic
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to mirror message")
	}
}

// Close drains the connection so buffered publishes flush before shutdown.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("Error draining NATS connection")
	}
}
