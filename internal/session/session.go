// Package session binds one WebSocket connection to the broker core. A
// session dispatches the inbound frame protocol, owns one subscriber per
// subscribed topic, and runs one delivery worker per subscriber that drains
// the bounded queue into event frames.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/broker"
	"github.com/adred-codev/pubsub-ws/internal/logging"
	"github.com/adred-codev/pubsub-ws/internal/metrics"
	"github.com/adred-codev/pubsub-ws/internal/protocol"
)

// Mirror receives a copy of every accepted publish. Implemented by the
// optional NATS bridge; nil disables mirroring.
type Mirror interface {
	Publish(topic string, msg *broker.Message)
}

// Config holds per-session settings derived from server configuration.
type Config struct {
	WriteTimeout time.Duration
}

// Session is the per-connection adapter. It implements broker.Sink so the
// core can push errors, shutdown notices and close requests back through
// the owning connection.
type Session struct {
	id      string
	conn    net.Conn
	manager *broker.Manager
	mirror  Mirror
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	// writeMu serializes every frame written to the connection: delivery
	// workers, replies and core-initiated sends all funnel through it.
	writeMu sync.Mutex
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	bindings map[string]string // topic -> client id subscribed there
}

// New creates a session for an already-authenticated connection.
// mirror and metricsReg may be nil.
func New(parent context.Context, conn net.Conn, manager *broker.Manager, mirror Mirror, cfg Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		manager:  manager,
		mirror:   mirror,
		cfg:      cfg,
		logger:   logger.With().Str("session_id", id).Logger(),
		metrics:  metricsReg,
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[string]string),
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// HandleFrame dispatches one inbound text frame. Frames arriving after
// shutdown has been initiated are refused and the connection is closed
// with going-away.
func (s *Session) HandleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Panic in frame handler")
			_ = s.SendError("", protocol.CodeInternal, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	if s.manager.ShutdownInitiated() {
		_ = s.SendError("", protocol.CodeServiceUnavailable, "Server is shutting down")
		_ = s.Close(protocol.StatusGoingAway, "server shutting down")
		return
	}

	var req protocol.Inbound
	if err := json.Unmarshal(data, &req); err != nil {
		_ = s.SendError("", protocol.CodeBadRequest, "Invalid JSON")
		return
	}

	switch req.Type {
	case protocol.TypePing:
		_ = s.writeFrame(protocol.NewPong(req.RequestID))
	case protocol.TypeSubscribe:
		s.handleSubscribe(req)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(req)
	case protocol.TypePublish:
		s.handlePublish(req)
	default:
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (s *Session) handleSubscribe(req protocol.Inbound) {
	if req.Topic == "" || req.ClientID == "" {
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, "Missing required fields: topic, client_id")
		return
	}

	topic, err := s.manager.GetOrCreateTopic(req.Topic)
	if err != nil {
		s.replyBrokerError(req.RequestID, err)
		return
	}

	sub := broker.NewSubscriber(req.ClientID, s, s.manager.QueueSize(), s.manager.SlowConsumerThreshold())

	s.mu.Lock()
	if prev, ok := s.bindings[req.Topic]; ok && prev != req.ClientID {
		// This session re-subscribed under a new client id; drop the old
		// subscriber so it does not linger in the topic unattended.
		topic.UnsubscribeOwned(prev, s)
	}
	s.bindings[req.Topic] = req.ClientID
	s.mu.Unlock()

	replay := topic.Subscribe(sub, req.LastN)

	s.logger.Info().
		Str("topic", req.Topic).
		Str("client_id", req.ClientID).
		Int("last_n", req.LastN).
		Msg("Subscribed")

	// Replay strictly precedes the ack, and the ack precedes any live
	// event because the worker starts after it is written.
	for _, m := range replay {
		if err := s.SendEvent(req.Topic, m); err != nil {
			// The connection is gone; without a worker the subscriber
			// would sit in the topic filling its queue until ejection.
			topic.UnsubscribeOwned(req.ClientID, s)
			s.mu.Lock()
			if s.bindings[req.Topic] == req.ClientID {
				delete(s.bindings, req.Topic)
			}
			s.mu.Unlock()
			return
		}
	}
	_ = s.writeFrame(protocol.NewAck(req.RequestID, req.Topic))

	s.startWorker(req.Topic, sub)
}

func (s *Session) handleUnsubscribe(req protocol.Inbound) {
	if req.Topic == "" || req.ClientID == "" {
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, "Missing required fields: topic, client_id")
		return
	}

	topic, ok := s.manager.GetTopic(req.Topic)
	if !ok {
		_ = s.SendError(req.RequestID, protocol.CodeTopicNotFound, fmt.Sprintf("Topic '%s' not found", req.Topic))
		return
	}

	s.mu.Lock()
	delete(s.bindings, req.Topic)
	s.mu.Unlock()

	topic.Unsubscribe(req.ClientID)
	s.logger.Info().Str("topic", req.Topic).Str("client_id", req.ClientID).Msg("Unsubscribed")
	_ = s.writeFrame(protocol.NewAck(req.RequestID, req.Topic))
}

func (s *Session) handlePublish(req protocol.Inbound) {
	if req.Topic == "" || req.Message == nil {
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, "Missing required fields: topic, message")
		return
	}
	if req.Message.ID == "" || req.Message.Payload == nil {
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, "Missing required fields: message.id, message.payload")
		return
	}

	// Publish never creates the topic implicitly.
	topic, ok := s.manager.GetTopic(req.Topic)
	if !ok {
		_ = s.SendError(req.RequestID, protocol.CodeTopicNotFound, fmt.Sprintf("Topic '%s' not found", req.Topic))
		return
	}

	msg, err := broker.NewMessage(req.Message.ID, req.Message.Payload)
	if err != nil {
		_ = s.SendError(req.RequestID, protocol.CodeBadRequest, "message.id must be a valid UUID")
		return
	}

	topic.Publish(msg)
	if s.mirror != nil {
		s.mirror.Publish(req.Topic, msg)
	}

	s.logger.Debug().Str("topic", req.Topic).Str("message_id", msg.ID).Msg("Published")
	_ = s.writeFrame(protocol.NewAck(req.RequestID, req.Topic))
}

// replyBrokerError maps broker sentinels onto wire error codes.
func (s *Session) replyBrokerError(requestID string, err error) {
	switch {
	case errors.Is(err, broker.ErrShuttingDown):
		_ = s.SendError(requestID, protocol.CodeServiceUnavailable, "Server is shutting down")
		_ = s.Close(protocol.StatusGoingAway, "server shutting down")
	case errors.Is(err, broker.ErrInvalidTopicName):
		_ = s.SendError(requestID, protocol.CodeBadRequest, "Topic name must be 1-100 characters")
	default:
		_ = s.SendError(requestID, protocol.CodeInternal, "Failed to resolve topic")
	}
}

// startWorker spawns the delivery worker for one subscriber. It exits when
// the session is torn down or the subscriber is removed from its topic.
func (s *Session) startWorker(topicName string, sub *broker.Subscriber) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "delivery_worker", map[string]any{"topic": topicName})

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-sub.Done():
				return
			case m := <-sub.Events():
				if err := s.SendEvent(topicName, m); err != nil {
					return
				}
			}
		}
	}()
}

// Teardown is called by the transport once the read loop ends: cancel the
// workers, detach from every topic, close the connection.
func (s *Session) Teardown() {
	s.cancel()

	s.mu.Lock()
	bindings := s.bindings
	s.bindings = make(map[string]string)
	s.mu.Unlock()

	// Ownership-checked removal: if another connection has taken over one
	// of our client ids, its live subscriber stays put.
	for topicName, clientID := range bindings {
		if topic, ok := s.manager.GetTopic(topicName); ok {
			topic.UnsubscribeOwned(clientID, s)
		}
	}

	s.wg.Wait()

	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
	s.logger.Info().Msg("Session closed")
}

// SendEvent writes one event frame carrying a delivered message.
func (s *Session) SendEvent(topic string, m *broker.Message) error {
	err := s.writeFrame(protocol.NewEvent(topic, m.ID, m.Payload, m.Timestamp))
	if err == nil && s.metrics != nil {
		s.metrics.EventsDelivered.Inc()
	}
	return err
}

// SendError implements broker.Sink.
func (s *Session) SendError(requestID, code, message string) error {
	return s.writeFrame(protocol.NewError(requestID, code, message))
}

// SendInfo implements broker.Sink.
func (s *Session) SendInfo(msg, topic string) error {
	return s.writeFrame(protocol.NewInfo(msg, topic, ""))
}

// Close implements broker.Sink: write a close frame with the given status,
// then close the connection. Idempotent; later calls are no-ops.
func (s *Session) Close(status protocol.CloseStatus, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	body := ws.NewCloseFrameBody(ws.StatusCode(status), reason)
	_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
	return s.conn.Close()
}

// ControlWriter returns a writer the read loop can hand to gobwas'
// ControlFrameHandler. Writes go through the session write mutex so a pong
// can never interleave with an event frame.
func (s *Session) ControlWriter() io.Writer {
	return controlWriter{s}
}

type controlWriter struct{ s *Session }

func (w controlWriter) Write(p []byte) (int, error) {
	w.s.writeMu.Lock()
	defer w.s.writeMu.Unlock()
	if w.s.closed.Load() {
		return 0, net.ErrClosed
	}
	_ = w.s.conn.SetWriteDeadline(time.Now().Add(w.s.cfg.WriteTimeout))
	return w.s.conn.Write(p)
}

// writeFrame marshals and writes one frame under the write mutex with a
// write deadline, so a stalled peer cannot wedge the workers forever.
func (s *Session) writeFrame(v any) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	data, err := protocol.Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return net.ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.FramesSent.Inc()
	}
	return nil
}
