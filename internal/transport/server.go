// Package transport runs the WebSocket listener: raw TCP accept, admission
// control, the gobwas handshake with API key auth, and the per-connection
// read loop feeding the session layer.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub-ws/internal/auth"
	"github.com/adred-codev/pubsub-ws/internal/broker"
	"github.com/adred-codev/pubsub-ws/internal/limits"
	"github.com/adred-codev/pubsub-ws/internal/logging"
	"github.com/adred-codev/pubsub-ws/internal/metrics"
	"github.com/adred-codev/pubsub-ws/internal/protocol"
	"github.com/adred-codev/pubsub-ws/internal/session"
)

// Config holds transport settings.
type Config struct {
	Addr         string
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server accepts WebSocket connections and hands each one to a session.
type Server struct {
	cfg     Config
	manager *broker.Manager
	keyring *auth.Keyring
	limiter *limits.ConnectionRateLimiter
	guard   *limits.ResourceGuard
	mirror  session.Mirror
	logger  zerolog.Logger
	metrics *metrics.Registry

	listener net.Listener
	sessions sync.Map // session id -> *session.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the transport server. mirror and metricsReg may be nil.
func New(cfg Config, manager *broker.Manager, keyring *auth.Keyring, limiter *limits.ConnectionRateLimiter, guard *limits.ResourceGuard, mirror session.Mirror, logger zerolog.Logger, metricsReg *metrics.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		manager: manager,
		keyring: keyring,
		limiter: limiter,
		guard:   guard,
		mirror:  mirror,
		logger:  logger.With().Str("component", "transport").Logger(),
		metrics: metricsReg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens the listener and runs the accept loop until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("WebSocket server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "accept_loop", nil)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept error")
			continue
		}

		if !s.admit(conn) {
			continue
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

// admit applies the rate limiter and resource guard before the handshake.
// A refused connection is closed immediately; the client sees a TCP reset
// rather than a half-done upgrade.
func (s *Server) admit(conn net.Conn) bool {
	if !s.limiter.Allow() {
		s.rejected(conn, "rate limit")
		return false
	}
	if !s.guard.Acquire() {
		s.rejected(conn, "resource guard")
		return false
	}
	return true
}

func (s *Server) rejected(conn net.Conn, why string) {
	if s.metrics != nil {
		s.metrics.ConnectionsRejected.Inc()
	}
	s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Str("reason", why).Msg("Connection rejected")
	_ = conn.Close()
}

// serve performs the handshake, authenticates, then runs the read loop for
// the lifetime of the connection.
func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.guard.Release()
	defer logging.RecoverPanic(s.logger, "serve_connection", map[string]any{"remote": conn.RemoteAddr().String()})

	apiKey, err := s.upgrade(conn)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Handshake failed")
		_ = conn.Close()
		return
	}

	if !s.keyring.Valid(apiKey) {
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Rejected connection with invalid API key")
		body := ws.NewCloseFrameBody(ws.StatusCode(protocol.StatusPolicyViolation), "Invalid API key")
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
		_ = conn.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		defer s.metrics.ConnectionsActive.Dec()
	}

	sess := session.New(s.ctx, conn, s.manager, s.mirror, session.Config{WriteTimeout: s.cfg.WriteTimeout}, s.logger, s.metrics)
	s.sessions.Store(sess.ID(), sess)
	defer s.sessions.Delete(sess.ID())

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Str("session_id", sess.ID()).Msg("Connection established")

	s.readLoop(conn, sess)
	sess.Teardown()
}

// upgrade runs the gobwas handshake, capturing the API key from the
// api_key query parameter or the X-API-Key header.
func (s *Server) upgrade(conn net.Conn) (string, error) {
	var apiKey string
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			parsed, err := url.ParseRequestURI(string(uri))
			if err != nil {
				return ws.RejectConnectionError(ws.RejectionStatus(400))
			}
			if key := parsed.Query().Get("api_key"); key != "" {
				apiKey = key
			}
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if strings.EqualFold(string(key), "X-API-Key") {
				apiKey = string(value)
			}
			return nil
		},
	}
	if _, err := u.Upgrade(conn); err != nil {
		return "", err
	}
	return apiKey, nil
}

// readLoop reads frames until the peer closes, errors out, or goes idle.
// Control frames are answered through the session's serialized writer so
// they never interleave with event frames.
func (s *Server) readLoop(conn net.Conn, sess *session.Session) {
	controlHandler := wsutil.ControlFrameHandler(sess.ControlWriter(), ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:          conn,
		State:           ws.StateServerSide,
		CheckUTF8:       true,
		SkipHeaderCheck: false,
		OnIntermediate:  controlHandler,
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		hdr, err := reader.NextFrame()
		if err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Read loop ended")
			return
		}

		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					s.logger.Debug().Int("code", int(closed.Code)).Str("session_id", sess.ID()).Msg("Client closed connection")
				} else {
					s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Control frame error")
				}
				return
			}
			continue
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Frame read error")
			return
		}

		if s.metrics != nil {
			s.metrics.FramesReceived.Inc()
		}

		if hdr.OpCode == ws.OpText {
			sess.HandleFrame(data)
		}
	}
}

// Stop closes the listener, tears down every live session and waits for
// the connection goroutines to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sessions.Range(func(_, v any) bool {
		sess := v.(*session.Session)
		_ = sess.Close(protocol.StatusGoingAway, "server shutting down")
		return true
	})

	s.wg.Wait()
	s.logger.Info().Msg("WebSocket server stopped")
}
