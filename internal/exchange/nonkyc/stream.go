package nonkyc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/auth"
	"nonkyc-bot/internal/config"
	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/safety"
)

type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateSubscribed     SessionState = "subscribed"
	StateClosed         SessionState = "closed"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsCallTimeout      = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsPingInterval     = 30 * time.Second
	eventBuffer        = 256
)

var channelMethods = map[string]string{
	"orders":   "subscribeReports",
	"balances": "subscribeBalances",
}

// Session drives the long-lived exchange stream: dial, authenticate,
// subscribe, pump events, reconnect on failure. Consecutive failures
// feed the circuit breaker; tripping it is fatal to the session.
type Session struct {
	url      string
	symbol   string
	channels []string
	signer   *auth.Signer
	breaker  *safety.Breaker
	dialer   *websocket.Dialer
	log      logrus.FieldLogger

	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	events chan core.StreamEvent
	reqID  atomic.Int64

	mu       sync.Mutex
	state    SessionState
	conn     *websocket.Conn
	owned    bool
	attached *websocket.Conn
	closed   bool
}

func NewSession(cfg config.ExchangeConfig, symbol string, signer *auth.Signer, breaker *safety.Breaker, log logrus.FieldLogger) (*Session, error) {
	if signer == nil {
		return nil, core.Errorf(core.KindAuth, "new session", "signer is required")
	}
	if err := validateEndpoint(cfg.WSURL, "ws", "wss"); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if cfg.SkipTLSVerify() {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		log.Warn("TLS certificate verification disabled for websocket, unsafe outside test environments")
	}

	backoffBase := cfg.BackoffBase()
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax()
	if backoffMax < backoffBase {
		backoffMax = 10 * time.Second
	}

	channels := cfg.WSChannels
	if len(channels) == 0 {
		channels = []string{"orders", "balances"}
	}

	return &Session{
		url:         strings.TrimRight(cfg.WSURL, "/"),
		symbol:      symbol,
		channels:    channels,
		signer:      signer,
		breaker:     breaker,
		dialer:      dialer,
		log:         log,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		sleep:       sleepContext,
		events:      make(chan core.StreamEvent, eventBuffer),
		state:       StateDisconnected,
	}, nil
}

// Events is the session's output stream. Single consumer; closed when
// Run exits.
func (s *Session) Events() <-chan core.StreamEvent { return s.events }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// AttachConn supplies an established connection for the next connect
// cycle. The session borrows it: it will read from it and stop reading
// on teardown, but never close it. Connections the session dials itself
// are owned and closed.
func (s *Session) AttachConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.attached = conn
	s.mu.Unlock()
}

// Close ends the session permanently. Safe to call concurrently with
// Run; the running cycle observes the flag and exits.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, owned := s.conn, s.owned
	s.mu.Unlock()

	if conn != nil {
		if owned {
			return conn.Close()
		}
		// Borrowed: interrupt the pending read, leave the socket to its owner.
		return conn.SetReadDeadline(time.Now())
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run drives the session state machine until Close, context
// cancellation, or a tripped circuit. The event channel is closed on
// every exit path.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.setState(StateClosed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	bo.MaxInterval = s.backoffMax
	bo.Reset()

	for {
		if s.isClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.breaker.Allow(); err != nil {
			s.emit(ctx, core.ErrorEvent(err))
			return err
		}

		err := s.runOnce(ctx, bo)
		if s.isClosed() {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if trip := s.breaker.Record(err); trip != nil {
			s.emit(ctx, core.ErrorEvent(trip))
			return trip
		}
		reason := "connection lost"
		if err != nil {
			reason = err.Error()
		}
		s.emit(ctx, core.DisconnectedEvent(reason))

		delay := bo.NextBackOff()
		s.log.WithFields(logrus.Fields{
			"delay":                delay.String(),
			"consecutive_failures": s.breaker.Failures(),
			"error":                reason,
		}).Warn("websocket session ended, reconnecting")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runOnce executes one connect-auth-subscribe-read cycle and returns
// the error that ended it.
func (s *Session) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, owned, err := s.obtainConn(ctx)
	if err != nil {
		return err
	}
	defer s.releaseConn(conn, owned)

	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}
	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	s.setState(StateSubscribed)
	s.breaker.Record(nil)
	bo.Reset()
	s.log.WithField("channels", strings.Join(s.channels, ",")).Info("websocket subscribed")

	return s.readLoop(ctx, conn, owned)
}

func (s *Session) obtainConn(ctx context.Context) (*websocket.Conn, bool, error) {
	s.mu.Lock()
	attached := s.attached
	s.attached = nil
	s.mu.Unlock()
	if attached != nil {
		s.trackConn(attached, false)
		return attached, false, nil
	}

	s.setState(StateConnecting)
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, false, core.WrapError(core.KindTransient, "ws dial", err)
	}
	s.trackConn(conn, true)
	return conn, true, nil
}

func (s *Session) trackConn(conn *websocket.Conn, owned bool) {
	s.mu.Lock()
	s.conn = conn
	s.owned = owned
	s.mu.Unlock()
}

func (s *Session) releaseConn(conn *websocket.Conn, owned bool) {
	if owned {
		_ = conn.Close()
	}
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn) error {
	frame, err := s.signer.NewAuthFrame()
	if err != nil {
		return err
	}
	resp, err := s.call(ctx, conn, "login", frame)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return core.Errorf(core.KindAuth, "ws login", "authentication rejected: %s", resp.Error.Message)
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, conn *websocket.Conn) error {
	for _, ch := range s.channels {
		method, ok := channelMethods[ch]
		if !ok {
			return core.Errorf(core.KindRejected, "ws subscribe", "unknown channel %q", ch)
		}
		var params any
		if method == "subscribeReports" {
			params = map[string]any{"symbol": s.symbol}
		}
		resp, err := s.call(ctx, conn, method, params)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return core.Errorf(core.KindRejected, "ws "+method, "subscription rejected: %s", resp.Error.Message)
		}
	}
	return nil
}

// call sends one request frame and waits for the response with a
// matching id, skipping interleaved notifications.
func (s *Session) call(ctx context.Context, conn *websocket.Conn, method string, params any) (wsFrame, error) {
	id := s.reqID.Add(1)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsRequest{Method: method, Params: params, ID: id}); err != nil {
		return wsFrame{}, core.WrapError(core.KindTransient, "ws "+method, err)
	}

	deadline := time.Now().Add(wsCallTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsFrame{}, core.WrapError(core.KindTransient, "ws "+method, err)
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if !frame.isResponse() || *frame.ID != id {
			continue
		}
		return frame, nil
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, owned bool) error {
	readTimeout := 3 * wsPingInterval
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(ctx, conn, owned, stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			return core.WrapError(core.KindTransient, "ws read", err)
		}
		s.dispatch(ctx, conn, data)
	}
}

func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn, owned bool, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			// Unblock the pending read so the cycle can observe the
			// cancelled context.
			if owned {
				_ = conn.Close()
			} else {
				_ = conn.SetReadDeadline(time.Now())
			}
			return
		}
	}
}

// dispatch routes one inbound frame. Parse and validation failures are
// logged and skipped: a malformed event must not take down the read
// loop. Socket errors are not handled here and still end the cycle.
func (s *Session) dispatch(ctx context.Context, conn *websocket.Conn, data []byte) {
	if len(data) == 0 {
		return
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.WithField("error", err.Error()).Warn("discarding malformed frame")
		return
	}
	// A frame carrying both id and method is a server-initiated request,
	// not a late response to one of ours.
	if frame.isResponse() && frame.Method == "" {
		return
	}

	switch frame.Method {
	case "report":
		var report wsReport
		if err := json.Unmarshal(frame.Params, &report); err != nil {
			s.log.WithField("error", err.Error()).Warn("discarding malformed order report")
			return
		}
		update, err := report.toOrderUpdate()
		if err != nil {
			s.log.WithField("error", err.Error()).Warn("discarding invalid order report")
			return
		}
		s.emit(ctx, core.OrderEvent(update))
	case "balance":
		var bal wsBalance
		if err := json.Unmarshal(frame.Params, &bal); err != nil {
			s.log.WithField("error", err.Error()).Warn("discarding malformed balance update")
			return
		}
		update, err := bal.toBalanceUpdate()
		if err != nil {
			s.log.WithField("error", err.Error()).Warn("discarding invalid balance update")
			return
		}
		s.emit(ctx, core.BalanceEvent(update))
	case "ping", "heartbeat":
		s.answerHeartbeat(conn, frame)
	case "":
	default:
		s.log.WithField("method", frame.Method).Debug("ignoring unhandled frame")
	}
}

// answerHeartbeat echoes the server's application-level ping, matching
// the request id when one was supplied.
func (s *Session) answerHeartbeat(conn *websocket.Conn, frame wsFrame) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	var err error
	if frame.ID != nil {
		err = conn.WriteJSON(map[string]any{"result": "pong", "id": *frame.ID})
	} else {
		err = conn.WriteJSON(map[string]string{"method": "pong"})
	}
	if err != nil {
		s.log.WithField("error", err.Error()).Debug("heartbeat reply failed")
	}
}

func (s *Session) emit(ctx context.Context, ev core.StreamEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
