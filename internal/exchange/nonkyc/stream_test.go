package nonkyc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"nonkyc-bot/internal/config"
	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/safety"
)

type scriptRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     *int64          `json:"id"`
}

func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

// ackHandshake answers n id-carrying requests in arrival order.
func ackHandshake(conn *websocket.Conn, n int) bool {
	for acked := 0; acked < n; {
		var req scriptRequest
		if err := conn.ReadJSON(&req); err != nil {
			return false
		}
		if req.ID == nil {
			continue
		}
		if err := conn.WriteJSON(map[string]any{"id": *req.ID, "result": true}); err != nil {
			return false
		}
		acked++
	}
	return true
}

func pushFrame(conn *websocket.Conn, method string, params any) error {
	return conn.WriteJSON(map[string]any{"method": method, "params": params})
}

func testSession(t *testing.T, wsURL string, maxFailures int) (*Session, *safety.Breaker) {
	t.Helper()
	cfg := config.ExchangeConfig{
		WSURL:         wsURL,
		BackoffBaseMs: 1,
		BackoffMaxMs:  5,
		WSChannels:    []string{"orders", "balances"},
	}
	breaker := safety.NewBreaker(maxFailures, discardLog())
	session, err := NewSession(cfg, "BTC/USDT", testSigner(t), breaker, discardLog())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return session, breaker
}

func waitEvent(t *testing.T, events <-chan core.StreamEvent) core.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed while waiting for event")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
	return core.StreamEvent{}
}

func waitExit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run to exit")
	}
	return nil
}

func TestSessionAuthenticatesAndStreamsEvents(t *testing.T) {
	loginOK := make(chan error, 1)
	hold := make(chan struct{})
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		var login scriptRequest
		if err := conn.ReadJSON(&login); err != nil {
			loginOK <- err
			return
		}
		if login.ID == nil {
			loginOK <- errors.New("login request missing id")
			return
		}
		var frame struct {
			Key       string `json:"key"`
			Nonce     string `json:"nonce"`
			Timestamp int64  `json:"timestamp"`
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(login.Params, &frame); err != nil {
			loginOK <- err
			return
		}
		mac := hmac.New(sha256.New, []byte(testAPISecret))
		mac.Write([]byte(frame.Key + frame.Nonce + strconv.FormatInt(frame.Timestamp, 10)))
		switch {
		case login.Method != "login":
			loginOK <- errors.New("first frame is not a login request")
		case frame.Key != testAPIKey:
			loginOK <- errors.New("login carries wrong api key")
		case frame.Signature != hex.EncodeToString(mac.Sum(nil)):
			loginOK <- errors.New("login signature does not verify")
		default:
			loginOK <- nil
		}
		conn.WriteJSON(map[string]any{"id": *login.ID, "result": true})

		if !ackHandshake(conn, 2) {
			return
		}
		pushFrame(conn, "report", map[string]any{
			"id":               "exch-7",
			"userProvidedId":   "main-ord-1",
			"symbol":           "BTC/USDT",
			"side":             "buy",
			"status":           "partiallyFilled",
			"price":            "65000",
			"lastFillQuantity": "0.25",
			"lastFillPrice":    "64999.5",
			"timestamp":        1741940813000,
		})
		pushFrame(conn, "balance", map[string]any{
			"asset":     "USDT",
			"available": "900.5",
			"held":      "99.5",
		})
		<-hold
	})
	defer close(hold)

	session, breaker := testSession(t, wsURL, 5)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	ev := waitEvent(t, session.Events())
	if ev.Type != core.EventOrder {
		t.Fatalf("first event type = %q, want %q", ev.Type, core.EventOrder)
	}
	if ev.Order.ClientOrderID != "main-ord-1" || ev.Order.ExchangeOrderID != "exch-7" {
		t.Fatalf("order ids = %q/%q, want main-ord-1/exch-7", ev.Order.ClientOrderID, ev.Order.ExchangeOrderID)
	}
	if ev.Order.Status != core.OrderPartiallyFilled {
		t.Fatalf("order status = %q, want %q", ev.Order.Status, core.OrderPartiallyFilled)
	}
	if !ev.Order.FillQty.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("fill qty = %s, want 0.25", ev.Order.FillQty)
	}

	ev = waitEvent(t, session.Events())
	if ev.Type != core.EventBalance {
		t.Fatalf("second event type = %q, want %q", ev.Type, core.EventBalance)
	}
	if ev.Balance.Asset != "USDT" || !ev.Balance.Free.Equal(decimal.RequireFromString("900.5")) {
		t.Fatalf("balance = %+v, want USDT free 900.5", ev.Balance)
	}

	if err := <-loginOK; err != nil {
		t.Fatalf("login handshake: %v", err)
	}
	if state := session.State(); state != StateSubscribed {
		t.Fatalf("State() = %q, want %q", state, StateSubscribed)
	}
	if breaker.Failures() != 0 {
		t.Fatalf("breaker failures = %d, want 0 after successful subscribe", breaker.Failures())
	}

	session.Close()
	if err := waitExit(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil after Close", err)
	}
	if state := session.State(); state != StateClosed {
		t.Fatalf("State() = %q, want %q", state, StateClosed)
	}
	if _, ok := <-session.Events(); ok {
		t.Fatal("event channel still open after Run exit")
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int64
	hold := make(chan struct{})
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		n := dials.Add(1)
		if !ackHandshake(conn, 3) {
			return
		}
		if n == 1 {
			return // first cycle: drop right after subscribing
		}
		pushFrame(conn, "report", map[string]any{
			"id":               "exch-8",
			"userProvidedId":   "main-ord-2",
			"symbol":           "BTC/USDT",
			"side":             "sell",
			"status":           "filled",
			"price":            "66000",
			"lastFillQuantity": "1",
			"lastFillPrice":    "66000",
		})
		<-hold
	})
	defer close(hold)

	session, breaker := testSession(t, wsURL, 5)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	ev := waitEvent(t, session.Events())
	if ev.Type != core.EventDisconnected {
		t.Fatalf("first event type = %q, want %q", ev.Type, core.EventDisconnected)
	}

	ev = waitEvent(t, session.Events())
	if ev.Type != core.EventOrder || ev.Order.ExchangeOrderID != "exch-8" {
		t.Fatalf("event after reconnect = %+v, want order report exch-8", ev)
	}
	if got := dials.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
	if breaker.Failures() != 0 {
		t.Fatalf("breaker failures = %d, want 0 after recovery", breaker.Failures())
	}

	session.Close()
	waitExit(t, done)
}

func TestSessionTripsCircuitAfterConsecutiveFailures(t *testing.T) {
	var dials atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no websocket here", http.StatusBadGateway)
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	session, breaker := testSession(t, wsURL, 2)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	var disconnects, errorEvents int
	for ev := range session.Events() {
		switch ev.Type {
		case core.EventDisconnected:
			disconnects++
		case core.EventError:
			errorEvents++
			if !errors.Is(ev.Err, safety.ErrCircuitOpen) {
				t.Fatalf("terminal event error = %v, want ErrCircuitOpen", ev.Err)
			}
		}
	}

	err := waitExit(t, done)
	if !errors.Is(err, safety.ErrCircuitOpen) {
		t.Fatalf("Run() error = %v, want ErrCircuitOpen", err)
	}
	if got := dials.Load(); got != 3 {
		t.Fatalf("connection attempts = %d, want max_consecutive_failures+1 = 3", got)
	}
	if disconnects != 2 || errorEvents != 1 {
		t.Fatalf("events = %d disconnects, %d errors; want 2 and 1", disconnects, errorEvents)
	}
	if !breaker.Open() {
		t.Fatal("breaker not open after trip")
	}
	if session.State() != StateClosed {
		t.Fatalf("State() = %q, want %q", session.State(), StateClosed)
	}
}

func TestSessionSkipsMalformedFrames(t *testing.T) {
	hold := make(chan struct{})
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		if !ackHandshake(conn, 3) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json at all`))
		pushFrame(conn, "report", map[string]any{"side": "hold", "status": "mystery"})
		pushFrame(conn, "ticker", map[string]any{"last": "65000"})
		pushFrame(conn, "report", map[string]any{
			"id":               "exch-9",
			"userProvidedId":   "main-ord-3",
			"symbol":           "BTC/USDT",
			"side":             "buy",
			"status":           "new",
			"price":            "64000",
			"lastFillQuantity": "0",
			"lastFillPrice":    "0",
		})
		<-hold
	})
	defer close(hold)

	session, _ := testSession(t, wsURL, 5)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	ev := waitEvent(t, session.Events())
	if ev.Type != core.EventOrder || ev.Order.ExchangeOrderID != "exch-9" {
		t.Fatalf("event = %+v, want the valid report after malformed frames", ev)
	}
	if ev.Order.Status != core.OrderOpen {
		t.Fatalf("order status = %q, want %q", ev.Order.Status, core.OrderOpen)
	}
	if state := session.State(); state != StateSubscribed {
		t.Fatalf("State() = %q, want %q after surviving bad frames", state, StateSubscribed)
	}

	session.Close()
	waitExit(t, done)
}

func TestSessionAnswersHeartbeat(t *testing.T) {
	type pongFrame struct {
		Method string `json:"method"`
		Result any    `json:"result"`
		ID     *int64 `json:"id"`
	}
	replies := make(chan pongFrame, 2)
	hold := make(chan struct{})
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		if !ackHandshake(conn, 3) {
			return
		}
		conn.WriteJSON(map[string]any{"method": "ping", "id": 42})
		var withID pongFrame
		if err := conn.ReadJSON(&withID); err != nil {
			return
		}
		replies <- withID

		pushFrame(conn, "ping", nil)
		var plain pongFrame
		if err := conn.ReadJSON(&plain); err != nil {
			return
		}
		replies <- plain

		pushFrame(conn, "balance", map[string]any{
			"asset":     "BTC",
			"available": "2",
			"held":      "0",
		})
		<-hold
	})
	defer close(hold)

	session, _ := testSession(t, wsURL, 5)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	select {
	case reply := <-replies:
		if reply.ID == nil || *reply.ID != 42 || reply.Result != "pong" {
			t.Fatalf("ping reply = %+v, want result pong echoing id 42", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the id-carrying ping reply")
	}
	select {
	case reply := <-replies:
		if reply.Method != "pong" {
			t.Fatalf("plain ping reply method = %q, want pong", reply.Method)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the plain ping reply")
	}

	// The read loop is still pumping data events after the heartbeats.
	ev := waitEvent(t, session.Events())
	if ev.Type != core.EventBalance {
		t.Fatalf("event type = %q, want %q after heartbeats", ev.Type, core.EventBalance)
	}

	session.Close()
	waitExit(t, done)
}

func TestSessionBorrowedConnNotClosed(t *testing.T) {
	hold := make(chan struct{})
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		if !ackHandshake(conn, 3) {
			return
		}
		pushFrame(conn, "balance", map[string]any{
			"asset":     "BTC",
			"available": "1",
			"held":      "0",
		})
		<-hold
	})
	defer close(hold)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	session, _ := testSession(t, wsURL, 5)
	session.AttachConn(conn)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	ev := waitEvent(t, session.Events())
	if ev.Type != core.EventBalance {
		t.Fatalf("event type = %q, want %q", ev.Type, core.EventBalance)
	}

	session.Close()
	if err := waitExit(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil after Close", err)
	}

	// The session borrowed the connection, so it must still be writable.
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("borrowed conn write after session exit: %v", err)
	}
}

func TestSessionRunStopsOnContextCancel(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	_, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		if !ackHandshake(conn, 3) {
			return
		}
		<-hold
	})

	session, _ := testSession(t, wsURL, 5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for session.State() != StateSubscribed {
		if time.Now().After(deadline) {
			t.Fatal("session never reached subscribed state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := waitExit(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestNewSessionRejectsBadScheme(t *testing.T) {
	for _, raw := range []string{"http://api.example.com", "ftp://api.example.com", ""} {
		cfg := config.ExchangeConfig{WSURL: raw}
		if _, err := NewSession(cfg, "BTC/USDT", testSigner(t), safety.NewBreaker(5, discardLog()), discardLog()); err == nil {
			t.Fatalf("NewSession(%q) error = nil, want scheme rejection", raw)
		}
	}
}
