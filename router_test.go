package comlink

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func newTestRouter(t *testing.T, opts ...Options) (*Router, string) {
	t.Helper()
	router := NewRouter(opts...)
	router.Init()
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return router, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dialRaw opens a bare WebSocket and consumes the initial config frame,
// returning the assigned session id. Used to send frames the client
// engine would never produce.
func dialRaw(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	var cfg envelope
	readFrame(t, ws, &cfg)
	if cfg.Type != TypeConfig {
		t.Fatalf("expected config as the first frame, got %q", cfg.Type)
	}
	if cfg.SessionID == "" {
		t.Fatal("config frame must assign a session id")
	}
	return ws, cfg.SessionID
}

func readFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	router, url := newTestRouter(t)
	router.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"reply": "pong"}, nil
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("ping", nil, sessionID)
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Type != TypeResponse || resp.RequestID != req.RequestID {
		t.Fatalf("expected a correlated response, got %+v", resp)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["reply"] != "pong" {
		t.Fatalf("handler data must cross unchanged, got %v", data)
	}
}

func TestUnknownAction(t *testing.T) {
	router, url := newTestRouter(t)
	var handlerCalls atomic.Int32
	router.Handle("known", func(ctx context.Context, req *Request) (any, error) {
		handlerCalls.Add(1)
		return nil, nil
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("definitelyNotRegistered", nil, sessionID)
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success {
		t.Fatal("unknown action must fail")
	}
	if resp.Error != "Unknown action" {
		t.Fatalf("expected generic unknown-action message, got %q", resp.Error)
	}
	if handlerCalls.Load() != 0 {
		t.Fatal("no handler may run for an unknown action")
	}
}

func TestHandlerReplacementLastWriteWins(t *testing.T) {
	router, url := newTestRouter(t)
	router.Handle("greet", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"v": "first"}, nil
	})
	router.Handle("greet", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"v": "second"}, nil
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("greet", nil, sessionID)
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	var data map[string]string
	json.Unmarshal(resp.Data, &data)
	if data["v"] != "second" {
		t.Fatalf("later registration must win, got %v", data)
	}
}

func TestMalformedRequestRejected(t *testing.T) {
	_, url := newTestRouter(t)
	ws, sessionID := dialRaw(t, url)

	// Missing action.
	writeFrame(t, ws, map[string]any{
		"type":      "request",
		"requestId": uuid.NewString(),
		"timestamp": time.Now().UnixMilli(),
		"senderId":  sessionID,
	})

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success || resp.Error != "Invalid data format" {
		t.Fatalf("expected shape rejection, got %+v", resp)
	}

	// Unparseable frame.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	readFrame(t, ws, &resp)
	if resp.Success || resp.Code != CodeParseError {
		t.Fatalf("expected parse-error rejection, got %+v", resp)
	}
}

func TestStaleRequestRejected(t *testing.T) {
	router, url := newTestRouter(t, Options{MaxRequestAge: 100 * time.Millisecond})
	var handlerCalls atomic.Int32
	router.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		handlerCalls.Add(1)
		return nil, nil
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("ping", nil, sessionID)
	req.Timestamp = time.Now().Add(-time.Second).UnixMilli()
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success || resp.Error != "Request expired" {
		t.Fatalf("expected replay rejection, got %+v", resp)
	}
	if handlerCalls.Load() != 0 {
		t.Fatal("stale request must not reach the handler")
	}
}

func TestForgedSenderRejected(t *testing.T) {
	router, url := newTestRouter(t)
	router.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		return nil, nil
	})

	ws, _ := dialRaw(t, url)
	req, _ := NewRequest("ping", nil, "some-other-session")
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success || resp.Error != "Not authorized" {
		t.Fatalf("expected sender-mismatch rejection, got %+v", resp)
	}
}

func TestRateLimitOverWire(t *testing.T) {
	router, url := newTestRouter(t, Options{MaxRequestRate: 2, RateWindow: time.Minute})
	router.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		return nil, nil
	})

	ws, sessionID := dialRaw(t, url)

	for i := 0; i < 2; i++ {
		req, _ := NewRequest("ping", nil, sessionID)
		writeFrame(t, ws, req)
		var resp envelope
		readFrame(t, ws, &resp)
		if !resp.Success {
			t.Fatalf("request %d within the window must pass, got %q", i+1, resp.Error)
		}
	}

	req, _ := NewRequest("ping", nil, sessionID)
	writeFrame(t, ws, req)
	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success || resp.Error != "Rate limit exceeded" {
		t.Fatalf("expected rate-limit rejection, got %+v", resp)
	}
}

func TestHandlerErrorMessageCrossesWire(t *testing.T) {
	router, url := newTestRouter(t)
	router.Handle("buy", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("insufficient funds")
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("buy", nil, sessionID)
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success || resp.Error != "insufficient funds" {
		t.Fatalf("signaled failure must keep its message, got %+v", resp)
	}
}

func TestHandlerPanicYieldsGenericError(t *testing.T) {
	router, url := newTestRouter(t)
	router.Handle("boom", func(ctx context.Context, req *Request) (any, error) {
		panic("secret internal state")
	})

	ws, sessionID := dialRaw(t, url)
	req, _ := NewRequest("boom", nil, sessionID)
	writeFrame(t, ws, req)

	var resp envelope
	readFrame(t, ws, &resp)
	if resp.Success {
		t.Fatal("panicking handler must fail the request")
	}
	if resp.Error != "Operation failed" {
		t.Fatalf("expected generic failure, got %q", resp.Error)
	}
	if strings.Contains(resp.Error, "secret") {
		t.Fatal("internal cause must never cross the wire")
	}
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	router, url := newTestRouter(t)

	ws1, _ := dialRaw(t, url)
	ws2, _ := dialRaw(t, url)
	waitForSessions(t, router, 2)

	router.Broadcast("announcement", map[string]string{"text": "hello"})

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		var ev envelope
		readFrame(t, ws, &ev)
		if ev.Type != TypeEvent || ev.EventName != "announcement" {
			t.Fatalf("expected broadcast event, got %+v", ev)
		}
		if ev.RequestID != "" {
			t.Fatal("events must not carry a request id")
		}
	}
}

func TestSendToSingleSession(t *testing.T) {
	router, url := newTestRouter(t)

	ws1, session1 := dialRaw(t, url)
	ws2, _ := dialRaw(t, url)
	waitForSessions(t, router, 2)

	if err := router.SendTo(session1, "whisper", map[string]string{"text": "psst"}); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	var ev envelope
	readFrame(t, ws1, &ev)
	if ev.EventName != "whisper" {
		t.Fatalf("expected whisper event, got %+v", ev)
	}

	ws2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := ws2.ReadMessage(); err == nil {
		t.Fatal("unicast must not reach other sessions")
	}

	if err := router.SendTo("no-such-session", "whisper", nil); err == nil {
		t.Fatal("SendTo for an unknown session must error")
	}
}

func TestPingPong(t *testing.T) {
	_, url := newTestRouter(t)
	ws, _ := dialRaw(t, url)

	writeFrame(t, ws, PingMessage{Type: TypePing})
	var pong envelope
	readFrame(t, ws, &pong)
	if pong.Type != TypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestDisconnectTearsDownSession(t *testing.T) {
	router, url := newTestRouter(t)

	var disconnected atomic.Int32
	router.OnDisconnect(func(ctx context.Context, s *Session) {
		disconnected.Add(1)
	})

	ws, _ := dialRaw(t, url)
	waitForSessions(t, router, 1)

	ws.Close()
	waitForSessions(t, router, 0)

	deadline := time.Now().Add(time.Second)
	for disconnected.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if disconnected.Load() != 1 {
		t.Fatal("disconnect hook must run exactly once")
	}
}

func TestConnectHookRejectsConnection(t *testing.T) {
	router := NewRouter()
	router.OnConnect(func(ctx context.Context, s *Session) error {
		return errors.New("full")
	})
	router.Init()
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return // rejected during upgrade is fine too
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("rejected connection must be closed without a config frame")
	}
	waitForSessions(t, router, 0)
}

func TestInitIsIdempotent(t *testing.T) {
	router := NewRouter()
	router.Init()
	router.Init()
	router.Init()
	// A second Init must not double-install built-ins or start another loop.
	router.regMu.RLock()
	builtins := len(router.builtin)
	router.regMu.RUnlock()
	if builtins == 0 || builtins > 4 {
		t.Fatalf("unexpected built-in middleware count %d", builtins)
	}
}

func TestShutdownNotifiesPeers(t *testing.T) {
	router, url := newTestRouter(t)

	ws, _ := dialRaw(t, url)
	waitForSessions(t, router, 1)

	router.Shutdown()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame after shutdown, got %v", err)
	}
	if closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close code, got %d", closeErr.Code)
	}
	waitForSessions(t, router, 0)
}

func waitForSessions(t *testing.T, router *Router, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for router.SessionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", n, router.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
