// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

type recordedCall struct {
	Method string
	Params json.RawMessage
}

type testServer struct {
	srv *httptest.Server

	// rejectHandshakes fails that many handshakes before accepting.
	rejectHandshakes atomic.Int32
	refuse           atomic.Bool
	handshakes       atomic.Int32

	mu    sync.Mutex
	conns []*jsonrpc2.Conn
	calls []recordedCall
	auth  []string
	conn  chan *jsonrpc2.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{conn: make(chan *jsonrpc2.Conn, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.handshakes.Add(1)
		if ts.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if ts.rejectHandshakes.Load() > 0 {
			ts.rejectHandshakes.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
			var params json.RawMessage
			if req.Params != nil {
				params = append(params, *req.Params...)
			}
			ts.mu.Lock()
			ts.calls = append(ts.calls, recordedCall{Method: req.Method, Params: params})
			ts.mu.Unlock()
			if req.Method == "Fail" {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "failed on purpose"}
			}
			return "ok", nil
		})
		conn := jsonrpc2.NewConn(context.Background(), wsjsonrpc2.NewObjectStream(ws), handler)

		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.auth = append(ts.auth, r.Header.Get("Authorization"))
		ts.mu.Unlock()
		ts.conn <- conn
	}))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, c := range ts.conns {
			_ = c.Close()
		}
		ts.mu.Unlock()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) url() string {
	return ts.srv.URL
}

func (ts *testServer) nextConn(t *testing.T) *jsonrpc2.Conn {
	t.Helper()
	select {
	case c := <-ts.conn:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection reached the server")
		return nil
	}
}

func (ts *testServer) recorded() []recordedCall {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedCall(nil), ts.calls...)
}

func newTestChannel(ts *testServer) *Channel {
	return NewChannel(Config{
		URL:              ts.url(),
		HandshakeTimeout: 2 * time.Second,
		RetryDelay:       10 * time.Millisecond,
		ReconnectBackoff: []time.Duration{0, 0, 10 * time.Millisecond},
	})
}

func waitStatus(t *testing.T, c *Channel, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", c.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSanitizeWebSocketURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"http://example.com/hub/":  "ws://example.com/hub",
		"https://example.com/hub":  "wss://example.com/hub",
		"wss://example.com/hub":    "wss://example.com/hub",
		"ws://127.0.0.1:8080/rpc/": "ws://127.0.0.1:8080/rpc",
	}
	for in, want := range tests {
		if got := sanitizeWebSocketURL(in); got != want {
			t.Errorf("sanitizeWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnwrapParams(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`{"a":1}`:           `{"a":1}`,
		`[{"a":1}]`:         `{"a":1}`,
		`["x","y"]`:         `["x","y"]`,
		`  [ {"callId":2}]`: `{"callId":2}`,
	}
	for in, want := range tests {
		if got := string(unwrapParams(json.RawMessage(in))); got != want {
			t.Errorf("unwrapParams(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestInvokeWithoutConnection(t *testing.T) {
	t.Parallel()

	c := NewChannel(Config{URL: "ws://127.0.0.1:1"})
	defer c.Close()

	_, err := c.Invoke(context.Background(), MethodRegisterUser, "alice")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectInvokeAndEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	// Registered before any connection exists.
	var mu sync.Mutex
	var got []IncomingCall
	c.On(EventIncomingCall, func(p json.RawMessage) {
		v, err := Decode[IncomingCall](p)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "secret-token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", c.Status())
	}
	server := ts.nextConn(t)

	res, err := c.Invoke(ctx, MethodRegisterUser, "alice")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(res) != `"ok"` {
		t.Fatalf("unexpected result %s", res)
	}

	calls := ts.recorded()
	if len(calls) != 1 || calls[0].Method != MethodRegisterUser || string(calls[0].Params) != `["alice"]` {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	ts.mu.Lock()
	auth := ts.auth[0]
	ts.mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", auth)
	}

	for _, id := range []string{"bob", "carol", "dave"} {
		if err := server.Notify(ctx, EventIncomingCall, IncomingCall{CallerID: id, ConversationID: "c1"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d events, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"bob", "carol", "dave"} {
		if got[i].CallerID != want {
			t.Fatalf("event %d from %q, want %q", i, got[i].CallerID, want)
		}
	}
}

func TestInvokeRemoteError(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.Invoke(ctx, "Fail")
	if err == nil || !strings.Contains(err.Error(), "failed on purpose") {
		t.Fatalf("expected remote error, got %v", err)
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatal("remote error reported as not connected")
	}
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(ctx, "tok")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if n := ts.handshakes.Load(); n != 1 {
		t.Fatalf("expected 1 handshake, got %d", n)
	}
}

func TestInitialConnectRetries(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.rejectHandshakes.Store(2)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := ts.handshakes.Load(); n != 3 {
		t.Fatalf("expected 3 handshakes, got %d", n)
	}
}

func TestConnectGivesUpWithContext(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.refuse.Store(true)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx, "tok"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	var mu sync.Mutex
	var changes []StatusChange
	c.OnStatus(func(ch StatusChange) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})
	events := make(chan string, 4)
	c.On(EventCallEnded, func(json.RawMessage) { events <- EventCallEnded })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := ts.nextConn(t)
	_ = first.Close()

	second := ts.nextConn(t)
	waitStatus(t, c, StatusConnected)

	if _, err := c.Invoke(ctx, MethodRegisterUser, "alice"); err != nil {
		t.Fatalf("invoke after reconnect: %v", err)
	}
	if err := second.Notify(ctx, EventCallEnded, CallEnded{Duration: 3}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered after reconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		reconnected := false
		for _, ch := range changes {
			if ch.Reconnected() {
				reconnected = true
			}
		}
		mu.Unlock()
		if reconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reconnected status change observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectExhausted(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.nextConn(t)

	ts.refuse.Store(true)
	_ = server.Close()

	waitStatus(t, c, StatusDisconnected)
	if _, err := c.Invoke(ctx, MethodRegisterUser, "alice"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	// One initial handshake plus one per backoff step.
	if n := ts.handshakes.Load(); n != 4 {
		t.Fatalf("expected 4 handshakes, got %d", n)
	}

	// A later Connect starts over.
	ts.refuse.Store(false)
	if err := c.Connect(ctx, "tok"); err != nil {
		t.Fatalf("connect after giving up: %v", err)
	}
}

func TestOff(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	rejected := make(chan struct{}, 4)
	ended := make(chan struct{}, 4)
	c.On(EventCallRejected, func(json.RawMessage) { rejected <- struct{}{} })
	c.On(EventCallRejected, func(json.RawMessage) { rejected <- struct{}{} })
	c.On(EventCallEnded, func(json.RawMessage) { ended <- struct{}{} })
	c.Off(EventCallRejected)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.nextConn(t)
	_ = server.Notify(ctx, EventCallRejected, CallRejected{UserID: "bob"})
	_ = server.Notify(ctx, EventCallEnded, CallEnded{})

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("remaining subscription not delivered")
	}
	select {
	case <-rejected:
		t.Fatal("removed subscription still delivered")
	default:
	}
}

func TestAcquireRefCount(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := newTestChannel(ts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	releaseA, err := c.Acquire(ctx, "tok")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	releaseB, err := c.Acquire(ctx, "tok")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	releaseA()
	releaseA()
	if c.Status() != StatusConnected {
		t.Fatalf("status = %s after first release, want connected", c.Status())
	}
	releaseB()
	if c.Status() != StatusDisconnected {
		t.Fatalf("status = %s after last release, want disconnected", c.Status())
	}
	if n := ts.handshakes.Load(); n != 1 {
		t.Fatalf("expected 1 handshake, got %d", n)
	}
}

func TestSessionDescriptionToPion(t *testing.T) {
	t.Parallel()

	if _, err := (SessionDescription{Type: "rollback"}).ToPion(); err == nil {
		t.Fatal("expected error for unsupported type")
	}
	desc, err := (SessionDescription{Type: "answer", SDP: "v=0"}).ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	if got := SessionDescriptionFromPion(desc); got.Type != "answer" || got.SDP != "v=0" {
		t.Fatalf("unexpected description %+v", got)
	}
}
