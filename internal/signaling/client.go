// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nextcloud/go_call_client/internal/constants"
	"github.com/nextcloud/go_call_client/internal/eventbus"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

var (
	ErrNotConnected = errors.New("signaling channel is not connected")

	errClosed             = errors.New("signaling channel closed")
	errReconnectExhausted = errors.New("reconnect attempts exhausted")
)

type Config struct {
	URL              string
	SkipCertVerify   bool
	HandshakeTimeout time.Duration
	// RetryDelay separates attempts of the initial Connect.
	RetryDelay time.Duration
	// ReconnectBackoff is walked once after an established connection drops.
	ReconnectBackoff []time.Duration
}

type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Channel is the process-wide connection to the signaling server. It is
// created once and handed to whoever needs it.
type Channel struct {
	cfg    Config
	dialer websocket.Dialer

	mu         sync.Mutex
	conn       *jsonrpc2.Conn
	status     Status
	credential string
	attempt    *attempt
	refs       int
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]map[uint64]func()
	subID  uint64

	events   *eventbus.Bus[Event]
	statuses *eventbus.Bus[StatusChange]

	logger *slog.Logger
}

func NewChannel(cfg Config) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.HandshakeTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = constants.InitialConnectRetryDelay
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = constants.ReconnectBackoff
	}
	cfg.URL = sanitizeWebSocketURL(cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.SkipCertVerify && strings.HasPrefix(cfg.URL, "wss://") {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:        cfg,
		dialer:     dialer,
		status:     StatusDisconnected,
		lifeCtx:    ctx,
		lifeCancel: cancel,
		subs:       make(map[string]map[uint64]func()),
		events:     eventbus.New[Event]("signaling_events"),
		statuses:   eventbus.New[StatusChange]("signaling_status"),
		logger:     slog.With("component", "signaling", "url", cfg.URL),
	}
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect returns once a connection is live. Concurrent callers share the
// dial in flight. A failed dial is retried after the fixed retry delay until
// ctx is done or the channel is closed.
func (c *Channel) Connect(ctx context.Context, credential string) error {
	for {
		a := c.startAttempt(credential)
		if a == nil {
			return nil
		}

		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if a.err == nil {
			return nil
		}
		if errors.Is(a.err, errClosed) {
			return a.err
		}

		c.logger.Warn("signaling connect failed, retrying", "error", a.err, "retry_in", c.cfg.RetryDelay)
		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Acquire takes a reference on the channel, connecting on first use. The
// returned release drops it; the last release closes the channel.
func (c *Channel) Acquire(ctx context.Context, credential string) (release func(), err error) {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()

	if err := c.Connect(ctx, credential); err != nil {
		c.release()
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(c.release) }, nil
}

func (c *Channel) release() {
	c.mu.Lock()
	c.refs--
	last := c.refs <= 0
	if last {
		c.refs = 0
	}
	c.mu.Unlock()

	if last {
		c.Close()
	}
}

// Invoke calls a remote method. It waits for a connect attempt in flight and
// fails with ErrNotConnected when no connection is live. Failed sends are not
// retried.
func (c *Channel) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	a := c.attempt
	c.mu.Unlock()

	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("invoking %s: %w", method, ErrNotConnected)
	}

	if args == nil {
		args = []any{}
	}
	var result json.RawMessage
	if err := conn.Call(ctx, method, args, &result); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return nil, fmt.Errorf("invoking %s: %w", method, ErrNotConnected)
		}
		return nil, fmt.Errorf("invoking %s: %w", method, err)
	}
	c.logger.Debug("invoked remote method", "method", method)
	return result, nil
}

// On subscribes to a server event. Subscriptions belong to the channel, so
// they may be registered before any connection exists and survive reconnects.
func (c *Channel) On(event string, fn func(json.RawMessage)) (off func()) {
	unsubscribe := c.events.Subscribe(func(e Event) {
		if e.Name == event {
			fn(e.Payload)
		}
	})

	c.subsMu.Lock()
	c.subID++
	id := c.subID
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]func())
	}
	c.subs[event][id] = unsubscribe
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs[event], id)
		c.subsMu.Unlock()
		unsubscribe()
	}
}

// Off removes every subscription for event.
func (c *Channel) Off(event string) {
	c.subsMu.Lock()
	subs := c.subs[event]
	delete(c.subs, event)
	c.subsMu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

func (c *Channel) OnStatus(fn func(StatusChange)) (off func()) {
	return c.statuses.Subscribe(fn)
}

// Close tears the connection down and forgets it, so the next Connect starts
// from scratch. Subscriptions are kept.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.attempt = nil
	c.lifeCancel()
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			c.logger.Debug("closing signaling connection", "error", err)
		}
		c.logger.Info("signaling channel closed")
	}
}

func (c *Channel) startAttempt(credential string) *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	if c.attempt != nil {
		return c.attempt
	}

	c.credential = credential
	a := &attempt{done: make(chan struct{})}
	c.attempt = a
	c.setStatusLocked(StatusConnecting)
	go c.runAttempt(c.lifeCtx, a, credential)
	return a
}

func (c *Channel) runAttempt(ctx context.Context, a *attempt, credential string) {
	conn, err := c.dial(ctx, credential)

	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.finish(errClosed)
		return
	}
	c.attempt = nil
	if err != nil {
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		a.finish(err)
		return
	}
	c.conn = conn
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("connected to signaling server")
	a.finish(nil)
	go c.watch(conn)
}

func (c *Channel) watch(conn *jsonrpc2.Conn) {
	<-conn.DisconnectNotify()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	a := &attempt{done: make(chan struct{})}
	c.attempt = a
	c.setStatusLocked(StatusReconnecting)
	ctx := c.lifeCtx
	credential := c.credential
	c.mu.Unlock()

	c.logger.Warn("signaling connection lost, reconnecting")
	c.reconnect(ctx, a, credential)
}

func (c *Channel) reconnect(ctx context.Context, a *attempt, credential string) {
	for i, delay := range c.cfg.ReconnectBackoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			a.finish(errClosed)
			return
		}

		conn, err := c.dial(ctx, credential)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", i+1, "error", err)
			continue
		}

		c.mu.Lock()
		if c.attempt != a {
			c.mu.Unlock()
			conn.Close()
			a.finish(errClosed)
			return
		}
		c.attempt = nil
		c.conn = conn
		c.setStatusLocked(StatusConnected)
		c.mu.Unlock()

		c.logger.Info("reconnected to signaling server", "attempt", i+1)
		a.finish(nil)
		go c.watch(conn)
		return
	}

	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
		c.setStatusLocked(StatusDisconnected)
	}
	c.mu.Unlock()

	c.logger.Error("giving up on signaling connection", "attempts", len(c.cfg.ReconnectBackoff))
	a.finish(errReconnectExhausted)
}

func (c *Channel) dial(ctx context.Context, credential string) (*jsonrpc2.Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return jsonrpc2.NewConn(ctx, wsjsonrpc2.NewObjectStream(ws), &rpcHandler{c: c}), nil
}

// Must be called with mu held.
func (c *Channel) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	change := StatusChange{From: c.status, To: s}
	c.status = s
	c.logger.Debug("signaling status changed", "from", change.From.String(), "to", change.To.String())
	c.statuses.Publish(change)
}

type rpcHandler struct {
	c *Channel
}

// Handle runs on the connection's read loop and must not block: events are
// queued on the channel's bus.
func (h *rpcHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var payload json.RawMessage
	if req.Params != nil {
		payload = unwrapParams(*req.Params)
	}

	h.c.logger.Debug("signaling event received", "event", req.Method)
	h.c.events.Publish(Event{Name: req.Method, Payload: payload})

	if !req.Notif {
		if err := conn.Reply(ctx, req.ID, nil); err != nil {
			h.c.logger.Debug("failed to acknowledge server request", "method", req.Method, "error", err)
		}
	}
}

// unwrapParams accepts both a bare payload object and a single-element
// positional argument list.
func unwrapParams(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return raw
	}
	var args []json.RawMessage
	if err := json.Unmarshal(trimmed, &args); err != nil || len(args) != 1 {
		return raw
	}
	return args[0]
}

var httpToWS = regexp.MustCompile(`^http://`)
var httpsToWSS = regexp.MustCompile(`^https://`)

func sanitizeWebSocketURL(wsURL string) string {
	wsURL = httpToWS.ReplaceAllString(wsURL, "ws://")
	wsURL = httpsToWSS.ReplaceAllString(wsURL, "wss://")
	return strings.TrimRight(wsURL, "/")
}
