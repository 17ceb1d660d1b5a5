// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextcloud/go_call_client/internal/call"
	"github.com/nextcloud/go_call_client/internal/constants"
)

// Client is one UI connection receiving notices. *websocket.Conn satisfies it.
type Client interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	client Client
	mu     sync.Mutex
}

func (s *subscriber) send(n call.Notice, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.client.WriteJSON(n)
}

// Hub fans notices out to the UI and turns them into sound cues. Notify never
// blocks the caller.
type Hub struct {
	ch     chan call.Notice
	player SoundPlayer

	mu      sync.Mutex
	clients map[*subscriber]struct{}

	logger *slog.Logger
}

func NewHub(player SoundPlayer) *Hub {
	if player == nil {
		player = NewLogPlayer()
	}
	return &Hub{
		ch:      make(chan call.Notice, constants.NotifyQueueSize),
		player:  player,
		clients: make(map[*subscriber]struct{}),
		logger:  slog.With("component", "notify_hub"),
	}
}

func (h *Hub) Notify(n call.Notice) {
	select {
	case h.ch <- n:
	default:
		h.logger.Warn("notice queue full, dropping", "kind", string(n.Kind))
	}
}

// Register adds a UI client. The returned function removes and closes it.
func (h *Hub) Register(c Client) (unregister func()) {
	s := &subscriber{client: c}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ui client registered", "clients", count)

	var once sync.Once
	return func() {
		once.Do(func() { h.drop(s) })
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("notify hub started")
	defer h.logger.Debug("notify hub stopped")

	timeout := constants.SendTimeout
	timeoutCount := 0

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case n := <-h.ch:
			h.playCue(n)

			done := make(chan struct{})
			go func() {
				h.broadcast(n, timeout)
				close(done)
			}()

			select {
			case <-done:
				if timeoutCount > 0 {
					timeoutCount--
				}
				if timeoutCount == 0 && timeout > constants.SendTimeout {
					timeout = max(constants.SendTimeout, time.Duration(float64(timeout)/constants.TimeoutIncreaseFactor))
				}
			case <-time.After(timeout):
				h.logger.Error("timeout delivering notice", "kind", string(n.Kind), "timeout", timeout)
				if timeout <= constants.MaxNotifySendTimeout {
					timeoutCount++
					if timeoutCount >= 5 {
						timeout = time.Duration(float64(timeout) * constants.TimeoutIncreaseFactor)
						timeoutCount = 0
					}
				}
			case <-ctx.Done():
				h.closeAll()
				return
			}
		}
	}
}

func (h *Hub) broadcast(n call.Notice, timeout time.Duration) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.clients))
	for s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.send(n, timeout); err != nil {
			h.logger.Debug("dropping ui client after failed write", "error", err)
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	_, ok := h.clients[s]
	delete(h.clients, s)
	h.mu.Unlock()
	if ok {
		_ = s.client.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.clients
	h.clients = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		_ = s.client.Close()
	}
}

func (h *Hub) playCue(n call.Notice) {
	switch n.Kind {
	case call.NoticeIncomingCall:
		h.player.Play(SoundRingtone)
	case call.NoticeRingStopped, call.NoticeMissedCall:
		h.player.Stop(SoundRingtone)
	case call.NoticeCallEnded, call.NoticeCallRejected:
		h.player.Play(SoundHangup)
	case call.NoticeCallFailed:
		if n.ParticipantID == "" {
			h.player.Play(SoundHangup)
		}
	}
}
