// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextcloud/go_call_client/internal/call"
	"github.com/nextcloud/go_call_client/internal/constants"
)

type fakeClient struct {
	mu      sync.Mutex
	fail    bool
	written []call.Notice
	closed  int
}

func (c *fakeClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, v.(call.Notice))
	return nil
}

func (c *fakeClient) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) notices() []call.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.Notice(nil), c.written...)
}

type cue struct {
	play  bool
	sound Sound
}

type fakePlayer struct {
	mu   sync.Mutex
	cues []cue
}

func (p *fakePlayer) Play(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cues = append(p.cues, cue{play: true, sound: s})
}

func (p *fakePlayer) Stop(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cues = append(p.cues, cue{sound: s})
}

func (p *fakePlayer) played() []cue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cue(nil), p.cues...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startHub(t *testing.T, player SoundPlayer) *Hub {
	t.Helper()
	h := NewHub(player)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func TestBroadcastInOrder(t *testing.T) {
	t.Parallel()

	h := startHub(t, &fakePlayer{})
	a, b := &fakeClient{}, &fakeClient{}
	h.Register(a)
	h.Register(b)

	h.Notify(call.Notice{Kind: call.NoticeIncomingCall})
	h.Notify(call.Notice{Kind: call.NoticeRingStopped})
	h.Notify(call.Notice{Kind: call.NoticeStateChanged})

	for _, c := range []*fakeClient{a, b} {
		waitFor(t, func() bool { return len(c.notices()) == 3 })
		got := c.notices()
		if got[0].Kind != call.NoticeIncomingCall || got[2].Kind != call.NoticeStateChanged {
			t.Fatalf("unexpected order %+v", got)
		}
	}
}

func TestFailingClientIsDropped(t *testing.T) {
	t.Parallel()

	h := startHub(t, &fakePlayer{})
	good, bad := &fakeClient{}, &fakeClient{fail: true}
	h.Register(good)
	h.Register(bad)

	h.Notify(call.Notice{Kind: call.NoticeDuration, DurationSeconds: 1})
	waitFor(t, func() bool { return h.Clients() == 1 })
	waitFor(t, func() bool { return len(good.notices()) == 1 })

	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if closed != 1 {
		t.Fatalf("failing client closed %d times, want 1", closed)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	c := &fakeClient{}
	unregister := h.Register(c)
	if h.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", h.Clients())
	}
	unregister()
	unregister()
	if h.Clients() != 0 {
		t.Fatalf("clients = %d, want 0", h.Clients())
	}
	if c.closed != 1 {
		t.Fatalf("client closed %d times, want 1", c.closed)
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	done := make(chan struct{})
	go func() {
		for range constants.NotifyQueueSize + 10 {
			h.Notify(call.Notice{Kind: call.NoticeDuration})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestSoundCues(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	h := startHub(t, player)

	h.Notify(call.Notice{Kind: call.NoticeIncomingCall})
	h.Notify(call.Notice{Kind: call.NoticeMissedCall})
	h.Notify(call.Notice{Kind: call.NoticeCallFailed, ParticipantID: "bob"})
	h.Notify(call.Notice{Kind: call.NoticeCallEnded})

	want := []cue{
		{play: true, sound: SoundRingtone},
		{play: false, sound: SoundRingtone},
		{play: true, sound: SoundHangup},
	}
	waitFor(t, func() bool { return len(player.played()) == len(want) })
	for i, c := range player.played() {
		if c != want[i] {
			t.Fatalf("cue %d = %+v, want %+v", i, c, want[i])
		}
	}
}
