// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/pion/webrtc/v4"
)

type invocation struct {
	Method string
	Args   []any
}

type fakeSignaler struct {
	mu       sync.Mutex
	calls    []invocation
	handlers map[string]map[int]func(json.RawMessage)
	nextID   int
	fail     map[string]error
	hooks    map[string]func()
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		handlers: make(map[string]map[int]func(json.RawMessage)),
		fail:     make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

func (s *fakeSignaler) Invoke(_ context.Context, method string, args ...any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, invocation{Method: method, Args: args})
	err := s.fail[method]
	hook := s.hooks[method]
	delete(s.hooks, method)
	s.mu.Unlock()

	// The hook stands in for whatever happens while the request is in flight.
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`null`), nil
}

func (s *fakeSignaler) duringInvoke(method string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[method] = fn
}

func (s *fakeSignaler) On(event string, fn func(json.RawMessage)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.nextID++
	id := s.nextID
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

func (s *fakeSignaler) failOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = err
}

// emit delivers a server event synchronously, as the channel's dispatcher
// would.
func (s *fakeSignaler) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	s.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range s.handlers[event] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (s *fakeSignaler) invoked(method string) []invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []invocation
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeSignaler) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

type fakeMedia struct {
	mu           sync.Mutex
	acquireErr   error
	offerErr     error
	answerErr    error
	acquired     []media.Kind
	offers       []string
	answers      []string
	applied      []string
	candidates   map[string][]string
	closedPeers  []string
	closeAll     int
	audio        bool
	video        bool
	subscriber   func(media.Event)
	afterAcquire func()
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{candidates: make(map[string][]string), audio: true, video: true}
}

func (m *fakeMedia) AcquireLocalStream(_ context.Context, kind media.Kind) (*media.LocalStream, error) {
	m.mu.Lock()
	if m.acquireErr != nil {
		m.mu.Unlock()
		return nil, m.acquireErr
	}
	m.acquired = append(m.acquired, kind)
	after := m.afterAcquire
	m.afterAcquire = nil
	m.mu.Unlock()

	// Runs once, in the gap between capture and the call moving on.
	if after != nil {
		after()
	}
	return media.NewLocalStream(kind, nil, nil), nil
}

func (m *fakeMedia) CreateOffer(participantID string) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerErr != nil {
		return webrtc.SessionDescription{}, m.offerErr
	}
	m.offers = append(m.offers, participantID)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + participantID}, nil
}

func (m *fakeMedia) CreateAnswer(participantID string, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answerErr != nil {
		return webrtc.SessionDescription{}, m.answerErr
	}
	m.answers = append(m.answers, participantID)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + participantID}, nil
}

func (m *fakeMedia) ApplyAnswer(participantID string, _ webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, participantID)
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(participantID string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[participantID] = append(m.candidates[participantID], c.Candidate)
}

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = enabled
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = enabled
}

func (m *fakeMedia) ClosePeer(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedPeers = append(m.closedPeers, participantID)
}

func (m *fakeMedia) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAll++
}

func (m *fakeMedia) Subscribe(fn func(media.Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subscriber = nil
	}
}

func (m *fakeMedia) emit(ev media.Event) {
	m.mu.Lock()
	fn := m.subscriber
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *fakeMedia) snapshot(f func(m *fakeMedia)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) kinds(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	o       *Orchestrator
	sig     *fakeSignaler
	media   *fakeMedia
	notices *noticeRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.SelfID == "" {
		cfg.SelfID = "alice"
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 100 * time.Millisecond
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = time.Minute
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}

	h := &harness{
		sig:     newFakeSignaler(),
		media:   newFakeMedia(),
		notices: &noticeRecorder{},
	}
	h.o = New(cfg, h.sig, h.media, h.notices)
	h.o.Start()
	t.Cleanup(h.o.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
