// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextcloud/go_call_client/internal/callstate"
	"github.com/nextcloud/go_call_client/internal/constants"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type Signaler interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	On(event string, fn func(json.RawMessage)) (off func())
}

type MediaSession interface {
	AcquireLocalStream(ctx context.Context, kind media.Kind) (*media.LocalStream, error)
	CreateOffer(participantID string) (webrtc.SessionDescription, error)
	CreateAnswer(participantID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(participantID string, answer webrtc.SessionDescription) error
	AddRemoteCandidate(participantID string, c webrtc.ICECandidateInit)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	ClosePeer(participantID string)
	CloseAll()
	Subscribe(fn func(media.Event)) (unsubscribe func())
}

type Config struct {
	SelfID        string
	RingTimeout   time.Duration
	GracePeriod   time.Duration
	TickInterval  time.Duration
	InvokeTimeout time.Duration
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = constants.RingTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = constants.TerminalGracePeriod
	}
	if c.TickInterval <= 0 {
		c.TickInterval = constants.DurationTickInterval
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = constants.InvokeTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Orchestrator binds signaling events and user commands to the media session
// and the call state machine. It owns at most one call and at most one
// ringing inbound call at a time.
type Orchestrator struct {
	cfg      Config
	sig      Signaler
	media    MediaSession
	notifier Notifier
	machine  *callstate.Machine
	logger   *slog.Logger

	mu            sync.Mutex
	session       *Session
	notice        *IncomingCallNotice
	ringTimer     *time.Timer
	stopTick      chan struct{}
	pendingOffers map[string]webrtc.SessionDescription
	unsubscribe   []func()

	timerMu    sync.Mutex
	graceTimer *time.Timer
}

func New(cfg Config, sig Signaler, ms MediaSession, notifier Notifier) *Orchestrator {
	cfg.setDefaults()
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}

	o := &Orchestrator{
		cfg:           cfg,
		sig:           sig,
		media:         ms,
		notifier:      notifier,
		pendingOffers: make(map[string]webrtc.SessionDescription),
		logger:        slog.With("component", "call_orchestrator", "self_id", cfg.SelfID),
	}
	o.machine = callstate.New(func(t callstate.Transition) {
		o.notifier.Notify(Notice{Kind: NoticeStateChanged, State: t.To})
	})
	return o
}

// Start subscribes to signaling and media events. Close undoes it.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.unsubscribe != nil {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	subs := []func(){
		o.sig.On(signaling.EventIncomingCall, func(p json.RawMessage) { o.handleIncomingCall(p, false) }),
		o.sig.On(signaling.EventIncomingGroupCall, func(p json.RawMessage) { o.handleIncomingCall(p, true) }),
		o.sig.On(signaling.EventUserJoinedGroupCall, o.handleUserJoined),
		o.sig.On(signaling.EventReceiveCallOffer, o.handleCallOffer),
		o.sig.On(signaling.EventReceiveCallAnswer, o.handleCallAnswer),
		o.sig.On(signaling.EventReceiveIceCandidate, o.handleIceCandidate),
		o.sig.On(signaling.EventCallRejected, o.handleCallRejected),
		o.sig.On(signaling.EventCallEnded, o.handleCallEnded),
		o.sig.On(signaling.EventCallInitiated, o.handleCallInitiated),
		o.media.Subscribe(o.handleMediaEvent),
	}

	o.mu.Lock()
	o.unsubscribe = subs
	o.mu.Unlock()
	o.logger.Debug("call orchestrator started")
}

// Close hangs up, rejects a ringing call and drops every subscription.
func (o *Orchestrator) Close() {
	_ = o.HangUp(context.Background())

	o.mu.Lock()
	n := o.notice
	subs := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if n != nil && o.dismiss(n) {
		o.media.CloseAll()
		_ = o.rejectRemote(context.Background(), n)
	}
	for _, off := range subs {
		off()
	}

	o.timerMu.Lock()
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.timerMu.Unlock()
	o.logger.Debug("call orchestrator closed")
}

func (o *Orchestrator) State() callstate.State {
	return o.machine.State()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{State: o.machine.State()}
	if o.session != nil {
		info := o.session.info()
		if o.session.stopwatch.Running() {
			info.Duration = int(o.session.stopwatch.Elapsed(o.cfg.Now()) / time.Second)
		}
		snap.Session = &info
	}
	if o.notice != nil {
		n := *o.notice
		snap.Incoming = &n
	}
	return snap
}

// StartCall places a 1:1 call: local media first, then ringing, then the
// server is told about the call and the recipient gets an offer.
func (o *Orchestrator) StartCall(ctx context.Context, conversationID, recipientID string, kind media.Kind) error {
	if recipientID == "" {
		return errors.New("recipient is required")
	}

	sess := o.newSession(TopologyDirect, conversationID, kind, true)
	sess.addRemote(recipientID)
	if err := o.reserve(sess); err != nil {
		return err
	}
	o.logger.Info("starting call", "call_id", sess.ID, "recipient_id", recipientID, "kind", string(kind))

	if _, err := o.media.AcquireLocalStream(ctx, kind); err != nil {
		return o.abort(sess, err)
	}
	if err := o.advance(sess, callstate.EventStartOutbound); err != nil {
		return err
	}
	if _, err := o.markReady(sess); err != nil {
		return err
	}

	if err := o.invoke(ctx, signaling.MethodInitiateCall, conversationID, recipientID, string(kind)); err != nil {
		return o.abort(sess, fmt.Errorf("initiating call: %w", err))
	}
	if !o.announce(sess) {
		// Hung up while the server was setting the call up.
		if err := o.invoke(ctx, signaling.MethodEndCall, recipientID, 0); err != nil {
			o.logger.Warn("failed to cancel call", "call_id", sess.ID, "error", err)
		}
		return ErrCallCancelled
	}

	offer, err := o.media.CreateOffer(recipientID)
	if err != nil {
		return o.abort(sess, err)
	}
	if err := o.invoke(ctx, signaling.MethodSendCallOffer, recipientID, signaling.SessionDescriptionFromPion(offer)); err != nil {
		return o.abort(sess, fmt.Errorf("sending offer: %w", err))
	}
	return nil
}

// StartGroupCall starts a mesh call in a conversation. The call counts as
// connected as soon as it is announced; members who join receive an offer.
func (o *Orchestrator) StartGroupCall(ctx context.Context, conversationID string, memberIDs []string, kind media.Kind) error {
	members := slices.DeleteFunc(slices.Clone(memberIDs), func(id string) bool {
		return id == "" || id == o.cfg.SelfID
	})

	sess := o.newSession(TopologyGroup, conversationID, kind, true)
	if err := o.reserve(sess); err != nil {
		return err
	}
	o.logger.Info("starting group call", "call_id", sess.ID, "conversation_id", conversationID, "members", len(members))

	if _, err := o.media.AcquireLocalStream(ctx, kind); err != nil {
		return o.abort(sess, err)
	}
	if err := o.advance(sess, callstate.EventStartOutbound, callstate.EventGroupEstablished); err != nil {
		return err
	}
	if _, err := o.markReady(sess); err != nil {
		return err
	}

	if err := o.invoke(ctx, signaling.MethodInitiateGroupCall, conversationID, string(kind), members); err != nil {
		return o.abort(sess, fmt.Errorf("initiating group call: %w", err))
	}
	return nil
}

func (o *Orchestrator) AcceptCall(ctx context.Context) error {
	o.mu.Lock()
	n := o.notice
	if n == nil {
		o.mu.Unlock()
		return ErrNoIncomingCall
	}
	if o.session != nil || o.machine.State() != callstate.Idle {
		o.mu.Unlock()
		return ErrCallInProgress
	}
	o.clearNoticeLocked()

	topology := TopologyDirect
	if n.Group {
		topology = TopologyGroup
	}
	sess := o.newSession(topology, n.ConversationID, n.Kind, false)
	sess.ServerCallID = n.CallID
	if !n.Group {
		// The caller is waiting on us already.
		sess.addRemote(n.CallerID)
		sess.announced = true
	}
	o.session = sess
	o.mu.Unlock()

	o.notifier.Notify(Notice{Kind: NoticeRingStopped, CallID: sess.ID})
	o.logger.Info("accepting call", "call_id", sess.ID, "caller_id", n.CallerID, "group", n.Group)

	if _, err := o.media.AcquireLocalStream(ctx, sess.Kind); err != nil {
		_ = o.rejectRemote(ctx, n)
		return o.abort(sess, err)
	}
	if err := o.advance(sess, callstate.EventAcceptInbound); err != nil {
		return err
	}

	if n.Group {
		if err := o.invoke(ctx, signaling.MethodJoinGroupCall, n.ConversationID, n.CallID); err != nil {
			return o.abort(sess, fmt.Errorf("joining group call: %w", err))
		}
	}

	held, err := o.markReady(sess)
	if err != nil {
		return err
	}
	for sender, offer := range held {
		o.answerOffer(ctx, sess, sender, offer)
	}
	return nil
}

func (o *Orchestrator) RejectCall(ctx context.Context) error {
	o.mu.Lock()
	n := o.notice
	o.mu.Unlock()

	if n == nil || !o.dismiss(n) {
		return ErrNoIncomingCall
	}
	o.media.CloseAll()
	o.notifier.Notify(Notice{Kind: NoticeRingStopped})
	o.logger.Info("rejecting call", "caller_id", n.CallerID)
	return o.rejectRemote(ctx, n)
}

// HangUp ends the current call. Without a call it does nothing.
func (o *Orchestrator) HangUp(ctx context.Context) error {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return nil
	}
	remoteID := ""
	if sess.Topology == TopologyDirect && sess.announced && len(sess.RemoteIDs) > 0 {
		remoteID = sess.RemoteIDs[0]
	}
	duration := sess.stopwatch.Elapsed(o.cfg.Now())
	o.mu.Unlock()

	if remoteID != "" {
		if err := o.invoke(ctx, signaling.MethodEndCall, remoteID, int(duration/time.Second)); err != nil {
			o.logger.Warn("failed to notify call end", "call_id", sess.ID, "error", err)
		}
	}

	if o.teardown(sess, callstate.EventHangUp) {
		o.logger.Info("call ended", "call_id", sess.ID, "duration", duration)
		o.notifier.Notify(Notice{Kind: NoticeCallEnded, CallID: sess.ID, DurationSeconds: int(duration / time.Second)})
	}
	return nil
}

func (o *Orchestrator) ToggleAudio() (bool, error) {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return false, ErrNoActiveCall
	}
	sess.AudioEnabled = !sess.AudioEnabled
	enabled := sess.AudioEnabled
	o.mu.Unlock()

	o.media.SetAudioEnabled(enabled)
	return enabled, nil
}

func (o *Orchestrator) ToggleVideo() (bool, error) {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return false, ErrNoActiveCall
	}
	sess.VideoEnabled = !sess.VideoEnabled
	enabled := sess.VideoEnabled
	o.mu.Unlock()

	o.media.SetVideoEnabled(enabled)
	return enabled, nil
}

func (o *Orchestrator) newSession(topology Topology, conversationID string, kind media.Kind, outbound bool) *Session {
	return &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		Topology:       topology,
		Outbound:       outbound,
		AudioEnabled:   true,
		VideoEnabled:   kind == media.KindVideo,
		negotiated:     make(map[string]bool),
		connected:      make(map[string]bool),
	}
}

// reserve claims the single call slot. A ringing inbound call also counts as
// busy.
func (o *Orchestrator) reserve(sess *Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil || o.notice != nil || o.machine.State() != callstate.Idle {
		return ErrCallInProgress
	}
	o.session = sess
	return nil
}

func (o *Orchestrator) isCurrent(sess *Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session == sess
}

// markReady flags local media as attached and hands back offers that arrived
// before.
func (o *Orchestrator) markReady(sess *Session) (map[string]webrtc.SessionDescription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != sess {
		return nil, ErrCallCancelled
	}
	sess.ready = true
	held := o.pendingOffers
	o.pendingOffers = make(map[string]webrtc.SessionDescription)
	return held, nil
}

// advance fires evs while sess still owns the call. The ownership check and
// the transitions share one lock with teardown.
func (o *Orchestrator) advance(sess *Session, evs ...callstate.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != sess {
		return ErrCallCancelled
	}
	for _, ev := range evs {
		if to, ok := o.machine.Fire(ev); ok && to == callstate.Connected {
			o.startClockLocked()
		}
	}
	return nil
}

// announce records that the remote side knows about the call. It reports
// false when sess is no longer current.
func (o *Orchestrator) announce(sess *Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != sess {
		return false
	}
	sess.announced = true
	return true
}

func (o *Orchestrator) fire(ev callstate.Event) (callstate.State, bool) {
	to, ok := o.machine.Fire(ev)
	if !ok {
		return to, false
	}
	switch {
	case to == callstate.Connected:
		o.startClock()
	case to.Terminal():
		o.scheduleReset()
	}
	return to, true
}

func (o *Orchestrator) abort(sess *Session, err error) error {
	if !o.isCurrent(sess) {
		return err
	}
	o.logger.Warn("call failed", "call_id", sess.ID, "error", err)
	o.notifier.Notify(Notice{
		Kind:    NoticeCallFailed,
		CallID:  sess.ID,
		Error:   ErrorCode(err),
		Message: err.Error(),
	})
	o.teardown(sess, callstate.EventHangUp)
	return err
}

// teardown releases everything held for sess and moves the machine to a
// terminal state. It reports false when sess was already gone.
func (o *Orchestrator) teardown(sess *Session, ev callstate.Event) bool {
	o.mu.Lock()
	if sess == nil || o.session != sess {
		o.mu.Unlock()
		return false
	}
	o.session = nil
	o.stopClockLocked()
	o.pendingOffers = make(map[string]webrtc.SessionDescription)
	o.mu.Unlock()

	o.media.CloseAll()
	if _, ok := o.fire(ev); !ok && ev != callstate.EventHangUp {
		o.fire(callstate.EventHangUp)
	}
	return true
}

func (o *Orchestrator) startClock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startClockLocked()
}

// Must be called with mu held.
func (o *Orchestrator) startClockLocked() {
	sess := o.session
	if sess == nil || sess.stopwatch.Running() {
		return
	}
	sess.stopwatch.Start(o.cfg.Now())
	stop := make(chan struct{})
	o.stopTick = stop
	go o.runClock(sess, stop)
}

// Must be called with mu held.
func (o *Orchestrator) stopClockLocked() {
	if o.stopTick != nil {
		close(o.stopTick)
		o.stopTick = nil
	}
}

func (o *Orchestrator) runClock(sess *Session, stop chan struct{}) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			if o.session != sess {
				o.mu.Unlock()
				return
			}
			sess.duration = sess.stopwatch.Elapsed(o.cfg.Now())
			seconds := int(sess.duration / time.Second)
			o.mu.Unlock()

			o.notifier.Notify(Notice{Kind: NoticeDuration, CallID: sess.ID, DurationSeconds: seconds})
		}
	}
}

func (o *Orchestrator) scheduleReset() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()

	if o.graceTimer != nil {
		o.graceTimer.Stop()
	}
	o.graceTimer = time.AfterFunc(o.cfg.GracePeriod, func() {
		o.fire(callstate.EventGraceElapsed)
	})
}

// dismiss removes n if it is still the ringing call. Exactly one caller wins.
func (o *Orchestrator) dismiss(n *IncomingCallNotice) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.notice != n {
		return false
	}
	o.clearNoticeLocked()
	o.pendingOffers = make(map[string]webrtc.SessionDescription)
	return true
}

// Must be called with mu held.
func (o *Orchestrator) clearNoticeLocked() {
	o.notice = nil
	if o.ringTimer != nil {
		o.ringTimer.Stop()
		o.ringTimer = nil
	}
}

func (o *Orchestrator) expire(n *IncomingCallNotice) {
	if !o.dismiss(n) {
		return
	}
	o.logger.Info("incoming call not answered, rejecting", "caller_id", n.CallerID)
	o.media.CloseAll()
	_ = o.rejectRemote(context.Background(), n)
	o.notifier.Notify(Notice{Kind: NoticeMissedCall, Incoming: n})
}

func (o *Orchestrator) rejectRemote(ctx context.Context, n *IncomingCallNotice) error {
	if err := o.invoke(ctx, signaling.MethodRejectCall, n.CallerID); err != nil {
		o.logger.Warn("failed to reject call", "caller_id", n.CallerID, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.InvokeTimeout)
	defer cancel()
	_, err := o.sig.Invoke(ctx, method, args...)
	return err
}
