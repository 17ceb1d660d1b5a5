// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextcloud/go_call_client/internal/callstate"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/signaling"
	"github.com/pion/webrtc/v4"
)

func (o *Orchestrator) handleIncomingCall(payload json.RawMessage, group bool) {
	p, err := signaling.Decode[signaling.IncomingCall](payload)
	if err != nil {
		o.logger.Warn("malformed incoming call", "error", err)
		return
	}
	kind, err := media.ParseKind(p.CallType)
	if err != nil {
		o.logger.Warn("unknown call type, assuming audio", "call_type", p.CallType)
		kind = media.KindAudio
	}

	now := o.cfg.Now()
	n := &IncomingCallNotice{
		CallerID:       p.CallerID,
		CallerName:     p.CallerName,
		CallerAvatar:   p.CallerAvatar,
		ConversationID: p.ConversationID,
		CallID:         p.CallID,
		Kind:           kind,
		Group:          group || p.IsGroupCall,
		ReceivedAt:     now,
		Deadline:       now.Add(o.cfg.RingTimeout),
	}

	o.mu.Lock()
	if o.session != nil || o.machine.State() != callstate.Idle {
		o.mu.Unlock()
		o.logger.Info("busy, declining incoming call", "caller_id", n.CallerID, "group", n.Group)
		if !n.Group {
			_ = o.rejectRemote(context.Background(), n)
		}
		return
	}
	if o.notice != nil {
		o.mu.Unlock()
		o.logger.Info("already ringing, ignoring incoming call", "caller_id", n.CallerID)
		return
	}
	o.notice = n
	o.ringTimer = time.AfterFunc(o.cfg.RingTimeout, func() { o.expire(n) })
	o.mu.Unlock()

	o.logger.Info("incoming call", "caller_id", n.CallerID, "conversation_id", n.ConversationID, "group", n.Group)
	o.notifier.Notify(Notice{Kind: NoticeIncomingCall, Incoming: n})
}

func (o *Orchestrator) handleCallOffer(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.CallOffer](payload)
	if err != nil {
		o.logger.Warn("malformed call offer", "error", err)
		return
	}
	offer, err := p.Offer.ToPion()
	if err != nil {
		o.logger.Warn("invalid call offer", "sender_id", p.SenderID, "error", err)
		return
	}

	o.mu.Lock()
	sess := o.session
	if sess == nil {
		n := o.notice
		if n != nil && (n.Group || n.CallerID == p.SenderID) {
			o.pendingOffers[p.SenderID] = offer
			o.mu.Unlock()
			o.logger.Debug("holding offer until call is accepted", "sender_id", p.SenderID)
			return
		}
		o.mu.Unlock()
		o.logger.Debug("ignoring offer outside a call", "sender_id", p.SenderID)
		return
	}
	if sess.Topology == TopologyDirect && !sess.hasRemote(p.SenderID) {
		o.mu.Unlock()
		o.logger.Debug("ignoring offer from outside the call", "sender_id", p.SenderID)
		return
	}
	if !sess.ready {
		o.pendingOffers[p.SenderID] = offer
		o.mu.Unlock()
		o.logger.Debug("holding offer until local media is ready", "sender_id", p.SenderID)
		return
	}
	o.mu.Unlock()

	o.answerOffer(context.Background(), sess, p.SenderID, offer)
}

func (o *Orchestrator) answerOffer(ctx context.Context, sess *Session, senderID string, offer webrtc.SessionDescription) {
	if !o.isCurrent(sess) {
		return
	}

	answer, err := o.media.CreateAnswer(senderID, offer)
	if err != nil {
		o.negotiationFailed(sess, senderID, err)
		return
	}
	if err := o.invoke(ctx, signaling.MethodSendCallAnswer, senderID, signaling.SessionDescriptionFromPion(answer)); err != nil {
		o.negotiationFailed(sess, senderID, fmt.Errorf("sending answer: %w", err))
		return
	}

	o.mu.Lock()
	if o.session == sess {
		sess.addRemote(senderID)
		sess.negotiated[senderID] = true
	}
	o.mu.Unlock()
	o.logger.Debug("answered offer", "call_id", sess.ID, "sender_id", senderID)
}

func (o *Orchestrator) handleCallAnswer(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.CallAnswer](payload)
	if err != nil {
		o.logger.Warn("malformed call answer", "error", err)
		return
	}
	answer, err := p.Answer.ToPion()
	if err != nil {
		o.logger.Warn("invalid call answer", "sender_id", p.SenderID, "error", err)
		return
	}

	o.mu.Lock()
	sess := o.session
	if sess == nil || !sess.hasRemote(p.SenderID) {
		o.mu.Unlock()
		o.logger.Debug("ignoring answer outside a call", "sender_id", p.SenderID)
		return
	}
	o.mu.Unlock()

	if err := o.media.ApplyAnswer(p.SenderID, answer); err != nil {
		o.negotiationFailed(sess, p.SenderID, err)
		return
	}

	o.mu.Lock()
	if o.session == sess {
		sess.negotiated[p.SenderID] = true
	}
	o.mu.Unlock()
}

func (o *Orchestrator) handleIceCandidate(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.IceCandidate](payload)
	if err != nil {
		o.logger.Warn("malformed ice candidate", "error", err)
		return
	}

	o.mu.Lock()
	active := o.session != nil || o.notice != nil
	o.mu.Unlock()
	if !active {
		o.logger.Debug("ignoring candidate outside a call", "sender_id", p.SenderID)
		return
	}

	o.media.AddRemoteCandidate(p.SenderID, p.Candidate.ToPion())
}

func (o *Orchestrator) handleUserJoined(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.UserJoinedGroupCall](payload)
	if err != nil {
		o.logger.Warn("malformed group join", "error", err)
		return
	}
	if p.UserID == "" || p.UserID == o.cfg.SelfID {
		return
	}

	o.mu.Lock()
	sess := o.session
	if sess == nil || sess.Topology != TopologyGroup || !sess.ready {
		o.mu.Unlock()
		o.logger.Debug("ignoring group join outside a group call", "user_id", p.UserID)
		return
	}
	if sess.negotiated[p.UserID] {
		o.mu.Unlock()
		return
	}
	sess.addRemote(p.UserID)
	o.mu.Unlock()

	o.logger.Info("participant joined group call", "call_id", sess.ID, "user_id", p.UserID, "user_name", p.UserName)

	offer, err := o.media.CreateOffer(p.UserID)
	if err != nil {
		o.negotiationFailed(sess, p.UserID, err)
		return
	}
	if err := o.invoke(context.Background(), signaling.MethodSendCallOffer, p.UserID,
		signaling.SessionDescriptionFromPion(offer)); err != nil {
		o.negotiationFailed(sess, p.UserID, fmt.Errorf("sending offer: %w", err))
	}
}

func (o *Orchestrator) handleCallRejected(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.CallRejected](payload)
	if err != nil {
		o.logger.Debug("ignoring malformed rejection payload", "error", err)
	}

	o.mu.Lock()
	sess := o.session
	n := o.notice
	o.mu.Unlock()

	if sess != nil {
		if sess.Topology == TopologyGroup {
			o.logger.Info("group call invitation declined", "user_id", p.UserID)
			return
		}
		if o.machine.State() != callstate.Ringing {
			o.logger.Debug("ignoring rejection outside ringing", "state", string(o.machine.State()))
			return
		}
		if o.teardown(sess, callstate.EventRemoteRejected) {
			o.logger.Info("call rejected by recipient", "call_id", sess.ID)
			o.notifier.Notify(Notice{Kind: NoticeCallRejected, CallID: sess.ID})
		}
		return
	}

	if n != nil && o.dismiss(n) {
		o.media.CloseAll()
		o.notifier.Notify(Notice{Kind: NoticeMissedCall, Incoming: n})
	}
}

func (o *Orchestrator) handleCallEnded(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.CallEnded](payload)
	if err != nil {
		o.logger.Debug("ignoring malformed call end payload", "error", err)
	}

	o.mu.Lock()
	sess := o.session
	n := o.notice
	o.mu.Unlock()

	if sess != nil {
		if o.teardown(sess, callstate.EventHangUp) {
			o.logger.Info("call ended by remote", "call_id", sess.ID, "duration", p.Duration)
			o.notifier.Notify(Notice{Kind: NoticeCallEnded, CallID: sess.ID, DurationSeconds: p.Duration})
		}
		return
	}

	if n != nil && o.dismiss(n) {
		o.media.CloseAll()
		o.notifier.Notify(Notice{Kind: NoticeMissedCall, Incoming: n})
	}
}

func (o *Orchestrator) handleCallInitiated(payload json.RawMessage) {
	p, err := signaling.Decode[signaling.CallInitiated](payload)
	if err != nil {
		o.logger.Warn("malformed call initiation", "error", err)
		return
	}

	o.mu.Lock()
	sess := o.session
	if sess == nil || !sess.Outbound {
		o.mu.Unlock()
		return
	}
	if p.CallID != "" {
		sess.ServerCallID = p.CallID
	}
	group := p.IsGroupCall || sess.Topology == TopologyGroup
	o.mu.Unlock()

	o.logger.Debug("call initiated", "call_id", sess.ID, "server_call_id", p.CallID, "status", p.Status)
	if group {
		_ = o.advance(sess, callstate.EventGroupEstablished)
	}
}

func (o *Orchestrator) handleMediaEvent(ev media.Event) {
	switch ev.Type {
	case media.EventICECandidate:
		o.mu.Lock()
		active := o.session != nil
		o.mu.Unlock()
		if !active {
			return
		}
		if err := o.invoke(context.Background(), signaling.MethodSendIceCandidate, ev.ParticipantID,
			signaling.CandidateFromPion(ev.Candidate)); err != nil {
			o.logger.Warn("failed to send ice candidate", "participant_id", ev.ParticipantID, "error", err)
		}

	case media.EventConnectionState:
		o.handleConnectionState(ev.ParticipantID, ev.State)

	case media.EventRemoteStream:
		o.mu.Lock()
		sess := o.session
		o.mu.Unlock()
		if sess == nil {
			return
		}
		o.notifier.Notify(Notice{
			Kind:          NoticeRemoteStream,
			CallID:        sess.ID,
			ParticipantID: ev.ParticipantID,
			TrackKind:     ev.TrackKind.String(),
		})
	}
}

func (o *Orchestrator) handleConnectionState(participantID string, state webrtc.PeerConnectionState) {
	o.mu.Lock()
	sess := o.session
	if sess == nil || !sess.hasRemote(participantID) {
		o.mu.Unlock()
		return
	}
	group := sess.Topology == TopologyGroup
	if state == webrtc.PeerConnectionStateConnected {
		sess.connected[participantID] = true
	}
	o.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		_ = o.advance(sess, callstate.EventPeerConnected)

	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		// A lost link ends the whole call, group calls included.
		err := fmt.Errorf("%w: peer connection %s", ErrConnectionLost, state)
		if o.teardown(sess, callstate.EventConnectionLost) {
			if group {
				o.notifier.Notify(Notice{Kind: NoticeParticipantLeft, CallID: sess.ID, ParticipantID: participantID})
			}
			o.logger.Warn("call connection lost", "call_id", sess.ID, "participant_id", participantID, "error", err)
			o.notifier.Notify(Notice{
				Kind:    NoticeCallFailed,
				CallID:  sess.ID,
				Error:   ErrorCode(err),
				Message: err.Error(),
			})
		}
	}
}

// negotiationFailed drops one participant of a group call, or the whole call
// when it is 1:1.
func (o *Orchestrator) negotiationFailed(sess *Session, participantID string, err error) {
	if !o.isCurrent(sess) {
		return
	}
	if sess.Topology != TopologyGroup {
		_ = o.abort(sess, err)
		return
	}

	o.logger.Warn("negotiation with participant failed", "call_id", sess.ID, "participant_id", participantID, "error", err)
	o.media.ClosePeer(participantID)
	o.mu.Lock()
	if o.session == sess {
		sess.removeRemote(participantID)
	}
	o.mu.Unlock()
	o.notifier.Notify(Notice{
		Kind:          NoticeCallFailed,
		CallID:        sess.ID,
		ParticipantID: participantID,
		Error:         ErrorCode(err),
		Message:       err.Error(),
	})
}
