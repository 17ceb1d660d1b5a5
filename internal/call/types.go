// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"errors"
	"slices"
	"time"

	"github.com/nextcloud/go_call_client/internal/callstate"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/signaling"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoActiveCall   = errors.New("no active call")
	ErrConnectionLost = errors.New("connection lost")
	ErrCallCancelled  = errors.New("call ended before setup completed")
)

type Topology string

const (
	TopologyDirect Topology = "direct"
	TopologyGroup  Topology = "group"
)

// Session is the call currently owned by the orchestrator. Fields are guarded
// by the orchestrator's lock.
type Session struct {
	ID             string
	ServerCallID   string
	ConversationID string
	Kind           media.Kind
	Topology       Topology
	Outbound       bool
	RemoteIDs      []string
	AudioEnabled   bool
	VideoEnabled   bool

	// ready is set once local media is attached; offers arriving before that
	// are held back.
	ready      bool
	// announced is set once the remote side knows about the call, so hanging
	// up has something to report.
	announced  bool
	negotiated map[string]bool
	connected  map[string]bool
	stopwatch  callstate.Stopwatch
	duration   time.Duration
}

func (s *Session) hasRemote(id string) bool {
	return slices.Contains(s.RemoteIDs, id)
}

func (s *Session) addRemote(id string) {
	if !s.hasRemote(id) {
		s.RemoteIDs = append(s.RemoteIDs, id)
	}
}

func (s *Session) removeRemote(id string) {
	s.RemoteIDs = slices.DeleteFunc(s.RemoteIDs, func(r string) bool { return r == id })
	delete(s.negotiated, id)
	delete(s.connected, id)
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:             s.ID,
		ServerCallID:   s.ServerCallID,
		ConversationID: s.ConversationID,
		Kind:           s.Kind,
		Topology:       s.Topology,
		Outbound:       s.Outbound,
		RemoteIDs:      slices.Clone(s.RemoteIDs),
		AudioEnabled:   s.AudioEnabled,
		VideoEnabled:   s.VideoEnabled,
		Duration:       int(s.duration / time.Second),
	}
	if s.stopwatch.Running() {
		started := s.stopwatch.StartedAt()
		info.StartedAt = &started
	}
	return info
}

type SessionInfo struct {
	ID             string     `json:"id"`
	ServerCallID   string     `json:"serverCallId,omitempty"`
	ConversationID string     `json:"conversationId"`
	Kind           media.Kind `json:"kind"`
	Topology       Topology   `json:"topology"`
	Outbound       bool       `json:"outbound"`
	RemoteIDs      []string   `json:"remoteIds"`
	AudioEnabled   bool       `json:"audioEnabled"`
	VideoEnabled   bool       `json:"videoEnabled"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Duration       int        `json:"durationSeconds"`
}

// IncomingCallNotice is a ringing inbound call awaiting accept or reject.
type IncomingCallNotice struct {
	CallerID       string     `json:"callerId"`
	CallerName     string     `json:"callerName"`
	CallerAvatar   string     `json:"callerAvatar,omitempty"`
	ConversationID string     `json:"conversationId"`
	CallID         string     `json:"callId,omitempty"`
	Kind           media.Kind `json:"kind"`
	Group          bool       `json:"group"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Deadline       time.Time  `json:"deadline"`
}

type Snapshot struct {
	State    callstate.State     `json:"state"`
	Session  *SessionInfo        `json:"session,omitempty"`
	Incoming *IncomingCallNotice `json:"incoming,omitempty"`
}

type NoticeKind string

const (
	NoticeStateChanged    NoticeKind = "state_changed"
	NoticeIncomingCall    NoticeKind = "incoming_call"
	NoticeRingStopped     NoticeKind = "ring_stopped"
	NoticeMissedCall      NoticeKind = "missed_call"
	NoticeCallRejected    NoticeKind = "call_rejected"
	NoticeCallEnded       NoticeKind = "call_ended"
	NoticeCallFailed      NoticeKind = "call_failed"
	NoticeDuration        NoticeKind = "duration"
	NoticeRemoteStream    NoticeKind = "remote_stream"
	NoticeParticipantLeft NoticeKind = "participant_left"
	NoticeSpeaking        NoticeKind = "speaking"
)

// Notice is a user-facing side effect: a toast, a sound cue or a UI update.
type Notice struct {
	Kind            NoticeKind          `json:"kind"`
	State           callstate.State     `json:"state,omitempty"`
	CallID          string              `json:"callId,omitempty"`
	ParticipantID   string              `json:"participantId,omitempty"`
	TrackKind       string              `json:"trackKind,omitempty"`
	DurationSeconds int                 `json:"durationSeconds,omitempty"`
	Speaking        bool                `json:"speaking,omitempty"`
	Error           string              `json:"error,omitempty"`
	Message         string              `json:"message,omitempty"`
	Incoming        *IncomingCallNotice `json:"incoming,omitempty"`
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

// ErrorCode maps a failure onto the short code shown to the user.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, signaling.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, media.ErrNegotiationFailed):
		return "negotiation_failed"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrCallInProgress):
		return "call_in_progress"
	}
	return "internal_error"
}
