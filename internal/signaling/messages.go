// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Remote methods invoked on the signaling server.
const (
	MethodRegisterUser      = "RegisterUser"
	MethodInitiateCall      = "InitiateCall"
	MethodInitiateGroupCall = "InitiateGroupCall"
	MethodJoinGroupCall     = "JoinGroupCall"
	MethodSendCallOffer     = "SendCallOffer"
	MethodSendCallAnswer    = "SendCallAnswer"
	MethodSendIceCandidate  = "SendIceCandidate"
	MethodRejectCall        = "RejectCall"
	MethodEndCall           = "EndCall"
)

// Events pushed by the signaling server.
const (
	EventIncomingCall        = "IncomingCall"
	EventIncomingGroupCall   = "IncomingGroupCall"
	EventUserJoinedGroupCall = "UserJoinedGroupCall"
	EventReceiveCallOffer    = "ReceiveCallOffer"
	EventReceiveCallAnswer   = "ReceiveCallAnswer"
	EventReceiveIceCandidate = "ReceiveIceCandidate"
	EventCallRejected        = "CallRejected"
	EventCallEnded           = "CallEnded"
	EventCallInitiated       = "CallInitiated"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type StatusChange struct {
	From Status
	To   Status
}

// Reconnected reports whether the change restored a dropped connection.
func (c StatusChange) Reconnected() bool {
	return c.From == StatusReconnecting && c.To == StatusConnected
}

type Event struct {
	Name    string
	Payload json.RawMessage
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	switch s.Type {
	case "offer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}, nil
	case "answer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}, nil
	case "pranswer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypePranswer, SDP: s.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type IncomingCall struct {
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName"`
	CallerAvatar   string `json:"callerAvatar,omitempty"`
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
	IsGroupCall    bool   `json:"isGroupCall"`
	CallID         string `json:"callId,omitempty"`
}

type UserJoinedGroupCall struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type CallOffer struct {
	SenderID string             `json:"senderId"`
	Offer    SessionDescription `json:"offer"`
}

type CallAnswer struct {
	SenderID string             `json:"senderId"`
	Answer   SessionDescription `json:"answer"`
}

type IceCandidate struct {
	SenderID  string    `json:"senderId"`
	Candidate Candidate `json:"candidate"`
}

type CallEnded struct {
	Duration int `json:"duration"`
}

type CallInitiated struct {
	CallID      string `json:"callId"`
	Status      string `json:"status"`
	IsGroupCall bool   `json:"isGroupCall"`
}

type CallRejected struct {
	UserID string `json:"userId,omitempty"`
}

// Decode unmarshals an event payload. Empty payloads decode to the zero value.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decoding payload: %w", err)
	}
	return v, nil
}
