// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type localSender struct {
	sender *webrtc.RTPSender
	track  LocalTrack
}

// PeerLink is the connection to one remote participant. Remote candidates are
// queued until the remote description is applied, then drained exactly once.
type PeerLink struct {
	participantID string
	role          Role
	pc            *webrtc.PeerConnection

	mu        sync.Mutex
	queue     []webrtc.ICECandidateInit
	remoteSet bool
	drained   bool
	senders   []localSender
	apply     func(webrtc.ICECandidateInit) error

	logger *slog.Logger
}

func newPeerLink(participantID string, role Role, pc *webrtc.PeerConnection, pending []webrtc.ICECandidateInit) *PeerLink {
	l := &PeerLink{
		participantID: participantID,
		role:          role,
		pc:            pc,
		queue:         pending,
		logger:        slog.With("component", "peer_link", "participant_id", participantID),
	}
	l.apply = pc.AddICECandidate
	return l
}

func (l *PeerLink) ParticipantID() string {
	return l.participantID
}

func (l *PeerLink) Role() Role {
	return l.role
}

func (l *PeerLink) addRemoteCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.remoteSet {
		l.queue = append(l.queue, c)
		l.logger.Debug("queued remote candidate", "queued", len(l.queue))
		return
	}
	l.applyLocked(c)
}

// setRemoteDescription applies desc and drains the candidate queue under the
// same lock, so no candidate received later can overtake a queued one.
func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote %s: %w", desc.Type, err)
	}
	l.remoteSet = true

	if l.drained {
		return nil
	}
	l.drained = true
	queued := l.queue
	l.queue = nil
	for _, c := range queued {
		l.applyLocked(c)
	}
	if len(queued) > 0 {
		l.logger.Debug("drained queued candidates", "count", len(queued))
	}
	return nil
}

// Must be called with mu held.
func (l *PeerLink) applyLocked(c webrtc.ICECandidateInit) {
	if err := l.apply(c); err != nil {
		l.logger.Warn("remote candidate rejected",
			"error", fmt.Errorf("%w: %w", ErrCandidateRejected, err),
			"candidate", c.Candidate,
		)
	}
}

func (l *PeerLink) queuedCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *PeerLink) addLocalTrack(track LocalTrack, enabled bool) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding %s track: %w", track.Kind(), err)
	}
	if !enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("muting %s track: %w", track.Kind(), err)
		}
	}

	l.mu.Lock()
	l.senders = append(l.senders, localSender{sender: sender, track: track})
	l.mu.Unlock()
	return nil
}

func (l *PeerLink) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	l.mu.Lock()
	senders := make([]localSender, len(l.senders))
	copy(senders, l.senders)
	l.mu.Unlock()

	for _, s := range senders {
		if s.track.Kind() != kind {
			continue
		}
		var replacement webrtc.TrackLocal
		if enabled {
			replacement = s.track
		}
		if err := s.sender.ReplaceTrack(replacement); err != nil {
			l.logger.Warn("failed to toggle local track", "kind", kind.String(), "enabled", enabled, "error", err)
		}
	}
}

func (l *PeerLink) close() {
	if err := l.pc.Close(); err != nil {
		l.logger.Debug("closing peer connection", "error", err)
	}
}
