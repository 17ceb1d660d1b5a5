// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextcloud/go_call_client/internal/eventbus"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrCandidateRejected = errors.New("ice candidate rejected")
	ErrNoPeerLink        = errors.New("no peer link for participant")
	ErrSessionClosed     = errors.New("media session closed")
)

type EventType int

const (
	EventRemoteStream EventType = iota
	EventConnectionState
	EventICECandidate
)

func (t EventType) String() string {
	switch t {
	case EventRemoteStream:
		return "remote_stream"
	case EventConnectionState:
		return "connection_state"
	case EventICECandidate:
		return "ice_candidate"
	}
	return "unknown"
}

type Event struct {
	Type          EventType
	ParticipantID string
	Track         *webrtc.TrackRemote
	TrackKind     webrtc.RTPCodecType
	State         webrtc.PeerConnectionState
	Candidate     webrtc.ICECandidateInit
}

// PacketSink consumes RTP read from remote tracks.
type PacketSink interface {
	HandleRTP(participantID string, kind webrtc.RTPCodecType, pkt *rtp.Packet)
	Forget(participantID string)
}

type Config struct {
	// API defaults to NewAPI with default codecs.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Capturer   Capturer
}

type Manager struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	capturer   Capturer

	mu           sync.Mutex
	local        *LocalStream
	links        map[string]*PeerLink
	pending      map[string][]webrtc.ICECandidateInit
	audioEnabled bool
	videoEnabled bool
	generation   uint64

	sinksMu sync.RWMutex
	sinks   []PacketSink

	// applyCandidate replaces PeerConnection.AddICECandidate when set.
	applyCandidate func(participantID string, c webrtc.ICECandidateInit) error

	events *eventbus.Bus[Event]
	logger *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIConfig{})
		if err != nil {
			return nil, fmt.Errorf("creating webrtc api: %w", err)
		}
	}

	return &Manager{
		api:          api,
		iceServers:   cfg.ICEServers,
		capturer:     cfg.Capturer,
		links:        make(map[string]*PeerLink),
		pending:      make(map[string][]webrtc.ICECandidateInit),
		audioEnabled: true,
		videoEnabled: true,
		events:       eventbus.New[Event]("media_events"),
		logger:       slog.With("component", "media"),
	}, nil
}

func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

func (m *Manager) AddSink(s PacketSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// AcquireLocalStream captures local media once per session. Later calls
// return the stream already held.
func (m *Manager) AcquireLocalStream(ctx context.Context, kind Kind) (*LocalStream, error) {
	m.mu.Lock()
	if m.local != nil {
		local := m.local
		m.mu.Unlock()
		return local, nil
	}
	gen := m.generation
	m.mu.Unlock()

	if m.capturer == nil {
		return nil, fmt.Errorf("%w: no capture device configured", ErrDeviceUnavailable)
	}

	stream, err := m.capturer.Capture(ctx, ConstraintsFor(kind))
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		stream.Stop()
		return nil, ErrSessionClosed
	}
	if m.local != nil {
		local := m.local
		m.mu.Unlock()
		stream.Stop()
		return local, nil
	}
	// Toggles made while capturing stay in effect; CloseAll resets them.
	m.local = stream
	m.mu.Unlock()

	m.logger.Info("local media acquired", "kind", string(kind), "tracks", len(stream.Tracks()))
	return stream, nil
}

func (m *Manager) LocalStream() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// CreateOffer creates the PeerLink for participantID if needed and returns a
// local offer. Audio is always received; video only when sending video.
func (m *Manager) CreateOffer(participantID string) (webrtc.SessionDescription, error) {
	link, err := m.ensureLink(participantID, RoleOfferer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: creating offer: %w", ErrNegotiationFailed, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: setting local offer: %w", ErrNegotiationFailed, err)
	}

	m.logger.Debug("created offer", "participant_id", participantID)
	return offer, nil
}

func (m *Manager) CreateAnswer(participantID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	link, err := m.ensureLink(participantID, RoleAnswerer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	if err := link.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: creating answer: %w", ErrNegotiationFailed, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: setting local answer: %w", ErrNegotiationFailed, err)
	}

	m.logger.Debug("created answer", "participant_id", participantID)
	return answer, nil
}

func (m *Manager) ApplyAnswer(participantID string, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	link := m.links[participantID]
	m.mu.Unlock()

	if link == nil {
		return fmt.Errorf("%w: %w: %s", ErrNegotiationFailed, ErrNoPeerLink, participantID)
	}
	if err := link.setRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	m.logger.Debug("applied answer", "participant_id", participantID)
	return nil
}

// AddRemoteCandidate never fails: candidates for unknown participants are held
// until their PeerLink exists, and rejected candidates are only logged.
func (m *Manager) AddRemoteCandidate(participantID string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	link := m.links[participantID]
	if link == nil {
		m.pending[participantID] = append(m.pending[participantID], c)
		m.mu.Unlock()
		m.logger.Debug("holding candidate for unknown participant", "participant_id", participantID)
		return
	}
	m.mu.Unlock()

	link.addRemoteCandidate(c)
}

func (m *Manager) SetAudioEnabled(enabled bool) {
	m.setKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

func (m *Manager) SetVideoEnabled(enabled bool) {
	m.setKindEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (m *Manager) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	m.mu.Lock()
	if kind == webrtc.RTPCodecTypeAudio {
		m.audioEnabled = enabled
	} else {
		m.videoEnabled = enabled
	}
	links := m.snapshotLinksLocked()
	m.mu.Unlock()

	for _, l := range links {
		l.setKindEnabled(kind, enabled)
	}
	m.logger.Info("local track toggled", "kind", kind.String(), "enabled", enabled)
}

func (m *Manager) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) ClosePeer(participantID string) {
	m.mu.Lock()
	link := m.links[participantID]
	delete(m.links, participantID)
	delete(m.pending, participantID)
	m.mu.Unlock()

	if link == nil {
		return
	}
	link.close()
	m.forget(participantID)
	m.logger.Info("peer link closed", "participant_id", participantID)
}

// CloseAll stops local media and closes every PeerLink. Safe to call at any
// time, any number of times.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	local := m.local
	m.links = make(map[string]*PeerLink)
	m.pending = make(map[string][]webrtc.ICECandidateInit)
	m.local = nil
	m.audioEnabled = true
	m.videoEnabled = true
	m.generation++
	m.mu.Unlock()

	for id, l := range links {
		l.close()
		m.forget(id)
	}
	if local != nil {
		local.Stop()
	}
	if len(links) > 0 || local != nil {
		m.logger.Info("media session closed", "peer_links", len(links))
	}
}

// Shutdown closes the session and stops event delivery.
func (m *Manager) Shutdown() {
	m.CloseAll()
	m.events.Close()
}

func (m *Manager) ensureLink(participantID string, role Role) (*PeerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, ok := m.links[participantID]; ok {
		return link, nil
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	link := newPeerLink(participantID, role, pc, m.pending[participantID])
	delete(m.pending, participantID)
	if m.applyCandidate != nil {
		apply := m.applyCandidate
		link.apply = func(c webrtc.ICECandidateInit) error { return apply(participantID, c) }
	}

	hasAudio := false
	if m.local != nil {
		for _, t := range m.local.Tracks() {
			enabled := m.audioEnabled
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				enabled = m.videoEnabled
			} else {
				hasAudio = true
			}
			if err := link.addLocalTrack(t, enabled); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}
	if !hasAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding audio transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !m.isCurrent(link) {
			return
		}
		m.events.Publish(Event{
			Type:          EventICECandidate,
			ParticipantID: participantID,
			Candidate:     c.ToJSON(),
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		link.logger.Debug("peer connection state changed", "state", state.String())
		if !m.isCurrent(link) {
			return
		}
		m.events.Publish(Event{
			Type:          EventConnectionState,
			ParticipantID: participantID,
			State:         state,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.handleRemoteTrack(link, track)
	})

	m.links[participantID] = link
	m.logger.Debug("peer link created", "participant_id", participantID, "role", role.String())
	return link, nil
}

func (m *Manager) isCurrent(link *PeerLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link.participantID] == link
}

// Must be called with mu held.
func (m *Manager) snapshotLinksLocked() []*PeerLink {
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	return links
}

func (m *Manager) handleRemoteTrack(link *PeerLink, track *webrtc.TrackRemote) {
	link.logger.Info("receiving remote track",
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := link.pc.WriteRTCP(pli); err != nil {
			link.logger.Debug("failed to request keyframe", "error", err)
		}
	}

	if m.isCurrent(link) {
		m.events.Publish(Event{
			Type:          EventRemoteStream,
			ParticipantID: link.participantID,
			Track:         track,
			TrackKind:     track.Kind(),
		})
	}

	go m.readTrack(link, track)
}

func (m *Manager) readTrack(link *PeerLink, track *webrtc.TrackRemote) {
	kind := track.Kind()
	defer link.logger.Debug("remote track reader stopped", "kind", kind.String())

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		m.sinksMu.RLock()
		for _, s := range m.sinks {
			s.HandleRTP(link.participantID, kind, pkt)
		}
		m.sinksMu.RUnlock()
	}
}

func (m *Manager) forget(participantID string) {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()
	for _, s := range m.sinks {
		s.Forget(participantID)
	}
}
