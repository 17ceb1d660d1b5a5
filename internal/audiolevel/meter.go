// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audiolevel decodes remote opus audio and reports who is speaking.
package audiolevel

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	sampleRate = 48000
	channels   = 1

	// SilenceDBFS is reported for an empty or all-zero frame.
	SilenceDBFS = -100.0

	DefaultThreshold  = -45.0
	DefaultHysteresis = 6.0
	DefaultHold       = 600 * time.Millisecond
)

type Config struct {
	// Threshold is the level in dBFS at which a participant starts speaking.
	Threshold float64
	// Hysteresis lowers the threshold used to decide that speech continues.
	Hysteresis float64
	// Hold is how long the level must stay low before speech stops.
	Hold time.Duration
	Now  func() time.Time
}

type peerLevel struct {
	dec      *opus.Decoder
	pcm      []int16
	speaking bool
	lastLoud time.Time
}

// Meter implements media.PacketSink.
type Meter struct {
	cfg      Config
	onChange func(participantID string, speaking bool)

	mu    sync.Mutex
	peers map[string]*peerLevel

	logger *slog.Logger
}

func NewMeter(cfg Config, onChange func(participantID string, speaking bool)) *Meter {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Hysteresis == 0 {
		cfg.Hysteresis = DefaultHysteresis
	}
	if cfg.Hold == 0 {
		cfg.Hold = DefaultHold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &Meter{
		cfg:      cfg,
		onChange: onChange,
		peers:    make(map[string]*peerLevel),
		logger:   slog.With("component", "audio_level"),
	}
}

func (m *Meter) HandleRTP(participantID string, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	if kind != webrtc.RTPCodecTypeAudio || pkt == nil || len(pkt.Payload) == 0 {
		return
	}

	m.mu.Lock()
	p, ok := m.peers[participantID]
	if !ok {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			m.mu.Unlock()
			m.logger.Error("failed to create opus decoder", "error", err, "participant_id", participantID)
			return
		}
		p = &peerLevel{dec: dec, pcm: make([]int16, 5760)} // max 120ms at 48kHz
		m.peers[participantID] = p
	}
	n, err := p.dec.Decode(pkt.Payload, p.pcm)
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("opus decode error", "error", err, "participant_id", participantID)
		return
	}
	changed, speaking := m.observeLocked(p, LevelDBFS(p.pcm[:n]), m.cfg.Now())
	m.mu.Unlock()

	if changed {
		m.onChange(participantID, speaking)
	}
}

// Forget drops decoder state. A participant who was speaking is reported as
// silent.
func (m *Meter) Forget(participantID string) {
	m.mu.Lock()
	p, ok := m.peers[participantID]
	delete(m.peers, participantID)
	m.mu.Unlock()

	if ok && p.speaking {
		m.onChange(participantID, false)
	}
}

func (m *Meter) Speaking(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[participantID]
	return ok && p.speaking
}

func (m *Meter) observe(participantID string, level float64, now time.Time) {
	m.mu.Lock()
	p, ok := m.peers[participantID]
	if !ok {
		p = &peerLevel{}
		m.peers[participantID] = p
	}
	changed, speaking := m.observeLocked(p, level, now)
	m.mu.Unlock()

	if changed {
		m.onChange(participantID, speaking)
	}
}

func (m *Meter) observeLocked(p *peerLevel, level float64, now time.Time) (changed, speaking bool) {
	if !p.speaking {
		if level >= m.cfg.Threshold {
			p.speaking = true
			p.lastLoud = now
			return true, true
		}
		return false, false
	}

	if level >= m.cfg.Threshold-m.cfg.Hysteresis {
		p.lastLoud = now
		return false, true
	}
	if now.Sub(p.lastLoud) >= m.cfg.Hold {
		p.speaking = false
		return true, false
	}
	return false, true
}

// LevelDBFS returns the RMS level of samples relative to full scale.
func LevelDBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return SilenceDBFS
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return SilenceDBFS
	}
	return max(SilenceDBFS, 20*math.Log10(rms))
}
