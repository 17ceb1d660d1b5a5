// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextcloud/go_call_client/internal/constants"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	case "":
		return KindAudio, nil
	}
	return "", fmt.Errorf("unknown call kind %q", s)
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	Width  int
	Height int
}

// Constraints describe what a capturer should open. Video is nil for audio
// calls.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

func ConstraintsFor(kind Kind) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	if kind == KindVideo {
		c.Video = &VideoConstraints{Width: constants.VideoWidth, Height: constants.VideoHeight}
	}
	return c
}

// LocalTrack is a captured track that can be attached to peer connections.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*LocalStream, error)
}

type LocalStream struct {
	kind    Kind
	tracks  []LocalTrack
	release func()
	once    sync.Once
}

// NewLocalStream wraps captured tracks. release, if not nil, runs once after
// the tracks are closed.
func NewLocalStream(kind Kind, tracks []LocalTrack, release func()) *LocalStream {
	return &LocalStream{kind: kind, tracks: tracks, release: release}
}

func (s *LocalStream) Kind() Kind {
	return s.kind
}

func (s *LocalStream) Tracks() []LocalTrack {
	return s.tracks
}

func (s *LocalStream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *LocalStream) HasAudio() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

// Stop closes every track. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			_ = t.Close()
		}
		if s.release != nil {
			s.release()
		}
	})
}
