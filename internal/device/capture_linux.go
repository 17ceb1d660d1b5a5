// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitRate = 1_500_000

// Capturer opens the camera and microphone through V4L2 and malgo.
type Capturer struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

func NewCapturer() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: slog.With("component", "device"),
	}, nil
}

// RegisterCodecs makes the encoders this capturer produces negotiable.
func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *Capturer) Capture(ctx context.Context, cons media.Constraints) (*media.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		c.logger.Warn("no media devices found")
	}
	for _, d := range devices {
		c.logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	// mediadevices has no audio processing props. Echo cancellation, noise
	// suppression and gain control come from the platform audio stack.
	c.logger.Debug("audio processing requested from platform",
		"echo_cancellation", cons.Audio.EchoCancellation,
		"noise_suppression", cons.Audio.NoiseSuppression,
		"auto_gain_control", cons.Audio.AutoGainControl,
	)

	kind := media.KindAudio
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if v := cons.Video; v != nil {
		kind = media.KindVideo
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit broken frames.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: v.Width, Ideal: v.Width}
			mc.Height = prop.IntRanged{Max: v.Height, Ideal: v.Height}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err)
	}

	var tracks []media.LocalTrack
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warn("local track ended", "kind", t.Kind().String(), "error", err)
			}
		})
		tracks = append(tracks, t)
	}
	if ctx.Err() != nil {
		for _, t := range tracks {
			_ = t.Close()
		}
		return nil, ctx.Err()
	}

	c.logger.Info("local media captured", "kind", string(kind), "tracks", len(tracks))
	return media.NewLocalStream(kind, tracks, nil), nil
}
