// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux

package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/pion/webrtc/v4"
)

// Capturer reports every device as unavailable. Capture drivers exist for
// Linux only.
type Capturer struct{}

func NewCapturer() (*Capturer, error) {
	return &Capturer{}, nil
}

func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *Capturer) Capture(_ context.Context, _ media.Constraints) (*media.LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture driver for %s", media.ErrDeviceUnavailable, runtime.GOOS)
}
