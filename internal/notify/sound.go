// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import "log/slog"

type Sound string

const (
	SoundRingtone Sound = "ringtone"
	SoundHangup   Sound = "hangup"
)

type SoundPlayer interface {
	Play(Sound)
	Stop(Sound)
}

// LogPlayer records cues in the log. The UI plays the audio itself from the
// notice stream.
type LogPlayer struct {
	logger *slog.Logger
}

func NewLogPlayer() *LogPlayer {
	return &LogPlayer{logger: slog.With("component", "sound")}
}

func (p *LogPlayer) Play(s Sound) {
	p.logger.Debug("play sound", "sound", string(s))
}

func (p *LogPlayer) Stop(s Sound) {
	p.logger.Debug("stop sound", "sound", string(s))
}
