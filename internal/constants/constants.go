// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package constants

import "time"

const (
	RingTimeout              = 30 * time.Second
	TerminalGracePeriod      = 1 * time.Second
	DurationTickInterval     = 1 * time.Second
	InitialConnectRetryDelay = 5 * time.Second
	HandshakeTimeout         = 30 * time.Second
	InvokeTimeout            = 15 * time.Second
	ShutdownTimeout          = 30 * time.Second
	ICEDisconnectedTimeout   = 5 * time.Second
	ICEFailedTimeout         = 25 * time.Second
	ICEKeepaliveInterval     = 2 * time.Second
	NotifyQueueSize          = 256
	SendTimeout              = 10 * time.Second
	TimeoutIncreaseFactor    = 1.5
	MaxNotifySendTimeout     = 30 * time.Second
	VideoWidth               = 1280
	VideoHeight              = 720
)

// ReconnectBackoff is the delay before each automatic reconnect attempt after
// an established signaling connection drops. Once exhausted the channel gives up.
var ReconnectBackoff = []time.Duration{0, 0, 0, 1 * time.Second, 3 * time.Second, 5 * time.Second}
