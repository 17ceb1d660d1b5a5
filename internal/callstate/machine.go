// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package callstate holds the call lifecycle state machine. Fire is the only
// way to change state; pairs missing from the transition table are ignored.
package callstate

import (
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	Idle       State = "idle"
	Ringing    State = "ringing"
	Connecting State = "connecting"
	Connected  State = "connected"
	Rejected   State = "rejected"
	Ended      State = "ended"
)

// Terminal states fall back to idle after a grace period.
func (s State) Terminal() bool {
	return s == Rejected || s == Ended
}

type Event string

const (
	EventStartOutbound    Event = "start_outbound"
	EventAcceptInbound    Event = "accept_inbound"
	EventPeerConnected    Event = "peer_connected"
	EventGroupEstablished Event = "group_established"
	EventConnectionLost   Event = "connection_lost"
	EventRemoteRejected   Event = "remote_rejected"
	EventHangUp           Event = "hang_up"
	EventGraceElapsed     Event = "grace_elapsed"
)

var transitions = map[State]map[Event]State{
	Idle: {
		EventStartOutbound: Ringing,
		EventAcceptInbound: Connecting,
	},
	Ringing: {
		EventPeerConnected:    Connected,
		EventGroupEstablished: Connected,
		EventRemoteRejected:   Rejected,
		EventHangUp:           Ended,
	},
	Connecting: {
		EventPeerConnected:    Connected,
		EventGroupEstablished: Connected,
		EventHangUp:           Ended,
	},
	Connected: {
		EventConnectionLost: Ended,
		EventHangUp:         Ended,
	},
	Rejected: {
		EventHangUp:       Ended,
		EventGraceElapsed: Idle,
	},
	Ended: {
		EventGraceElapsed: Idle,
	},
}

// Next looks up the transition table without touching any machine.
func Next(from State, ev Event) (State, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

type Transition struct {
	From  State
	To    State
	Event Event
}

type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(Transition)
	logger   *slog.Logger
}

// New returns a machine in Idle. onChange, if not nil, is called after each
// transition, outside the machine's lock.
func New(onChange func(Transition)) *Machine {
	return &Machine{
		state:    Idle,
		onChange: onChange,
		logger:   slog.With("component", "call_state"),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Fire(ev Event) (State, bool) {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, ev)
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ignoring event", "state", string(from), "event", string(ev))
		return from, false
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Info("call state changed", "from", string(from), "to", string(to), "event", string(ev))
	if m.onChange != nil {
		m.onChange(Transition{From: from, To: to, Event: ev})
	}
	return to, true
}

// Stopwatch derives elapsed time from a stored start instant, so missed
// ticks never skew the reported duration.
type Stopwatch struct {
	start time.Time
}

func (s *Stopwatch) Start(now time.Time) {
	s.start = now
}

func (s *Stopwatch) Running() bool {
	return !s.start.IsZero()
}

func (s *Stopwatch) StartedAt() time.Time {
	return s.start
}

func (s *Stopwatch) Elapsed(now time.Time) time.Duration {
	if s.start.IsZero() || now.Before(s.start) {
		return 0
	}
	return now.Sub(s.start).Truncate(time.Second)
}
