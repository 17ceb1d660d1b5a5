// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextcloud/go_call_client/internal/appapi"
	"github.com/nextcloud/go_call_client/internal/call"
	"github.com/nextcloud/go_call_client/internal/constants"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/signaling"
)

// Channel is the part of *signaling.Channel the application drives.
type Channel interface {
	call.Signaler
	Acquire(ctx context.Context, credential string) (release func(), err error)
	OnStatus(fn func(signaling.StatusChange)) (off func())
	Status() signaling.Status
}

// MemberLister resolves conversation members for group calls.
type MemberLister interface {
	ConversationMembers(ctx context.Context, conversationID string) ([]appapi.Participant, error)
}

type Application struct {
	cfg     *appapi.Config
	members MemberLister
	channel Channel
	calls   *call.Orchestrator

	mu        sync.Mutex
	started   bool
	release   func()
	offStatus func()
}

func NewApplication(cfg *appapi.Config, members MemberLister, channel Channel, calls *call.Orchestrator) *Application {
	slog.Info("application service initialized", "user_id", cfg.UserID)
	return &Application{
		cfg:     cfg,
		members: members,
		channel: channel,
		calls:   calls,
	}
}

// Start connects to the signaling server and registers the user. It blocks
// until the first connection succeeds or ctx is done.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	if app.started {
		app.mu.Unlock()
		return nil
	}
	app.started = true
	app.mu.Unlock()

	app.calls.Start()
	offStatus := app.channel.OnStatus(app.handleStatus)

	release, err := app.channel.Acquire(ctx, app.cfg.AccessToken)
	if err != nil {
		offStatus()
		app.calls.Close()
		app.mu.Lock()
		app.started = false
		app.mu.Unlock()
		return fmt.Errorf("connecting to signaling server: %w", err)
	}

	app.mu.Lock()
	app.release = release
	app.offStatus = offStatus
	app.mu.Unlock()

	if err := app.registerUser(ctx); err != nil {
		return err
	}
	slog.Info("connected to signaling server", "user_id", app.cfg.UserID)
	return nil
}

func (app *Application) handleStatus(change signaling.StatusChange) {
	slog.Info("signaling status changed", "from", change.From.String(), "to", change.To.String())
	if !change.Reconnected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.InvokeTimeout)
		defer cancel()
		if err := app.registerUser(ctx); err != nil {
			slog.Error("failed to re-register after reconnect", "error", err)
		}
	}()
}

func (app *Application) registerUser(ctx context.Context) error {
	if _, err := app.channel.Invoke(ctx, signaling.MethodRegisterUser, app.cfg.UserID); err != nil {
		return fmt.Errorf("registering user %s: %w", app.cfg.UserID, err)
	}
	slog.Debug("user registered", "user_id", app.cfg.UserID)
	return nil
}

func (app *Application) SignalingStatus() signaling.Status {
	return app.channel.Status()
}

func (app *Application) Snapshot() call.Snapshot {
	return app.calls.Snapshot()
}

func (app *Application) StartCall(ctx context.Context, conversationID, recipientID string, kind media.Kind) error {
	return app.calls.StartCall(ctx, conversationID, recipientID, kind)
}

// StartGroupCall looks members up when the caller gives none.
func (app *Application) StartGroupCall(ctx context.Context, conversationID string, memberIDs []string, kind media.Kind) error {
	if len(memberIDs) == 0 {
		if app.members == nil {
			return errors.New("no members given and no member lookup configured")
		}
		members, err := app.members.ConversationMembers(ctx, conversationID)
		if err != nil {
			return err
		}
		for _, m := range members {
			memberIDs = append(memberIDs, m.UserID)
		}
		slog.Debug("resolved conversation members", "conversation_id", conversationID, "members", len(memberIDs))
	}
	return app.calls.StartGroupCall(ctx, conversationID, memberIDs, kind)
}

func (app *Application) AcceptCall(ctx context.Context) error {
	return app.calls.AcceptCall(ctx)
}

func (app *Application) RejectCall(ctx context.Context) error {
	return app.calls.RejectCall(ctx)
}

func (app *Application) HangUp(ctx context.Context) error {
	return app.calls.HangUp(ctx)
}

func (app *Application) ToggleAudio() (bool, error) {
	return app.calls.ToggleAudio()
}

func (app *Application) ToggleVideo() (bool, error) {
	return app.calls.ToggleVideo()
}

// Shutdown ends any call and releases the signaling connection.
func (app *Application) Shutdown() {
	start := time.Now()
	app.calls.Close()

	app.mu.Lock()
	release, offStatus := app.release, app.offStatus
	app.release, app.offStatus = nil, nil
	app.started = false
	app.mu.Unlock()

	if offStatus != nil {
		offStatus()
	}
	if release != nil {
		release()
	}
	slog.Info("application shutdown complete", "took", time.Since(start))
}
