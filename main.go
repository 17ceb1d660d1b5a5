// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextcloud/go_call_client/internal/appapi"
	"github.com/nextcloud/go_call_client/internal/audiolevel"
	"github.com/nextcloud/go_call_client/internal/call"
	"github.com/nextcloud/go_call_client/internal/constants"
	"github.com/nextcloud/go_call_client/internal/device"
	"github.com/nextcloud/go_call_client/internal/handlers"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/notify"
	"github.com/nextcloud/go_call_client/internal/service"
	"github.com/nextcloud/go_call_client/internal/signaling"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("CALL_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := appapi.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting go_call_client",
		"app_version", cfg.AppVersion,
		"user_id", cfg.UserID,
		"port", cfg.ControlPort,
	)
	if identity, err := appapi.ParseCredential(cfg.AccessToken); err == nil && identity.Expired(time.Now()) {
		slog.Warn("access token has expired", "expires_at", identity.ExpiresAt)
	}

	capturer, err := device.NewCapturer()
	if err != nil {
		slog.Error("failed to set up capture devices", "error", err)
		os.Exit(1)
	}
	api, err := media.NewAPI(media.APIConfig{RegisterCodecs: capturer.RegisterCodecs})
	if err != nil {
		slog.Error("failed to set up webrtc", "error", err)
		os.Exit(1)
	}
	mediaManager, err := media.NewManager(media.Config{
		API:        api,
		ICEServers: cfg.ICEServers,
		Capturer:   capturer,
	})
	if err != nil {
		slog.Error("failed to create media manager", "error", err)
		os.Exit(1)
	}

	hub := notify.NewHub(notify.NewLogPlayer())
	mediaManager.AddSink(audiolevel.NewMeter(audiolevel.Config{}, func(participantID string, speaking bool) {
		hub.Notify(call.Notice{Kind: call.NoticeSpeaking, ParticipantID: participantID, Speaking: speaking})
	}))

	channel := signaling.NewChannel(signaling.Config{
		URL:            cfg.SignalingURL,
		SkipCertVerify: cfg.SkipCertVerify,
	})
	calls := call.New(call.Config{SelfID: cfg.UserID}, channel, mediaManager, hub)

	client := appapi.NewClient(cfg)
	svc := service.NewApplication(cfg, client, channel, calls)

	h := handlers.NewHandler(svc, hub)
	skipAuth := map[string]bool{
		"/heartbeat": true,
	}
	router := h.NewRouter(appapi.AuthMiddleware(cfg, skipAuth))

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go hub.Run(ctx)

	addr := "127.0.0.1:" + cfg.ControlPort
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen on TCP", "addr", addr, "error", err)
		os.Exit(1)
	}
	slog.Info("control API listening", "addr", addr)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("failed to start call service", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	svc.Shutdown()
	mediaManager.Shutdown()
	channel.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
