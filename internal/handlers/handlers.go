// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/nextcloud/go_call_client/internal/call"
	"github.com/nextcloud/go_call_client/internal/media"
	"github.com/nextcloud/go_call_client/internal/notify"
	"github.com/nextcloud/go_call_client/internal/signaling"
)

type CallService interface {
	SignalingStatus() signaling.Status
	Snapshot() call.Snapshot
	StartCall(ctx context.Context, conversationID, recipientID string, kind media.Kind) error
	StartGroupCall(ctx context.Context, conversationID string, memberIDs []string, kind media.Kind) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	HangUp(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

type EventHub interface {
	Register(c notify.Client) (unregister func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control API listens locally and is guarded by the control secret.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	Service CallService
	Hub     EventHub
}

func NewHandler(svc CallService, hub EventHub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoIncomingCall), errors.Is(err, call.ErrNoActiveCall):
		status = http.StatusNotFound
	case errors.Is(err, signaling.ErrNotConnected), errors.Is(err, media.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrCallCancelled):
		status = http.StatusGone
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: call.ErrorCode(err)})
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Signaling: h.Service.SignalingStatus().String()})
}

func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Snapshot())
}

func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.ConversationID == "" || req.RecipientID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "conversationId and recipientId are required"})
		return
	}
	kind, err := media.ParseKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.Service.StartCall(r.Context(), req.ConversationID, req.RecipientID, kind); err != nil {
		slog.Error("start call failed", "error", err, "conversation_id", req.ConversationID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Service.Snapshot())
}

func (h *Handler) StartGroupCall(w http.ResponseWriter, r *http.Request) {
	var req StartGroupCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "conversationId is required"})
		return
	}
	kind, err := media.ParseKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.Service.StartGroupCall(r.Context(), req.ConversationID, req.MemberIDs, kind); err != nil {
		slog.Error("start group call failed", "error", err, "conversation_id", req.ConversationID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Service.Snapshot())
}

func (h *Handler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.AcceptCall(r.Context()); err != nil {
		slog.Error("accept call failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Service.Snapshot())
}

func (h *Handler) RejectCall(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.RejectCall(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Call rejected."})
}

func (h *Handler) HangUp(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.HangUp(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Call ended."})
}

func (h *Handler) ToggleAudio(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.Service.ToggleAudio()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{Enabled: enabled})
}

func (h *Handler) ToggleVideo(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.Service.ToggleVideo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{Enabled: enabled})
}

// Events streams notices to the UI over a websocket. The current snapshot is
// sent first.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade event stream", "error", err)
		return
	}

	if err := conn.WriteJSON(SnapshotEvent{Kind: "snapshot", Snapshot: h.Service.Snapshot()}); err != nil {
		slog.Debug("failed to send snapshot", "error", err)
		conn.Close()
		return
	}

	unregister := h.Hub.Register(conn)
	defer unregister()

	// The UI sends nothing; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("event stream closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *Handler) NewRouter(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewares...)

	r.Get("/heartbeat", h.Heartbeat)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/call", h.GetCall)
		r.Post("/call/start", h.StartCall)
		r.Post("/call/group", h.StartGroupCall)
		r.Post("/call/accept", h.AcceptCall)
		r.Post("/call/reject", h.RejectCall)
		r.Post("/call/hangup", h.HangUp)
		r.Post("/call/audio", h.ToggleAudio)
		r.Post("/call/video", h.ToggleVideo)
		r.Get("/events", h.Events)
	})
	return r
}
