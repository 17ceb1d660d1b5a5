// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import "github.com/nextcloud/go_call_client/internal/call"

type StartCallRequest struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	Kind           string `json:"kind,omitempty"`
}

type StartGroupCallRequest struct {
	ConversationID string   `json:"conversationId"`
	MemberIDs      []string `json:"memberIds,omitempty"`
	Kind           string   `json:"kind,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type StatusResponse struct {
	Status    string `json:"status"`
	Signaling string `json:"signaling,omitempty"`
}

type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// SnapshotEvent is the first message on a new event stream.
type SnapshotEvent struct {
	Kind     string        `json:"kind"`
	Snapshot call.Snapshot `json:"snapshot"`
}
