// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package appapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrAPINotConfigured = errors.New("CALL_API_URL is not configured")

type Client struct {
	cfg        *Config
	httpClient *http.Client
}

func NewClient(cfg *Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipCertVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ConversationMembers lists the participants of a conversation.
func (c *Client) ConversationMembers(ctx context.Context, conversationID string) ([]Participant, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/participants"
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetching members of %s: %w", conversationID, err)
	}

	var members []Participant
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("parsing members of %s: %w", conversationID, err)
	}
	return members, nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	if c.cfg.APIURL == "" {
		return nil, ErrAPINotConfigured
	}

	reqURL := strings.TrimRight(c.cfg.APIURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("API request failed", "url", reqURL, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data, nil
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go_call_client/"+c.cfg.AppVersion)
}
