// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package appapi

import (
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CALL_ICE_SERVERS_JSON"
	envStunURLs       = "CALL_STUN_URLS"
	envTurnURLs       = "CALL_TURN_URLS"
	envTurnUsername   = "CALL_TURN_USERNAME"
	envTurnCredential = "CALL_TURN_CREDENTIAL"
)

type Config struct {
	AppVersion     string
	SignalingURL   string
	APIURL         string
	AccessToken    string
	UserID         string
	ControlPort    string
	ControlSecret  string
	SkipCertVerify bool
	ICEServers     []webrtc.ICEServer
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppVersion:    os.Getenv("APP_VERSION"),
		SignalingURL:  os.Getenv("CALL_SIGNALING_URL"),
		APIURL:        os.Getenv("CALL_API_URL"),
		AccessToken:   os.Getenv("CALL_ACCESS_TOKEN"),
		UserID:        os.Getenv("CALL_USER_ID"),
		ControlPort:   os.Getenv("CALL_CONTROL_PORT"),
		ControlSecret: os.Getenv("CALL_CONTROL_SECRET"),
	}
	skipCert := os.Getenv("SKIP_CERT_VERIFY")
	cfg.SkipCertVerify = skipCert == "true" || skipCert == "1"

	if cfg.SignalingURL == "" {
		return nil, fmt.Errorf("CALL_SIGNALING_URL environment variable is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("CALL_ACCESS_TOKEN environment variable is required")
	}
	if cfg.UserID == "" {
		identity, err := ParseCredential(cfg.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("CALL_USER_ID is not set and the access token carries no user: %w", err)
		}
		cfg.UserID = identity.UserID
	}
	if cfg.ControlPort == "" {
		cfg.ControlPort = "23001"
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "0.0.1"
	}

	iceServers, err := ParseICEServers(
		os.Getenv(envICEServersJSON),
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		return nil, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}
