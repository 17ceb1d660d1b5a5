// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package appapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthMiddleware guards the local control API with CALL_CONTROL_SECRET. With
// no secret configured every request passes.
func AuthMiddleware(cfg *Config, skipPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ControlSecret == "" || skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			secret := bearerToken(r.Header.Get("Authorization"))
			if secret == "" {
				// Browsers cannot set headers on websocket upgrades.
				secret = r.URL.Query().Get("secret")
			}
			if secret == "" {
				slog.Warn("missing control secret", "path", r.URL.Path)
				http.Error(w, `{"error": "missing authentication"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.ControlSecret)) != 1 {
				slog.Warn("invalid control secret", "path", r.URL.Path)
				http.Error(w, `{"error": "invalid control secret"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
