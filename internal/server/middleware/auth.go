package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/inknote/termhub/internal/config"
)

// RequireAccess gates the terminal API. The policy is loaded per request so a
// flipped feature flag or rotated token takes effect immediately.
//
// Rejections are distinct on purpose: 403 when the feature is off, 401 when a
// required token is missing or wrong. Both fire during the WebSocket upgrade
// handshake, before any session is attached.
//
// The token is accepted from the Authorization header or a "token" query
// parameter; browsers cannot set custom headers on a WebSocket upgrade, so
// the query form is the one the frontend actually uses.
func RequireAccess(policy func() (*config.Policy, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := policy()
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to load terminal policy")
				return
			}
			if !p.Enabled {
				writeJSONError(w, http.StatusForbidden, "terminal feature is disabled")
				return
			}
			if p.AccessToken != "" {
				token := bearerToken(r)
				if token == "" {
					token = r.URL.Query().Get("token")
				}
				if subtle.ConstantTimeCompare([]byte(token), []byte(p.AccessToken)) != 1 {
					writeJSONError(w, http.StatusUnauthorized, "missing or invalid access token")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
