package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/metrics"
)

// ErrUnauthorized is returned when the request credential does not match.
var ErrUnauthorized = errors.New("unauthorized")

// TokenFromHeader extracts the credential from an Authorization header value.
// Both "Bearer <token>" and the bare token are accepted.
func TokenFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Authenticate compares the request credential with the shared token.
func Authenticate(r *http.Request, token string) error {
	got := TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" || got == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AuthMiddleware rejects requests whose bearer token does not match token
// before next runs.
func AuthMiddleware(next http.Handler, log *zap.Logger, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Authenticate(r, token); err != nil {
			metrics.AuthFailures.Inc()
			log.Warn("rejected request with invalid credential",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "unauthorized",
				"message": "missing or invalid access token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
