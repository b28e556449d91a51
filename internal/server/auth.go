package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/me/cycleflow/pkg/model"
)

// TokenHeader carries the run's API token.
const TokenHeader = "X-Cycleflow-Token"

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8]) // First 16 hex chars
}

// tokenAuthMiddleware checks the token header against the run's token.
// If no token is configured, authentication is disabled (open access).
func tokenAuthMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			reqID := RequestIDFromContext(r.Context())

			key := r.Header.Get(TokenHeader)
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "authentication required (" + TokenHeader + " header missing)",
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
				logger.Warn("invalid api token", "key_hash", hashKey(key), "path", r.URL.Path)
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid api token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
