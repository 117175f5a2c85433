package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/weiawesome/wes-io-live/viewer-service/pkg/response"
)

const (
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// RequireAPIKey rejects requests whose Authorization header does not carry
// apiKey, either bare or as a bearer token. An empty apiKey rejects every
// request.
func RequireAPIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidAPIKey(apiKey, r.Header.Get(AuthHeaderKey)) {
				response.Forbidden(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidAPIKey compares the Authorization header against apiKey in
// constant time.
func ValidAPIKey(apiKey, header string) bool {
	if apiKey == "" || header == "" {
		return false
	}
	token := strings.TrimPrefix(header, BearerPrefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1
}
