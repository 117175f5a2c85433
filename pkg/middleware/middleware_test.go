package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAPIKey(t *testing.T) {
	cases := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"bare key", "secret", "secret", http.StatusOK},
		{"bearer key", "secret", "Bearer secret", http.StatusOK},
		{"wrong key", "secret", "guess", http.StatusForbidden},
		{"missing header", "secret", "", http.StatusForbidden},
		{"unset key", "", "", http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tc.header != "" {
				req.Header.Set(AuthHeaderKey, tc.header)
			}
			rec := httptest.NewRecorder()

			RequireAPIKey(tc.key)(ok()).ServeHTTP(rec, req)

			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/viewers", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	CORS(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/viewers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
