package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(okHandler())

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"missing", "/api", "", http.StatusUnauthorized},
		{"bearer", "/api", "Bearer s3cret", http.StatusOK},
		{"bearer lowercase scheme", "/api", "bearer s3cret", http.StatusOK},
		{"wrong bearer", "/api", "Bearer nope", http.StatusForbidden},
		{"basic scheme", "/api", "Basic s3cret", http.StatusUnauthorized},
		{"query", "/api?token=s3cret", "", http.StatusOK},
		{"wrong query", "/api?token=x", "", http.StatusForbidden},
		{"header wins over query", "/api?token=s3cret", "Bearer nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestRequireTokenDisabled(t *testing.T) {
	h := RequireToken("")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
