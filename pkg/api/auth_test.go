package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthMiddleware(t *testing.T) {
	// No bus and no event buffer: authorized requests reach the handlers
	// and fail with 503, which tells them apart from 401 and 403.
	s := NewServer(Config{Auth: &AuthConfig{
		Users:   map[string]string{"admin": "secret123"},
		APIKeys: map[string]bool{"tok-abc-123": true},
	}})

	const allowed = 0
	key := map[string]string{"X-API-Key": "tok-abc-123"}
	user := map[string]string{"Authorization": basicAuth("admin", "secret123")}

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int // allowed, or the rejection status
	}{
		{name: "health bypass", path: "/health", want: allowed},
		{name: "metrics bypass", path: "/metrics", want: allowed},

		{name: "status without credentials", path: "/api/v1/status", want: http.StatusUnauthorized},
		{name: "status with key", path: "/api/v1/status", header: key, want: allowed},
		{name: "interfaces with key", path: "/api/v1/interfaces", header: key, want: allowed},
		{name: "interface by name with key", path: "/api/v1/interfaces/fm1-mac1", header: key, want: allowed},
		{name: "interface by name without credentials", path: "/api/v1/interfaces/fm1-mac1", want: http.StatusUnauthorized},
		{name: "devices with bearer", path: "/api/v1/devices?type=crypto",
			header: map[string]string{"Authorization": "Bearer tok-abc-123"}, want: allowed},
		{name: "netcfg with user", path: "/api/v1/netcfg", header: user, want: allowed},
		{name: "events with key", path: "/api/v1/events?count=5", header: key, want: allowed},

		{name: "event stream without credentials", path: "/api/v1/events/stream", want: http.StatusUnauthorized},
		{name: "event stream with key header", path: "/api/v1/events/stream", header: key, want: allowed},
		{name: "event stream with key query", path: "/api/v1/events/stream?api_key=tok-abc-123", want: allowed},
		{name: "event stream with bad key query", path: "/api/v1/events/stream?api_key=nope", want: http.StatusUnauthorized},
		{name: "key query ignored off streams", path: "/api/v1/status?api_key=tok-abc-123", want: http.StatusUnauthorized},

		{name: "log stream with key", path: "/api/v1/logs/stream", header: key, want: http.StatusForbidden},
		{name: "log stream with key query", path: "/api/v1/logs/stream?api_key=tok-abc-123", want: http.StatusForbidden},
		{name: "log stream with user", path: "/api/v1/logs/stream?severity=warning", header: user, want: allowed},

		{name: "invalid basic password", path: "/api/v1/status",
			header: map[string]string{"Authorization": basicAuth("admin", "wrong")}, want: http.StatusUnauthorized},
		{name: "invalid basic user", path: "/api/v1/status",
			header: map[string]string{"Authorization": basicAuth("nobody", "secret123")}, want: http.StatusUnauthorized},
		{name: "malformed basic", path: "/api/v1/status",
			header: map[string]string{"Authorization": "Basic !!!notbase64"}, want: http.StatusUnauthorized},
		{name: "invalid bearer", path: "/api/v1/status",
			header: map[string]string{"Authorization": "Bearer bad-token"}, want: http.StatusUnauthorized},
		{name: "invalid key", path: "/api/v1/status",
			header: map[string]string{"X-API-Key": "bad-key"}, want: http.StatusUnauthorized},

		{name: "unknown route hidden", path: "/api/v1/nothing", want: http.StatusUnauthorized},
		{name: "unknown route with key", path: "/api/v1/nothing", header: key, want: allowed},
		{name: "write method hidden", method: "POST", path: "/api/v1/status", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = "GET"
			}
			req := httptest.NewRequest(method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			switch tt.want {
			case allowed:
				if w.Code == http.StatusUnauthorized || w.Code == http.StatusForbidden {
					t.Errorf("status %d, want the request let through", w.Code)
				}
			default:
				if w.Code != tt.want {
					t.Errorf("status %d, want %d", w.Code, tt.want)
				}
			}

			wa := w.Header().Get("WWW-Authenticate")
			if w.Code == http.StatusUnauthorized && wa == "" {
				t.Error("expected WWW-Authenticate header on 401")
			}
			if w.Code == http.StatusForbidden && wa != "" {
				t.Error("WWW-Authenticate on 403")
			}
		})
	}
}

func TestNoAuthConfigured(t *testing.T) {
	s := NewServer(Config{})
	for _, path := range []string{"/api/v1/status", "/api/v1/logs/stream"} {
		if w := get(t, s.Handler(), path); w.Code == http.StatusUnauthorized || w.Code == http.StatusForbidden {
			t.Errorf("%s status = %d without auth configured", path, w.Code)
		}
	}
}
