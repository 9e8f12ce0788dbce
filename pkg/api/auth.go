package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds the API credentials.
//
// API keys are read-only bus keys: they open the bus views (status,
// interfaces, devices, network configuration and the event log, polled or
// streamed), the same views the gRPC service serves. Users additionally
// see the daemon log stream.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// access is the credential level a route requires, or a request carries.
type access int

const (
	public   access = iota // no credentials
	busView                // any API key or user
	operator               // users only
)

// route is the access policy of one registered mux pattern.
type route struct {
	need access
	// stream routes also take the API key from the api_key query
	// parameter, as EventSource clients cannot set headers.
	stream bool
}

// handle registers h on mux under pattern with its access policy.
func (s *Server) handle(mux *http.ServeMux, pattern string, r route, h http.Handler) {
	mux.Handle(pattern, h)
	s.routes[pattern] = r
}

// authMiddleware checks the request's credentials against the policy of
// the pattern mux routes it to. Requests mux does not route (404, 405)
// need bus view access so the route set is not disclosed.
func (s *Server) authMiddleware(cfg AuthConfig, mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		rt, ok := s.routes[pattern]
		if !ok {
			rt = route{need: busView}
		}
		if rt.need == public {
			mux.ServeHTTP(w, r)
			return
		}

		got := cfg.grant(r, rt.stream)
		switch {
		case got >= rt.need:
			mux.ServeHTTP(w, r)
		case got > public:
			writeError(w, http.StatusForbidden, "API key not permitted on "+r.URL.Path)
		default:
			w.Header().Set("WWW-Authenticate", `Basic realm="dpaad API"`)
			writeJSON(w, http.StatusUnauthorized, Response{
				Success: false,
				Error:   "authentication required",
			})
		}
	})
}

// grant returns the access level the request's credentials carry.
func (cfg AuthConfig) grant(r *http.Request, stream bool) access {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if lvl := cfg.checkAuthorization(auth); lvl > public {
			return lvl
		}
	}
	if cfg.APIKeys[r.Header.Get("X-API-Key")] {
		return busView
	}
	if stream && cfg.APIKeys[r.URL.Query().Get("api_key")] {
		return busView
	}
	return public
}

// checkAuthorization validates an Authorization header value.
func (cfg AuthConfig) checkAuthorization(auth string) access {
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if cfg.APIKeys[token] {
			return busView
		}
		return public
	}

	payload, ok := strings.CutPrefix(auth, "Basic ")
	if !ok {
		return public
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return public
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return public
	}
	expected, exists := cfg.Users[user]
	if !exists || subtle.ConstantTimeCompare([]byte(pass), []byte(expected)) != 1 {
		return public
	}
	return operator
}
