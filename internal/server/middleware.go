package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExempt paths skip the API-key check: probes, metrics scraping, and
// the aggregated health report.
func authExempt(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/api/v1/health/":
		return true
	}
	return false
}

// requireAPIKey checks the X-API-Key header against the configured keys.
// With no keys configured, auth is disabled.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 || authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			// WebSocket clients cannot set headers from browsers; accept
			// the key as a query parameter there.
			key = r.URL.Query().Get("api_key")
		}
		for _, want := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		status := http.StatusUnauthorized
		if key != "" {
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: "invalid or missing API key", ErrorCode: codeAuth})
	})
}

// cors applies the origin allow-list. Preflight requests are answered
// directly.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
