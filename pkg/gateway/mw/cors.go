package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/care-live/pkg/gateway/config"
)

// corsPolicy is fixed at startup from CARE_CORS_ORIGINS. The live websocket
// checks Origin itself; this covers the JSON endpoints browsers call.
type corsPolicy struct {
	origins map[string]struct{}
	methods string
	headers string
	expose  string
	maxAge  string
}

func newCORSPolicy(cfg config.Config) corsPolicy {
	return corsPolicy{
		origins: cfg.CORSAllowedOrigins,
		methods: strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "),
		headers: "Content-Type, X-Request-ID",
		expose:  "X-Request-ID, Retry-After",
		maxAge:  "600",
	}
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" || len(p.origins) == 0 {
		return false
	}
	_, ok := p.origins[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func CORS(cfg config.Config, next http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := policy.allows(origin)

		if isPreflight(r) {
			if !allowed {
				WriteError(w, r, http.StatusForbidden, &Error{Type: ErrPermission, Message: "cors preflight not allowed", Param: "Origin"})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", policy.methods)
			h.Set("Access-Control-Allow-Headers", policy.headers)
			h.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", policy.expose)
		}
		next.ServeHTTP(w, r)
	})
}
