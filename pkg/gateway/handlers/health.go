package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/care-live/pkg/gateway/config"
	"github.com/vango-go/care-live/pkg/gateway/lifecycle"
	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool     `json:"ok"`
		Draining          bool     `json:"draining"`
		LiveSessions      int      `json:"live_sessions"`
		ResumptionBackend string   `json:"resumption_backend"`
		Persistence       bool     `json:"persistence"`
		DrainingSince     string   `json:"draining_since,omitempty"`
		Issues            []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()
	var drainingSince string
	if draining {
		issues = append(issues, "draining")
		drainingSince = protocol.Timestamp(h.Lifecycle.DrainingSince())
	}

	sessions := 0
	if h.Registry != nil {
		sessions = h.Registry.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	} else if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                ok,
		Draining:          draining,
		LiveSessions:      sessions,
		ResumptionBackend: string(h.Config.ResumptionBackend),
		Persistence:       h.Config.DatabaseURL != "",
		DrainingSince:     drainingSince,
		Issues:            issues,
	})
}
