package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Probe is one dependency check. It returns nil when the dependency is
// usable.
type Probe func(ctx context.Context) error

// Readiness aggregates dependency probes behind /readyz.
type Readiness struct {
	probes map[string]Probe
}

// NewReadiness builds an aggregate from named probes; nil probes are
// skipped so optional dependencies need no special-casing at the call
// site.
func NewReadiness(probes map[string]Probe) *Readiness {
	kept := map[string]Probe{}
	for name, p := range probes {
		if p != nil {
			kept[name] = p
		}
	}
	return &Readiness{probes: kept}
}

// Handler runs every probe with a short deadline and reports 503 when
// any fails.
func (r *Readiness) Handler(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := map[string]string{}
	for name, probe := range r.probes {
		if err := probe(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
		} else {
			results[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":  status == http.StatusOK,
		"checks": results,
	})
}
