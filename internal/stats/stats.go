// Package stats is the sink for the engine's published figures. Values are
// held in named handles and mirrored into Prometheus collectors so the HTTP
// layer can expose them on /metrics.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every stats handle plus the process-wide counters.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle

	fileConnections prometheus.Counter
	listeners       *prometheus.GaugeVec
	listenerPeak    *prometheus.GaugeVec
	outKbitrate     *prometheus.GaugeVec
}

// NewRegistry creates a Registry and registers its collectors with reg.
// A nil reg skips Prometheus registration, which the tests use.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		handles: make(map[string]*Handle),
		fileConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icecast_file_connections_total",
			Help: "Number of on-demand file requests accepted.",
		}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "icecast_fserve_listeners",
			Help: "Listeners currently attached to a served file.",
		}, []string{"source"}),
		listenerPeak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "icecast_fserve_listener_peak",
			Help: "Peak listener count seen on a served file.",
		}, []string{"source"}),
		outKbitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "icecast_fserve_outgoing_kbitrate",
			Help: "Outgoing rate of a served file in kbit/s.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(r.fileConnections, r.listeners, r.listenerPeak, r.outKbitrate)
	}
	return r
}

// FileConnectionInc bumps the global file connection counter.
func (r *Registry) FileConnectionInc() {
	r.fileConnections.Inc()
}

// Handle returns the named handle, creating it if needed.
func (r *Registry) Handle(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok {
		h = &Handle{name: name, reg: r, values: make(map[string]int64)}
		r.handles[name] = h
	}
	return h
}

// Drop removes the named handle and clears its exported series.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	delete(r.handles, name)
	r.mu.Unlock()
	r.listeners.DeleteLabelValues(name)
	r.listenerPeak.DeleteLabelValues(name)
	r.outKbitrate.DeleteLabelValues(name)
}

// Snapshot returns the current values of the named handle, or nil if it does
// not exist.
func (r *Registry) Snapshot(name string) map[string]int64 {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.snapshot()
}

// Names lists the live handle names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handles))
	for n := range r.handles {
		names = append(names, n)
	}
	return names
}

// Handle is a named bag of integer stats belonging to one served file.
type Handle struct {
	mu     sync.Mutex
	name   string
	reg    *Registry
	values map[string]int64
}

// Name returns the handle's source name.
func (h *Handle) Name() string { return h.name }

// SetInt stores a value and mirrors the known keys into Prometheus.
func (h *Handle) SetInt(key string, v int64) {
	h.mu.Lock()
	h.values[key] = v
	h.mu.Unlock()

	switch key {
	case "listeners":
		h.reg.listeners.WithLabelValues(h.name).Set(float64(v))
	case "listener_peak":
		h.reg.listenerPeak.WithLabelValues(h.name).Set(float64(v))
	case "outgoing_kbitrate":
		h.reg.outKbitrate.WithLabelValues(h.name).Set(float64(v))
	}
}

// SetFlag stores a marker value such as "fallback".
func (h *Handle) SetFlag(key string) {
	h.mu.Lock()
	h.values[key] = 1
	h.mu.Unlock()
}

func (h *Handle) snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}
