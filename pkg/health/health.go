package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the aggregated health of the platform
type Status struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name     string
	Critical bool
	Healthy  bool
	Message  string
	Updated  time.Time
}

// Registry manages health state for registered components. Components
// register as unhealthy ("not_ready") and are promoted once their backend
// passes its first check.
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

// NewRegistry creates an empty health registry
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

var registry = NewRegistry()

// Default returns the process-wide registry
func Default() *Registry {
	return registry
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.SetVersion(version)
}

// Register registers a component, initially not ready. Critical components
// gate readiness.
func Register(name string, critical bool) {
	registry.Register(name, critical)
}

// Update updates the health status of a component on the default registry
func Update(name string, healthy bool, message string) {
	registry.Update(name, healthy, message)
}

// SetVersion sets the version string reported by this registry
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// Register adds a component in the not-ready state
func (r *Registry) Register(name string, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[name]; exists {
		return
	}
	r.components[name] = ComponentHealth{
		Name:     name,
		Critical: critical,
		Healthy:  false,
		Message:  "not ready",
		Updated:  time.Now(),
	}
}

// Update records a component's current health
func (r *Registry) Update(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	comp := r.components[name]
	comp.Name = name
	comp.Healthy = healthy
	comp.Message = message
	comp.Updated = time.Now()
	r.components[name] = comp
}

// Health returns the overall health status. Any unhealthy component makes
// the aggregate unhealthy.
func (r *Registry) Health() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range r.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		StartTime:  r.startTime,
	}
}

// Readiness returns readiness based on critical components only
func (r *Registry) Readiness() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for name, comp := range r.components {
		if !comp.Critical {
			continue
		}
		if !comp.Healthy {
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		} else {
			components[name] = "ready"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		StartTime:  r.startTime,
	}
}

// Handler returns an HTTP handler for the /health endpoint
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		health := r.Health()

		w.Header().Set("Content-Type", "application/json")

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func (r *Registry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		readiness := r.Readiness()

		w.Header().Set("Content-Type", "application/json")

		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler returns a liveness check that reports 200 while the
// process runs
func (r *Registry) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(r.startTime).String(),
		})
	}
}
