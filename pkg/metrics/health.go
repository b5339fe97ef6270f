package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// AgentHealth is the JSON body served on the agent's health endpoints.
type AgentHealth struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

var tracker = &componentTracker{
	components: make(map[string]componentHealth),
	startTime:  time.Now(),
}

type componentHealth struct {
	healthy bool
	message string
	updated time.Time
}

type componentTracker struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	startTime  time.Time
	version    string
}

// SetVersion sets the version string reported on health endpoints.
func SetVersion(version string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.version = version
}

// SetComponent records a component's health for the /healthz endpoint.
func SetComponent(name string, healthy bool, message string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.components[name] = componentHealth{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// AgentHealthStatus reports overall agent health across registered
// components.
func AgentHealthStatus() AgentHealth {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(tracker.components))
	for name, comp := range tracker.components {
		if !comp.healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.message
		} else {
			components[name] = "healthy"
		}
	}

	return AgentHealth{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    tracker.version,
		Uptime:     time.Since(tracker.startTime).String(),
	}
}

// HealthHandler serves agent health as JSON, 503 when unhealthy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := AgentHealthStatus()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// LivenessHandler answers 200 whenever the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(tracker.startTime).String(),
		})
	}
}
