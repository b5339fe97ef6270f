package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetTracker() {
	tracker = &componentTracker{
		components: make(map[string]componentHealth),
		startTime:  time.Now(),
	}
}

func TestSetComponent(t *testing.T) {
	resetTracker()

	SetComponent("engine", true, "answering")

	if len(tracker.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(tracker.components))
	}
	comp := tracker.components["engine"]
	if !comp.healthy {
		t.Error("component should be healthy")
	}
	if comp.message != "answering" {
		t.Errorf("expected message 'answering', got %q", comp.message)
	}
}

func TestAgentHealthAllHealthy(t *testing.T) {
	resetTracker()
	SetVersion("1.0.0")
	SetComponent("raft", true, "")
	SetComponent("engine", true, "")

	health := AgentHealthStatus()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", health.Version)
	}
}

func TestAgentHealthOneUnhealthy(t *testing.T) {
	resetTracker()
	SetComponent("raft", true, "")
	SetComponent("engine", false, "connection refused")

	health := AgentHealthStatus()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", health.Status)
	}
	if health.Components["engine"] != "unhealthy: connection refused" {
		t.Errorf("unexpected engine status: %s", health.Components["engine"])
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetTracker()
	SetComponent("engine", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	SetComponent("engine", false, "down")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body AgentHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected body status 'unhealthy', got %q", body.Status)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetTracker()
	SetComponent("engine", false, "down")

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
