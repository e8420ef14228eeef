package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Iron-Ham/picoord/internal/config"
	"github.com/Iron-Ham/picoord/internal/ownership"
)

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.SessionID = "srv"
	cfg.Logging.Enabled = false

	rt, err := runtimeFor(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("runtimeFor: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentRouter(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.hub.Start(context.Background(), "/work"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.hub.Stop()

	if _, err := rt.hub.Ownership().Claim("feature/login"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	router := newAgentRouter(rt)

	t.Run("health", func(t *testing.T) {
		rec := get(t, router, "/health")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["instance_id"] != rt.hub.Coordinator().InstanceID() {
			t.Errorf("instance_id = %v", body["instance_id"])
		}
		if body["running"] != true {
			t.Errorf("running = %v", body["running"])
		}
		// Sole live instance gets the whole budget.
		if body["share"] != float64(rt.cfg.TotalMaxLLM) {
			t.Errorf("share = %v, want %d", body["share"], rt.cfg.TotalMaxLLM)
		}
	})

	t.Run("status", func(t *testing.T) {
		rec := get(t, router, "/status")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var report statusReport
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if len(report.Instances) != 1 || !report.Instances[0].Alive {
			t.Errorf("instances = %+v", report.Instances)
		}
	})

	t.Run("task with slash in id", func(t *testing.T) {
		rec := get(t, router, "/tasks/feature/login")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var st ownership.Status
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatal(err)
		}
		if st.TaskID != "feature/login" || !st.Owned {
			t.Errorf("status = %+v", st)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, router, "/metrics")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "picoord_ownership_claims_total") {
			t.Errorf("metrics output missing ownership claims:\n%s", rec.Body.String())
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST /health = %d, want 405", rec.Code)
		}
	})
}

func TestRuntimeGateUsesConfiguredLeaseTTL(t *testing.T) {
	rt := newTestRuntime(t)

	l, err := rt.hub.Gate().Acquire(context.Background(), 1, 1, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = rt.hub.Gate().Release(l) }()

	if got, want := l.ExpiresAt.Sub(l.ReservedAt), rt.cfg.LeaseTTL(); got != want {
		t.Errorf("lease lifetime = %v, want %v", got, want)
	}
}
