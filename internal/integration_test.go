// Package internal contains integration tests that run several coordination
// hubs against one shared directory, the way separate agent processes would.
package internal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/picoord/internal/adaptive"
	"github.com/Iron-Ham/picoord/internal/capacity"
	"github.com/Iron-Ham/picoord/internal/coordination"
	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/lease"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHub(t *testing.T, dir, id string, clk *clock, m *metrics.Metrics) *coordination.Hub {
	t.Helper()
	coord := coordination.DefaultConfig()
	coord.Dir = dir
	coord.InstanceID = id
	coord.TotalBudget = 4
	coord.WeightByWorkload = false

	h, err := coordination.NewHub(coordination.HubConfig{
		Coordination: coord,
		Limits:       lease.Limits{MaxRequests: 10, MaxLLM: 5},
		Rate:         adaptive.DefaultConfig(),
		Capacity: capacity.Config{
			Provider:     "anthropic",
			Model:        "claude-sonnet",
			PresetLimit:  4,
			CapacityWait: 50 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
		Metrics: m,
		Now:     clk.Now,
	})
	if err != nil {
		t.Fatalf("NewHub(%s): %v", id, err)
	}
	if err := h.Coordinator().RegisterInstance("", "/work/"+id); err != nil {
		t.Fatalf("RegisterInstance(%s): %v", id, err)
	}
	return h
}

// TestCrashRecovery walks through an instance dying mid-task: its budget
// share returns to the survivor, its lease table is swept, and its queued
// work is stolen.
func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	clk := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New()
	a := newHub(t, dir, "agent-a", clk, m)
	b := newHub(t, dir, "agent-b", clk, m)

	if got := a.Gate().LLMCeiling(); got != 2 {
		t.Fatalf("a ceiling = %d, want half of the budget", got)
	}

	l, err := a.Gate().Acquire(context.Background(), 1, 2, time.Hour)
	if err != nil {
		t.Fatalf("a Acquire: %v", err)
	}
	if l.LLMReserved != 2 {
		t.Errorf("lease llm units = %d, want 2", l.LLMReserved)
	}
	if _, err := a.Ownership().Claim("feature/login"); err != nil {
		t.Fatalf("a Claim: %v", err)
	}
	if _, err := b.Ownership().Claim("feature/login"); !errors.Is(err, errors.ErrOwnershipConflict) {
		t.Errorf("b Claim of a live owner's task = %v, want ErrOwnershipConflict", err)
	}
	if _, err := a.Coordinator().Enqueue("feature/login", []byte(`{"step":2}`)); err != nil {
		t.Fatalf("a Enqueue: %v", err)
	}

	// a stops heartbeating; b keeps going.
	clk.Advance(coordination.DefaultHeartbeatTimeout + time.Second)
	if err := b.Coordinator().Heartbeat(); err != nil {
		t.Fatalf("b Heartbeat: %v", err)
	}

	if !b.Coordinator().ShouldAttemptWorkStealing(0, 0) {
		t.Error("b should look for work left by a")
	}
	if got := b.Gate().LLMCeiling(); got != 4 {
		t.Errorf("b ceiling = %d, want the whole budget once a is dead", got)
	}

	res, err := b.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.PrunedInstances) != 1 || res.PrunedInstances[0] != "agent-a" {
		t.Errorf("pruned = %v, want [agent-a]", res.PrunedInstances)
	}
	if res.RemovedLeaseFiles != 1 {
		t.Errorf("removed lease files = %d, want 1", res.RemovedLeaseFiles)
	}
	if res.RemovedQueues != 0 {
		t.Errorf("removed queues = %d, want 0 while work is queued", res.RemovedQueues)
	}

	tables, err := coordination.LeaseTables(dir, b.Pool().Limits())
	if err != nil {
		t.Fatalf("LeaseTables: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("lease tables after sweep = %+v", tables)
	}

	item, ok, err := b.Coordinator().SafeStealWork()
	if err != nil || !ok {
		t.Fatalf("SafeStealWork = %v, %v", ok, err)
	}
	if item.TaskID != "feature/login" || item.StolenFrom != "agent-a" {
		t.Errorf("stolen item = %+v", item)
	}
	expected := `
# HELP picoord_work_stolen_total Queue items taken over from dead instances
# TYPE picoord_work_stolen_total counter
picoord_work_stolen_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "picoord_work_stolen_total"); err != nil {
		t.Errorf("steal metric: %v", err)
	}

	rec, err := b.Ownership().ForceClaim("feature/login")
	if err != nil {
		t.Fatalf("ForceClaim: %v", err)
	}
	if rec.OwnerInstanceID != "agent-b" || !rec.Forced {
		t.Errorf("record after force claim = %+v", rec)
	}
}

// TestSharedRateLimit checks that a 429 seen by one instance lowers the
// ceiling of every instance using the same provider and model.
func TestSharedRateLimit(t *testing.T) {
	dir := t.TempDir()
	clk := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	a := newHub(t, dir, "agent-a", clk, nil)
	b := newHub(t, dir, "agent-b", clk, nil)

	a.Gate().Report429("429 Too Many Requests")
	a.Gate().Report429("429 Too Many Requests")

	st, ok := b.Rate().State("anthropic", "claude-sonnet")
	if !ok {
		t.Fatal("b does not see the rate state recorded by a")
	}
	if st.CurrentParallelLimit != 1 {
		t.Errorf("limit after two 429s = %d, want 1", st.CurrentParallelLimit)
	}
	if got := b.Gate().LLMCeiling(); got != 1 {
		t.Errorf("b ceiling = %d, want 1", got)
	}

	if _, err := b.Gate().Acquire(context.Background(), 0, 2, time.Minute); !errors.Is(err, errors.ErrQueueTimeout) {
		t.Errorf("Acquire above the learned limit = %v, want ErrQueueTimeout", err)
	}

	b.Gate().ReportSuccess()
	clk.Advance(adaptive.DefaultConfig().RecoveryInterval)
	if grown := a.Rate().Tick(); grown != 1 {
		t.Errorf("Tick grew %d states, want 1", grown)
	}
	st, _ = b.Rate().State("anthropic", "claude-sonnet")
	if st.CurrentParallelLimit != 2 {
		t.Errorf("limit after recovery tick = %d, want 2", st.CurrentParallelLimit)
	}
}
