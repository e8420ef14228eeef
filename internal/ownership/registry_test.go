package ownership

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/process"
)

// pidTable is a fake process table shared by the registries of one test.
type pidTable struct {
	mu    sync.Mutex
	alive map[int]bool
}

func newPIDTable(pids ...int) *pidTable {
	pt := &pidTable{alive: map[int]bool{}}
	for _, p := range pids {
		pt.alive[p] = true
	}
	return pt
}

func (pt *pidTable) isAlive(pid int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.alive[pid]
}

func (pt *pidTable) kill(pid int) {
	pt.mu.Lock()
	delete(pt.alive, pid)
	pt.mu.Unlock()
}

func newTestRegistry(dir, instanceID string, pid int, pt *pidTable, opts ...Option) *Registry {
	all := []Option{
		WithPID(pid),
		WithProber(process.NewProberWith("host-a", pt.isAlive)),
	}
	return NewRegistry(dir, instanceID, append(all, opts...)...)
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100, 200)
	a := newTestRegistry(dir, "sess-a-100", 100, pt)
	b := newTestRegistry(dir, "sess-b-200", 200, pt)

	st, err := a.Check("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Owned || st.Reclaimable {
		t.Errorf("unowned task status = %+v, want owned", st)
	}

	if _, err := a.Claim("task-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	tests := []struct {
		name        string
		reg         *Registry
		owned       bool
		reclaimable bool
	}{
		{"owner sees own task", a, true, false},
		{"live foreign owner", b, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := tt.reg.Check("task-1")
			if err != nil {
				t.Fatal(err)
			}
			if st.Owned != tt.owned || st.Reclaimable != tt.reclaimable {
				t.Errorf("status = %+v", st)
			}
			if st.OwnerInstanceID != "sess-a-100" || st.OwnerPID != 100 {
				t.Errorf("owner = %s/%d", st.OwnerInstanceID, st.OwnerPID)
			}
		})
	}

	t.Run("dead owner is reclaimable", func(t *testing.T) {
		pt.kill(100)
		st, err := b.Check("task-1")
		if err != nil {
			t.Fatal(err)
		}
		if st.Owned || !st.Reclaimable {
			t.Errorf("status = %+v, want reclaimable", st)
		}
	})
}

func TestCheck_ForeignHostIsNeverReclaimable(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable()
	remote := NewRegistry(dir, "remote-1", WithPID(1), WithProber(process.NewProberWith("host-b", pt.isAlive)))
	local := newTestRegistry(dir, "local-2", 2, pt)

	if _, err := remote.Claim("task"); err != nil {
		t.Fatal(err)
	}
	st, err := local.Check("task")
	if err != nil {
		t.Fatal(err)
	}
	if st.Owned || st.Reclaimable {
		t.Errorf("status = %+v; a pid on another host cannot be probed", st)
	}
}

func TestClaim(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100, 200)
	a := newTestRegistry(dir, "a", 100, pt)
	b := newTestRegistry(dir, "b", 200, pt)

	if _, err := a.Claim("task"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Claim("task"); err != nil {
		t.Errorf("re-claim by owner: %v", err)
	}

	_, err := b.Claim("task")
	if !errors.Is(err, errors.ErrOwnershipConflict) {
		t.Fatalf("Claim by other instance = %v, want ErrOwnershipConflict", err)
	}
	var oe *errors.OwnershipError
	if !errors.As(err, &oe) || oe.OwnerInstanceID != "a" || oe.OwnerPID != 100 {
		t.Errorf("error = %#v", err)
	}
	if !errors.IsTerminal(err) || errors.IsRetryable(err) {
		t.Error("ownership conflict should be terminal")
	}

	pt.kill(100)
	rec, err := b.Claim("task")
	if err != nil {
		t.Fatalf("reclaim from dead owner: %v", err)
	}
	if rec.OwnerInstanceID != "b" || rec.OwnerPID != 200 || rec.Forced {
		t.Errorf("record = %+v", rec)
	}
}

func TestClaim_TasksAreIndependent(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100, 200)
	a := newTestRegistry(dir, "a", 100, pt)
	b := newTestRegistry(dir, "b", 200, pt)

	if _, err := a.Claim("task-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Claim("task-b"); err != nil {
		t.Errorf("owning task-a must not block task-b: %v", err)
	}
	if _, err := a.Claim("task-c"); err != nil {
		t.Errorf("an instance may own several tasks: %v", err)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable()
	const n = 8
	regs := make([]*Registry, n)
	for i := range regs {
		pid := 1000 + i
		pt.alive[pid] = true
		regs[i] = newTestRegistry(dir, "inst-"+string(rune('a'+i)), pid, pt)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, r := range regs {
		wg.Add(1)
		go func(r *Registry) {
			defer wg.Done()
			if _, err := r.Claim("contended"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestForceClaim(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100, 200)
	a := newTestRegistry(dir, "a", 100, pt)
	m := metrics.New()
	b := newTestRegistry(dir, "b", 200, pt, WithMetrics(m))

	if _, err := a.Claim("task"); err != nil {
		t.Fatal(err)
	}
	rec, err := b.ForceClaim("task")
	if err != nil {
		t.Fatalf("ForceClaim: %v", err)
	}
	if !rec.Forced || rec.OwnerInstanceID != "b" {
		t.Errorf("record = %+v", rec)
	}

	st, _ := a.Check("task")
	if st.Owned {
		t.Error("previous owner should no longer own the task")
	}

	const want = `
# HELP picoord_ownership_claims_total Task ownership claims by result (claimed, reclaimed, forced, conflict)
# TYPE picoord_ownership_claims_total counter
picoord_ownership_claims_total{result="forced"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "picoord_ownership_claims_total"); err != nil {
		t.Error(err)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100, 200)
	a := newTestRegistry(dir, "a", 100, pt)
	b := newTestRegistry(dir, "b", 200, pt)

	if err := a.Release("nothing"); err != nil {
		t.Errorf("Release of unowned task: %v", err)
	}

	if _, err := a.Claim("task"); err != nil {
		t.Fatal(err)
	}
	if err := b.Release("task"); !errors.Is(err, errors.ErrNotOwner) {
		t.Errorf("foreign Release = %v, want ErrNotOwner", err)
	}
	if err := a.Release("task"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := b.Claim("task"); err != nil {
		t.Errorf("Claim after release: %v", err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	pt := newPIDTable(100)
	a := newTestRegistry(dir, "a", 100, pt)

	if recs, err := a.List(); err != nil || len(recs) != 0 {
		t.Fatalf("List on empty dir = %v, %v", recs, err)
	}

	for _, task := range []string{"zeta", "alpha", "feature/login"} {
		if _, err := a.Claim(task); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	recs, err := a.List()
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.TaskID
	}
	want := []string{"alpha", "feature/login", "zeta"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List = %v, want %v", got, want)
	}
	if st := a.StatusOf(recs[0]); !st.Owned {
		t.Errorf("StatusOf = %+v", st)
	}
}

func TestEmptyTaskID(t *testing.T) {
	a := newTestRegistry(t.TempDir(), "a", 1, newPIDTable(1))
	if _, err := a.Check(" "); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Check error = %v", err)
	}
	if _, err := a.Claim(""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Claim error = %v", err)
	}
}
