package lease

import (
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, persisted bool, opts ...Option) (*Pool, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	all := []Option{WithClock(clock.Now)}
	if persisted {
		all = append(all, WithStatePath(filepath.Join(t.TempDir(), "leases", "inst.json")))
	}
	all = append(all, opts...)
	return NewPool(Limits{MaxRequests: 10, MaxLLM: 5}, all...), clock
}

// forEachMode runs fn against an in-memory and a file-backed pool.
func forEachMode(t *testing.T, fn func(t *testing.T, p *Pool, clock *fakeClock)) {
	t.Helper()
	for _, mode := range []struct {
		name      string
		persisted bool
	}{
		{"memory", false},
		{"file", true},
	} {
		t.Run(mode.name, func(t *testing.T) {
			p, clock := newTestPool(t, mode.persisted)
			fn(t, p, clock)
		})
	}
}

func assertUsage(t *testing.T, p *Pool, want Usage) {
	t.Helper()
	if got := p.Usage(); got != want {
		t.Fatalf("Usage() = %+v, want %+v", got, want)
	}
}

func TestPool_ReserveReleaseScenario(t *testing.T) {
	forEachMode(t, func(t *testing.T, p *Pool, _ *fakeClock) {
		first, err := p.Reserve(2, 1, time.Minute)
		if err != nil {
			t.Fatalf("Reserve(2,1): %v", err)
		}
		assertUsage(t, p, Usage{Requests: 2, LLM: 1})

		second, err := p.Reserve(3, 2, time.Minute)
		if err != nil {
			t.Fatalf("Reserve(3,2): %v", err)
		}
		assertUsage(t, p, Usage{Requests: 5, LLM: 3})

		if first.ID == second.ID {
			t.Fatal("lease ids must be unique")
		}

		if err := p.Release(first.ID); err != nil {
			t.Fatalf("Release(first): %v", err)
		}
		assertUsage(t, p, Usage{Requests: 3, LLM: 2})

		if err := p.Release(second.ID); err != nil {
			t.Fatalf("Release(second): %v", err)
		}
		assertUsage(t, p, Usage{})

		_, err = p.Reserve(11, 0, time.Minute)
		if err == nil {
			t.Fatal("Reserve(11,0) should fail")
		}
		if !errors.Is(err, errors.ErrCapacityExhausted) {
			t.Errorf("error = %v, want ErrCapacityExhausted", err)
		}
		if !strings.Contains(err.Error(), "requests: need 11, have 10") {
			t.Errorf("error %q does not name the requests axis", err.Error())
		}
		if !errors.IsRetryable(err) {
			t.Error("capacity exhaustion should be retryable")
		}
	})
}

func TestPool_DoubleAndUnknownRelease(t *testing.T) {
	forEachMode(t, func(t *testing.T, p *Pool, _ *fakeClock) {
		l, err := p.Reserve(1, 1, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Release(l.ID); err != nil {
			t.Fatal(err)
		}

		err = p.Release(l.ID)
		if !errors.Is(err, errors.ErrDoubleRelease) {
			t.Errorf("second Release error = %v, want ErrDoubleRelease", err)
		}
		var le *errors.LeaseError
		if !errors.As(err, &le) || le.LeaseID != l.ID {
			t.Errorf("expected *LeaseError for %s, got %#v", l.ID, err)
		}
		if errors.IsRetryable(err) {
			t.Error("double release must not be retryable")
		}
		if errors.GetSeverity(err) != errors.SeverityCritical {
			t.Errorf("severity = %v, want critical", errors.GetSeverity(err))
		}

		err = p.Release("never-issued")
		if !errors.Is(err, errors.ErrLeaseNotFound) {
			t.Errorf("unknown Release error = %v, want ErrLeaseNotFound", err)
		}
		assertUsage(t, p, Usage{})
	})
}

func TestPool_ZeroAndBoundary(t *testing.T) {
	forEachMode(t, func(t *testing.T, p *Pool, _ *fakeClock) {
		if _, err := p.Reserve(0, 0, time.Minute); err != nil {
			t.Fatalf("zero reservation: %v", err)
		}
		assertUsage(t, p, Usage{})

		if _, err := p.Reserve(10, 5, time.Minute); err != nil {
			t.Fatalf("exact-maxima reservation: %v", err)
		}
		assertUsage(t, p, Usage{Requests: 10, LLM: 5})

		_, err := p.Reserve(1, 0, time.Minute)
		if err == nil {
			t.Fatal("reservation over maxima should fail")
		}
		if !strings.Contains(err.Error(), "requests: need 1, have 0") {
			t.Errorf("error %q should cite the requests axis", err.Error())
		}
		if strings.Contains(err.Error(), "llm") {
			t.Errorf("error %q should not cite the llm axis", err.Error())
		}
	})
}

func TestPool_CheckCapacity(t *testing.T) {
	p, _ := newTestPool(t, false)
	if _, err := p.Reserve(2, 4, time.Minute); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		requests  int
		llm       int
		opts      []CapacityOption
		available bool
		reason    string
	}{
		{"fits", 8, 1, nil, true, ""},
		{"requests short first", 9, 3, nil, false, "requests: need 9, have 8"},
		{"llm short", 1, 2, nil, false, "llm: need 2, have 1"},
		{"ceiling lowers llm", 1, 1, []CapacityOption{Ceiling(4)}, false, "llm: need 1, have 0"},
		{"ceiling above max has no effect", 1, 1, []CapacityOption{Ceiling(50)}, true, ""},
		{"zero units always fit", 0, 0, []CapacityOption{Ceiling(0)}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.CheckCapacity(tt.requests, tt.llm, tt.opts...)
			if got.Available != tt.available {
				t.Errorf("Available = %v, want %v", got.Available, tt.available)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}

	// CheckCapacity has no side effects.
	assertUsage(t, p, Usage{Requests: 2, LLM: 4})
}

func TestPool_ReserveValidation(t *testing.T) {
	p, _ := newTestPool(t, false)

	tests := []struct {
		name     string
		requests int
		llm      int
		ttl      time.Duration
	}{
		{"negative requests", -1, 0, time.Minute},
		{"negative llm", 0, -2, time.Minute},
		{"zero ttl", 1, 1, 0},
		{"negative ttl", 1, 1, -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Reserve(tt.requests, tt.llm, tt.ttl)
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
	assertUsage(t, p, Usage{})
}

func TestPool_Expiry(t *testing.T) {
	forEachMode(t, func(t *testing.T, p *Pool, clock *fakeClock) {
		if _, err := p.Reserve(3, 2, 1000*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		clock.Advance(1500 * time.Millisecond)

		n, err := p.CleanupExpired()
		if err != nil {
			t.Fatalf("CleanupExpired: %v", err)
		}
		if n != 1 {
			t.Errorf("cleaned = %d, want 1", n)
		}
		assertUsage(t, p, Usage{})

		// A second sweep finds nothing.
		if n, _ := p.CleanupExpired(); n != 0 {
			t.Errorf("second sweep cleaned %d", n)
		}
	})
}

func TestPool_PreExpiryStability(t *testing.T) {
	forEachMode(t, func(t *testing.T, p *Pool, clock *fakeClock) {
		l, err := p.Reserve(3, 2, 60*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(30 * time.Second)

		n, err := p.CleanupExpired()
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("cleaned = %d, want 0", n)
		}
		assertUsage(t, p, Usage{Requests: 3, LLM: 2})
		if err := p.Release(l.ID); err != nil {
			t.Errorf("lease should still be releasable: %v", err)
		}
	})
}

func TestPool_ExpiredLeaseCannotBeReleased(t *testing.T) {
	p, clock := newTestPool(t, false)
	l, err := p.Reserve(1, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	if _, err := p.CleanupExpired(); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(l.ID); !errors.Is(err, errors.ErrDoubleRelease) {
		t.Errorf("Release after expiry = %v, want ErrDoubleRelease", err)
	}
}

func TestPool_RetentionPrunesReleased(t *testing.T) {
	p, clock := newTestPool(t, false, WithRetention(time.Minute))
	l, err := p.Reserve(1, 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(l.ID); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := p.CleanupExpired(); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(l.ID); !errors.Is(err, errors.ErrLeaseNotFound) {
		t.Errorf("pruned lease Release = %v, want ErrLeaseNotFound", err)
	}
}

func TestPool_Conservation(t *testing.T) {
	p, _ := newTestPool(t, false)
	rng := rand.New(rand.NewSource(42))
	held := map[string]Usage{}

	for i := 0; i < 500; i++ {
		if len(held) > 0 && rng.Intn(2) == 0 {
			for id := range held {
				if err := p.Release(id); err != nil {
					t.Fatalf("Release: %v", err)
				}
				delete(held, id)
				break
			}
		} else {
			r, l := rng.Intn(4), rng.Intn(3)
			lease, err := p.Reserve(r, l, time.Hour)
			if err == nil {
				held[lease.ID] = Usage{Requests: r, LLM: l}
			} else if !errors.Is(err, errors.ErrCapacityExhausted) {
				t.Fatalf("Reserve: %v", err)
			}
		}

		var want Usage
		for _, u := range held {
			want.Requests += u.Requests
			want.LLM += u.LLM
		}
		got := p.Usage()
		if got != want {
			t.Fatalf("step %d: usage %+v, held sum %+v", i, got, want)
		}
		if got.Requests > 10 || got.LLM > 5 {
			t.Fatalf("step %d: usage %+v exceeds maxima", i, got)
		}
	}
}

func TestPool_ConcurrentReservationsNeverOverAllocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases", "shared.json")
	limits := Limits{MaxRequests: 10, MaxLLM: 5}

	// Separate Pool values on one path stand in for separate processes.
	pools := make([]*Pool, 4)
	for i := range pools {
		pools[i] = NewPool(limits, WithStatePath(path))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for _, p := range pools {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(p *Pool) {
				defer wg.Done()
				if _, err := p.Reserve(1, 1, time.Hour); err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}(p)
		}
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("granted = %d, want exactly 5 (llm maximum)", granted)
	}
	if u := pools[0].Usage(); u.LLM != 5 {
		t.Errorf("usage = %+v", u)
	}
}

func TestPool_PersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases", "inst.json")
	limits := Limits{MaxRequests: 10, MaxLLM: 5}

	p1 := NewPool(limits, WithStatePath(path), WithOwner("sess-1"))
	l, err := p1.Reserve(4, 2, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	p2 := NewPool(limits, WithStatePath(path))
	assertUsage(t, p2, Usage{Requests: 4, LLM: 2})
	active := p2.Active()
	if len(active) != 1 || active[0].Owner != "sess-1" {
		t.Fatalf("Active() = %+v", active)
	}
	if err := p2.Release(l.ID); err != nil {
		t.Fatalf("Release from restarted pool: %v", err)
	}
	assertUsage(t, p1, Usage{})
}

func TestPool_Metrics(t *testing.T) {
	m := metrics.New()
	p, _ := newTestPool(t, false, WithMetrics(m))

	if _, err := p.Reserve(2, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	_, _ = p.Reserve(20, 0, time.Minute)

	const want = `
# HELP picoord_lease_reservations_total Lease reservation attempts by result
# TYPE picoord_lease_reservations_total counter
picoord_lease_reservations_total{result="rejected"} 1
picoord_lease_reservations_total{result="reserved"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "picoord_lease_reservations_total"); err != nil {
		t.Error(err)
	}
}
