package lease

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/statefile"
)

// defaultRetention is how long released leases stay in the table before an
// expiry sweep prunes them.
const defaultRetention = 10 * time.Minute

// Pool tracks reserved capacity against configured maxima.
// It is safe for concurrent use within a process; across processes the
// persisted table is guarded by a file lock.
type Pool struct {
	limits    Limits
	path      string
	owner     string
	retention time.Duration
	now       func() time.Time
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu  sync.Mutex
	mem table // authoritative when path is empty, last seen copy otherwise
}

// Option configures a Pool.
type Option func(*Pool)

// WithStatePath persists the lease table at path.
func WithStatePath(path string) Option {
	return func(p *Pool) {
		p.path = path
	}
}

// WithOwner stamps every new lease with the given instance id.
func WithOwner(instanceID string) Option {
	return func(p *Pool) {
		p.owner = instanceID
	}
}

// WithClock sets the time source. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics publishes pool usage to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithRetention sets how long released leases are kept before pruning.
func WithRetention(d time.Duration) Option {
	return func(p *Pool) {
		p.retention = d
	}
}

// NewPool creates a pool with the given maxima.
func NewPool(limits Limits, opts ...Option) *Pool {
	p := &Pool{
		limits:    limits,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).WithComponent("lease")
	p.mem.init()
	return p
}

// Limits returns the configured maxima.
func (p *Pool) Limits() Limits {
	return p.limits
}

// CapacityOption adjusts a single capacity check.
type CapacityOption func(*capacityOpts)

type capacityOpts struct {
	llmCeiling    int
	hasLLMCeiling bool
}

// Ceiling lowers the llm axis maximum to n for this check. A ceiling above
// the configured maximum has no effect.
func Ceiling(n int) CapacityOption {
	return func(o *capacityOpts) {
		o.llmCeiling = n
		o.hasLLMCeiling = true
	}
}

// CheckCapacity reports whether requests and llm units could be reserved
// right now. It does not reserve anything; only Reserve is authoritative.
func (p *Pool) CheckCapacity(requests, llm int, opts ...CapacityOption) CapacityCheck {
	t := p.snapshot()
	return p.check(&t, requests, llm, opts)
}

func (p *Pool) check(t *table, requests, llm int, opts []CapacityOption) CapacityCheck {
	var o capacityOpts
	for _, opt := range opts {
		opt(&o)
	}

	maxLLM := p.limits.MaxLLM
	if o.hasLLMCeiling && o.llmCeiling < maxLLM {
		maxLLM = max(0, o.llmCeiling)
	}

	free := Usage{
		Requests: max(0, p.limits.MaxRequests-t.Usage.Requests),
		LLM:      max(0, maxLLM-t.Usage.LLM),
	}

	res := CapacityCheck{Available: true, Free: free}
	switch {
	case requests > free.Requests:
		res.Available = false
		res.Reason = fmt.Sprintf("requests: need %d, have %d", requests, free.Requests)
	case llm > free.LLM:
		res.Available = false
		res.Reason = fmt.Sprintf("llm: need %d, have %d", llm, free.LLM)
	}
	return res
}

// Reserve reserves requests and llm units for ttl. Availability is derived
// again from the current table; a prior CheckCapacity is never trusted.
// On shortage the returned error is a *errors.CapacityError carrying the
// same reason CheckCapacity would report.
func (p *Pool) Reserve(requests, llm int, ttl time.Duration, opts ...CapacityOption) (*Lease, error) {
	if requests < 0 || llm < 0 {
		return nil, errors.NewValidationError("unit counts must not be negative").
			WithField("units").WithValue(fmt.Sprintf("requests=%d llm=%d", requests, llm))
	}
	if ttl <= 0 {
		return nil, errors.NewValidationError("ttl must be positive").WithField("ttl").WithValue(ttl)
	}

	var issued Lease
	err := p.mutate(func(t *table) error {
		if c := p.check(t, requests, llm, opts); !c.Available {
			return errors.NewCapacityError(c.Reason).WithNeeded(requests, llm)
		}

		now := p.now()
		l := &Lease{
			ID:               uuid.NewString(),
			Owner:            p.owner,
			RequestsReserved: requests,
			LLMReserved:      llm,
			ReservedAt:       now,
			ExpiresAt:        now.Add(ttl),
		}
		t.Leases[l.ID] = l
		t.Usage.Requests += requests
		t.Usage.LLM += llm
		issued = *l
		return nil
	})
	p.metrics.RecordReservation(err == nil)
	if err != nil {
		if errors.Is(err, errors.ErrCapacityExhausted) {
			p.logger.Debug("reservation rejected", "requests", requests, "llm", llm, "error", err.Error())
		}
		return nil, err
	}

	p.logger.Debug("lease reserved",
		"lease_id", issued.ID,
		"requests", requests,
		"llm", llm,
		"expires_at", issued.ExpiresAt,
	)
	return &issued, nil
}

// Release returns a lease's units to the pool. Totals are decremented by the
// amounts recorded at reservation time.
func (p *Pool) Release(id string) error {
	err := p.mutate(func(t *table) error {
		l, ok := t.Leases[id]
		if !ok {
			return errors.NewLeaseError(errors.ErrLeaseNotFound).WithLeaseID(id)
		}
		if l.Released {
			return errors.NewLeaseError(errors.ErrDoubleRelease).WithLeaseID(id)
		}
		releaseLease(t, l, p.now())
		return nil
	})
	if err != nil {
		p.logger.Error("lease release failed", "lease_id", id, "error", err.Error())
		return err
	}
	p.logger.Debug("lease released", "lease_id", id)
	return nil
}

// CleanupExpired releases every held lease whose expiry is at or before now
// and returns how many were reclaimed. Released leases older than the
// retention window are pruned from the table in the same pass.
func (p *Pool) CleanupExpired() (int, error) {
	cleaned := 0
	err := p.mutate(func(t *table) error {
		now := p.now()
		pruned := 0
		for id, l := range t.Leases {
			if l.Expired(now) {
				releaseLease(t, l, now)
				cleaned++
				continue
			}
			if l.Released && now.Sub(l.ReleasedAt) > p.retention {
				delete(t.Leases, id)
				pruned++
			}
		}
		if cleaned == 0 && pruned == 0 {
			return statefile.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cleaned > 0 {
		p.logger.Info("expired leases reclaimed", "count", cleaned)
		p.metrics.RecordExpired(cleaned)
	}
	return cleaned, nil
}

// Usage returns the units currently reserved by non-released leases.
func (p *Pool) Usage() Usage {
	t := p.snapshot()
	return t.Usage
}

// Active returns copies of all non-released leases.
func (p *Pool) Active() []Lease {
	t := p.snapshot()
	out := make([]Lease, 0, len(t.Leases))
	for _, l := range t.Leases {
		if !l.Released {
			out = append(out, *l)
		}
	}
	return out
}

func releaseLease(t *table, l *Lease, now time.Time) {
	l.Released = true
	l.ReleasedAt = now
	t.Usage.Requests -= l.RequestsReserved
	t.Usage.LLM -= l.LLMReserved
}

// mutate applies fn to the current table. With a state path the table is
// re-read from disk under the file lock and rewritten atomically.
func (p *Pool) mutate(fn func(t *table) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path == "" {
		work := p.mem.clone()
		if err := fn(&work); err != nil {
			if errors.Is(err, statefile.ErrNoChange) {
				return nil
			}
			return err
		}
		p.mem = work
		p.publish(&work)
		return nil
	}

	return statefile.Update(p.path, func(t *table) error {
		t.init()
		if err := fn(t); err != nil {
			return err
		}
		p.mem = t.clone()
		p.publish(t)
		return nil
	})
}

// snapshot returns a copy of the current table. A persisted table is read
// fresh from disk; if that fails the last seen copy is used.
func (p *Pool) snapshot() table {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path != "" {
		var t table
		if _, err := statefile.Read(p.path, &t); err != nil {
			p.logger.Warn("lease table unreadable, using cached copy", "path", p.path, "error", err.Error())
		} else {
			t.init()
			p.mem = t
		}
	}
	return p.mem.clone()
}

func (p *Pool) publish(t *table) {
	p.metrics.SetPoolUsage(t.active(), t.Usage.Requests, t.Usage.LLM)
}
