// Package capacity is the entry point for callers that want to run
// concurrent LLM work. A Gate binds a lease pool, the adaptive rate
// controller and this instance's share of the global budget for one
// provider and model, and turns them into a single cancellable wait.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/lease"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
)

// Defaults.
const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultCapacityWait = 20 * time.Second
	DefaultLeaseTTL     = 5 * time.Minute
)

// Wait outcomes, also used as metric labels.
const (
	OutcomeAcquired = "acquired"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Pool is the lease pool surface the gate needs.
type Pool interface {
	Limits() lease.Limits
	CheckCapacity(requests, llm int, opts ...lease.CapacityOption) lease.CapacityCheck
	Reserve(requests, llm int, ttl time.Duration, opts ...lease.CapacityOption) (*lease.Lease, error)
	Release(id string) error
}

// RateController is the adaptive controller surface the gate needs.
type RateController interface {
	SchedulerAwareLimit(provider, model string, presetLimit int) int
	RecordSuccess(provider, model string)
	Record429(provider, model, details string)
}

// BudgetSource reports this instance's share of the global LLM budget.
type BudgetSource interface {
	MyParallelLimit() int
}

// Config selects the provider and model and the wait behaviour.
type Config struct {
	Provider     string
	Model        string
	PresetLimit  int
	CapacityWait time.Duration
	PollInterval time.Duration
	// LeaseTTL is the lifetime of leases acquired with a ttl of zero.
	LeaseTTL time.Duration
}

// Gate waits for and hands out capacity leases.
type Gate struct {
	cfg     Config
	pool    Pool
	rate    RateController
	budget  BudgetSource
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithBudget intersects the LLM ceiling with this instance's budget share.
func WithBudget(b BudgetSource) Option {
	return func(g *Gate) {
		g.budget = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics records wait outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates a Gate.
func NewGate(pool Pool, rate RateController, cfg Config, opts ...Option) *Gate {
	if cfg.CapacityWait <= 0 {
		cfg.CapacityWait = DefaultCapacityWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	g := &Gate{cfg: cfg, pool: pool, rate: rate}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).WithComponent("capacity").With("provider", cfg.Provider, "model", cfg.Model)
	return g
}

// LLMCeiling returns the scheduler-aware limit of the rate controller,
// intersected with this instance's budget share when one is configured.
func (g *Gate) LLMCeiling() int {
	ceiling := g.rate.SchedulerAwareLimit(g.cfg.Provider, g.cfg.Model, g.cfg.PresetLimit)
	if g.budget != nil {
		ceiling = min(ceiling, g.budget.MyParallelLimit())
	}
	return ceiling
}

// Check reports whether requests and llm units fit under the current
// ceiling right now.
func (g *Gate) Check(requests, llm int) lease.CapacityCheck {
	return g.pool.CheckCapacity(requests, llm, lease.Ceiling(g.LLMCeiling()))
}

// Acquire waits until requests and llm units can be reserved under the
// current ceiling, then reserves them for ttl (the configured LeaseTTL when
// ttl is zero). It gives up with a retryable *errors.TimeoutError matching
// errors.ErrQueueTimeout once the capacity wait elapses, and with an error
// matching errors.ErrCanceled when ctx is done. A request larger than the
// pool maxima fails at once with a *errors.CapacityError naming the axis. A
// reservation lost to a concurrent caller simply continues the wait.
func (g *Gate) Acquire(ctx context.Context, requests, llm int, ttl time.Duration) (*lease.Lease, error) {
	if reason := exceedsMaxima(g.pool.Limits(), requests, llm); reason != "" {
		g.logger.Warn("request can never fit the pool", "requests", requests, "llm", llm, "reason", reason)
		return nil, errors.NewCapacityError(reason).WithNeeded(requests, llm)
	}
	if ttl <= 0 {
		ttl = g.cfg.LeaseTTL
	}

	start := time.Now()
	deadline := time.NewTimer(g.cfg.CapacityWait)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	var lastReason string
	for {
		if err := ctx.Err(); err != nil {
			return nil, g.canceled(ctx, start)
		}

		ceiling := lease.Ceiling(g.LLMCeiling())
		check := g.pool.CheckCapacity(requests, llm, ceiling)
		if check.Available {
			l, err := g.pool.Reserve(requests, llm, ttl, ceiling)
			if err == nil {
				g.metrics.ObserveCapacityWait(OutcomeAcquired, time.Since(start).Seconds())
				return l, nil
			}
			var ce *errors.CapacityError
			if !errors.As(err, &ce) {
				return nil, err
			}
			lastReason = ce.Reason
			g.logger.Debug("reservation lost race, waiting", "reason", ce.Reason)
		} else {
			lastReason = check.Reason
		}

		select {
		case <-ctx.Done():
			return nil, g.canceled(ctx, start)
		case <-deadline.C:
			g.metrics.ObserveCapacityWait(OutcomeTimeout, time.Since(start).Seconds())
			g.logger.Warn("capacity wait timed out",
				"requests", requests,
				"llm", llm,
				"waited", time.Since(start).String(),
				"last_reason", lastReason,
			)
			return nil, errors.NewTimeoutError("waiting for capacity", g.cfg.CapacityWait).
				WithCause(errors.ErrQueueTimeout).
				WithLastReason(lastReason)
		case <-ticker.C:
		}
	}
}

// exceedsMaxima names the first axis on which a request is larger than the
// pool could ever hold, or returns "".
func exceedsMaxima(limits lease.Limits, requests, llm int) string {
	switch {
	case requests > limits.MaxRequests:
		return fmt.Sprintf("requests: need %d, have %d", requests, limits.MaxRequests)
	case llm > limits.MaxLLM:
		return fmt.Sprintf("llm: need %d, have %d", llm, limits.MaxLLM)
	}
	return ""
}

func (g *Gate) canceled(ctx context.Context, start time.Time) error {
	g.metrics.ObserveCapacityWait(OutcomeCanceled, time.Since(start).Seconds())
	return fmt.Errorf("wait for capacity: %w: %w", errors.ErrCanceled, context.Cause(ctx))
}

// Release returns a lease obtained from Acquire.
func (g *Gate) Release(l *lease.Lease) error {
	if l == nil {
		return errors.NewValidationError("lease must not be nil").WithField("lease")
	}
	return g.pool.Release(l.ID)
}

// ReportSuccess tells the rate controller a request succeeded.
func (g *Gate) ReportSuccess() {
	g.rate.RecordSuccess(g.cfg.Provider, g.cfg.Model)
}

// Report429 tells the rate controller a request was throttled.
func (g *Gate) Report429(details string) {
	g.rate.Record429(g.cfg.Provider, g.cfg.Model, details)
}
