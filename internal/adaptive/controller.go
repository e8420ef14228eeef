// Package adaptive learns a per provider and model concurrency limit from
// throttling feedback.
//
// Each provider and model pair carries a scalar limit that shrinks quickly
// when the upstream rejects requests for exceeding its rate limit and grows
// back slowly on a recovery timer once requests succeed again. A weighted
// score over the recent error history lets the scheduler back off before
// the next rejection arrives.
//
// The controller never returns errors. When the shared rate-state document
// cannot be read or written it logs a warning and keeps working from its
// in-memory copy.
package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/statefile"
)

// Default tuning values.
const (
	DefaultReductionFactor     = 0.5
	DefaultRecoveryFactor      = 1.05
	DefaultRecoveryInterval    = 120 * time.Second
	DefaultEscalationThreshold = 3
	DefaultFloorThreshold      = 5
	DefaultPredictiveThreshold = 0.15
	DefaultPresetLimit         = 4
	DefaultErrorRetention      = time.Hour
)

// Weights are the contributions of each signal to the throttling score.
type Weights struct {
	Last10Min   float64
	Last30Min   float64
	Last60Min   float64
	Consecutive float64
}

// Config holds the controller's tuning knobs.
type Config struct {
	ReductionFactor     float64
	RecoveryFactor      float64
	RecoveryInterval    time.Duration
	EscalationThreshold int
	FloorThreshold      int
	PredictiveThreshold float64
	Weights             Weights
	DefaultPreset       int
	ErrorRetention      time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ReductionFactor:     DefaultReductionFactor,
		RecoveryFactor:      DefaultRecoveryFactor,
		RecoveryInterval:    DefaultRecoveryInterval,
		EscalationThreshold: DefaultEscalationThreshold,
		FloorThreshold:      DefaultFloorThreshold,
		PredictiveThreshold: DefaultPredictiveThreshold,
		Weights: Weights{
			Last10Min:   0.40,
			Last30Min:   0.15,
			Last60Min:   0.05,
			Consecutive: 0.20,
		},
		DefaultPreset:  DefaultPresetLimit,
		ErrorRetention: DefaultErrorRetention,
	}
}

// Controller owns the rate states of every provider and model this process
// talks to. Construct one per process and share it.
type Controller struct {
	cfg     Config
	path    string
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	doc document
}

// Option configures a Controller.
type Option func(*Controller)

// WithStatePath persists rate states at path.
func WithStatePath(path string) Option {
	return func(c *Controller) {
		c.path = path
	}
}

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics publishes limits and scores to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates a controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		cfg: DefaultConfig(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.DefaultPreset < 1 {
		c.cfg.DefaultPreset = DefaultPresetLimit
	}
	if c.cfg.FloorThreshold < 1 {
		c.cfg.FloorThreshold = DefaultFloorThreshold
	}
	c.logger = logging.OrNop(c.logger).WithComponent("adaptive")
	c.doc.init()
	return c
}

// Record429 registers a throttling error. The limit is cut by the reduction
// factor, cut again once the consecutive count reaches the escalation
// threshold, and forced to 1 at the floor threshold. Any pending recovery is
// cancelled.
func (c *Controller) Record429(provider, model, details string) {
	var before, after, count int
	c.mutate(func(d *document) {
		now := c.now()
		s := c.ensure(d, provider, model, 0)

		before = s.CurrentParallelLimit
		s.Consecutive429Count++
		s.CurrentParallelLimit = c.reduce(s.CurrentParallelLimit)
		if s.Consecutive429Count >= c.cfg.EscalationThreshold {
			s.CurrentParallelLimit = c.reduce(s.CurrentParallelLimit)
		}
		if s.Consecutive429Count >= c.cfg.FloorThreshold {
			s.CurrentParallelLimit = 1
		}

		s.pruneBefore(now.Add(-c.cfg.ErrorRetention))
		s.ErrorTimestamps = append(s.ErrorTimestamps, now)
		s.LastErrorAt = now
		s.LastErrorDetails = details
		s.RecoveryDue = time.Time{}

		after = s.CurrentParallelLimit
		count = s.Consecutive429Count
	})

	c.metrics.RecordRateLimitError(provider, model)
	c.metrics.SetParallelLimit(provider, model, after)
	c.logger.Warn("rate limit hit, parallel limit reduced",
		"provider", provider,
		"model", model,
		"from", before,
		"to", after,
		"consecutive", count,
		"details", details,
	)
}

// RecordSuccess resets the consecutive error count and, when the limit is
// below its preset, schedules a recovery tick.
func (c *Controller) RecordSuccess(provider, model string) {
	c.mutate(func(d *document) {
		now := c.now()
		s := c.ensure(d, provider, model, 0)
		s.Consecutive429Count = 0
		s.LastSuccessAt = now
		if s.Throttled() && s.RecoveryDue.IsZero() {
			s.RecoveryDue = now.Add(c.cfg.RecoveryInterval)
		}
	})
}

// Tick grows every state whose recovery is due by the recovery factor,
// capped at the preset, and reschedules states still below preset. It
// returns the number of states that grew.
func (c *Controller) Tick() int {
	type change struct {
		provider, model string
		from, to        int
	}
	var changes []change

	c.mutate(func(d *document) {
		changes = changes[:0]
		now := c.now()
		for _, s := range d.States {
			s.sanitize(c.cfg.DefaultPreset)
			s.pruneBefore(now.Add(-c.cfg.ErrorRetention))
			if s.RecoveryDue.IsZero() || now.Before(s.RecoveryDue) {
				continue
			}
			from := s.CurrentParallelLimit
			s.CurrentParallelLimit = min(s.PresetLimit, ceilInt(float64(from)*c.cfg.RecoveryFactor))
			if s.Throttled() {
				s.RecoveryDue = now.Add(c.cfg.RecoveryInterval)
			} else {
				s.RecoveryDue = time.Time{}
			}
			changes = append(changes, change{s.Provider, s.Model, from, s.CurrentParallelLimit})
		}
	})

	for _, ch := range changes {
		c.metrics.SetParallelLimit(ch.provider, ch.model, ch.to)
		c.logger.Info("parallel limit recovering",
			"provider", ch.provider,
			"model", ch.model,
			"from", ch.from,
			"to", ch.to,
		)
	}
	return len(changes)
}

// Run drives recovery ticks every recovery interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.RecoveryInterval
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// EffectiveLimit returns the learned limit scaled by the global multiplier,
// never below 1. A positive presetLimit re-bases the state: a new state
// starts at the preset and a lowered preset clamps the current limit.
func (c *Controller) EffectiveLimit(provider, model string, presetLimit int) int {
	s, mult := c.current(provider, model, presetLimit)
	return max(1, floorInt(float64(s.CurrentParallelLimit)*mult))
}

// SchedulerAwareLimit returns EffectiveLimit, reduced by the throttling
// score when that score exceeds the predictive threshold.
func (c *Controller) SchedulerAwareLimit(provider, model string, presetLimit int) int {
	eff := c.EffectiveLimit(provider, model, presetLimit)
	p := c.Analyze429Probability(provider, model)
	if p <= c.cfg.PredictiveThreshold {
		return eff
	}
	reduced := max(1, floorInt(float64(eff)*(1-p)))
	if reduced < eff {
		c.logger.Debug("predictive throttle applied",
			"provider", provider,
			"model", model,
			"score", p,
			"from", eff,
			"to", reduced,
		)
	}
	return min(eff, reduced)
}

// Analyze429Probability returns a heuristic throttling score in [0,1] built
// from the share of one-minute slots containing an error over the last 10,
// 30 and 60 minutes and the normalised consecutive error count.
func (c *Controller) Analyze429Probability(provider, model string) float64 {
	d := c.refresh()
	s, ok := d.States[stateKey(provider, model)]
	if !ok {
		c.metrics.SetErrorScore(provider, model, 0)
		return 0
	}

	now := c.now()
	w := c.cfg.Weights
	score := w.Last10Min*slotFraction(s.ErrorTimestamps, now, 10) +
		w.Last30Min*slotFraction(s.ErrorTimestamps, now, 30) +
		w.Last60Min*slotFraction(s.ErrorTimestamps, now, 60) +
		w.Consecutive*min(1, float64(s.Consecutive429Count)/float64(c.cfg.FloorThreshold))
	score = min(1, max(0, score))

	c.metrics.SetErrorScore(provider, model, score)
	return score
}

// slotFraction returns the fraction of the last minutes one-minute slots
// that contain at least one timestamp.
func slotFraction(timestamps []time.Time, now time.Time, minutes int) float64 {
	if minutes <= 0 {
		return 0
	}
	hit := make(map[int]struct{})
	for _, ts := range timestamps {
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		slot := int(age / time.Minute)
		if slot < minutes {
			hit[slot] = struct{}{}
		}
	}
	return float64(len(hit)) / float64(minutes)
}

// SetGlobalMultiplier sets the operator dial applied by EffectiveLimit.
// Non-positive values are ignored.
func (c *Controller) SetGlobalMultiplier(m float64) {
	if m <= 0 {
		c.logger.Warn("ignoring non-positive global multiplier", "multiplier", m)
		return
	}
	c.mutate(func(d *document) {
		d.GlobalMultiplier = m
	})
	c.logger.Info("global multiplier set", "multiplier", m)
}

// GlobalMultiplier returns the current operator dial.
func (c *Controller) GlobalMultiplier() float64 {
	d := c.refresh()
	return d.GlobalMultiplier
}

// Reset restores a state to its preset and clears its error history.
func (c *Controller) Reset(provider, model string) {
	var limit int
	c.mutate(func(d *document) {
		s := c.ensure(d, provider, model, 0)
		s.CurrentParallelLimit = s.PresetLimit
		s.Consecutive429Count = 0
		s.ErrorTimestamps = nil
		s.LastErrorDetails = ""
		s.RecoveryDue = time.Time{}
		limit = s.CurrentParallelLimit
	})
	c.metrics.SetParallelLimit(provider, model, limit)
	c.logger.Info("rate state reset", "provider", provider, "model", model, "limit", limit)
}

// Snapshot returns copies of all states ordered by provider and model.
func (c *Controller) Snapshot() []State {
	d := c.refresh()
	return d.sorted()
}

// State returns a copy of one state and whether it exists.
func (c *Controller) State(provider, model string) (State, bool) {
	d := c.refresh()
	s, ok := d.States[stateKey(provider, model)]
	if !ok {
		return State{}, false
	}
	cp := *s
	cp.ErrorTimestamps = append([]time.Time(nil), s.ErrorTimestamps...)
	return cp, true
}

func (c *Controller) reduce(limit int) int {
	return max(1, floorInt(float64(limit)*c.cfg.ReductionFactor))
}

// ensure returns the state for provider and model, creating it at the preset
// when missing. A positive preset different from the stored one re-bases the
// state.
func (c *Controller) ensure(d *document, provider, model string, preset int) *State {
	key := stateKey(provider, model)
	s, ok := d.States[key]
	if !ok {
		p := preset
		if p < 1 {
			p = c.cfg.DefaultPreset
		}
		s = &State{
			Provider:             provider,
			Model:                model,
			CurrentParallelLimit: p,
			PresetLimit:          p,
		}
		d.States[key] = s
		return s
	}

	s.sanitize(c.cfg.DefaultPreset)
	if preset >= 1 && preset != s.PresetLimit {
		recovered := !s.Throttled()
		s.PresetLimit = preset
		switch {
		case recovered:
			s.CurrentParallelLimit = preset
		case s.CurrentParallelLimit > preset:
			s.CurrentParallelLimit = preset
		}
		if !s.Throttled() {
			s.RecoveryDue = time.Time{}
		}
	}
	return s
}

// current returns a copy of the state after applying presetLimit, writing
// only when the state had to be created or re-based.
func (c *Controller) current(provider, model string, presetLimit int) (State, float64) {
	d := c.refresh()
	if s, ok := d.States[stateKey(provider, model)]; ok && (presetLimit < 1 || presetLimit == s.PresetLimit) {
		cp := *s
		cp.sanitize(c.cfg.DefaultPreset)
		return cp, d.GlobalMultiplier
	}

	var (
		out  State
		mult float64
	)
	c.mutate(func(d *document) {
		out = *c.ensure(d, provider, model, presetLimit)
		mult = d.GlobalMultiplier
	})
	c.metrics.SetParallelLimit(provider, model, out.CurrentParallelLimit)
	return out, mult
}

// mutate applies fn to the rate-state document. With a state path the
// document is re-read under its file lock and rewritten; if that fails the
// change is applied to the in-memory copy only.
func (c *Controller) mutate(fn func(d *document)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path != "" {
		var next document
		err := statefile.Update(c.path, func(d *document) error {
			d.init()
			fn(d)
			next = d.clone()
			return nil
		})
		if err == nil {
			c.doc = next
			return
		}
		c.logger.Warn("rate state not persisted, continuing in memory", "path", c.path, "error", err.Error())
	}
	fn(&c.doc)
}

// refresh re-reads the persisted document and returns a copy.
func (c *Controller) refresh() document {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path != "" {
		var d document
		if _, err := statefile.Read(c.path, &d); err != nil {
			c.logger.Warn("rate state unreadable, using in-memory copy", "path", c.path, "error", err.Error())
		} else if d.States != nil {
			d.init()
			c.doc = d
		}
	}
	return c.doc.clone()
}
