// Package coordination tracks sibling instances through a shared registry
// document, divides a global LLM concurrency budget among the live ones and
// lets an idle instance take over work queued by a dead peer.
//
// Liveness is heartbeat based: an instance is dead once its last heartbeat
// is older than the heartbeat timeout. Dead records are excluded from budget
// division and their queued work becomes stealable. Nothing is linearizable;
// each instance re-reads the registry when it needs a decision and writes
// its own record under the registry's file lock.
package coordination

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/process"
	"github.com/Iron-Ham/picoord/internal/statefile"
	"github.com/Iron-Ham/picoord/internal/workqueue"
)

// Defaults.
const (
	DefaultTotalBudget       = 6
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// Dir is the coordination directory shared by all instances.
	Dir string
	// InstanceID identifies this instance; see InstanceID.
	InstanceID string
	SessionID  string
	// PID and Hostname default to the current process and host.
	PID      int
	Hostname string

	TotalBudget        int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	EnableWorkStealing bool
	// WeightByWorkload gives instances reporting more pending work a larger
	// share of the budget remainder.
	WeightByWorkload bool
}

// DefaultConfig returns a Config with default budget and timings.
func DefaultConfig() Config {
	return Config{
		TotalBudget:        DefaultTotalBudget,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		EnableWorkStealing: true,
		WeightByWorkload:   true,
	}
}

// InstanceID forms an instance id from a session id and a process id.
func InstanceID(sessionID string, pid int) string {
	return sessionID + "-" + strconv.Itoa(pid)
}

// Coordinator is this process's view of the instance registry.
type Coordinator struct {
	cfg     Config
	layout  Layout
	queues  *workqueue.Store
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	self     string
	workdir  string
	pending  int
	latency  float64
	lastSeen registry
	// joined is set once this instance's record has been written and
	// cleared by Unregister.
	joined bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics publishes instance counts, shares and steals to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator. It does not register the instance; call
// RegisterInstance or Run.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = process.Hostname()
	}
	if cfg.InstanceID == "" && cfg.SessionID != "" {
		cfg.InstanceID = InstanceID(cfg.SessionID, cfg.PID)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		layout: NewLayout(cfg.Dir),
		now:    time.Now,
		self:   cfg.InstanceID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).WithComponent("coordination").WithInstance(cfg.InstanceID)
	c.queues = workqueue.NewStore(c.layout.Queues(), workqueue.WithClock(c.now), workqueue.WithLogger(c.logger))
	c.lastSeen.init()
	return c, nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Dir == "":
		return errors.NewValidationError("coordination directory is required").WithField("dir")
	case cfg.InstanceID == "":
		return errors.NewValidationError("instance id or session id is required").WithField("instance_id")
	case cfg.TotalBudget < 0:
		return errors.NewValidationError("total budget must not be negative").WithField("total_budget").WithValue(cfg.TotalBudget)
	case cfg.HeartbeatInterval <= 0:
		return errors.NewValidationError("heartbeat interval must be positive").WithField("heartbeat_interval").WithValue(cfg.HeartbeatInterval)
	case cfg.HeartbeatTimeout < cfg.HeartbeatInterval:
		return errors.NewValidationError("heartbeat timeout must not be shorter than the interval").
			WithField("heartbeat_timeout").WithValue(cfg.HeartbeatTimeout)
	}
	return nil
}

// InstanceID returns this instance's id.
func (c *Coordinator) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Layout returns the coordination directory layout.
func (c *Coordinator) Layout() Layout {
	return c.layout
}

// Queues returns the work queue store.
func (c *Coordinator) Queues() *workqueue.Store {
	return c.queues
}

// RegisterInstance creates or refreshes the record of instanceID, which
// becomes this coordinator's identity. An empty instanceID keeps the
// configured one.
func (c *Coordinator) RegisterInstance(instanceID, workdir string) error {
	c.mu.Lock()
	if instanceID != "" {
		c.self = instanceID
	}
	c.workdir = workdir
	c.mu.Unlock()

	if err := c.Heartbeat(); err != nil {
		return err
	}
	c.logger.Info("instance registered", "workdir", workdir, "pid", c.cfg.PID)
	return nil
}

// Heartbeat refreshes this instance's record with the latest workload.
func (c *Coordinator) Heartbeat() error {
	c.mu.Lock()
	self, workdir, pending, latency, joined := c.self, c.workdir, c.pending, c.latency, c.joined
	c.mu.Unlock()

	now := c.now()
	pruned := false
	err := c.update(func(r *registry) error {
		rec, ok := r.Instances[self]
		if !ok {
			pruned = joined
			rec = &InstanceRecord{
				InstanceID: self,
				SessionID:  c.cfg.SessionID,
				PID:        c.cfg.PID,
				Hostname:   c.cfg.Hostname,
				StartedAt:  now,
			}
			r.Instances[self] = rec
		}
		if workdir != "" {
			rec.Workdir = workdir
		}
		rec.LastHeartbeatAt = now
		rec.PendingTaskCount = pending
		rec.AverageLatencyMs = latency
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "heartbeat")
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	if pruned {
		// A peer declared us dead while we were paused and swept our lease
		// table; leases issued before the pause are gone.
		c.logger.Warn("instance record was pruned by a peer, re-registered",
			"consequence", "leases reserved before the pause report lease not found on release",
		)
	}
	c.publish()
	return nil
}

// UpdateWorkloadInfo records this instance's pending task count and average
// latency and refreshes its record.
func (c *Coordinator) UpdateWorkloadInfo(pending int, latencyMs float64) error {
	c.mu.Lock()
	c.pending = max(0, pending)
	c.latency = max(0, latencyMs)
	c.mu.Unlock()
	return c.Heartbeat()
}

// Unregister removes this instance's record.
func (c *Coordinator) Unregister() error {
	self := c.InstanceID()
	err := c.update(func(r *registry) error {
		if _, ok := r.Instances[self]; !ok {
			return statefile.ErrNoChange
		}
		delete(r.Instances, self)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unregister")
	}
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	c.logger.Info("instance unregistered")
	return nil
}

// Run registers the instance, heartbeats every heartbeat interval and
// unregisters when ctx is done.
func (c *Coordinator) Run(ctx context.Context, workdir string) error {
	if err := c.RegisterInstance("", workdir); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Unregister()
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				c.logger.Warn("heartbeat failed", "error", err.Error())
			}
		}
	}
}

// Instances returns all registry records ordered by id.
func (c *Coordinator) Instances() ([]InstanceRecord, error) {
	r, err := c.read()
	if err != nil {
		return nil, err
	}
	return r.sortedRecords(), nil
}

// AliveInstances returns the records with a fresh heartbeat, ordered by id.
func (c *Coordinator) AliveInstances() ([]InstanceRecord, error) {
	all, err := c.Instances()
	if err != nil {
		return nil, err
	}
	return c.filter(all, true), nil
}

// DeadInstances returns the records whose heartbeat timed out.
func (c *Coordinator) DeadInstances() ([]InstanceRecord, error) {
	all, err := c.Instances()
	if err != nil {
		return nil, err
	}
	return c.filter(all, false), nil
}

func (c *Coordinator) filter(all []InstanceRecord, alive bool) []InstanceRecord {
	now := c.now()
	out := make([]InstanceRecord, 0, len(all))
	for i := range all {
		if all[i].Alive(now, c.cfg.HeartbeatTimeout) == alive {
			out = append(out, all[i])
		}
	}
	return out
}

// PruneDead removes dead records from the registry and returns their ids.
// The queues of pruned instances stay in place and remain stealable.
func (c *Coordinator) PruneDead() ([]string, error) {
	var pruned []string
	err := c.update(func(r *registry) error {
		pruned = pruned[:0]
		now := c.now()
		for id, rec := range r.Instances {
			if !rec.Alive(now, c.cfg.HeartbeatTimeout) {
				delete(r.Instances, id)
				pruned = append(pruned, id)
			}
		}
		if len(pruned) == 0 {
			return statefile.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "prune dead instances")
	}
	for _, id := range pruned {
		c.logger.Warn("instance considered dead, record pruned", "dead_instance", id)
	}
	return pruned, nil
}

// MyParallelLimit returns this instance's share of the total budget. The
// instance itself always counts as alive.
func (c *Coordinator) MyParallelLimit() int {
	shares := c.Shares()
	return shares[c.InstanceID()]
}

// Shares returns every alive instance's share of the total budget.
func (c *Coordinator) Shares() map[string]int {
	r, err := c.read()
	if err != nil {
		c.logger.Warn("registry unreadable, using last seen copy", "error", err.Error())
		c.mu.Lock()
		r = c.lastSeen
		c.mu.Unlock()
	}

	self := c.InstanceID()
	alive := c.filter(r.sortedRecords(), true)
	found := false
	for _, rec := range alive {
		if rec.InstanceID == self {
			found = true
			break
		}
	}
	if !found {
		c.mu.Lock()
		alive = append(alive, InstanceRecord{InstanceID: self, PendingTaskCount: c.pending})
		c.mu.Unlock()
	}
	return DivideBudget(alive, c.cfg.TotalBudget, c.cfg.WeightByWorkload)
}

func (c *Coordinator) publish() {
	if c.metrics == nil {
		return
	}
	alive, err := c.AliveInstances()
	if err != nil {
		return
	}
	c.metrics.SetInstancesAlive(len(alive))
	c.metrics.SetParallelShare(c.MyParallelLimit())
}

// update applies fn to the registry under its file lock.
func (c *Coordinator) update(fn func(r *registry) error) error {
	return statefile.Update(c.layout.Instances(), func(r *registry) error {
		r.init()
		if err := fn(r); err != nil {
			return err
		}
		c.remember(r)
		return nil
	})
}

// read returns a fresh copy of the registry.
func (c *Coordinator) read() (registry, error) {
	var r registry
	if _, err := statefile.Read(c.layout.Instances(), &r); err != nil {
		return registry{}, err
	}
	r.init()
	c.remember(&r)
	return r, nil
}

func (c *Coordinator) remember(r *registry) {
	cp := registry{Instances: make(map[string]*InstanceRecord, len(r.Instances))}
	for id, rec := range r.Instances {
		rc := *rec
		cp.Instances[id] = &rc
	}
	c.mu.Lock()
	c.lastSeen = cp
	c.mu.Unlock()
}
