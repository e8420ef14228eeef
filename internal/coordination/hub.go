package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/picoord/internal/adaptive"
	"github.com/Iron-Ham/picoord/internal/capacity"
	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/lease"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/ownership"
	"github.com/Iron-Ham/picoord/internal/statefile"
)

// HubConfig holds everything needed to wire one instance's components.
type HubConfig struct {
	Coordination Config
	Limits       lease.Limits
	Rate         adaptive.Config
	Capacity     capacity.Config
	// CleanupInterval is how often Start sweeps expired leases and dead
	// instances. Zero disables the periodic sweep.
	CleanupInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Now overrides the time source of every component.
	Now func() time.Time
}

// Hub wires the coordinator, lease pool, rate controller, ownership registry
// and capacity gate of one instance around a shared coordination directory.
// It owns the lifecycle of the heartbeat, recovery and sweep loops.
type Hub struct {
	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runErr  error

	cleanupInterval time.Duration
	logger          *logging.Logger

	// Components
	coord  *Coordinator
	pool   *lease.Pool
	rate   *adaptive.Controller
	owners *ownership.Registry
	gate   *capacity.Gate
}

// NewHub creates a Hub. The instance is not registered until Start.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Limits.MaxRequests < 0 || cfg.Limits.MaxLLM < 0 {
		return nil, errors.NewValidationError("pool limits must not be negative").
			WithField("limits").
			WithValue(fmt.Sprintf("%+v", cfg.Limits))
	}

	coordOpts := []Option{WithLogger(cfg.Logger), WithMetrics(cfg.Metrics)}
	if cfg.Now != nil {
		coordOpts = append(coordOpts, WithClock(cfg.Now))
	}
	coord, err := New(cfg.Coordination, coordOpts...)
	if err != nil {
		return nil, err
	}
	layout := coord.Layout()
	self := coord.InstanceID()

	poolOpts := []lease.Option{
		lease.WithStatePath(layout.Lease(self)),
		lease.WithOwner(self),
		lease.WithLogger(cfg.Logger),
		lease.WithMetrics(cfg.Metrics),
	}
	rateOpts := []adaptive.Option{
		adaptive.WithStatePath(layout.RateState()),
		adaptive.WithConfig(cfg.Rate),
		adaptive.WithLogger(cfg.Logger),
		adaptive.WithMetrics(cfg.Metrics),
	}
	ownerOpts := []ownership.Option{
		ownership.WithPID(coord.cfg.PID),
		ownership.WithLogger(cfg.Logger),
		ownership.WithMetrics(cfg.Metrics),
	}
	if cfg.Now != nil {
		poolOpts = append(poolOpts, lease.WithClock(cfg.Now))
		rateOpts = append(rateOpts, adaptive.WithClock(cfg.Now))
		ownerOpts = append(ownerOpts, ownership.WithClock(cfg.Now))
	}

	pool := lease.NewPool(cfg.Limits, poolOpts...)
	rate := adaptive.NewController(rateOpts...)
	owners := ownership.NewRegistry(layout.Ownership(), self, ownerOpts...)
	gate := capacity.NewGate(pool, rate, cfg.Capacity,
		capacity.WithBudget(coord),
		capacity.WithLogger(cfg.Logger),
		capacity.WithMetrics(cfg.Metrics),
	)

	return &Hub{
		cleanupInterval: cfg.CleanupInterval,
		logger:          logging.OrNop(cfg.Logger).WithComponent("hub").WithInstance(self),
		coord:           coord,
		pool:            pool,
		rate:            rate,
		owners:          owners,
		gate:            gate,
	}, nil
}

// Coordinator returns the instance registry view.
func (h *Hub) Coordinator() *Coordinator { return h.coord }

// Pool returns this instance's lease pool.
func (h *Hub) Pool() *lease.Pool { return h.pool }

// Rate returns the shared adaptive rate controller.
func (h *Hub) Rate() *adaptive.Controller { return h.rate }

// Ownership returns the task ownership registry.
func (h *Hub) Ownership() *ownership.Registry { return h.owners }

// Gate returns the capacity gate.
func (h *Hub) Gate() *capacity.Gate { return h.gate }

// Start registers the instance and begins the heartbeat, rate recovery and
// sweep loops. Returns an error if the hub is already started.
func (h *Hub) Start(ctx context.Context, workdir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.NewValidationError("hub already started")
	}
	// Register synchronously so callers see the record once Start returns.
	if err := h.coord.RegisterInstance("", workdir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = true
	h.runErr = nil

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		if err := h.coord.Run(ctx, workdir); err != nil {
			h.logger.Error("coordinator stopped with error", "error", err.Error())
			h.mu.Lock()
			h.runErr = err
			h.mu.Unlock()
		}
	}()
	go func() {
		defer h.wg.Done()
		h.rate.Run(ctx)
	}()

	if h.cleanupInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.sweepLoop(ctx)
		}()
	}

	h.logger.Info("hub started", "cleanup_interval", h.cleanupInterval.String())
	return nil
}

// Stop cancels all loops, waits for them and unregisters the instance. It is
// idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.cancel()
	h.started = false
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("hub stopped")
	return h.runErr
}

// Running returns whether the hub is currently started.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Sweep(); err != nil {
				h.logger.Warn("sweep failed", "error", err.Error())
			}
		}
	}
}

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	ExpiredLeases     int      `json:"expired_leases"`
	PrunedInstances   []string `json:"pruned_instances"`
	RemovedLeaseFiles int      `json:"removed_lease_files"`
	RemovedQueues     int      `json:"removed_queues"`
}

// Sweep reclaims this instance's expired leases, prunes dead instance
// records and deletes the lease tables of the pruned instances. Their queues
// are deleted only when empty; queued work stays stealable.
func (h *Hub) Sweep() (SweepResult, error) {
	var res SweepResult

	expired, err := h.pool.CleanupExpired()
	if err != nil {
		return res, errors.Wrap(err, "cleanup expired leases")
	}
	res.ExpiredLeases = expired

	pruned, err := h.coord.PruneDead()
	if err != nil {
		return res, err
	}
	res.PrunedInstances = pruned

	layout := h.coord.Layout()
	queues := h.coord.Queues()
	self := h.coord.InstanceID()
	for _, id := range pruned {
		if id == self {
			continue
		}
		path := layout.Lease(id)
		if _, err := os.Stat(path); err == nil {
			if err := statefile.Remove(path); err != nil {
				return res, errors.Wrapf(err, "remove lease table of %s", id)
			}
			res.RemovedLeaseFiles++
		}

		n, err := queues.Len(id)
		if err != nil {
			h.logger.Warn("skipping unreadable queue", "owner", id, "error", err.Error())
			continue
		}
		if n == 0 {
			if _, err := os.Stat(queues.Path(id)); err == nil {
				if err := queues.Remove(id); err != nil {
					return res, errors.Wrapf(err, "remove queue of %s", id)
				}
				res.RemovedQueues++
			}
		}
	}

	if expired > 0 || len(pruned) > 0 {
		h.logger.Info("sweep complete",
			"expired_leases", res.ExpiredLeases,
			"pruned_instances", len(res.PrunedInstances),
			"removed_lease_files", res.RemovedLeaseFiles,
			"removed_queues", res.RemovedQueues,
		)
	}
	return res, nil
}

// PoolUsage is the reserved capacity recorded in one instance's lease table.
type PoolUsage struct {
	Table  string      `json:"table"`
	Usage  lease.Usage `json:"usage"`
	Active int         `json:"active"`
}

// LeaseTables returns the usage recorded in every lease table of the
// coordination directory, ordered by table name.
func LeaseTables(dir string, limits lease.Limits) ([]PoolUsage, error) {
	leaseDir := filepath.Join(dir, LeasesDir)
	entries, err := os.ReadDir(leaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list lease tables")
	}

	var out []PoolUsage
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		p := lease.NewPool(limits, lease.WithStatePath(filepath.Join(leaseDir, name)))
		out = append(out, PoolUsage{
			Table:  strings.TrimSuffix(name, ".json"),
			Usage:  p.Usage(),
			Active: len(p.Active()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}
