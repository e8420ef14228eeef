// Package ownership assigns exclusive ownership of a logical task to one
// instance, with liveness-based crash recovery.
//
// Each task has its own record file under the ownership directory, so
// different tasks never contend. A record names the owning instance, its pid
// and host. When the owning pid no longer runs on this host the task is
// reported reclaimable and a normal Claim takes it over. ForceClaim skips
// the liveness check entirely and is logged as an operator override.
package ownership

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/Iron-Ham/picoord/internal/process"
	"github.com/Iron-Ham/picoord/internal/statefile"
)

// Record is the persisted owner of one task.
type Record struct {
	TaskID          string    `json:"task_id"`
	OwnerInstanceID string    `json:"owner_instance_id"`
	OwnerPID        int       `json:"owner_pid"`
	Hostname        string    `json:"hostname"`
	ClaimedAt       time.Time `json:"claimed_at"`
	Forced          bool      `json:"forced,omitempty"`
}

// Status is the answer to an ownership check.
type Status struct {
	TaskID string `json:"task_id"`
	// Owned is true when the caller owns the task or nobody does.
	Owned bool `json:"owned"`
	// Reclaimable is true when another instance owns the task but its
	// process is gone.
	Reclaimable     bool   `json:"reclaimable"`
	OwnerInstanceID string `json:"owner_instance_id,omitempty"`
	OwnerPID        int    `json:"owner_pid,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
}

// Claim outcomes, also used as metric labels.
const (
	ResultClaimed   = "claimed"
	ResultReclaimed = "reclaimed"
	ResultForced    = "forced"
	ResultConflict  = "conflict"
)

// Registry answers and records task ownership for one instance.
type Registry struct {
	dir        string
	instanceID string
	pid        int
	prober     *process.Prober
	now        func() time.Time
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithPID overrides the pid written into claimed records.
func WithPID(pid int) Option {
	return func(r *Registry) {
		r.pid = pid
	}
}

// WithProber sets the liveness prober.
func WithProber(p *process.Prober) Option {
	return func(r *Registry) {
		r.prober = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics counts claim outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry storing records in dir on behalf of
// instanceID.
func NewRegistry(dir, instanceID string, opts ...Option) *Registry {
	r := &Registry{
		dir:        dir,
		instanceID: instanceID,
		pid:        os.Getpid(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prober == nil {
		r.prober = process.NewProber()
	}
	r.logger = logging.OrNop(r.logger).WithComponent("ownership").WithInstance(instanceID)
	return r
}

func (r *Registry) path(taskID string) string {
	return filepath.Join(r.dir, statefile.FileName(taskID))
}

func validTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.NewValidationError("task id must not be empty").WithField("task_id")
	}
	return nil
}

// Check reports whether the caller may act on taskID.
func (r *Registry) Check(taskID string) (Status, error) {
	if err := validTaskID(taskID); err != nil {
		return Status{}, err
	}
	var rec Record
	found, err := statefile.Read(r.path(taskID), &rec)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{TaskID: taskID, Owned: true}, nil
	}
	return r.evaluate(taskID, &rec), nil
}

func (r *Registry) evaluate(taskID string, rec *Record) Status {
	st := Status{
		TaskID:          taskID,
		OwnerInstanceID: rec.OwnerInstanceID,
		OwnerPID:        rec.OwnerPID,
		Hostname:        rec.Hostname,
	}
	switch {
	case rec.OwnerInstanceID == "" || rec.OwnerInstanceID == r.instanceID:
		st.Owned = true
	case !r.prober.OwnerAlive(rec.Hostname, rec.OwnerPID):
		st.Reclaimable = true
	}
	return st
}

// Claim takes ownership of taskID. It succeeds when the task is unowned,
// already owned by this instance, or owned by an instance whose process is
// gone. A live foreign owner yields an *errors.OwnershipError.
func (r *Registry) Claim(taskID string) (Record, error) {
	if err := validTaskID(taskID); err != nil {
		return Record{}, err
	}

	var (
		out      Record
		previous Record
		result   string
	)
	err := statefile.Update(r.path(taskID), func(rec *Record) error {
		found := rec.OwnerInstanceID != ""
		previous = *rec

		if found {
			st := r.evaluate(taskID, rec)
			switch {
			case st.Owned:
				out = *rec
				result = ResultClaimed
				return statefile.ErrNoChange
			case !st.Reclaimable:
				return errors.NewOwnershipError(taskID, rec.OwnerInstanceID, rec.OwnerPID)
			}
			result = ResultReclaimed
		} else {
			result = ResultClaimed
		}

		*rec = r.newRecord(taskID, false)
		out = *rec
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrOwnershipConflict) {
			r.metrics.RecordOwnershipClaim(ResultConflict)
			r.logger.Info("task owned by live instance", "task_id", taskID, "error", err.Error())
		}
		return Record{}, err
	}

	r.metrics.RecordOwnershipClaim(result)
	if result == ResultReclaimed {
		r.logger.Warn("stale task owner reclaimed",
			"task_id", taskID,
			"previous_owner", previous.OwnerInstanceID,
			"previous_pid", previous.OwnerPID,
		)
	} else {
		r.logger.Debug("task claimed", "task_id", taskID)
	}
	return out, nil
}

// ForceClaim takes ownership of taskID without checking the current owner.
// It is an operator override and is always logged as such.
func (r *Registry) ForceClaim(taskID string) (Record, error) {
	if err := validTaskID(taskID); err != nil {
		return Record{}, err
	}

	var out, previous Record
	err := statefile.Update(r.path(taskID), func(rec *Record) error {
		previous = *rec
		*rec = r.newRecord(taskID, true)
		out = *rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	r.metrics.RecordOwnershipClaim(ResultForced)
	r.logger.Warn("task ownership force-claimed by operator override",
		"task_id", taskID,
		"previous_owner", previous.OwnerInstanceID,
		"previous_pid", previous.OwnerPID,
	)
	return out, nil
}

// Release removes this instance's ownership of taskID. Releasing an unowned
// task is a no-op; releasing another instance's task fails with an
// *errors.OwnershipError matching errors.ErrNotOwner.
func (r *Registry) Release(taskID string) error {
	if err := validTaskID(taskID); err != nil {
		return err
	}
	path := r.path(taskID)
	var released bool
	err := statefile.WithLock(path, func() error {
		var rec Record
		found, err := statefile.Read(path, &rec)
		if err != nil || !found {
			return err
		}
		if rec.OwnerInstanceID != r.instanceID {
			return errors.NewOwnershipError(taskID, rec.OwnerInstanceID, rec.OwnerPID).WithCause(errors.ErrNotOwner)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove ownership record: %w", err)
		}
		released = true
		return nil
	})
	if err != nil || !released {
		return err
	}
	r.logger.Debug("task released", "task_id", taskID)
	return nil
}

// List returns every ownership record, ordered by task id. Records that
// cannot be parsed are skipped.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ownership records: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec Record
		found, err := statefile.Read(filepath.Join(r.dir, e.Name()), &rec)
		if err != nil {
			r.logger.Warn("skipping unreadable ownership record", "file", e.Name(), "error", err.Error())
			continue
		}
		if found && rec.TaskID != "" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// StatusOf evaluates a listed record from this instance's point of view.
func (r *Registry) StatusOf(rec Record) Status {
	return r.evaluate(rec.TaskID, &rec)
}

func (r *Registry) newRecord(taskID string, forced bool) Record {
	return Record{
		TaskID:          taskID,
		OwnerInstanceID: r.instanceID,
		OwnerPID:        r.pid,
		Hostname:        r.prober.Hostname(),
		ClaimedAt:       r.now(),
		Forced:          forced,
	}
}
