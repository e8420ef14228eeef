package coordination

import (
	"fmt"

	"github.com/Iron-Ham/picoord/internal/workqueue"
)

// ShouldAttemptWorkStealing reports whether this instance should look for
// abandoned work: stealing is enabled, the local queue is empty, there is
// spare capacity, and at least one dead peer has queued work.
func (c *Coordinator) ShouldAttemptWorkStealing(localPending, inFlight int) bool {
	if !c.cfg.EnableWorkStealing || localPending > 0 {
		return false
	}
	if inFlight >= c.MyParallelLimit() {
		return false
	}
	victims, err := c.stealCandidates()
	if err != nil {
		c.logger.Warn("cannot list steal candidates", "error", err.Error())
		return false
	}
	return len(victims) > 0
}

// SafeStealWork moves the oldest queued item of a dead peer into this
// instance's queue and returns it. Death is re-confirmed against a fresh
// read of the registry while the victim's queue is locked; a peer that came
// back is left alone. Losing the race to another thief is not an error and
// yields (nil, false, nil).
func (c *Coordinator) SafeStealWork() (*workqueue.Item, bool, error) {
	if !c.cfg.EnableWorkStealing {
		return nil, false, nil
	}

	victims, err := c.stealCandidates()
	if err != nil {
		return nil, false, err
	}

	self := c.InstanceID()
	for _, victim := range victims {
		item, err := c.queues.Take(victim, self, func() bool { return c.confirmDead(victim) })
		if err != nil {
			return nil, false, fmt.Errorf("steal from %s: %w", victim, err)
		}
		if item == nil {
			continue
		}
		c.metrics.RecordSteal()
		c.logger.Info("work stolen from dead instance",
			"dead_instance", victim,
			"task_id", item.TaskID,
			"item_id", item.ID,
		)
		return item, true, nil
	}
	return nil, false, nil
}

// Enqueue records a pending item in this instance's queue.
func (c *Coordinator) Enqueue(taskID string, payload []byte) (workqueue.Item, error) {
	return c.queues.Enqueue(c.InstanceID(), taskID, payload)
}

// Dequeue pops the oldest item of this instance's queue, nil when empty.
func (c *Coordinator) Dequeue() (*workqueue.Item, error) {
	return c.queues.Dequeue(c.InstanceID())
}

// stealCandidates returns queue owners other than this instance that are
// dead or absent from the registry and still have queued items.
func (c *Coordinator) stealCandidates() ([]string, error) {
	owners, err := c.queues.Owners()
	if err != nil {
		return nil, err
	}
	r, err := c.read()
	if err != nil {
		return nil, err
	}

	self := c.InstanceID()
	now := c.now()
	var out []string
	for _, owner := range owners {
		if owner == self {
			continue
		}
		if rec, ok := r.Instances[owner]; ok && rec.Alive(now, c.cfg.HeartbeatTimeout) {
			continue
		}
		n, err := c.queues.Len(owner)
		if err != nil {
			c.logger.Warn("skipping unreadable queue", "owner", owner, "error", err.Error())
			continue
		}
		if n > 0 {
			out = append(out, owner)
		}
	}
	return out, nil
}

// confirmDead re-reads the registry and reports whether owner is dead or
// gone. Read failures count as alive.
func (c *Coordinator) confirmDead(owner string) bool {
	r, err := c.read()
	if err != nil {
		return false
	}
	rec, ok := r.Instances[owner]
	return !ok || !rec.Alive(c.now(), c.cfg.HeartbeatTimeout)
}
