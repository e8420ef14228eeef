package coordination

import (
	"sort"
	"time"
)

// InstanceRecord describes one running instance in the shared registry.
type InstanceRecord struct {
	InstanceID       string    `json:"instance_id"`
	SessionID        string    `json:"session_id"`
	PID              int       `json:"pid"`
	Hostname         string    `json:"hostname"`
	Workdir          string    `json:"workdir,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
	PendingTaskCount int       `json:"pending_task_count"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
}

// Alive reports whether the record's heartbeat is within timeout of now.
func (r *InstanceRecord) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) <= timeout
}

// registry is the persisted instances document.
type registry struct {
	Instances map[string]*InstanceRecord `json:"instances"`
}

func (r *registry) init() {
	if r.Instances == nil {
		r.Instances = make(map[string]*InstanceRecord)
	}
}

// sortedRecords returns copies of the records ordered by instance id.
func (r *registry) sortedRecords() []InstanceRecord {
	out := make([]InstanceRecord, 0, len(r.Instances))
	for _, rec := range r.Instances {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// DivideBudget splits budget over the alive instances. Instances ordered by
// id each get one base unit while units last; the remainder is divided by
// floor, in proportion to 1+PendingTaskCount when weighted and equally
// otherwise. The shares never sum to more than budget.
func DivideBudget(alive []InstanceRecord, budget int, weighted bool) map[string]int {
	shares := make(map[string]int, len(alive))
	if len(alive) == 0 {
		return shares
	}

	ordered := append([]InstanceRecord(nil), alive...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].InstanceID < ordered[j].InstanceID })

	for i, rec := range ordered {
		if i < budget {
			shares[rec.InstanceID] = 1
		} else {
			shares[rec.InstanceID] = 0
		}
	}

	remainder := budget - min(len(ordered), max(0, budget))
	if remainder <= 0 {
		return shares
	}

	weights := make([]int, len(ordered))
	total := 0
	for i, rec := range ordered {
		w := 1
		if weighted {
			w += max(0, rec.PendingTaskCount)
		}
		weights[i] = w
		total += w
	}
	for i, rec := range ordered {
		shares[rec.InstanceID] += remainder * weights[i] / total
	}
	return shares
}
