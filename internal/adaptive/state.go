package adaptive

import (
	"math"
	"sort"
	"time"
)

// State is the learned concurrency state of one provider and model.
// CurrentParallelLimit always stays within [1, PresetLimit].
type State struct {
	Provider             string      `json:"provider"`
	Model                string      `json:"model"`
	CurrentParallelLimit int         `json:"current_parallel_limit"`
	PresetLimit          int         `json:"preset_limit"`
	Consecutive429Count  int         `json:"consecutive_429_count"`
	ErrorTimestamps      []time.Time `json:"error_timestamps,omitempty"`
	LastSuccessAt        time.Time   `json:"last_success_at,omitzero"`
	LastErrorAt          time.Time   `json:"last_error_at,omitzero"`
	LastErrorDetails     string      `json:"last_error_details,omitempty"`
	RecoveryDue          time.Time   `json:"recovery_due,omitzero"`
}

// Throttled reports whether the state is running below its preset.
func (s *State) Throttled() bool {
	return s.CurrentParallelLimit < s.PresetLimit
}

// document is the persisted rate-state table.
type document struct {
	GlobalMultiplier float64           `json:"global_multiplier"`
	States           map[string]*State `json:"states"`
}

func (d *document) init() {
	if d.States == nil {
		d.States = make(map[string]*State)
	}
	if d.GlobalMultiplier <= 0 {
		d.GlobalMultiplier = 1.0
	}
}

func (d *document) clone() document {
	c := document{GlobalMultiplier: d.GlobalMultiplier, States: make(map[string]*State, len(d.States))}
	for k, s := range d.States {
		cp := *s
		cp.ErrorTimestamps = append([]time.Time(nil), s.ErrorTimestamps...)
		c.States[k] = &cp
	}
	return c
}

func (d *document) sorted() []State {
	keys := make([]string, 0, len(d.States))
	for k := range d.States {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]State, 0, len(keys))
	for _, k := range keys {
		cp := *d.States[k]
		cp.ErrorTimestamps = append([]time.Time(nil), cp.ErrorTimestamps...)
		out = append(out, cp)
	}
	return out
}

func stateKey(provider, model string) string {
	return provider + ":" + model
}

// sanitize restores the limit invariant on a state read from disk.
func (s *State) sanitize(defaultPreset int) {
	if s.PresetLimit < 1 {
		s.PresetLimit = max(1, defaultPreset)
	}
	if s.CurrentParallelLimit < 1 {
		s.CurrentParallelLimit = 1
	}
	if s.CurrentParallelLimit > s.PresetLimit {
		s.CurrentParallelLimit = s.PresetLimit
	}
	if s.Consecutive429Count < 0 {
		s.Consecutive429Count = 0
	}
}

// pruneBefore drops error timestamps older than cutoff.
func (s *State) pruneBefore(cutoff time.Time) {
	kept := s.ErrorTimestamps[:0]
	for _, ts := range s.ErrorTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.ErrorTimestamps = kept
}

// Float products such as 20*1.05 land a hair above the integer; rounding is
// done with a small tolerance so that ceil and floor see the intended value.
const roundingTolerance = 1e-9

func floorInt(x float64) int {
	return int(math.Floor(x + roundingTolerance))
}

func ceilInt(x float64) int {
	return int(math.Ceil(x - roundingTolerance))
}
