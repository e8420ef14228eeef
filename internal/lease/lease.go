// Package lease implements the capacity lease pool.
//
// A Pool tracks reserved capacity units on two axes (plain requests and LLM
// calls) against configured maxima and hands out time-bounded leases. Leases
// are returned explicitly with Release or reclaimed by CleanupExpired when a
// caller crashed without releasing.
//
// A Pool constructed with WithStatePath persists its lease table as JSON.
// Every mutation takes an advisory file lock, re-reads the table from disk,
// applies the change and atomically rewrites the document, so a restarted
// process resumes with the leases it held. Without a state path the table
// lives in memory only.
package lease

import "time"

// Limits are the configured maxima of a pool.
type Limits struct {
	MaxRequests int `json:"max_requests"`
	MaxLLM      int `json:"max_llm"`
}

// Usage is a pair of unit counts, either reserved or free.
type Usage struct {
	Requests int `json:"requests"`
	LLM      int `json:"llm"`
}

// Lease is a time-bounded reservation of capacity units.
type Lease struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner,omitempty"`
	RequestsReserved int       `json:"requests_reserved"`
	LLMReserved      int       `json:"llm_reserved"`
	ReservedAt       time.Time `json:"reserved_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Released         bool      `json:"released"`
	ReleasedAt       time.Time `json:"released_at,omitzero"`
}

// Expired reports whether the lease is still held past its expiry.
func (l *Lease) Expired(now time.Time) bool {
	return !l.Released && !l.ExpiresAt.After(now)
}

// CapacityCheck is the result of a capacity query.
type CapacityCheck struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Free      Usage  `json:"free"`
}

// table is the persisted lease document.
type table struct {
	Leases map[string]*Lease `json:"leases"`
	Usage  Usage             `json:"usage"`
}

func (t *table) init() {
	if t.Leases == nil {
		t.Leases = make(map[string]*Lease)
	}
}

// clone returns a deep copy so that callers never share lease pointers with
// the pool's cached table.
func (t *table) clone() table {
	c := table{Leases: make(map[string]*Lease, len(t.Leases)), Usage: t.Usage}
	for id, l := range t.Leases {
		cp := *l
		c.Leases[id] = &cp
	}
	return c
}

func (t *table) active() int {
	n := 0
	for _, l := range t.Leases {
		if !l.Released {
			n++
		}
	}
	return n
}
