package coordination

import (
	"path/filepath"

	"github.com/Iron-Ham/picoord/internal/statefile"
)

// Document names inside the coordination directory.
const (
	InstancesFile = "instances.json"
	RateStateFile = "rate-state.json"
	LeasesDir     = "leases"
	QueuesDir     = "queues"
	OwnershipDir  = "ownership"
)

// Layout resolves the document paths of a coordination directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// Instances returns the instance registry path.
func (l Layout) Instances() string {
	return filepath.Join(l.Root, InstancesFile)
}

// RateState returns the shared rate-state path.
func (l Layout) RateState() string {
	return filepath.Join(l.Root, RateStateFile)
}

// Lease returns the lease table path of one instance.
func (l Layout) Lease(instanceID string) string {
	return filepath.Join(l.Root, LeasesDir, statefile.FileName(instanceID))
}

// Queues returns the directory holding per-instance work queues.
func (l Layout) Queues() string {
	return filepath.Join(l.Root, QueuesDir)
}

// Ownership returns the directory holding task ownership records.
func (l Layout) Ownership() string {
	return filepath.Join(l.Root, OwnershipDir)
}
