// Package workqueue keeps the pending work items of each instance in its own
// JSON document so that a peer can take them over once the owner dies.
//
// Each instance appends to and pops from queues/<instanceID>.json. Every
// operation re-reads the document under its file lock before writing. Take
// moves the oldest item of one queue into another while holding the source
// queue's lock for the whole move; the caller supplies a confirmation
// callback that re-checks, under that lock, that the source owner is really
// dead.
//
// Usage:
//
//	store := workqueue.NewStore(filepath.Join(dir, "queues"))
//	item, err := store.Enqueue("sess-a-4121", "task-42", nil)
//	...
//	next, err := store.Dequeue("sess-a-4121") // nil when empty
package workqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/picoord/internal/errors"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/statefile"
)

// Item is a pending unit of work recorded by an instance.
type Item struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	StolenFrom string          `json:"stolen_from,omitempty"`
	StolenAt   time.Time       `json:"stolen_at,omitzero"`
}

// document is the persisted queue of one owner. Items are kept in
// enqueue order, oldest first.
type document struct {
	Owner string `json:"owner"`
	Items []Item `json:"items"`
}

// Store manages the queue documents in one directory.
type Store struct {
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir: dir,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("workqueue")
	return s
}

// Dir returns the directory holding the queue documents.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the document path of owner's queue.
func (s *Store) Path(owner string) string {
	return filepath.Join(s.dir, statefile.FileName(owner))
}

// Enqueue appends a new item for taskID to owner's queue.
func (s *Store) Enqueue(owner, taskID string, payload json.RawMessage) (Item, error) {
	if owner == "" {
		return Item{}, errors.NewValidationError("owner must not be empty").WithField("owner")
	}
	if taskID == "" {
		return Item{}, errors.NewValidationError("task id must not be empty").WithField("task_id")
	}

	item := Item{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Payload:    payload,
		EnqueuedAt: s.now(),
	}
	err := statefile.Update(s.Path(owner), func(d *document) error {
		d.Owner = owner
		d.Items = append(d.Items, item)
		return nil
	})
	if err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	s.logger.Debug("item enqueued", "owner", owner, "task_id", taskID, "item_id", item.ID)
	return item, nil
}

// Dequeue removes and returns the oldest item of owner's queue.
// Returns nil with no error when the queue is empty.
func (s *Store) Dequeue(owner string) (*Item, error) {
	var out *Item
	err := statefile.Update(s.Path(owner), func(d *document) error {
		if len(d.Items) == 0 {
			return statefile.ErrNoChange
		}
		first := d.Items[0]
		first.Attempts++
		d.Items = d.Items[1:]
		out = &first
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return out, nil
}

// Items returns a copy of owner's pending items, oldest first.
func (s *Store) Items(owner string) ([]Item, error) {
	var d document
	if _, err := statefile.Read(s.Path(owner), &d); err != nil {
		return nil, err
	}
	return d.Items, nil
}

// Len returns the number of pending items in owner's queue.
func (s *Store) Len(owner string) (int, error) {
	items, err := s.Items(owner)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Take moves the oldest item of from's queue to the end of to's queue and
// returns it. The source queue's lock is held across the move. confirm is
// called under that lock; when it returns false nothing is moved and Take
// returns nil. An empty source queue also yields nil with no error.
//
// The destination is written before the source is trimmed, so a crash in
// between duplicates the item rather than losing it.
func (s *Store) Take(from, to string, confirm func() bool) (*Item, error) {
	if from == to {
		return nil, errors.NewValidationError("cannot take from own queue").WithField("from").WithValue(from)
	}

	srcPath := s.Path(from)
	var taken *Item
	err := statefile.WithLock(srcPath, func() error {
		var src document
		if _, err := statefile.Read(srcPath, &src); err != nil {
			return err
		}
		if len(src.Items) == 0 || (confirm != nil && !confirm()) {
			return nil
		}

		item := src.Items[0]
		item.StolenFrom = from
		item.StolenAt = s.now()

		if err := statefile.Update(s.Path(to), func(d *document) error {
			d.Owner = to
			d.Items = append(d.Items, item)
			return nil
		}); err != nil {
			return fmt.Errorf("append to %s: %w", to, err)
		}

		src.Items = src.Items[1:]
		if err := statefile.Write(srcPath, &src); err != nil {
			return fmt.Errorf("trim %s: %w", from, err)
		}
		taken = &item
		return nil
	})
	if err != nil || taken == nil {
		return nil, err
	}

	s.logger.Info("item taken over",
		"from", from,
		"to", to,
		"task_id", taken.TaskID,
		"item_id", taken.ID,
	)
	return taken, nil
}

// Owners returns the owners of every queue document, sorted. Documents that
// cannot be parsed are skipped.
func (s *Store) Owners() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list queues: %w", err)
	}

	var owners []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var d document
		found, err := statefile.Read(filepath.Join(s.dir, name), &d)
		if err != nil {
			s.logger.Warn("skipping unreadable queue", "file", name, "error", err.Error())
			continue
		}
		if found && d.Owner != "" {
			owners = append(owners, d.Owner)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// Remove deletes owner's queue document.
func (s *Store) Remove(owner string) error {
	return statefile.Remove(s.Path(owner))
}
