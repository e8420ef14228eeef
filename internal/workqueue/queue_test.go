package workqueue

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Iron-Ham/picoord/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "queues"))
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := newTestStore(t)

	for _, task := range []string{"t1", "t2", "t3"} {
		if _, err := s.Enqueue("inst-a", task, json.RawMessage(`{"n":1}`)); err != nil {
			t.Fatalf("Enqueue(%s): %v", task, err)
		}
	}
	if n, err := s.Len("inst-a"); err != nil || n != 3 {
		t.Fatalf("Len = %d, %v; want 3", n, err)
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		item, err := s.Dequeue("inst-a")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if item == nil || item.TaskID != want {
			t.Fatalf("Dequeue = %+v, want task %s", item, want)
		}
		if item.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", item.Attempts)
		}
		if string(item.Payload) != `{"n":1}` {
			t.Errorf("Payload = %s", item.Payload)
		}
	}

	item, err := s.Dequeue("inst-a")
	if err != nil || item != nil {
		t.Fatalf("Dequeue on empty = %+v, %v; want nil, nil", item, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name  string
		owner string
		task  string
	}{
		{"empty owner", "", "t1"},
		{"empty task", "inst-a", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Enqueue(tt.owner, tt.task, nil); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestTake(t *testing.T) {
	t.Run("moves oldest item", func(t *testing.T) {
		s := newTestStore(t)
		_, _ = s.Enqueue("dead", "t1", nil)
		_, _ = s.Enqueue("dead", "t2", nil)

		item, err := s.Take("dead", "alive", func() bool { return true })
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if item == nil || item.TaskID != "t1" || item.StolenFrom != "dead" {
			t.Fatalf("Take = %+v", item)
		}

		victim, _ := s.Items("dead")
		if len(victim) != 1 || victim[0].TaskID != "t2" {
			t.Errorf("victim queue = %+v", victim)
		}
		mine, _ := s.Items("alive")
		if len(mine) != 1 || mine[0].TaskID != "t1" {
			t.Errorf("thief queue = %+v", mine)
		}
	})

	t.Run("confirmation refused", func(t *testing.T) {
		s := newTestStore(t)
		_, _ = s.Enqueue("peer", "t1", nil)

		item, err := s.Take("peer", "me", func() bool { return false })
		if err != nil || item != nil {
			t.Fatalf("Take = %+v, %v; want nil, nil", item, err)
		}
		if n, _ := s.Len("peer"); n != 1 {
			t.Errorf("peer queue length = %d, want 1", n)
		}
	})

	t.Run("empty source", func(t *testing.T) {
		s := newTestStore(t)
		called := false
		item, err := s.Take("nobody", "me", func() bool { called = true; return true })
		if err != nil || item != nil {
			t.Fatalf("Take = %+v, %v", item, err)
		}
		if called {
			t.Error("confirm should not run for an empty queue")
		}
	})

	t.Run("own queue rejected", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.Take("me", "me", nil); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestTake_ConcurrentThievesNeverDuplicate(t *testing.T) {
	s := newTestStore(t)
	const items = 10
	for i := 0; i < items; i++ {
		_, _ = s.Enqueue("dead", "t", nil)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken = map[string]int{}
	)
	for _, thief := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(thief string) {
			defer wg.Done()
			for {
				item, err := s.Take("dead", thief, func() bool { return true })
				if err != nil {
					t.Errorf("Take: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				taken[item.ID]++
				mu.Unlock()
			}
		}(thief)
	}
	wg.Wait()

	if len(taken) != items {
		t.Errorf("took %d distinct items, want %d", len(taken), items)
	}
	for id, n := range taken {
		if n != 1 {
			t.Errorf("item %s taken %d times", id, n)
		}
	}
}

func TestOwnersAndRemove(t *testing.T) {
	s := newTestStore(t)
	if owners, err := s.Owners(); err != nil || len(owners) != 0 {
		t.Fatalf("Owners on missing dir = %v, %v", owners, err)
	}

	_, _ = s.Enqueue("sess-b-2", "t", nil)
	_, _ = s.Enqueue("sess-a-1", "t", nil)
	_, _ = s.Enqueue("odd/owner", "t", nil)

	owners, err := s.Owners()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"odd/owner", "sess-a-1", "sess-b-2"}
	if len(owners) != len(want) {
		t.Fatalf("Owners = %v, want %v", owners, want)
	}
	for i := range want {
		if owners[i] != want[i] {
			t.Errorf("Owners = %v, want %v", owners, want)
			break
		}
	}

	if err := s.Remove("sess-a-1"); err != nil {
		t.Fatal(err)
	}
	if owners, _ := s.Owners(); len(owners) != 2 {
		t.Errorf("Owners after Remove = %v", owners)
	}
}
