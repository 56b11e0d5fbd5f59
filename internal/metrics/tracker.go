package metrics

import (
	"context"
	"sync"
	"time"

	"recurd/internal/eventbus"
)

const defaultHistorySize = 500

// Snapshot is one timed operation.
type Snapshot struct {
	Operation string        `json:"operation"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	// Items is the number of rows the operation produced or removed.
	Items int `json:"items"`
}

// SnapshotProvider returns the snapshots recorded so far.
type SnapshotProvider func() []Snapshot

// Tracker records snapshots in a bounded history.
type Tracker struct {
	mu      sync.Mutex
	size    int
	history []Snapshot
}

func NewTracker(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Tracker{size: historySize}
}

func (t *Tracker) Record(s Snapshot) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.history = append(t.history, s)
	if len(t.history) > t.size {
		t.history = t.history[len(t.history)-t.size:]
	}
	t.mu.Unlock()
}

// Snapshots returns a copy of the history, oldest first.
func (t *Tracker) Snapshots() []Snapshot {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Snapshot, len(t.history))
	copy(out, t.history)
	t.mu.Unlock()
	return out
}

func (t *Tracker) Provider() SnapshotProvider {
	return t.Snapshots
}

// Track times fn and records the outcome under op.
func (t *Tracker) Track(op string, fn func() (int, error)) error {
	start := time.Now()
	items, err := fn()
	s := Snapshot{Operation: op, Started: start, Duration: time.Since(start), Items: items}
	if err != nil {
		s.Error = err.Error()
	}
	t.Record(s)
	return err
}

// Follow records every Snapshot published as a worker.run event until ctx
// is done.
func (t *Tracker) Follow(ctx context.Context, bus eventbus.Bus) {
	eventbus.Consume(ctx, bus, eventbus.TypeWorkerRun, 64, func(e eventbus.Event) {
		switch v := e.Data.(type) {
		case Snapshot:
			t.Record(v)
		case *Snapshot:
			if v != nil {
				t.Record(*v)
			}
		}
	})
}
