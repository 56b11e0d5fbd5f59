package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by recurd components.
const (
	// TypeWorkerRun carries a metrics.Snapshot for every finished worker run.
	TypeWorkerRun = "worker.run"
	// TypeSchedulerState carries "started" or "stopped".
	TypeSchedulerState = "scheduler.state"
)

// Event is a small in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels.
//   - Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Consume subscribes to bus and calls fn for every event of type typ until
// ctx is done. It blocks; run it on its own goroutine.
func Consume(ctx context.Context, bus Bus, typ string, buffer int, fn func(Event)) {
	if bus == nil || fn == nil {
		return
	}
	ch, unsub := bus.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if typ == "" || e.Type == typ {
				fn(e)
			}
		}
	}
}
