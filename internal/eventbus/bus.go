package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	logx "jobloop/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Listeners registered with On are keyed by Event.Type.
//   - Emit waits for every listener of that type; Publish never blocks.
//   - Channel subscribers see every event, are fed non-blocking and may drop.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Listener handles one event. It runs on its own goroutine during Emit.
type Listener func(ctx context.Context, e Event)

type Bus interface {
	// On registers l for events of the given type and returns a func that removes it.
	On(eventType string, l Listener) (off func())
	// Emit invokes all listeners of e.Type and returns once every one of them returned.
	// A panicking listener is recovered; the first such failure is returned.
	Emit(ctx context.Context, e Event) error
	// Publish delivers e to channel subscribers only, without blocking.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New(log logx.Logger) Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memBus{
		log:       log,
		subs:      map[uint64]chan Event{},
		listeners: map[string]map[uint64]Listener{},
	}
}

type memBus struct {
	log logx.Logger

	mu        sync.RWMutex
	subs      map[uint64]chan Event
	listeners map[string]map[uint64]Listener
	seq       atomic.Uint64
}

func (b *memBus) On(eventType string, l Listener) func() {
	if l == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	m := b.listeners[eventType]
	if m == nil {
		m = map[uint64]Listener{}
		b.listeners[eventType] = m
	}
	m[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[eventType], id)
			if len(b.listeners[eventType]) == 0 {
				delete(b.listeners, eventType)
			}
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Emit(ctx context.Context, e Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot listeners so a listener may call On/off without deadlocking.
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners[e.Type]))
	for _, l := range b.listeners[e.Type] {
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	b.Publish(e)

	if len(ls) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, l := range ls {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf("listener for %q panicked: %v", e.Type, r)
					b.log.Error("event listener panicked",
						logx.String("event", e.Type),
						logx.String("panic", fmt.Sprint(r)),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			l(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
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
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
