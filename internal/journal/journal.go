// Package journal copies scheduler lifecycle events from the bus into a
// storage.Store.
package journal

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"jobloop/internal/eventbus"
	"jobloop/internal/regularjob"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 2 * time.Second
)

// Journal is a single supervised worker draining a bus subscription.
// Write failures are logged and counted; they never reach the scheduler.
type Journal struct {
	store storage.Store
	log   logx.Logger

	buffer       int
	writeTimeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64

	done chan struct{}
}

type Option func(*Journal)

func WithBuffer(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.buffer = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.writeTimeout = d
		}
	}
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Journal{
		store:        store,
		log:          log.With(logx.String("comp", "journal")),
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start subscribes to bus and runs the writer under sup. The subscription
// is created before Start returns, so no event emitted afterwards is missed
// for lack of a reader. Once sup's context is canceled the worker flushes
// what is already buffered and exits.
func (j *Journal) Start(sup *supervisor.Supervisor, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(j.buffer)
	sup.Go("journal.writer", func(ctx context.Context) error {
		defer close(j.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				j.flush(ch)
				return nil
			case e, ok := <-ch:
				if !ok {
					return nil
				}
				j.write(e)
			}
		}
	})
}

// Done is closed when the writer has exited.
func (j *Journal) Done() <-chan struct{} { return j.done }

// Stats returns how many records were written and how many failed.
func (j *Journal) Stats() (written, failed uint64) {
	return j.written.Load(), j.failed.Load()
}

func (j *Journal) flush(ch <-chan Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			j.write(e)
		default:
			return
		}
	}
}

// Event is the bus event type the journal consumes.
type Event = eventbus.Event

func (j *Journal) write(e Event) {
	rec, ok := Record(e)
	if !ok {
		return
	}
	// The supervisor context may already be canceled during flush.
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()
	if err := j.store.AppendEvent(ctx, rec); err != nil {
		j.failed.Add(1)
		j.log.Warn("journal append failed",
			logx.String("event", rec.Type),
			logx.String("id", rec.JobID),
			logx.Err(err),
		)
		return
	}
	j.written.Add(1)
}

type recordMeta struct {
	Interval       string    `json:"interval,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	LastRunAt      time.Time `json:"last_run_at,omitzero"`
	Running        bool      `json:"running,omitempty"`
	RunImmediately bool      `json:"run_immediately,omitempty"`
}

// Record converts a scheduler bus event into a storage record. Events that
// do not carry a regularjob.JobEvent are skipped.
func Record(e Event) (storage.EventRecord, bool) {
	var ev regularjob.JobEvent
	switch d := e.Data.(type) {
	case regularjob.JobEvent:
		ev = d
	case *regularjob.JobEvent:
		if d == nil {
			return storage.EventRecord{}, false
		}
		ev = *d
	default:
		return storage.EventRecord{}, false
	}

	rec := storage.EventRecord{At: e.Time, Type: e.Type, JobID: ev.ID}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}

	m := recordMeta{RunImmediately: ev.RunImmediately}
	if ev.Job != nil {
		m.Interval = ev.Job.Interval.String()
		m.CreatedAt = ev.Job.CreatedAt
		m.LastRunAt = ev.Job.LastRunAt
		m.Running = ev.Job.Running
	}
	if m != (recordMeta{}) {
		if b, err := json.Marshal(m); err == nil {
			rec.Meta = string(b)
		}
	}
	return rec, true
}
