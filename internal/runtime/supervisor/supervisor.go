package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// Supervisor owns goroutines that share one context. Each goroutine is
// named, recovered from panics and counted per name. With
// WithCancelOnError the first failure cancels the shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64

	errOnce  sync.Once
	firstErr atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu     sync.Mutex
	groups map[string]*GroupStats
}

type Option func(*Supervisor)

// Counters are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GroupStats aggregates goroutines started under the same name.
// Job loops share one name, so a scheduler with many jobs stays one row.
type GroupStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

type Snapshot struct {
	Counters   Counters     `json:"counters"`
	FirstError string       `json:"first_error,omitempty"`
	Groups     []GroupStats `json:"groups"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error (or panic) cancel the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		groups: map[string]*GroupStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot is meant for debug output; busiest groups first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	snap.Groups = make([]GroupStats, 0, len(s.groups))
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, *g)
	}
	s.mu.Unlock()

	sort.Slice(snap.Groups, func(i, j int) bool {
		a, b := snap.Groups[i], snap.Groups[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

// track applies fn to name's stats under s.mu.
func (s *Supervisor) track(name string, fn func(g *GroupStats)) {
	s.mu.Lock()
	g := s.groups[name]
	if g == nil {
		g = &GroupStats{Name: name}
		s.groups[name] = g
	}
	fn(g)
	s.mu.Unlock()
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.track(name, func(g *GroupStats) {
		g.Started++
		g.Active++
		g.LastStartAt = now
		if restart {
			g.Restarts++
		}
	})
	return now
}

func (s *Supervisor) end(name string, err error) {
	s.track(name, func(g *GroupStats) {
		if g.Active > 0 {
			g.Active--
		}
		g.LastStopAt = time.Now()
		if err != nil {
			g.LastErr = err.Error()
		}
	})
}

// fail records err as the supervisor's first error and cancels when configured.
func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// guard runs fn and converts a panic into an error, logging the stack.
func (s *Supervisor) guard(ctx context.Context, name string, log logx.Logger, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.track(name, func(g *GroupStats) {
				g.Panics++
				g.LastPanic = fmt.Sprint(r)
			})
			log.Error("goroutine panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = errors.Newf("panic in %s: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Go runs fn on a new goroutine bound to the supervisor context.
// Fields are attached to the goroutine's log lines.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error, fields ...logx.Field) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	log := s.log.With(append([]logx.Field{logx.String("goroutine", name)}, fields...)...)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.begin(name, false)
		log.Trace("goroutine started")
		err := s.guard(s.ctx, name, log, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = errors.Wrap(err, name)
			s.end(name, err)
			s.fail(err)
		} else {
			s.end(name, nil)
		}
		log.Trace("goroutine stopped")
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context), fields ...logx.Field) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, fields...)
}

// RestartOption configures GoRestart.
type RestartOption func(*backoff)

// backoff is an exponential delay with 20% jitter.
type backoff struct {
	min, max    time.Duration
	cur         time.Duration
	maxRestarts int // <=0 means unlimited
}

func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	b.cur = min(b.cur*2, b.max)
	return wait
}

func (b *backoff) reset() { b.cur = b.min }

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(b *backoff) {
		if lo > 0 {
			b.min = lo
		}
		if hi > 0 {
			b.max = hi
		}
	}
}

// WithMaxRestarts gives up after n failed runs. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(b *backoff) { b.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic until the
// supervisor context ends. A nil return stops it for good. A run that lasted
// 30s or more resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	b := &backoff{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(b)
	}
	b.max = max(b.max, b.min)
	log := s.log.With(logx.String("goroutine", name))

	// The wrapper gets its own name so the logical group's stats stay per run.
	s.Go0(name+".restart", func(ctx context.Context) {
		for restarts := 0; ctx.Err() == nil; {
			startedAt := s.begin(name, restarts > 0)
			err := s.guard(ctx, name, log, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(name, nil)
				return
			}
			err = errors.Wrap(err, name)
			s.end(name, err)

			restarts++
			if b.maxRestarts > 0 && restarts > b.maxRestarts {
				log.Error("goroutine gave up after restarts", logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(startedAt) >= 30*time.Second {
				b.reset()
			}
			wait := b.next()
			log.Warn("goroutine restarting", logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels the context and waits for every goroutine until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
