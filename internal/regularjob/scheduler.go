package regularjob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobloop/internal/eventbus"
	"jobloop/internal/runtime/supervisor"
	logx "jobloop/pkg/logx"
	"jobloop/pkg/uid"
)

const loopGoroutine = "regularjob.loop"

// lockedWarnEvery bounds how often lock contention is logged.
const lockedWarnEvery = 5 * time.Second

type job struct {
	id        string
	interval  time.Duration
	createdAt time.Time
	fn        Func

	// guarded by Scheduler.mu
	lastRunAt time.Time
	resume    bool

	// wake cuts the current between-runs delay short once the job is halted.
	wake       context.Context
	cancelWake context.CancelFunc
}

// haltLocked clears resume and wakes a sleeping loop. Call with Scheduler.mu held.
func (j *job) haltLocked() {
	j.resume = false
	j.cancelWake()
}

type Scheduler struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus
	sup *supervisor.Supervisor

	delay DelayFunc
	newID func(prefix string) string
	now   func() time.Time

	jobs   map[string]*job
	locks  map[string]struct{}
	closed bool

	// Fire-and-forget emissions still in flight.
	emitMu     sync.Mutex
	emitClosed bool
	emits      sync.WaitGroup

	lockedWarn *rate.Limiter

	runs       atomic.Uint64
	failures   atomic.Uint64
	lockedHits atomic.Uint64
}

// New returns a Scheduler ready to accept jobs. Call Close to stop every loop.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New(log)
	}
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		delay:      sleep,
		newID:      uid.Generate,
		now:        time.Now,
		jobs:       map[string]*job{},
		locks:      map[string]struct{}{},
		lockedWarn: rate.NewLimiter(rate.Every(lockedWarnEvery), 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	return s
}

func (s *Scheduler) scale(every time.Duration) time.Duration {
	return time.Duration(float64(every) * s.cfg.DurationMultiply)
}

// Add registers fn to run every `every` (scaled by Config.DurationMultiply)
// and starts its loop. With RunImmediately, the first run happens before Add
// returns, using ctx.
func (s *Scheduler) Add(ctx context.Context, every time.Duration, fn Func, opts ...AddOption) (string, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	if fn == nil {
		return "", errors.Wrap(ErrInvalidJob, "nil func")
	}
	if s.cfg.DurationMultiply < 0 {
		return "", errors.Wrapf(ErrInvalidJob, "negative duration multiplier %v", s.cfg.DurationMultiply)
	}
	interval := s.scale(every)
	if interval <= 0 {
		return "", errors.Wrapf(ErrInvalidJob, "interval must be > 0, got %s", interval)
	}
	id := o.id
	if id == "" {
		id = s.newID(s.cfg.IDPrefix)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrDuplicateID, "id %q", id)
	}
	wake, cancelWake := context.WithCancel(context.Background())
	j := &job{
		id:         id,
		interval:   interval,
		createdAt:  s.now(),
		fn:         fn,
		resume:     true,
		wake:       wake,
		cancelWake: cancelWake,
	}
	s.jobs[id] = j
	info := s.infoLocked(j)
	s.mu.Unlock()

	s.log.Debug("job added", logx.String("id", id), logx.Duration("interval", interval), logx.Bool("run_immediately", o.runNow))
	s.emitAsync(EventAdd, JobEvent{ID: id, Job: &info, RunImmediately: o.runNow})

	if o.runNow {
		s.run(ctx, id, false)
	}
	s.startLoop(j)
	return id, nil
}

// Stop withholds every future run of id. A run already in progress finishes.
// Unknown ids are ignored apart from the emitted event.
func (s *Scheduler) Stop(id string) {
	s.emitAsync(EventStop, JobEvent{ID: id})

	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.haltLocked()
	}
	s.mu.Unlock()
}

// StopAll calls Stop for every registered job.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// On subscribes fn to one of the Event* names. The returned func unsubscribes.
func (s *Scheduler) On(event string, fn func(JobEvent)) func() {
	if fn == nil {
		return func() {}
	}
	return s.bus.On(event, func(_ context.Context, e eventbus.Event) {
		if je, ok := e.Data.(JobEvent); ok {
			fn(je)
		}
	})
}

// OnError subscribes fn to callback failures. The returned func unsubscribes.
func (s *Scheduler) OnError(fn func(err error, id string)) func() {
	if fn == nil {
		return func() {}
	}
	return s.On(EventError, func(e JobEvent) { fn(e.Err, e.ID) })
}

// Has reports whether id is registered.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	return ok
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	return n
}

// Close stops every job, cancels the context handed to running callbacks and
// waits for loops and pending event emissions until ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	start := time.Now()
	s.StopAll()
	err := s.sup.Stop(ctx)

	s.emitMu.Lock()
	s.emitClosed = true
	s.emitMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.emits.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.log.Info("scheduler closed", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// emit waits for every listener.
func (s *Scheduler) emit(ctx context.Context, name string, ev JobEvent) {
	if err := s.bus.Emit(ctx, eventbus.Event{Type: name, Data: ev}); err != nil {
		s.log.Debug("event listener failed", logx.String("event", name), logx.String("id", ev.ID), logx.Err(err))
	}
}

// emitAsync triggers emission without waiting for listeners.
// After Close has drained, late events are dropped.
func (s *Scheduler) emitAsync(name string, ev JobEvent) {
	s.emitMu.Lock()
	if s.emitClosed {
		s.emitMu.Unlock()
		s.log.Trace("event dropped after close", logx.String("event", name), logx.String("id", ev.ID))
		return
	}
	s.emits.Add(1)
	s.emitMu.Unlock()

	go func() {
		defer s.emits.Done()
		s.emit(context.Background(), name, ev)
	}()
}

// infoLocked copies j. Call with s.mu held.
func (s *Scheduler) infoLocked(j *job) JobInfo {
	_, running := s.locks[j.id]
	return JobInfo{
		ID:        j.id,
		Interval:  j.interval,
		CreatedAt: j.createdAt,
		LastRunAt: j.lastRunAt,
		Resume:    j.resume,
		Running:   running,
	}
}
