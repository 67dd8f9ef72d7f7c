package regularjob

import (
	"context"
	"time"
)

// Event names, as seen by eventbus listeners.
const (
	EventError     = "error"
	EventAdd       = "add"
	EventStop      = "stop"
	EventRunBefore = "run before"
	EventRunAfter  = "run after"
	EventLocked    = "locked"
	// EventRemove is emitted once a job's loop has exited and its id is free again.
	EventRemove = "remove"
)

const (
	DefaultDurationMultiply = 1.0
	DefaultIDPrefix         = "JOB-"
)

// Config controls a Scheduler. Zero values fall back to the defaults above.
// A negative DurationMultiply is kept as is; Add rejects every job then.
type Config struct {
	// DurationMultiply scales every interval passed to Add.
	DurationMultiply float64
	// IDPrefix is prepended to generated job ids.
	IDPrefix string
}

func (c Config) withDefaults() Config {
	if c.DurationMultiply == 0 {
		c.DurationMultiply = DefaultDurationMultiply
	}
	if c.IDPrefix == "" {
		c.IDPrefix = DefaultIDPrefix
	}
	return c
}

// Func is the unit of work run on every tick. A returned error (or a panic)
// is reported through EventError; it never stops the job.
type Func func(ctx context.Context, c Control) error

// Control is handed to every Func invocation.
type Control struct {
	ID string
	// LastRunAt is when the previous run finished; zero before the first one.
	LastRunAt time.Time
	Interval  time.Duration

	stop func()
}

// Stop asks the scheduler to stop this job once the current run returns.
func (c Control) Stop() {
	if c.stop != nil {
		c.stop()
	}
}

// HasRun reports whether the job completed at least one run before this one.
func (c Control) HasRun() bool { return !c.LastRunAt.IsZero() }

// JobInfo is a copy of a job's state.
type JobInfo struct {
	ID        string        `json:"id"`
	Interval  time.Duration `json:"interval"`
	CreatedAt time.Time     `json:"created_at"`
	LastRunAt time.Time     `json:"last_run_at,omitzero"`
	Resume    bool          `json:"resume"`
	Running   bool          `json:"running"`
}

// JobEvent is the eventbus payload of every scheduler event.
type JobEvent struct {
	ID             string   `json:"id"`
	Job            *JobInfo `json:"job,omitempty"`
	RunImmediately bool     `json:"run_immediately,omitempty"`
	Err            error    `json:"-"`
}

// DelayFunc suspends the caller for at least d, or until ctx is done.
type DelayFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithDelay replaces the timer used between runs.
func WithDelay(fn DelayFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.delay = fn
		}
	}
}

// WithIDGenerator replaces the generator used when Add gets no explicit id.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock replaces time.Now for CreatedAt/LastRunAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type addOptions struct {
	id     string
	runNow bool
}

// AddOption configures a single Add call.
type AddOption func(*addOptions)

// RunImmediately runs the job once before Add returns, then starts the loop.
func RunImmediately() AddOption { return func(o *addOptions) { o.runNow = true } }

// WithID registers the job under id instead of a generated one.
// An empty id means "generate".
func WithID(id string) AddOption { return func(o *addOptions) { o.id = id } }

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	DurationMultiply float64
	IDPrefix         string
	Closed           bool

	Jobs []JobInfo

	// Totals since New.
	Runs     uint64
	Failures uint64
	Locked   uint64

	// Loop goroutines.
	LoopsActive  int64
	LoopsStarted uint64
}
