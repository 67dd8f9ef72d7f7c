package regularjob

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// Run executes id's callback now, outside its schedule. It returns true only
// if the callback succeeded; false for unknown ids, lock contention and
// callback failures (the latter reported through EventError).
func (s *Scheduler) Run(ctx context.Context, id string) bool {
	return s.run(ctx, id, false)
}

// RunAndStop is Run followed by Stop once the callback returns, so the job
// does not run again.
func (s *Scheduler) RunAndStop(ctx context.Context, id string) bool {
	return s.run(ctx, id, true)
}

func (s *Scheduler) run(ctx context.Context, id string, noRepeat bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.locks[id]; busy {
		s.mu.Unlock()
		s.noteLocked(id)
		s.emit(ctx, EventLocked, JobEvent{ID: id})
		return false
	}
	s.locks[id] = struct{}{}
	s.mu.Unlock()

	// The lock entry is released on every path out of run.
	released := false
	defer func() {
		if !released {
			s.mu.Lock()
			delete(s.locks, id)
			s.mu.Unlock()
		}
	}()

	s.emit(ctx, EventRunBefore, JobEvent{ID: id})

	// Listeners may have raced with the job's removal.
	s.mu.Lock()
	if cur, ok := s.jobs[id]; !ok || cur != j {
		s.mu.Unlock()
		s.log.Debug("job removed before run", logx.String("id", id))
		return false
	}
	c := Control{
		ID:        id,
		LastRunAt: j.lastRunAt,
		Interval:  j.interval,
		stop:      func() { s.Stop(id) },
	}
	s.mu.Unlock()

	start := time.Now()
	err := invoke(ctx, j.fn, c)
	took := time.Since(start)
	if err == nil {
		s.emit(ctx, EventRunAfter, JobEvent{ID: id})
	}

	s.mu.Lock()
	delete(s.locks, id)
	released = true
	if cur, ok := s.jobs[id]; ok && cur == j {
		j.lastRunAt = s.now()
		if noRepeat {
			j.haltLocked()
		}
	}
	s.mu.Unlock()

	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.log.Warn("job run failed", logx.String("id", id), logx.Duration("took", took), logx.Err(err))
		// Emitted only now so listeners see the lock released and LastRunAt updated.
		s.emitAsync(EventError, JobEvent{ID: id, Err: err})
		return false
	}
	s.log.Trace("job run finished", logx.String("id", id), logx.Duration("took", took), logx.Bool("no_repeat", noRepeat))
	return true
}

func invoke(ctx context.Context, fn Func, c Control) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrPanic, "%v", r)
		}
	}()
	return fn(ctx, c)
}

func (s *Scheduler) noteLocked(id string) {
	n := s.lockedHits.Add(1)
	if s.lockedWarn.Allow() {
		s.log.Warn("job still running; trigger skipped", logx.String("id", id), logx.Uint64("locked_total", n))
	}
}
