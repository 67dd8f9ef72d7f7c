package regularjob

import (
	"context"
	"time"

	logx "jobloop/pkg/logx"
)

// startLoop hands j to the supervisor. If Close won the race, the job is
// dropped instead.
func (s *Scheduler) startLoop(j *job) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.remove(j)
		return
	}
	s.sup.Go(loopGoroutine, func(ctx context.Context) error {
		s.loop(ctx, j)
		return nil
	}, logx.String("id", j.id))
	s.mu.Unlock()
}

// loop waits and runs until resume is cleared, the job disappears, or the
// scheduler closes. resume is checked before the delay, after it and after
// every run.
func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.remove(j)

	for {
		if !s.resuming(j) {
			return
		}
		if err := s.wait(ctx, j); err != nil {
			return
		}
		if !s.resuming(j) {
			return
		}
		s.run(ctx, j.id, false)
		if !s.resuming(j) {
			return
		}
	}
}

// wait delays for one interval. A halted job wakes early; the resume check
// that follows ends the loop.
func (s *Scheduler) wait(ctx context.Context, j *job) error {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(j.wake, cancel)
	defer stop()

	err := s.delay(dctx, j.interval)
	if err != nil && ctx.Err() == nil && j.wake.Err() != nil {
		// Woken by Stop rather than by Close.
		return nil
	}
	return err
}

func (s *Scheduler) resuming(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.id]
	return ok && cur == j && j.resume
}

// remove drops j from the registry if it is still the entry under its id.
func (s *Scheduler) remove(j *job) {
	s.mu.Lock()
	cur, ok := s.jobs[j.id]
	if !ok || cur != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, j.id)
	j.haltLocked()
	info := s.infoLocked(j)
	s.mu.Unlock()

	lived := time.Since(j.createdAt)
	s.log.Debug("job removed", logx.String("id", j.id), logx.Duration("lived", lived))
	s.emitAsync(EventRemove, JobEvent{ID: j.id, Job: &info})
}
