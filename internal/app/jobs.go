package app

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"jobloop/internal/actions"
	"jobloop/internal/config"
	"jobloop/internal/regularjob"
	logx "jobloop/pkg/logx"
)

// jobSet keeps the scheduler in line with the configured jobs.
//
// A changed job is stopped and re-added under the same id once its old loop
// has exited (EventRemove). Until then it waits in pending.
type jobSet struct {
	sched *regularjob.Scheduler
	log   logx.Logger

	mu      sync.Mutex
	pending map[string]config.ResolvedJob
}

func newJobSet(sched *regularjob.Scheduler, log logx.Logger) *jobSet {
	return &jobSet{sched: sched, log: log, pending: map[string]config.ResolvedJob{}}
}

// watchRemovals re-adds pending jobs when their previous loop is gone.
func (js *jobSet) watchRemovals() func() {
	return js.sched.On(regularjob.EventRemove, func(e regularjob.JobEvent) {
		if job, ok := js.take(e.ID); ok {
			if err := js.add(context.Background(), job); err != nil {
				js.log.Warn("re-add after reload failed", logx.String("id", job.ID), logx.Err(err))
			}
		}
	})
}

func (js *jobSet) take(id string) (config.ResolvedJob, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	job, ok := js.pending[id]
	if ok {
		delete(js.pending, id)
	}
	return job, ok
}

func (js *jobSet) add(ctx context.Context, job config.ResolvedJob) error {
	fn, err := actions.Build(job, js.log)
	if err != nil {
		return err
	}
	opts := []regularjob.AddOption{regularjob.WithID(job.ID)}
	if job.RunImmediately {
		opts = append(opts, regularjob.RunImmediately())
	}
	if _, err := js.sched.Add(ctx, job.Interval, fn, opts...); err != nil {
		return errors.Wrapf(err, "add job %q", job.ID)
	}
	js.log.Info("job scheduled",
		logx.String("id", job.ID),
		logx.String("action", job.Action),
		logx.Duration("every", job.Interval),
		logx.String("every_source", string(job.IntervalSource)),
	)
	return nil
}

// replace stops the running instance of job.ID and schedules job once the
// id is free. If the old instance is already gone it is added right away.
func (js *jobSet) replace(ctx context.Context, job config.ResolvedJob) error {
	js.mu.Lock()
	js.pending[job.ID] = job
	js.mu.Unlock()

	js.sched.Stop(job.ID)
	if js.sched.Has(job.ID) {
		return nil
	}
	// The remove event may already have fired; whoever takes it adds it.
	if job, ok := js.take(job.ID); ok {
		return js.add(ctx, job)
	}
	return nil
}

// reconcile applies a jobs diff against newCfg.
func (js *jobSet) reconcile(ctx context.Context, diff config.JobsDiff, newCfg *config.Config) error {
	byID := map[string]config.JobConfig{}
	for _, j := range newCfg.Jobs {
		byID[j.ID] = j
	}

	var errs error
	for _, id := range diff.Removed {
		js.take(id)
		js.sched.Stop(id)
		js.log.Info("job removed from config", logx.String("id", id))
	}
	for _, id := range diff.Changed {
		job, err := byID[id].Resolve()
		if err == nil {
			err = js.replace(ctx, job)
		}
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, id := range diff.Added {
		job, err := byID[id].Resolve()
		if err == nil {
			// The id may still be held by a job removed in an earlier reload.
			if js.sched.Has(id) {
				err = js.replace(ctx, job)
			} else {
				err = js.add(ctx, job)
			}
		}
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
