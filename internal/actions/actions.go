// Package actions builds regularjob callbacks from config job definitions.
package actions

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/regularjob"
	logx "jobloop/pkg/logx"
)

// ErrFailAction is returned by every run of a "fail" job.
var ErrFailAction = errors.New("fail action")

// maxOutput caps how much command output is kept for logs and errors.
const maxOutput = 4 << 10

// Build returns the callback for job. Each call returns a fresh callback
// with its own run counter, so a job re-added after a reload starts over.
func Build(job config.ResolvedJob, log logx.Logger) (regularjob.Func, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", job.ID), logx.String("action", job.Action))

	var run regularjob.Func
	switch strings.ToLower(strings.TrimSpace(job.Action)) {
	case config.ActionLog:
		run = logAction(job, log)
	case config.ActionExec:
		if len(job.Argv) == 0 {
			return nil, errors.Newf("job %q: exec action without command", job.ID)
		}
		run = execAction(job, log)
	case config.ActionFail:
		run = failAction(job)
	default:
		return nil, errors.Newf("job %q: unknown action %q", job.ID, job.Action)
	}
	return withStopAfter(job, log, run), nil
}

func logAction(job config.ResolvedJob, log logx.Logger) regularjob.Func {
	msg := job.Message
	if msg == "" {
		msg = "tick"
	}
	return func(ctx context.Context, c regularjob.Control) error {
		fields := []logx.Field{logx.String("id", c.ID), logx.Duration("interval", c.Interval)}
		if c.HasRun() {
			fields = append(fields, logx.Duration("since_last", time.Since(c.LastRunAt)))
		}
		log.Info(msg, fields...)
		return nil
	}
}

func failAction(job config.ResolvedJob) regularjob.Func {
	return func(ctx context.Context, c regularjob.Control) error {
		if job.Message != "" {
			return errors.Wrap(ErrFailAction, job.Message)
		}
		return ErrFailAction
	}
}

func execAction(job config.ResolvedJob, log logx.Logger) regularjob.Func {
	argv := append([]string(nil), job.Argv...)
	return func(ctx context.Context, c regularjob.Control) error {
		if job.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.RunTimeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var out cappedBuffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		cmd.WaitDelay = time.Second

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		output := strings.TrimSpace(out.String())

		if err != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Wrapf(err, "%s: timed out after %s", argv[0], job.RunTimeout)
			}
			if output != "" {
				return errors.Wrapf(err, "%s: %s", argv[0], output)
			}
			return errors.Wrapf(err, "%s", argv[0])
		}
		log.Debug("command finished",
			logx.String("id", c.ID),
			logx.Duration("took", took),
			logx.String("output", output),
		)
		return nil
	}
}

// withStopAfter stops the job from inside its own callback once it has
// completed n runs.
func withStopAfter(job config.ResolvedJob, log logx.Logger, run regularjob.Func) regularjob.Func {
	if job.StopAfter <= 0 {
		return run
	}
	limit := int64(job.StopAfter)
	var runs atomic.Int64
	return func(ctx context.Context, c regularjob.Control) error {
		err := run(ctx, c)
		if runs.Add(1) == limit {
			log.Info("run limit reached; stopping job", logx.String("id", c.ID), logx.Int64("runs", limit))
			c.Stop()
		}
		return err
	}
}

// cappedBuffer keeps the first maxOutput bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := maxOutput - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "...(truncated)"
	}
	return b.buf.String()
}
