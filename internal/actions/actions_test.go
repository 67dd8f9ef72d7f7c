package actions

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobloop/internal/config"
	"jobloop/internal/regularjob"
	logx "jobloop/pkg/logx"
)

func resolve(t *testing.T, jc config.JobConfig) config.ResolvedJob {
	t.Helper()
	if jc.Every == "" {
		jc.Every = "1h"
	}
	r, err := jc.Resolve()
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	return r
}

func TestBuildRejectsUnknownAction(t *testing.T) {
	t.Parallel()
	if _, err := Build(config.ResolvedJob{JobConfig: config.JobConfig{ID: "x", Action: "reboot"}}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if _, err := Build(config.ResolvedJob{JobConfig: config.JobConfig{ID: "x", Action: "exec"}}, logx.Nop()); err == nil {
		t.Fatal("expected error for exec without argv")
	}
}

func TestLogAndFailActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logFn, err := Build(resolve(t, config.JobConfig{ID: "beat", Action: "log", Message: "alive"}), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := logFn(ctx, regularjob.Control{ID: "beat", LastRunAt: time.Now()}); err != nil {
		t.Fatalf("log action error: %v", err)
	}

	failFn, err := Build(resolve(t, config.JobConfig{ID: "broken", Action: "fail", Message: "on purpose"}), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	err = failFn(ctx, regularjob.Control{ID: "broken"})
	if !errors.Is(err, ErrFailAction) || !strings.Contains(err.Error(), "on purpose") {
		t.Fatalf("fail action error = %v", err)
	}
}

func TestExecAction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		command string
		timeout string
		wantErr string
	}{
		{name: "success", command: "true"},
		{name: "non-zero exit", command: "false", wantErr: "exit status 1"},
		{name: "output in error", command: `sh -c "echo broken pipe >&2; exit 3"`, wantErr: "broken pipe"},
		{name: "timeout", command: "sleep 5", timeout: "100ms", wantErr: "timed out"},
		{name: "missing binary", command: "jobloop-no-such-binary", wantErr: "jobloop-no-such-binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fn, err := Build(resolve(t, config.JobConfig{ID: "cmd", Action: "exec", Command: tt.command, Timeout: tt.timeout}), logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			start := time.Now()
			err = fn(context.Background(), regularjob.Control{ID: "cmd"})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
			if tt.timeout != "" && time.Since(start) > 3*time.Second {
				t.Fatalf("timeout not enforced, took %s", time.Since(start))
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	var b cappedBuffer
	chunk := strings.Repeat("x", 3<<10)
	for i := 0; i < 3; i++ {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if b.buf.Len() != maxOutput || !strings.HasSuffix(b.String(), "...(truncated)") {
		t.Fatalf("buffer len %d, string suffix %q", b.buf.Len(), b.String()[len(b.String())-20:])
	}
}

func TestStopAfterStopsJob(t *testing.T) {
	t.Parallel()
	s := regularjob.New(regularjob.Config{}, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	job := resolve(t, config.JobConfig{ID: "limited", Every: "10ms", Action: "log", StopAfter: 3})
	fn, err := Build(job, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var runs atomic.Int32
	removed := make(chan struct{})
	s.On(regularjob.EventRemove, func(e regularjob.JobEvent) {
		if e.ID == "limited" {
			close(removed)
		}
	})

	_, err = s.Add(context.Background(), job.Interval, func(ctx context.Context, c regularjob.Control) error {
		runs.Add(1)
		return fn(ctx, c)
	}, regularjob.WithID(job.ID))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	select {
	case <-removed:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not stopped")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
