package regularjob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "jobloop/pkg/logx"
	"jobloop/pkg/uid"
)

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, logx.Nop(), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func counter(n *atomic.Int32) Func {
	return func(ctx context.Context, c Control) error {
		n.Add(1)
		return nil
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	id, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)), WithID("dup"))
	if err != nil || id != "dup" {
		t.Fatalf("first Add = (%q, %v), want (dup, nil)", id, err)
	}
	_, err = s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)), WithID("dup"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Add error = %v, want ErrDuplicateID", err)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestAddDuplicateGeneratedID(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{}, WithIDGenerator(func(prefix string) string { return prefix + "fixed" }))

	if _, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32))); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("colliding generated id error = %v, want ErrDuplicateID", err)
	}
}

func TestAddGeneratesPrefixedIDs(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{IDPrefix: "TASK-"})

	a, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	b, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if a == b || !uid.Valid("TASK-", a) || !uid.Valid("TASK-", b) {
		t.Fatalf("unexpected ids %q, %q", a, b)
	}

	d := newTestScheduler(t, Config{})
	id, _ := d.Add(context.Background(), time.Hour, counter(new(atomic.Int32)))
	if !strings.HasPrefix(id, DefaultIDPrefix) {
		t.Fatalf("default prefix missing from %q", id)
	}
}

func TestAddRejectsInvalidJob(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	tests := []struct {
		name  string
		every time.Duration
		fn    Func
	}{
		{name: "nil func", every: time.Second},
		{name: "zero interval", every: 0, fn: counter(new(atomic.Int32))},
		{name: "negative interval", every: -time.Second, fn: counter(new(atomic.Int32))},
	}
	for _, tt := range tests {
		if _, err := s.Add(context.Background(), tt.every, tt.fn); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("%s: error = %v, want ErrInvalidJob", tt.name, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("invalid jobs were registered")
	}
}

func TestNegativeMultiplierRejectsAdd(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{DurationMultiply: -1})

	if got := s.Snapshot().DurationMultiply; got != -1 {
		t.Fatalf("DurationMultiply = %v, want -1 kept", got)
	}
	if _, err := s.Add(context.Background(), time.Second, counter(new(atomic.Int32))); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("Add error = %v, want ErrInvalidJob", err)
	}
	if s.Len() != 0 {
		t.Fatal("job registered under a negative multiplier")
	}
}

func TestJobRecurs(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var n atomic.Int32
	if _, err := s.Add(context.Background(), 5*time.Millisecond, counter(&n)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if n.Load() != 0 {
		t.Fatal("job ran before its first interval")
	}
	waitFor(t, 2*time.Second, "three runs", func() bool { return n.Load() >= 3 })
}

func TestDurationMultiplyScalesInterval(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{DurationMultiply: 2.5})

	seen := make(chan time.Duration, 1)
	id, err := s.Add(context.Background(), 4*time.Second, func(ctx context.Context, c Control) error {
		seen <- c.Interval
		return nil
	}, RunImmediately())
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if got := <-seen; got != 10*time.Second {
		t.Fatalf("Control.Interval = %s, want 10s", got)
	}
	info, ok := s.Job(id)
	if !ok || info.Interval != 10*time.Second {
		t.Fatalf("Job(%q) = %+v, %v", id, info, ok)
	}
}

func TestRunImmediately(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var n atomic.Int32
	id, err := s.Add(context.Background(), time.Hour, counter(&n), RunImmediately())
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("runs after Add = %d, want 1", got)
	}
	info, _ := s.Job(id)
	if info.LastRunAt.IsZero() || !info.Resume {
		t.Fatalf("unexpected job state %+v", info)
	}
}

func TestRunImmediatelyThenRecurs(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var n atomic.Int32
	if _, err := s.Add(context.Background(), 5*time.Millisecond, counter(&n), RunImmediately()); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if n.Load() < 1 {
		t.Fatal("job did not run immediately")
	}
	waitFor(t, 2*time.Second, "four runs", func() bool { return n.Load() >= 4 })
}

func TestControlCarriesLastRun(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var mu sync.Mutex
	var controls []Control
	id, err := s.Add(context.Background(), time.Hour, func(ctx context.Context, c Control) error {
		mu.Lock()
		controls = append(controls, c)
		mu.Unlock()
		return nil
	}, RunImmediately(), WithID("ctl"))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if !s.Run(context.Background(), id) {
		t.Fatal("manual Run failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(controls) != 2 {
		t.Fatalf("callback runs = %d, want 2", len(controls))
	}
	if controls[0].HasRun() || controls[0].ID != "ctl" {
		t.Fatalf("first control = %+v", controls[0])
	}
	if !controls[1].HasRun() {
		t.Fatal("second control has no LastRunAt")
	}
}

func TestRunUnknownIDIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	if s.Run(context.Background(), "missing") {
		t.Fatal("Run on unknown id returned true")
	}
	if s.RunAndStop(context.Background(), "missing") {
		t.Fatal("RunAndStop on unknown id returned true")
	}
	s.Stop("missing")
	s.Stop("missing")
}

func TestOverlappingRunIsLocked(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var lockedEvents atomic.Int32
	s.On(EventLocked, func(e JobEvent) { lockedEvents.Add(1) })

	var inFlight, maxInFlight, runs atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	id, err := s.Add(context.Background(), time.Hour, func(ctx context.Context, c Control) error {
		if cur := inFlight.Add(1); cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		defer inFlight.Add(-1)
		runs.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	first := make(chan bool, 1)
	go func() { first <- s.Run(context.Background(), id) }()
	<-entered

	if info, _ := s.Job(id); !info.Running {
		t.Fatal("job not reported running while its callback blocks")
	}
	if s.Run(context.Background(), id) {
		t.Fatal("overlapping Run returned true")
	}
	if got := lockedEvents.Load(); got != 1 {
		t.Fatalf("locked events = %d, want 1 (emission is awaited)", got)
	}

	close(release)
	if !<-first {
		t.Fatal("first Run returned false")
	}
	if runs.Load() != 1 || maxInFlight.Load() != 1 {
		t.Fatalf("runs = %d, max in flight = %d; want 1, 1", runs.Load(), maxInFlight.Load())
	}
	if s.Snapshot().Locked != 1 {
		t.Fatalf("snapshot locked total = %d, want 1", s.Snapshot().Locked)
	}
}

func TestLoopTriggerIsLockedWhileCallbackBlocks(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var lockedEvents, runs, inFlight, maxInFlight atomic.Int32
	s.On(EventLocked, func(e JobEvent) { lockedEvents.Add(1) })

	release := make(chan struct{})
	id, err := s.Add(context.Background(), 2*time.Millisecond, func(ctx context.Context, c Control) error {
		if cur := inFlight.Add(1); cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		defer inFlight.Add(-1)
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// The loop is now blocked inside the callback; manual triggers lose the race.
	waitFor(t, 2*time.Second, "loop run to start", func() bool { return runs.Load() == 1 })
	for i := 0; i < 3; i++ {
		if s.Run(context.Background(), id) {
			t.Fatal("manual Run during loop run returned true")
		}
	}
	close(release)
	waitFor(t, 2*time.Second, "loop to continue", func() bool { return runs.Load() >= 3 })

	if lockedEvents.Load() != 3 {
		t.Fatalf("locked events = %d, want 3", lockedEvents.Load())
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("max in flight = %d, want 1", maxInFlight.Load())
	}
}

func TestStopHaltsFurtherRuns(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var stopEvents atomic.Int32
	s.On(EventStop, func(e JobEvent) { stopEvents.Add(1) })

	var n atomic.Int32
	id, err := s.Add(context.Background(), 5*time.Millisecond, counter(&n), RunImmediately())
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	waitFor(t, 2*time.Second, "two runs", func() bool { return n.Load() >= 2 })

	s.Stop(id)
	waitFor(t, 2*time.Second, "job removal", func() bool { return !s.Has(id) })
	after := n.Load()

	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != after {
		t.Fatalf("runs continued after stop: %d -> %d", after, got)
	}
	waitFor(t, time.Second, "stop event", func() bool { return stopEvents.Load() == 1 })
}

func TestStopWakesSleepingLoop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	removed := make(chan string, 1)
	s.On(EventRemove, func(e JobEvent) { removed <- e.ID })

	id, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.Stop(id)

	select {
	case got := <-removed:
		if got != id {
			t.Fatalf("removed %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stopped job was not removed while its loop slept")
	}
	// The id is free again.
	if _, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32)), WithID(id)); err != nil {
		t.Fatalf("re-Add after removal: %v", err)
	}
}

func TestStopDoesNotInterruptRunningCallback(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	id, err := s.Add(context.Background(), time.Millisecond, func(ctx context.Context, c Control) error {
		if c.HasRun() {
			t.Errorf("callback ran again after Stop")
			return nil
		}
		close(entered)
		<-release
		if ctx.Err() != nil {
			t.Errorf("callback context canceled by Stop")
		}
		finished.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	<-entered
	s.Stop(id)
	if !s.Has(id) {
		t.Fatal("job removed while its callback was still running")
	}
	close(release)
	waitFor(t, 2*time.Second, "job removal", func() bool { return !s.Has(id) })
	if !finished.Load() {
		t.Fatal("in-flight callback did not finish")
	}
}

func TestControlStopFromCallback(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var n atomic.Int32
	id, err := s.Add(context.Background(), 2*time.Millisecond, func(ctx context.Context, c Control) error {
		if n.Add(1) == 2 {
			c.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	waitFor(t, 2*time.Second, "job removal", func() bool { return !s.Has(id) })
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestRunAndStop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var n atomic.Int32
	id, err := s.Add(context.Background(), 100*time.Millisecond, counter(&n))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if !s.RunAndStop(context.Background(), id) {
		t.Fatal("RunAndStop returned false")
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	waitFor(t, 2*time.Second, "job removal", func() bool { return !s.Has(id) })
	time.Sleep(150 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("runs after RunAndStop = %d, want 1", got)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	for i := 0; i < 5; i++ {
		if _, err := s.Add(context.Background(), time.Millisecond, counter(new(atomic.Int32))); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	s.StopAll()
	waitFor(t, 2*time.Second, "all jobs removed", func() bool { return s.Len() == 0 })
}

func TestFailingCallbackKeepsRunning(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	boom := errors.New("boom")
	var errorsSeen atomic.Int32
	var badState atomic.Value
	var id string
	var idMu sync.Mutex

	s.OnError(func(err error, jobID string) {
		if !errors.Is(err, boom) {
			badState.Store("unexpected error: " + err.Error())
		}
		idMu.Lock()
		want := id
		idMu.Unlock()
		if want != "" && jobID != want {
			badState.Store("unexpected id " + jobID)
		}
		if info, ok := s.Job(jobID); ok && info.LastRunAt.IsZero() {
			badState.Store("error emitted before LastRunAt update")
		}
		errorsSeen.Add(1)
	})

	var runs atomic.Int32
	got, err := s.Add(context.Background(), 3*time.Millisecond, func(ctx context.Context, c Control) error {
		runs.Add(1)
		return boom
	}, WithID("failing"))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	idMu.Lock()
	id = got
	idMu.Unlock()

	waitFor(t, 2*time.Second, "three errors", func() bool { return errorsSeen.Load() >= 3 })
	if v := badState.Load(); v != nil {
		t.Fatal(v)
	}
	if !s.Has(id) {
		t.Fatal("failing job was removed")
	}

	s.Stop(id)
	waitFor(t, 2*time.Second, "job removal", func() bool { return !s.Has(id) })
	waitFor(t, time.Second, "one error per failing run", func() bool { return errorsSeen.Load() == runs.Load() })
}

func TestManualRunReportsFailure(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var afterEvents atomic.Int32
	s.On(EventRunAfter, func(e JobEvent) { afterEvents.Add(1) })
	errs := make(chan error, 1)
	s.OnError(func(err error, id string) {
		// No other run can start: the interval is an hour.
		if info, ok := s.Job(id); !ok || info.Running || info.LastRunAt.IsZero() {
			err = errors.New("error emitted before state update")
		}
		errs <- err
	})

	id, _ := s.Add(context.Background(), time.Hour, func(ctx context.Context, c Control) error {
		panic("kaboom")
	})
	if s.Run(context.Background(), id) {
		t.Fatal("Run of panicking callback returned true")
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrPanic) || !strings.Contains(err.Error(), "kaboom") {
			t.Fatalf("error = %v, want ErrPanic with panic value", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
	if afterEvents.Load() != 0 {
		t.Fatal("run after emitted for a failed run")
	}
	if info, _ := s.Job(id); info.LastRunAt.IsZero() {
		t.Fatal("LastRunAt not set after failed run")
	}
}

func TestEventOrderAroundRun(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(JobEvent) {
		return func(JobEvent) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	s.On(EventRunBefore, record(EventRunBefore))
	s.On(EventRunAfter, record(EventRunAfter))

	id, _ := s.Add(context.Background(), time.Hour, func(ctx context.Context, c Control) error {
		record("callback")(JobEvent{})
		return nil
	})
	if !s.Run(context.Background(), id) {
		t.Fatal("Run returned false")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventRunBefore, "callback", EventRunAfter}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestAddEventCarriesSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	added := make(chan JobEvent, 1)
	s.On(EventAdd, func(e JobEvent) { added <- e })

	id, _ := s.Add(context.Background(), time.Minute, counter(new(atomic.Int32)), RunImmediately())
	select {
	case e := <-added:
		if e.ID != id || e.Job == nil || e.Job.Interval != time.Minute || !e.RunImmediately {
			t.Fatalf("unexpected add event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no add event")
	}
}

func TestLockReleasedWhenJobVanishesBeforeCallback(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var called atomic.Bool
	id, _ := s.Add(context.Background(), time.Hour, func(ctx context.Context, c Control) error {
		called.Store(true)
		return nil
	})

	off := s.On(EventRunBefore, func(e JobEvent) {
		s.Stop(e.ID)
		waitFor(t, 2*time.Second, "removal during run before", func() bool { return !s.Has(e.ID) })
	})
	defer off()

	if s.Run(context.Background(), id) {
		t.Fatal("Run of vanished job returned true")
	}
	if called.Load() {
		t.Fatal("callback invoked for vanished job")
	}
	s.mu.Lock()
	_, held := s.locks[id]
	s.mu.Unlock()
	if held {
		t.Fatal("lock entry leaked for vanished job")
	}
}

func TestCloseCancelsCallbacksAndRejectsAdd(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)

	entered := make(chan struct{})
	canceled := make(chan struct{})
	_, err := s.Add(context.Background(), time.Millisecond, func(ctx context.Context, c Control) error {
		close(entered)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	select {
	case <-canceled:
	default:
		t.Fatal("running callback did not observe cancellation")
	}
	if s.Len() != 0 {
		t.Fatalf("jobs left after Close: %d", s.Len())
	}
	snap := s.Snapshot()
	if !snap.Closed || snap.LoopsActive != 0 || snap.LoopsStarted != 2 {
		t.Fatalf("unexpected snapshot after Close: %+v", snap)
	}
	if _, err := s.Add(context.Background(), time.Hour, counter(new(atomic.Int32))); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestCustomDelayIsUsed(t *testing.T) {
	t.Parallel()
	var delays atomic.Int32
	var lastDelay atomic.Int64
	s := newTestScheduler(t, Config{DurationMultiply: 3}, WithDelay(func(ctx context.Context, d time.Duration) error {
		delays.Add(1)
		lastDelay.Store(int64(d))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}))

	var n atomic.Int32
	if _, err := s.Add(context.Background(), time.Hour, counter(&n)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	waitFor(t, 2*time.Second, "runs driven by custom delay", func() bool { return n.Load() >= 3 })
	if time.Duration(lastDelay.Load()) != 3*time.Hour {
		t.Fatalf("delay got %s, want 3h", time.Duration(lastDelay.Load()))
	}
}
