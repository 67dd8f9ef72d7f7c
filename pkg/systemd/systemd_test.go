package systemd

import (
	"context"
	"testing"
	"time"

	logx "jobloop/pkg/logx"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	if Ready(logx.Nop()) || Stopping(logx.Nop()) || Status(logx.Logger{}, "idle") {
		t.Fatal("notification reported sent without NOTIFY_SOCKET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, logx.Nop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Watchdog did not return without WATCHDOG_USEC")
	}
}
