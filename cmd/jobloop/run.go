package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobloop/internal/app"
	logx "jobloop/pkg/logx"
	"jobloop/pkg/systemd"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemon(cmd.Context())
	},
}

func runDaemon(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return errors.Wrap(err, "init")
	}
	if err := a.Start(ctx); err != nil {
		stopApp(a, app.StopFatalError)
		return errors.Wrap(err, "start")
	}

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	systemd.Ready(log)
	systemd.Status(log, "running")
	go systemd.Watchdog(ctx, log)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	systemd.Stopping(log)
	stopApp(a, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func stopApp(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout()+a.ShutdownTimeout()/2)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
