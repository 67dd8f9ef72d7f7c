package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobloop/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and print the resolved jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		jobs, err := cfg.ResolveJobs()
		if err != nil {
			return err
		}

		mult := cfg.Scheduler.DurationMultiply
		if mult <= 0 {
			mult = 1
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVERY\tEFFECTIVE\tSOURCE\tACTION\tIMMEDIATE")
		for _, j := range jobs {
			eff := scaled(j.Interval, mult)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", j.ID, j.Every, eff, j.IntervalSource, j.Action, j.RunImmediately)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d job(s)\n", len(jobs))
		return nil
	},
}

func scaled(d time.Duration, mult float64) time.Duration {
	return time.Duration(float64(d) * mult)
}
