package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobloop/internal/app"
	"jobloop/internal/config"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the newest entries of the event journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		st, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		if st == nil {
			return errors.New("storage is disabled in this config")
		}
		defer st.Close()

		recs, err := st.RecentEvents(cmd.Context(), eventsLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			cmd.Println("No events recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tTYPE\tJOB\tERROR")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.At.Local().Format(time.DateTime), r.Type, r.JobID, r.Error)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of events to show")
}
