package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"picresize/database"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs recorded in the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Catalog == "" {
			return fmt.Errorf("no catalog configured, set --catalog")
		}
		catalog, err := database.Open(cfg.Catalog)
		if err != nil {
			return err
		}
		defer catalog.Close()

		ctx := cmd.Context()
		runs, err := catalog.RecentRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded.")
			return nil
		}

		id := color.New(color.FgCyan)
		for _, r := range runs {
			id.Fprint(out, shortID(r.ID))
			fmt.Fprintf(out, "  %s  %s  %dpx  %d/%d ok  %s -> %s  %s\n",
				humanize.Time(r.StartedAt),
				r.Root,
				r.Width,
				r.Succeeded,
				r.Total,
				humanize.Bytes(uint64(r.BytesIn)),
				humanize.Bytes(uint64(r.BytesOut)),
				r.Elapsed.Round(time.Millisecond),
			)
			if !r.Finished {
				color.New(color.FgYellow).Fprintln(out, "          interrupted")
			}

			groups, err := catalog.Duplicates(ctx, r.ID)
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintf(out, "          identical inputs: %v\n", g)
			}
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs to list")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
