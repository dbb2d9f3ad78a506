package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tracksync/internal/resilience"
)

func newCircuitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "circuit [operation-key]",
		Short: "Show circuit breaker state",
		Long: `Show the breaker for one operation key (for example update-epic), or
every recorded breaker when no key is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var states []resilience.CircuitBreakerState
			if len(args) == 1 {
				st, err := a.syncer.CircuitStatus(args[0])
				if err != nil {
					return err
				}
				states = append(states, st)
			} else {
				states, err = a.invoker.Breaker().All()
				if err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, styleHint.Render("no circuits recorded"))
				return nil
			}
			for _, st := range states {
				fmt.Fprintf(out, "%-24s %s  %s %d", st.OperationKey, circuitBadge(st.State),
					styleLabel.Render("failures"), st.FailureCount)
				if !st.LastFailureAt.IsZero() {
					fmt.Fprintf(out, "  %s %s", styleLabel.Render("last"), st.LastFailureAt.Format(time.RFC3339))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "stats [operation-key]",
		Short: "Show or reset retry statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			out := cmd.OutOrStdout()
			stats := a.invoker.Stats()
			if reset {
				if err := stats.Reset(key); err != nil {
					return err
				}
				target := key
				if target == "" {
					target = "all operations"
				}
				fmt.Fprintf(out, "%s %s\n", styleSuccess.Render("reset"), target)
				return nil
			}

			rows := stats.All()
			if key != "" {
				rows = []resilience.RetryStats{stats.Get(key)}
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, styleHint.Render("no retry statistics recorded"))
				return nil
			}
			fmt.Fprintln(out, styleLabel.Render(fmt.Sprintf("%-24s %8s %8s %8s %8s %8s", "OPERATION", "CALLS", "ATTEMPTS", "OK", "FAILED", "RETRIES")))
			for _, st := range rows {
				fmt.Fprintf(out, "%-24s %8d %8d %8d %8d %8d\n", st.OperationKey, st.TotalOperations,
					st.TotalAttempts, st.SuccessCount, st.FailureCount, st.RetryCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the counters (one key, or all)")
	return cmd
}

func newConflictsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts parked for manual resolution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.deferrals.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, styleHint.Render("no deferred conflicts"))
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(out, "%s  %s  %s\n", styleEntity.Render(item.EntityID),
					styleLabel.Render(item.DeferredAt.Format(time.RFC3339)), styleHint.Render(item.ID))
				for _, conflict := range item.Report.Conflicts {
					fmt.Fprintf(out, "    %-14s %s  local=%v  remote=%v\n", conflict.Field,
						styleWarning.Render(string(conflict.Kind)), conflict.LocalValue, conflict.RemoteValue)
				}
			}
			fmt.Fprintln(out, styleHint.Render("resolve with: tracksync sync <id> --strategy "+strings.Join([]string{"local_wins", "remote_wins", "merge"}, "|")))
			return nil
		},
	}
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Push remote updates queued while the tracker was unavailable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.syncer.ReplayOutbox(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d  %s %d  %s %d\n",
				styleLabel.Render("replayed"), result.Replayed, styleLabel.Render("superseded"), result.Superseded,
				styleLabel.Render("remaining"), result.Remaining)
			return err
		},
	}
}
