package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tracksync/internal/tracksync"
)

func newSyncCmd(c *cli) *cobra.Command {
	var (
		strategy string
		all      bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "sync [id...]",
		Short: "Reconcile one or more entities",
		Long: `Reconcile the named entities, or every local entity with --all.
Strategies: local_wins, remote_wins, merge, manual, newer_wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name at least one entity id or pass --all")
			}
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			chosen, err := a.strategy(strategy)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Sync.Timeout*time.Duration(max(1, len(args))))
			defer cancel()

			var (
				results []tracksync.SyncResult
				runErr  error
			)
			if all {
				results, runErr = a.syncer.SyncAll(ctx, chosen)
			} else {
				var errs []error
				for _, id := range args {
					result, err := a.syncer.SyncEntity(ctx, id, chosen)
					results = append(results, result)
					if err != nil && !errors.Is(err, tracksync.ErrConflictUnresolved) {
						errs = append(errs, err)
					}
				}
				runErr = errors.Join(errs...)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, result := range results {
					printSyncResult(cmd.OutOrStdout(), result)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "resolution strategy (default from sync.strategy)")
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every local entity")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printSyncResult(w io.Writer, result tracksync.SyncResult) {
	fmt.Fprintf(w, "%s  %s", styleEntity.Render(result.EntityID), syncStatusBadge(result.Status))
	if result.Degraded {
		fmt.Fprintf(w, " %s", styleWarning.Render("(degraded)"))
	}
	fmt.Fprintln(w)
	if result.Report != nil && !result.Report.Empty() {
		fmt.Fprintf(w, "    %s %s\n", styleLabel.Render("conflicts"), styleValue.Render(strings.Join(result.Report.ConflictFields(), ", ")))
	}
	if result.Pending != "" {
		fmt.Fprintf(w, "    %s   %s\n", styleLabel.Render("pending"), styleValue.Render(string(result.Pending)))
	}
	if result.DeferralID != "" {
		fmt.Fprintf(w, "    %s  %s\n", styleLabel.Render("deferral"), styleHint.Render(result.DeferralID))
	}
	if result.OutboxID != "" {
		fmt.Fprintf(w, "    %s    %s\n", styleLabel.Render("outbox"), styleHint.Render(result.OutboxID))
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "    %s   %s\n", styleWarning.Render("warning"), warning.Error())
	}
	if result.Error != "" {
		fmt.Fprintf(w, "    %s     %s\n", styleError.Render("error"), result.Error)
	}
}
