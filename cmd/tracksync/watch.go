package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/tracksync/internal/tracksync"
)

func newWatchCmd(c *cli) *cobra.Command {
	var (
		strategy string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile on local edits and on a jittered interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(nil)
			if err != nil {
				return err
			}
			defer a.Close()
			chosen, err := a.strategy(strategy)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := &watchLoop{app: a, strategy: chosen}
			if once {
				w.fullCycle(ctx)
				return nil
			}
			return w.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "resolution strategy (default from sync.strategy)")
	cmd.Flags().BoolVar(&once, "once", false, "run one full cycle and exit")
	cmd.Flags().Duration("interval", 0, "full reconciliation interval")
	cmd.Flags().Float64("interval-jitter", 0, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().Duration("debounce", 0, "quiet period after a local edit before syncing")
	_ = c.v.BindPFlag("watch.interval", cmd.Flags().Lookup("interval"))
	_ = c.v.BindPFlag("watch.jitter", cmd.Flags().Lookup("interval-jitter"))
	_ = c.v.BindPFlag("watch.debounce", cmd.Flags().Lookup("debounce"))
	return cmd
}

type watchLoop struct {
	app      *app
	strategy tracksync.Strategy
}

func (w *watchLoop) run(ctx context.Context) error {
	cfg := w.app.cfg
	root := w.app.local.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(root); err != nil {
		return err
	}
	w.app.logger.Printf("watching %s (interval %s, debounce %s)", root, cfg.Watch.Interval, cfg.Watch.Debounce)

	w.fullCycle(ctx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	interval := time.NewTimer(jitteredIntervalWithSample(cfg.Watch.Interval, cfg.Watch.Jitter, rng.Float64()))
	defer interval.Stop()
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	pending := map[string]struct{}{}

	for {
		select {
		case <-ctx.Done():
			w.app.logger.Printf("watch stopping: %v", ctx.Err())
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			id, ok := w.app.local.EntityIDForPath(event.Name)
			if !ok {
				continue
			}
			pending[id] = struct{}{}
			debounce.Reset(cfg.Watch.Debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			w.app.logger.Printf("watch error: %v", err)
		case <-debounce.C:
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			clear(pending)
			w.syncEdited(ctx, ids)
		case <-interval.C:
			w.fullCycle(ctx)
			interval.Reset(jitteredIntervalWithSample(cfg.Watch.Interval, cfg.Watch.Jitter, rng.Float64()))
		}
	}
}

// syncEdited reconciles entities whose files changed. Entities parked for
// manual review stay parked; only an explicit sync clears them.
func (w *watchLoop) syncEdited(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, parked, err := w.app.deferrals.Pending(id); err != nil {
			w.app.logger.Printf("watch %s: load deferral: %v", id, err)
			continue
		} else if parked {
			w.app.logger.Printf("watch %s: skipped, awaiting manual resolution", id)
			continue
		}
		cycleCtx, cancel := context.WithTimeout(ctx, w.app.cfg.Sync.Timeout)
		result, err := w.app.syncer.SyncEntity(cycleCtx, id, w.strategy)
		cancel()
		if err != nil && !errors.Is(err, tracksync.ErrConflictUnresolved) {
			w.app.logger.Printf("watch %s: %s: %v", id, result.Status, err)
			continue
		}
		w.app.logger.Printf("watch %s: %s", id, result.Status)
	}
}

// fullCycle replays the outbox and then reconciles every local entity.
func (w *watchLoop) fullCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, w.app.cfg.Sync.Timeout)
	defer cancel()

	replay, err := w.app.syncer.ReplayOutbox(cycleCtx)
	if err != nil {
		w.app.logger.Printf("outbox replay: %d replayed, %d remaining: %v", replay.Replayed, replay.Remaining, err)
	} else if replay.Replayed > 0 {
		w.app.logger.Printf("outbox replay: %d replayed", replay.Replayed)
	}

	results, err := w.app.syncer.SyncAll(cycleCtx, w.strategy)
	counts := map[tracksync.SyncStatus]int{}
	for _, result := range results {
		counts[result.Status]++
	}
	if err != nil {
		w.app.logger.Printf("sync cycle failed: %v", err)
	}
	w.app.logger.Printf("sync cycle completed: %d entities, %d synced, %d noop, %d deferred, %d partial, %d failed",
		len(results), counts[tracksync.SyncSynced], counts[tracksync.SyncNoop],
		counts[tracksync.SyncDeferred], counts[tracksync.SyncPartial], counts[tracksync.SyncFailed])
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
