package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/agentworkforce/tracksync/internal/remote"
	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/statestore"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg       Config
	logger    *log.Logger
	local     *tracksync.MarkdownStore
	remote    *remote.Client
	invoker   *resilience.Invoker
	deferrals tracksync.DeferralLog
	syncer    *tracksync.Syncer
	closers   []io.Closer
}

// buildApp opens every store named by cfg and wires the orchestrator.
// events may be nil.
func buildApp(cfg Config, logger *log.Logger, events tracksync.EventSink) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	local, err := tracksync.NewMarkdownStore(cfg.Local.Dir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.local = local

	mapper := tracksync.DefaultFieldMapper()
	if cfg.Local.Mapping != "" {
		mapper, err = tracksync.LoadFieldMapper(cfg.Local.Mapping)
		if err != nil {
			return nil, fmt.Errorf("load field mapping: %w", err)
		}
	}

	snapshots, err := statestore.BuildSnapshotStoreFromDSN(cfg.Store.Snapshots)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	a.track(snapshots)

	breakerStore, err := statestore.BuildBreakerStoreFromDSN(cfg.Store.Breakers)
	if err != nil {
		return nil, fmt.Errorf("open breaker store: %w", err)
	}
	a.track(breakerStore)

	statsStore, err := statestore.BuildStatsStoreFromDSN(cfg.Store.Stats)
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}
	stats, err := resilience.NewStats(statsStore)
	if err != nil {
		return nil, fmt.Errorf("load retry stats: %w", err)
	}

	deferrals, err := statestore.BuildDeferralLogFromDSN(cfg.Store.Deferrals)
	if err != nil {
		return nil, fmt.Errorf("open deferral log: %w", err)
	}
	a.deferrals = deferrals

	outbox, err := statestore.BuildOutboxFromDSN(cfg.Store.Outbox, cfg.Store.OutboxCapacity)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	a.remote = remote.NewClient(remote.Options{
		BaseURL:     cfg.Remote.BaseURL,
		Token:       cfg.Remote.Token,
		Username:    cfg.Remote.Username,
		HTTPClient:  &http.Client{Timeout: cfg.Remote.Timeout},
		UserAgent:   "tracksync/" + version,
		StatusField: cfg.Remote.StatusField,
		UserFields:  cfg.Remote.UserFields,
		UserKey:     cfg.Remote.UserKey,
	})

	a.invoker = resilience.New(resilience.Options{
		Retry: resilience.RetryPolicy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			JitterRatio: cfg.Retry.Jitter,
		},
		Breaker: resilience.NewBreaker(resilience.BreakerOptions{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			Store:            breakerStore,
		}),
		Stats:  stats,
		Logger: logger,
	})

	a.syncer, err = tracksync.NewSyncer(tracksync.SyncerOptions{
		Remote:    a.remote,
		Local:     local,
		Snapshots: snapshots,
		Invoker:   a.invoker,
		Mapper:    mapper,
		Detector: tracksync.NewDetector(tracksync.DetectorOptions{
			Window:       cfg.Sync.ConcurrentWindow,
			CustomFields: mapper.CustomFields(),
		}),
		Deferrals:   deferrals,
		Outbox:      outbox,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.Sync.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// track remembers stores that hold connections. The same SQLite store may
// back several roles, so each is closed once.
func (a *app) track(store any) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	for _, existing := range a.closers {
		if existing == closer {
			return
		}
	}
	a.closers = append(a.closers, closer)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) strategy(raw string) (tracksync.Strategy, error) {
	if raw == "" {
		raw = a.cfg.Sync.Strategy
	}
	return tracksync.ParseStrategy(raw)
}
