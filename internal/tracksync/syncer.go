package tracksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
)

type SyncStatus string

const (
	SyncNoop     SyncStatus = "noop"
	SyncSynced   SyncStatus = "synced"
	SyncDeferred SyncStatus = "deferred"
	SyncPartial  SyncStatus = "partial"
	SyncFailed   SyncStatus = "failed"
)

// SyncResult describes one reconciliation cycle. Pending names the side
// whose delta has not reached the other side yet.
type SyncResult struct {
	EntityID   string          `json:"entityId"`
	Strategy   Strategy        `json:"strategy"`
	Status     SyncStatus      `json:"status"`
	Report     *ConflictReport `json:"report,omitempty"`
	Warnings   []MappingError  `json:"warnings,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	Pending    Side            `json:"pending,omitempty"`
	DeferralID string          `json:"deferralId,omitempty"`
	OutboxID   string          `json:"outboxId,omitempty"`
	Error      string          `json:"error,omitempty"`
	SyncedAt   time.Time       `json:"syncedAt"`
}

type SyncerOptions struct {
	Remote    RemoteClient
	Local     LocalStore
	Snapshots SnapshotStore
	Invoker   Invoker
	Mapper    *FieldMapper
	Detector  *Detector
	Deferrals DeferralLog
	Outbox    Outbox
	Events    EventSink
	Logger    Logger
	Now       func() time.Time
	// Concurrency bounds SyncAll's worker pool. Defaults to 4.
	Concurrency int
}

type Syncer struct {
	remote      RemoteClient
	local       LocalStore
	snapshots   SnapshotStore
	invoker     Invoker
	mapper      *FieldMapper
	detector    *Detector
	resolver    *Resolver
	deferrals   DeferralLog
	outbox      Outbox
	events      EventSink
	logger      Logger
	now         func() time.Time
	concurrency int
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Remote == nil || opts.Local == nil || opts.Snapshots == nil {
		return nil, fmt.Errorf("%w: remote, local and snapshot stores are required", ErrInvalidInput)
	}
	s := &Syncer{
		remote:      opts.Remote,
		local:       opts.Local,
		snapshots:   opts.Snapshots,
		invoker:     opts.Invoker,
		mapper:      opts.Mapper,
		detector:    opts.Detector,
		deferrals:   opts.Deferrals,
		outbox:      opts.Outbox,
		events:      opts.Events,
		logger:      opts.Logger,
		now:         opts.Now,
		concurrency: opts.Concurrency,
	}
	if s.invoker == nil {
		s.invoker = resilience.New(resilience.Options{Logger: opts.Logger})
	}
	if s.mapper == nil {
		s.mapper = DefaultFieldMapper()
	}
	if s.detector == nil {
		s.detector = NewDetector(DetectorOptions{CustomFields: s.mapper.CustomFields()})
	}
	s.resolver = NewResolver(s.deferrals)
	if s.now == nil {
		s.now = time.Now
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	return s, nil
}

// CircuitStatus reports the breaker state for an operation key.
func (s *Syncer) CircuitStatus(key string) (resilience.CircuitBreakerState, error) {
	return s.invoker.Status(key)
}

// SyncEntity runs one reconciliation cycle for entityID. Every returned
// error other than a manual deferral is a *SyncError.
func (s *Syncer) SyncEntity(ctx context.Context, entityID string, strategy Strategy) (SyncResult, error) {
	result, err := s.syncEntity(ctx, strings.TrimSpace(entityID), strategy)
	result.SyncedAt = s.now().UTC()
	if err != nil {
		result.Error = err.Error()
		if result.Status == "" {
			result.Status = SyncFailed
		}
	}
	s.logf("sync %s: %s (strategy %s)", result.EntityID, result.Status, strategy)
	for _, w := range result.Warnings {
		s.logf("sync %s: mapping warning: %v", result.EntityID, w)
	}
	if s.events != nil {
		s.events.Publish(result)
	}
	return result, err
}

func (s *Syncer) syncEntity(ctx context.Context, entityID string, strategy Strategy) (SyncResult, error) {
	result := SyncResult{EntityID: entityID, Strategy: strategy}
	if entityID == "" {
		return result, &SyncError{Stage: "validate", Err: fmt.Errorf("%w: entity id is required", ErrInvalidInput)}
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return result, &SyncError{EntityID: entityID, Stage: "validate", Err: err}
	}

	local, readWarnings, err := s.readLocal(entityID)
	if err != nil {
		return result, &SyncError{EntityID: entityID, Stage: "read-local", Err: err}
	}
	result.Warnings = append(result.Warnings, readWarnings...)
	local.ID = entityID
	local, warnings := s.mapper.NormalizeCustomFields(local)
	result.Warnings = append(result.Warnings, warnings...)

	snapshot, err := s.snapshots.Load(entityID)
	if err != nil {
		return result, &SyncError{EntityID: entityID, Stage: "load-snapshot", Err: err}
	}

	clearDeferral := false
	if s.deferrals != nil {
		deferral, pending, err := s.deferrals.Pending(entityID)
		if err != nil {
			return result, &SyncError{EntityID: entityID, Stage: "load-deferral", Err: err}
		}
		if pending {
			if strategy == StrategyManual {
				report := deferral.Report
				result.Status = SyncDeferred
				result.DeferralID = deferral.ID
				result.Report = &report
				result.Pending = pendingLocal(local, snapshot)
				return result, &ConflictUnresolvedError{EntityID: entityID, DeferralID: deferral.ID, Fields: report.ConflictFields()}
			}
			clearDeferral = true
		}
	}

	kind := local.Kind
	var fields RemoteFields
	_, err = s.invoker.Call(ctx, OperationKey(OpFetch, kind), func(ctx context.Context) error {
		fetched, err := s.remote.Fetch(ctx, entityID)
		if err != nil {
			return err
		}
		fields = fetched
		return nil
	}, nil)
	if err != nil {
		result.Pending = pendingLocal(local, snapshot)
		return result, &SyncError{EntityID: entityID, Stage: "fetch", Pending: result.Pending, Err: err}
	}
	remote, warnings := s.mapper.FromRemote(fields)
	result.Warnings = append(result.Warnings, warnings...)
	remote.ID = entityID

	report := s.detector.Detect(local, remote, snapshot)
	result.Report = &report
	if report.Empty() {
		if err := s.saveSnapshot(entityID, local, remote); err != nil {
			return result, &SyncError{EntityID: entityID, Stage: "save-snapshot", Err: err}
		}
		if clearDeferral {
			s.clearDeferral(entityID)
		}
		s.dropQueued(entityID)
		result.Status = SyncNoop
		return result, nil
	}

	res, err := s.resolver.Resolve(report, strategy)
	if err != nil {
		result.Pending = pendingLocal(local, snapshot)
		return result, &SyncError{EntityID: entityID, Stage: "resolve", Pending: result.Pending, Err: err}
	}
	if res.Deferred {
		result.Status = SyncDeferred
		result.DeferralID = res.DeferralID
		result.Pending = pendingLocal(local, snapshot)
		return result, &ConflictUnresolvedError{EntityID: entityID, DeferralID: res.DeferralID, Fields: report.ConflictFields()}
	}
	if clearDeferral {
		s.clearDeferral(entityID)
	}

	var pushErr error
	degraded := false
	if len(res.RemoteDelta) > 0 {
		degraded, pushErr = s.pushRemote(ctx, entityID, kind, res.RemoteDelta, fields, &result)
	}

	localAfter := local
	if len(res.LocalDelta) > 0 {
		localAfter = ApplyDelta(local, res.LocalDelta)
		localAfter.UpdatedAt = s.now().UTC()
		if err := s.local.Write(entityID, localAfter); err != nil {
			result.Status = SyncFailed
			if len(res.RemoteDelta) > 0 && pushErr == nil {
				result.Status = SyncPartial
			}
			result.Pending = SideRemote
			return result, &SyncError{EntityID: entityID, Stage: "write-local", Pending: SideRemote, Err: errors.Join(err, pushErr)}
		}
	}

	if pushErr != nil || degraded {
		result.Status = SyncPartial
		result.Pending = SideLocal
		result.Degraded = degraded
		if pushErr != nil {
			return result, &SyncError{EntityID: entityID, Stage: "push", Pending: SideLocal, Err: pushErr}
		}
		return result, nil
	}

	if err := s.saveSnapshot(entityID, localAfter, ApplyDelta(remote, res.RemoteDelta)); err != nil {
		result.Status = SyncPartial
		return result, &SyncError{EntityID: entityID, Stage: "save-snapshot", Err: err}
	}
	s.dropQueued(entityID)
	result.Status = SyncSynced
	return result, nil
}

func (s *Syncer) readLocal(entityID string) (CanonicalRecord, []MappingError, error) {
	if wr, ok := s.local.(WarningReader); ok {
		return wr.ReadWithWarnings(entityID)
	}
	record, err := s.local.Read(entityID)
	return record, nil, err
}

// pushRemote applies delta on the remote. A status change the remote
// cannot reach is dropped with a warning and reported as
// ErrTransitionNotAllowed after the remaining fields are pushed. observed
// is the remote as fetched in this cycle; queued items keep its values for
// the updated fields so a replay can tell whether the remote moved since.
func (s *Syncer) pushRemote(ctx context.Context, entityID string, kind Kind, delta Delta, observed RemoteFields, result *SyncResult) (bool, error) {
	updates, warnings := s.mapper.DeltaToRemote(delta)
	result.Warnings = append(result.Warnings, warnings...)

	var transitionErr error
	if statusField, ok := s.mapper.RemoteName(FieldStatus); ok {
		if target, changing := updates[statusField]; changing {
			var transitions []string
			_, err := s.invoker.Call(ctx, OperationKey(OpTransitions, kind), func(ctx context.Context) error {
				available, err := s.remote.ListTransitions(ctx, entityID)
				if err != nil {
					return err
				}
				transitions = available
				return nil
			}, nil)
			if err != nil {
				return false, fmt.Errorf("list transitions: %w", err)
			}
			if !containsFold(transitions, asString(target)) {
				delete(updates, statusField)
				result.Warnings = append(result.Warnings, MappingError{
					Field:  FieldStatus,
					Value:  target,
					Reason: fmt.Sprintf("no remote transition to %v (available: %s)", target, strings.Join(transitions, ", ")),
				})
				transitionErr = fmt.Errorf("%w: %v", ErrTransitionNotAllowed, target)
			}
		}
	}
	if len(updates) == 0 {
		return false, transitionErr
	}

	key := OperationKey(OpUpdate, kind)
	var fallback resilience.Func
	if s.outbox != nil {
		fallback = func(context.Context) error {
			base := RemoteFields{}
			for name := range updates {
				base[name] = observed[name]
			}
			item, err := s.outbox.Enqueue(OutboxItem{
				EntityID:     entityID,
				Kind:         kind,
				OperationKey: key,
				Updates:      updates.Clone(),
				Base:         base,
				EnqueuedAt:   s.now().UTC(),
			})
			if err != nil {
				return err
			}
			result.OutboxID = item.ID
			return nil
		}
	}
	outcome, err := s.invoker.Call(ctx, key, func(ctx context.Context) error {
		_, err := s.remote.Apply(ctx, entityID, updates)
		return err
	}, fallback)
	if err != nil {
		return false, errors.Join(err, transitionErr)
	}
	if outcome.Degraded {
		s.logf("sync %s: remote update queued in outbox %s", entityID, result.OutboxID)
	}
	return outcome.Degraded, transitionErr
}

// SyncAll reconciles every entity the local store lists. Entities with a
// pending manual deferral are skipped and reported as deferred.
func (s *Syncer) SyncAll(ctx context.Context, strategy Strategy) ([]SyncResult, error) {
	lister, ok := s.local.(EntityLister)
	if !ok {
		return nil, fmt.Errorf("%w: local store %T cannot list entities", ErrInvalidInput, s.local)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	ids, err := lister.List()
	if err != nil {
		return nil, fmt.Errorf("list local entities: %w", err)
	}

	results := make([]SyncResult, len(ids))
	errs := make([]error, len(ids))
	jobs := make(chan int)
	workers := min(s.concurrency, len(ids))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = s.syncListed(ctx, ids[i], strategy)
			}
		}()
	}
	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrConflictUnresolved) {
			failures = append(failures, err)
		}
	}
	return results, errors.Join(failures...)
}

func (s *Syncer) syncListed(ctx context.Context, entityID string, strategy Strategy) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{EntityID: entityID, Strategy: strategy, Status: SyncFailed, Error: err.Error()},
			&SyncError{EntityID: entityID, Stage: "schedule", Err: err}
	}
	if s.deferrals != nil {
		deferral, pending, err := s.deferrals.Pending(entityID)
		if err != nil {
			return SyncResult{EntityID: entityID, Strategy: strategy, Status: SyncFailed, Error: err.Error()},
				&SyncError{EntityID: entityID, Stage: "load-deferral", Err: err}
		}
		if pending {
			report := deferral.Report
			return SyncResult{
				EntityID:   entityID,
				Strategy:   strategy,
				Status:     SyncDeferred,
				DeferralID: deferral.ID,
				Report:     &report,
				SyncedAt:   s.now().UTC(),
			}, nil
		}
	}
	return s.SyncEntity(ctx, entityID, strategy)
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
	// Superseded items were dropped without a push: a later cycle already
	// reconciled the entity, or the remote changed after the item was
	// queued. Their local change is still in the local store and the
	// snapshot has not advanced past it, so the next cycle re-detects it.
	Superseded int `json:"superseded"`
	Remaining  int `json:"remaining"`
}

// ReplayOutbox pushes queued remote deltas in FIFO order. An item is only
// applied while the remote still holds the values it was computed against.
// Once an item for an entity fails, later items for the same entity stay
// queued; an open circuit stops the replay.
func (s *Syncer) ReplayOutbox(ctx context.Context) (ReplayResult, error) {
	var out ReplayResult
	if s.outbox == nil {
		return out, nil
	}
	items, err := s.outbox.Pending()
	if err != nil {
		return out, fmt.Errorf("load outbox: %w", err)
	}
	blocked := map[string]bool{}
	var errs []error
	finish := func() (ReplayResult, error) {
		out.Remaining = len(items) - out.Replayed - out.Superseded
		return out, errors.Join(errs...)
	}
	for idx, item := range items {
		if blocked[item.EntityID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", resilience.ErrCanceled, err))
			return finish()
		}
		stale, reason, err := s.replayStale(ctx, item)
		if err == nil && !stale {
			_, err = s.invoker.Call(ctx, item.OperationKey, func(ctx context.Context) error {
				_, err := s.remote.Apply(ctx, item.EntityID, item.Updates)
				return err
			}, nil)
		}
		if err != nil {
			blocked[item.EntityID] = true
			errs = append(errs, fmt.Errorf("replay %s for %s: %w", item.ID, item.EntityID, err))
			if resilience.IsCircuitOpen(err) {
				s.logf("outbox replay stopped at item %d of %d: %v", idx+1, len(items), err)
				break
			}
			continue
		}
		if err := s.outbox.Remove(item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove outbox item %s: %w", item.ID, err))
			continue
		}
		if stale {
			s.logf("outbox item %s for %s superseded: %s", item.ID, item.EntityID, reason)
			out.Superseded++
			continue
		}
		out.Replayed++
	}
	return finish()
}

// replayStale reports whether item must not be pushed: the entity was
// reconciled after the item was queued, or the remote no longer holds the
// values the item was computed against.
func (s *Syncer) replayStale(ctx context.Context, item OutboxItem) (bool, string, error) {
	snapshot, err := s.snapshots.Load(item.EntityID)
	if err != nil {
		return false, "", fmt.Errorf("load snapshot: %w", err)
	}
	if snapshot != nil && item.EnqueuedAt.Before(snapshot.SyncedAt) {
		return true, "entity reconciled after the item was queued", nil
	}
	if item.Base == nil {
		return false, "", nil
	}
	var current RemoteFields
	_, err = s.invoker.Call(ctx, OperationKey(OpFetch, item.Kind), func(ctx context.Context) error {
		fetched, err := s.remote.Fetch(ctx, item.EntityID)
		if err != nil {
			return err
		}
		current = fetched
		return nil
	}, nil)
	if err != nil {
		return false, "", fmt.Errorf("fetch before replay: %w", err)
	}
	names := make([]string, 0, len(item.Base))
	for name := range item.Base {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !sameRemoteValue(item.Base[name], current[name]) {
			return true, fmt.Sprintf("remote %s changed from %v to %v", name, item.Base[name], current[name]), nil
		}
	}
	return false, "", nil
}

// dropQueued removes queued remote deltas for entityID once a cycle has
// reconciled it; they were computed against a state that no longer exists.
func (s *Syncer) dropQueued(entityID string) {
	if s.outbox == nil {
		return
	}
	items, err := s.outbox.Pending()
	if err != nil {
		s.logf("sync %s: load outbox: %v", entityID, err)
		return
	}
	for _, item := range items {
		if item.EntityID != entityID {
			continue
		}
		if err := s.outbox.Remove(item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logf("sync %s: drop outbox item %s: %v", entityID, item.ID, err)
			continue
		}
		s.logf("sync %s: dropped outbox item %s, entity reconciled", entityID, item.ID)
	}
}

func (s *Syncer) saveSnapshot(entityID string, local, remote CanonicalRecord) error {
	return s.snapshots.Save(entityID, SyncSnapshot{
		EntityID:        entityID,
		LastLocalState:  local.Clone(),
		LastRemoteState: remote.Clone(),
		SyncedAt:        s.now().UTC(),
	})
}

func (s *Syncer) clearDeferral(entityID string) {
	if err := s.deferrals.Clear(entityID); err != nil {
		s.logf("sync %s: clear deferral: %v", entityID, err)
	}
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// pendingLocal reports SideLocal when the local record moved since the last
// agreed snapshot, or when there is no snapshot yet.
func pendingLocal(local CanonicalRecord, snapshot *SyncSnapshot) Side {
	if snapshot == nil {
		return SideLocal
	}
	prev := snapshot.LastLocalState
	for _, field := range coreFields {
		if !valuesEqual(local.Value(field), prev.Value(field)) {
			return SideLocal
		}
	}
	for name, value := range local.CustomFields {
		if !valuesEqual(value, prev.CustomFields[name]) {
			return SideLocal
		}
	}
	return SideNone
}

// sameRemoteValue compares raw remote values across a JSON round trip,
// where 40 and 40.0 must match.
func sameRemoteValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), target) {
			return true
		}
	}
	return false
}
