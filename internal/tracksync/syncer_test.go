package tracksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
)

type fakeRemote struct {
	mu          sync.Mutex
	issues      map[string]RemoteFields
	transitions map[string][]string
	fetchErr    error
	applyErr    error
	fetchCalls  int
	applyCalls  int
	applied     []RemoteFields
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{issues: map[string]RemoteFields{}, transitions: map[string][]string{}}
}

func (f *fakeRemote) Fetch(_ context.Context, id string) (RemoteFields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	issue, ok := f.issues[id]
	if !ok {
		return nil, &PermanentRemoteError{Op: "fetch", StatusCode: 404, Message: "issue does not exist"}
	}
	return issue.Clone(), nil
}

func (f *fakeRemote) Apply(_ context.Context, id string, updates RemoteFields) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyErr != nil {
		return Ack{}, f.applyErr
	}
	issue := f.issues[id]
	for key, value := range updates {
		issue[key] = value
	}
	issue["updated"] = time.Date(2026, 6, 1, 0, 0, f.applyCalls, 0, time.UTC).Format(time.RFC3339)
	f.applied = append(f.applied, updates.Clone())
	return Ack{EntityID: id}, nil
}

func (f *fakeRemote) ListTransitions(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if list, ok := f.transitions[id]; ok {
		return list, nil
	}
	return []string{"To Do", "In Progress", "Done", "Closed"}, nil
}

type memoryLocal struct {
	mu      sync.Mutex
	records map[string]CanonicalRecord
	writes  int
}

func (m *memoryLocal) Read(id string) (CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return CanonicalRecord{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memoryLocal) Write(id string, r CanonicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.records[id] = r.Clone()
	return nil
}

func (m *memoryLocal) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	snaps map[string]SyncSnapshot
}

func (m *memorySnapshots) Load(id string) (*SyncSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memorySnapshots) Save(id string, s SyncSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = s
	return nil
}

type memoryDeferrals struct {
	mu    sync.Mutex
	items map[string]Deferral
	seq   int
}

func (m *memoryDeferrals) Defer(report ConflictReport) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("def-%d", m.seq)
	m.items[report.EntityID] = Deferral{ID: id, EntityID: report.EntityID, Report: report}
	return id, nil
}

func (m *memoryDeferrals) Pending(entityID string) (Deferral, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[entityID]
	return d, ok, nil
}

func (m *memoryDeferrals) Clear(entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, entityID)
	return nil
}

func (m *memoryDeferrals) List() ([]Deferral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Deferral, 0, len(m.items))
	for _, d := range m.items {
		out = append(out, d)
	}
	return out, nil
}

type memoryOutbox struct {
	mu    sync.Mutex
	items []OutboxItem
	seq   int
}

func (m *memoryOutbox) Enqueue(item OutboxItem) (OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	item.ID = fmt.Sprintf("out-%d", m.seq)
	m.items = append(m.items, item)
	return item, nil
}

func (m *memoryOutbox) Pending() ([]OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxItem(nil), m.items...), nil
}

func (m *memoryOutbox) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

type eventRecorder struct {
	mu      sync.Mutex
	results []SyncResult
}

func (e *eventRecorder) Publish(r SyncResult) {
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

type syncFixture struct {
	remote    *fakeRemote
	local     *memoryLocal
	snapshots *memorySnapshots
	deferrals *memoryDeferrals
	outbox    *memoryOutbox
	events    *eventRecorder
	syncer    *Syncer
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		remote:    newFakeRemote(),
		local:     &memoryLocal{records: map[string]CanonicalRecord{}},
		snapshots: &memorySnapshots{snaps: map[string]SyncSnapshot{}},
		deferrals: &memoryDeferrals{items: map[string]Deferral{}},
		outbox:    &memoryOutbox{},
		events:    &eventRecorder{},
	}
	invoker := resilience.New(resilience.Options{
		Retry: resilience.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	syncer, err := NewSyncer(SyncerOptions{
		Remote:    f.remote,
		Local:     f.local,
		Snapshots: f.snapshots,
		Invoker:   invoker,
		Deferrals: f.deferrals,
		Outbox:    f.outbox,
		Events:    f.events,
		Now:       func() time.Time { return baseTime.Add(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	f.syncer = syncer
	return f
}

func (f *syncFixture) seed(local CanonicalRecord, remote RemoteFields) {
	f.local.records[local.ID] = local
	f.remote.issues[local.ID] = remote
}

func remoteIssue(id, status string, progress int) RemoteFields {
	return RemoteFields{
		"key":         id,
		"issuetype":   "Task",
		"summary":     "Wire webhook retries",
		"status":      status,
		"description": "Retry failed webhooks.",
		"assignee":    "sam",
		"progress":    progress,
		"updated":     baseTime.Format(time.RFC3339),
	}
}

func TestSyncEntityNoopWhenEqual(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(sampleRecord(), remoteIssue("PROJ-10", "In Progress", 40))

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Status != SyncNoop {
		t.Fatalf("expected noop, got %s", result.Status)
	}
	if _, ok := f.snapshots.snaps["PROJ-10"]; !ok {
		t.Fatalf("noop sync should record a snapshot")
	}
	if f.remote.applyCalls != 0 || f.local.writes != 0 {
		t.Fatalf("noop must not write either side")
	}
	if len(f.events.results) != 1 {
		t.Fatalf("expected one published event")
	}
}

func TestSyncEntityMergePushesBothWays(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Status = StatusDone
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 70))

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Status != SyncSynced {
		t.Fatalf("expected synced, got %s", result.Status)
	}
	if got := f.local.records["PROJ-10"]; got.Progress != 70 || got.Status != StatusDone {
		t.Fatalf("local not updated: %+v", got)
	}
	if got := f.remote.issues["PROJ-10"]["status"]; got != "Done" {
		t.Fatalf("remote status not pushed: %v", got)
	}
	if len(f.remote.applied) != 1 || len(f.remote.applied[0]) != 1 {
		t.Fatalf("only the changed field should be pushed, got %v", f.remote.applied)
	}
	snap := f.snapshots.snaps["PROJ-10"]
	if snap.LastLocalState.Progress != 70 || snap.LastRemoteState.Status != StatusDone {
		t.Fatalf("snapshot not advanced: %+v", snap)
	}

	again, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	if err != nil || again.Status != SyncNoop {
		t.Fatalf("second sync should be a noop, got %s %v", again.Status, err)
	}
}

func TestSyncEntityManualDefersUntilExplicitStrategy(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Name = "Local title"
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 40))

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyManual)
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("expected unresolved conflict, got %v", err)
	}
	if result.Status != SyncDeferred || result.DeferralID == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.remote.applyCalls != 0 || f.local.writes != 0 {
		t.Fatalf("manual must not mutate either side")
	}

	results, err := f.syncer.SyncAll(context.Background(), StrategyMerge)
	if err != nil {
		t.Fatalf("sync all failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != SyncDeferred {
		t.Fatalf("deferred entity must be skipped by SyncAll, got %+v", results)
	}
	if f.remote.fetchCalls != 1 {
		t.Fatalf("SyncAll must not fetch a deferred entity")
	}

	result, err = f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil || result.Status != SyncSynced {
		t.Fatalf("explicit sync should resolve, got %s %v", result.Status, err)
	}
	if _, pending, _ := f.deferrals.Pending("PROJ-10"); pending {
		t.Fatalf("deferral should be cleared")
	}
	if f.remote.issues["PROJ-10"]["summary"] != "Local title" {
		t.Fatalf("local title not pushed")
	}
}

func TestSyncEntityDegradedPushQueuesOutbox(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Progress = 90
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 40))
	f.remote.applyErr = &TransientRemoteError{Op: "apply", StatusCode: 503, Err: errors.New("unavailable")}

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil {
		t.Fatalf("degraded push should not fail the cycle: %v", err)
	}
	if result.Status != SyncPartial || !result.Degraded || result.Pending != SideLocal || result.OutboxID == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.remote.applyCalls != 3 {
		t.Fatalf("expected 3 apply attempts, got %d", f.remote.applyCalls)
	}
	if _, ok := f.snapshots.snaps["PROJ-10"]; ok {
		t.Fatalf("snapshot must not advance on a degraded push")
	}

	f.remote.applyErr = nil
	replay, err := f.syncer.ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Replayed != 1 || replay.Remaining != 0 {
		t.Fatalf("unexpected replay result %+v", replay)
	}
	if f.remote.issues["PROJ-10"]["progress"] != 90 {
		t.Fatalf("outbox delta not applied: %v", f.remote.issues["PROJ-10"])
	}
	result, err = f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil || result.Status != SyncNoop {
		t.Fatalf("after replay the entity should be in sync, got %s %v", result.Status, err)
	}
}

func TestSyncEntityPermanentPushFailureIsPartial(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Name = "New title"
	local.Progress = 10
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 80))
	f.remote.applyErr = &PermanentRemoteError{Op: "apply", StatusCode: 400, Message: "summary too long"}

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Stage != "push" || syncErr.Pending != SideLocal {
		t.Fatalf("expected push SyncError, got %v", err)
	}
	if result.Status != SyncPartial {
		t.Fatalf("expected partial, got %s", result.Status)
	}
	if f.remote.applyCalls != 1 {
		t.Fatalf("permanent errors are not retried, got %d calls", f.remote.applyCalls)
	}
	if f.local.records["PROJ-10"].Progress != 80 {
		t.Fatalf("local delta should still be written")
	}
	if len(f.outbox.items) != 0 {
		t.Fatalf("permanent failures must not be queued")
	}
}

func TestSyncEntityDisallowedTransition(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Status = StatusClosed
	local.Assignee = "kim"
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 40))
	f.remote.transitions["PROJ-10"] = []string{"Done"}

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if !errors.Is(err, ErrTransitionNotAllowed) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if result.Status != SyncPartial {
		t.Fatalf("expected partial, got %s", result.Status)
	}
	if got := f.remote.issues["PROJ-10"]; got["assignee"] != "kim" || got["status"] != "In Progress" {
		t.Fatalf("other fields should be pushed and status left alone: %v", got)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Field == FieldStatus {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a status warning, got %v", result.Warnings)
	}
}

func TestSyncEntityFetchFailureNamesPendingSide(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(sampleRecord(), remoteIssue("PROJ-10", "In Progress", 40))
	f.remote.fetchErr = &TransientRemoteError{Op: "fetch", Err: errors.New("timeout")}

	_, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Stage != "fetch" || syncErr.Pending != SideLocal {
		t.Fatalf("unexpected error %v", err)
	}
	if !errors.Is(err, resilience.ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), "local side") {
		t.Fatalf("error should name the pending side: %v", err)
	}
}

func TestSyncEntityCircuitOpensAcrossCycles(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(sampleRecord(), remoteIssue("PROJ-10", "In Progress", 40))
	f.remote.fetchErr = context.DeadlineExceeded

	for i := 0; i < resilience.DefaultFailureThreshold; i++ {
		_, _ = f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	}
	calls := f.remote.fetchCalls
	_, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if f.remote.fetchCalls != calls {
		t.Fatalf("remote called while circuit open")
	}
	state, err := f.syncer.CircuitStatus("fetch-task")
	if err != nil || state.State != resilience.StateOpen {
		t.Fatalf("unexpected circuit status %+v %v", state, err)
	}
}

func TestSyncEntityRejectsUnknownStrategy(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(sampleRecord(), remoteIssue("PROJ-10", "In Progress", 40))
	if _, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", Strategy("coin_flip")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSyncAllRunsEveryEntity(t *testing.T) {
	f := newSyncFixture(t)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("PROJ-%d", 100+i)
		local := sampleRecord()
		local.ID = id
		local.Progress = 50
		remote := remoteIssue(id, "In Progress", 40)
		f.seed(local, remote)
	}
	results, err := f.syncer.SyncAll(context.Background(), StrategyMerge)
	if err != nil {
		t.Fatalf("sync all failed: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != SyncSynced {
			t.Fatalf("%s: expected synced, got %s", r.EntityID, r.Status)
		}
		if f.remote.issues[r.EntityID]["progress"] != 50 {
			t.Fatalf("%s: progress not pushed", r.EntityID)
		}
	}
}

func TestSyncEntityReconcileDropsQueuedOutboxItems(t *testing.T) {
	f := newSyncFixture(t)
	local := sampleRecord()
	local.Name = "Local title v1"
	f.seed(local, remoteIssue("PROJ-10", "In Progress", 40))
	f.remote.applyErr = &TransientRemoteError{Op: "apply", StatusCode: 503, Err: errors.New("unavailable")}

	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil || !result.Degraded || len(f.outbox.items) != 1 {
		t.Fatalf("expected a queued degraded push, got %+v %v (queued %d)", result, err, len(f.outbox.items))
	}

	f.remote.applyErr = nil
	result, err = f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil || result.Status != SyncSynced {
		t.Fatalf("expected direct push to succeed, got %s %v", result.Status, err)
	}
	if len(f.outbox.items) != 0 {
		t.Fatalf("reconciled entity must not keep queued deltas: %+v", f.outbox.items)
	}

	f.remote.issues["PROJ-10"]["summary"] = "Remote edit after sync"
	replay, err := f.syncer.ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Replayed != 0 {
		t.Fatalf("nothing should be replayed, got %+v", replay)
	}
	if got := f.remote.issues["PROJ-10"]["summary"]; got != "Remote edit after sync" {
		t.Fatalf("remote edit overwritten by a stale delta: %v", got)
	}
}

func TestReplayOutboxSkipsItemsWhenRemoteMoved(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(sampleRecord(), remoteIssue("PROJ-10", "In Progress", 40))
	if result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge); err != nil || result.Status != SyncNoop {
		t.Fatalf("expected initial noop, got %s %v", result.Status, err)
	}

	edited := sampleRecord()
	edited.Name = "Local title v2"
	f.local.records["PROJ-10"] = edited
	f.remote.applyErr = &TransientRemoteError{Op: "apply", StatusCode: 503, Err: errors.New("unavailable")}
	result, err := f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyLocalWins)
	if err != nil || !result.Degraded {
		t.Fatalf("expected degraded push, got %+v %v", result, err)
	}
	if base := f.outbox.items[0].Base["summary"]; base != "Wire webhook retries" {
		t.Fatalf("queued item should remember the remote summary it replaces, got %v", base)
	}

	f.remote.applyErr = nil
	f.remote.issues["PROJ-10"]["summary"] = "Remote edit"
	applyCalls := f.remote.applyCalls
	replay, err := f.syncer.ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Replayed != 0 || replay.Superseded != 1 || replay.Remaining != 0 {
		t.Fatalf("unexpected replay result %+v", replay)
	}
	if f.remote.applyCalls != applyCalls || f.remote.issues["PROJ-10"]["summary"] != "Remote edit" {
		t.Fatalf("stale delta must not reach the remote")
	}

	// The local edit is still pending and surfaces as a conflict.
	result, _ = f.syncer.SyncEntity(context.Background(), "PROJ-10", StrategyManual)
	if result.Report == nil {
		t.Fatalf("expected a conflict report, got %+v", result)
	}
	if _, ok := result.Report.Conflict(FieldName); !ok {
		t.Fatalf("expected a name conflict, got %v", result.Report.ConflictFields())
	}
}

func TestSyncEntityReportsMalformedLocalValuesAsWarnings(t *testing.T) {
	store, err := NewMarkdownStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	body := "---\nname: Wire webhook retries\nstatus: in-progress\nassignee: sam\nprogress: \"150%\"\nupdated: 2026-04-01T10:00:00Z\n---\nRetry failed webhooks.\n"
	if err := os.WriteFile(filepath.Join(store.Root(), "PROJ-10.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	remote := newFakeRemote()
	remote.issues["PROJ-10"] = remoteIssue("PROJ-10", "In Progress", 100)
	syncer, err := NewSyncer(SyncerOptions{
		Remote:    remote,
		Local:     store,
		Snapshots: &memorySnapshots{snaps: map[string]SyncSnapshot{}},
		Invoker:   resilience.New(resilience.Options{}),
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}

	result, err := syncer.SyncEntity(context.Background(), "PROJ-10", StrategyMerge)
	if err != nil {
		t.Fatalf("a clamped progress must not fail the cycle: %v", err)
	}
	if result.Status != SyncNoop {
		t.Fatalf("expected clamped 100%% to agree with the remote, got %s", result.Status)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Field == FieldProgress {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a progress warning, got %v", result.Warnings)
	}
}
