package tracksync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMarkdownStoreWriteReadRoundTrip(t *testing.T) {
	store, err := NewMarkdownStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	record := CanonicalRecord{
		ID:           "PROJ-7",
		Kind:         KindEpic,
		Name:         "Billing v2",
		Status:       StatusInProgress,
		Description:  "## Goals\n\nShip invoices.",
		Assignee:     "ana",
		Progress:     35,
		CustomFields: map[string]any{"github": "https://example.com/pr/1"},
		UpdatedAt:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := store.Write("PROJ-7", record); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Root(), "PROJ-7.md"))
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	if !strings.Contains(string(data), "progress: 35%") {
		t.Fatalf("progress should be written as a percentage:\n%s", data)
	}

	got, err := store.Read("PROJ-7")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if diff := cmp.Diff(record, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	ids, err := store.List()
	if err != nil || len(ids) != 1 || ids[0] != "PROJ-7" {
		t.Fatalf("unexpected list %v %v", ids, err)
	}
}

func TestMarkdownStoreReadsHandWrittenFile(t *testing.T) {
	dir := t.TempDir()
	body := "---\nname: Fix login\nstatus: in-progress\nprogress: 50\nupdated: 2026-05-02T10:00:00Z\n---\nSession cookie expires early.\n"
	if err := os.WriteFile(filepath.Join(dir, "PROJ-8.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	store, _ := NewMarkdownStore(dir)
	got, err := store.Read("PROJ-8")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Status != StatusInProgress || got.Progress != 50 || got.Kind != KindTask {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Description != "Session cookie expires early." {
		t.Fatalf("unexpected description %q", got.Description)
	}
}

func TestMarkdownStoreRejectsInvalidFrontmatter(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewMarkdownStore(dir)
	cases := map[string]string{
		"missing-name": "---\nstatus: open\n---\n",
		"bad-yaml":     "---\nname: [x\nstatus: open\n---\n",
		"unterminated": "---\nname: x\nstatus: open\n",
		"no-fence":     "name: x\n",
	}
	for id, body := range cases {
		if err := os.WriteFile(filepath.Join(dir, id+".md"), []byte(body), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if _, err := store.Read(id); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", id, err)
		}
	}
}

func TestMarkdownStoreNotFoundAndBadIDs(t *testing.T) {
	store, _ := NewMarkdownStore(t.TempDir())
	if _, err := store.Read("PROJ-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Read("../etc/passwd"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid id, got %v", err)
	}
	if err := store.Write("PROJ-9", CanonicalRecord{Kind: KindTask, Status: "paused"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkdownStoreDefaultsMalformedValues(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewMarkdownStore(dir)
	cases := []struct {
		id       string
		body     string
		field    string
		status   Status
		progress int
	}{
		{id: "bad-progress", body: "---\nname: x\nstatus: open\nprogress: lots\n---\n", field: FieldProgress, status: StatusToDo, progress: 0},
		{id: "over-progress", body: "---\nname: x\nstatus: done\nprogress: \"150%\"\n---\n", field: FieldProgress, status: StatusDone, progress: 100},
		{id: "nan-progress", body: "---\nname: x\nstatus: done\nprogress: .nan\n---\n", field: FieldProgress, status: StatusDone, progress: 0},
		{id: "bad-status", body: "---\nname: x\nstatus: paused\nprogress: 20\n---\n", field: FieldStatus, status: StatusToDo, progress: 20},
		{id: "bad-updated", body: "---\nname: x\nstatus: open\nupdated: last tuesday\n---\n", field: FieldUpdatedAt, status: StatusToDo},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(dir, tc.id+".md"), []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			record, warnings, err := store.ReadWithWarnings(tc.id)
			if err != nil {
				t.Fatalf("malformed value should not fail the read: %v", err)
			}
			if record.Status != tc.status || record.Progress != tc.progress {
				t.Fatalf("unexpected record %+v", record)
			}
			if len(warnings) != 1 || warnings[0].Field != tc.field {
				t.Fatalf("expected one %s warning, got %v", tc.field, warnings)
			}
			if _, err := store.Read(tc.id); err != nil {
				t.Fatalf("plain read failed: %v", err)
			}
		})
	}
}
