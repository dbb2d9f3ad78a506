package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/tracksync/internal/tracksync"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestLoadConfigDefaultsDeriveStorePaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TRACKSYNC_LOCAL_DIR", "/work/items")

	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Local.Dir != "/work/items" {
		t.Fatalf("expected local dir from env, got %q", cfg.Local.Dir)
	}
	if cfg.Store.Snapshots != filepath.Join("/work/items", ".tracksync", "snapshots") {
		t.Fatalf("unexpected snapshot store %q", cfg.Store.Snapshots)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout != 300*time.Second {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Breaker)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Sync.Strategy != "merge" || cfg.Sync.ConcurrentWindow != 300*time.Second {
		t.Fatalf("unexpected sync defaults %+v", cfg.Sync)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "tracksync.yaml")
	body := `local:
  dir: /srv/items
store:
  snapshots: sqlite:///var/lib/tracksync/state.db
retry:
  max_retries: 2
  base_delay: 250ms
watch:
  jitter: 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRACKSYNC_RETRY_MAX_RETRIES", "7")
	t.Setenv("TRACKSYNC_BREAKER_RESET_TIMEOUT", "45s")

	cfg, err := loadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FileUsed != path {
		t.Fatalf("expected config file %s, got %s", path, cfg.FileUsed)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Fatalf("expected env to override max_retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("expected base delay 250ms, got %s", cfg.Retry.BaseDelay)
	}
	if cfg.Breaker.ResetTimeout != 45*time.Second {
		t.Fatalf("expected reset timeout 45s, got %s", cfg.Breaker.ResetTimeout)
	}
	if cfg.Watch.Jitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %f", cfg.Watch.Jitter)
	}
	if cfg.Store.Snapshots != "sqlite:///var/lib/tracksync/state.db" {
		t.Fatalf("explicit store DSN must be kept, got %q", cfg.Store.Snapshots)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestConfigValidateRequiresLocalDir(t *testing.T) {
	cfg := Config{Remote: RemoteConfig{BaseURL: "http://tracker"}}
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validation error without a local dir")
	}
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tracksync.log")
	logger, closer, err := newLogger(LogConfig{File: path, MaxSizeMB: 1}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Printf("cycle %d done", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "cycle 3 done") {
		t.Fatalf("unexpected log content %q", data)
	}
}

// trackerStub serves a single read-only issue.
func trackerStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue/PROJ-7", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected %s to the tracker", r.Method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key": "PROJ-7",
			"fields": map[string]any{
				"summary":   "Ship the importer",
				"status":    map[string]any{"name": "Done"},
				"issuetype": map[string]any{"name": "Task"},
				"updated":   "2026-03-04T10:00:00.000+0000",
			},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeWorkspace(t *testing.T, trackerURL string) (configPath, localDir string) {
	t.Helper()
	root := t.TempDir()
	localDir = filepath.Join(root, "items")
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	item := "---\nname: Importer\nstatus: in-progress\nprogress: 0\nupdated: 2026-03-01T09:00:00Z\n---\n"
	if err := os.WriteFile(filepath.Join(localDir, "PROJ-7.md"), []byte(item), 0o644); err != nil {
		t.Fatalf("write item: %v", err)
	}
	configPath = filepath.Join(root, "tracksync.yaml")
	cfg := "local:\n  dir: " + localDir + "\nremote:\n  base_url: " + trackerURL + "\n  token: secret\nretry:\n  max_retries: 0\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, localDir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncCommandRemoteWinsThenNoop(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tracker := trackerStub(t)
	configPath, localDir := writeWorkspace(t, tracker.URL)

	out, err := runCLI(t, "--config", configPath, "sync", "PROJ-7", "--strategy", "remote_wins", "--json")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	var results []tracksync.SyncResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(results) != 1 || results[0].Status != tracksync.SyncSynced {
		t.Fatalf("unexpected results %+v", results)
	}

	store, err := tracksync.NewMarkdownStore(localDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	record, err := store.Read("PROJ-7")
	if err != nil {
		t.Fatalf("read local: %v", err)
	}
	if record.Name != "Ship the importer" || record.Status != tracksync.StatusDone {
		t.Fatalf("local record not updated from remote: %+v", record)
	}

	out, err = runCLI(t, "--config", configPath, "sync", "PROJ-7", "--json")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	results = nil
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if results[0].Status != tracksync.SyncNoop {
		t.Fatalf("expected noop after agreement, got %s", results[0].Status)
	}

	out, err = runCLI(t, "--config", configPath, "stats", "fetch-task")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "fetch-task") {
		t.Fatalf("expected persisted fetch stats, got %q", out)
	}
}

func TestManualSyncIsListedAsConflict(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tracker := trackerStub(t)
	configPath, _ := writeWorkspace(t, tracker.URL)

	out, err := runCLI(t, "--config", configPath, "sync", "PROJ-7", "--strategy", "manual")
	if err != nil {
		t.Fatalf("manual sync: %v", err)
	}
	if !strings.Contains(out, "deferred") {
		t.Fatalf("expected deferred result, got %q", out)
	}

	out, err = runCLI(t, "--config", configPath, "conflicts")
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if !strings.Contains(out, "PROJ-7") || !strings.Contains(out, "name") {
		t.Fatalf("expected PROJ-7 name conflict, got %q", out)
	}
}

func TestSyncCommandRequiresTarget(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tracker := trackerStub(t)
	configPath, _ := writeWorkspace(t, tracker.URL)

	if _, err := runCLI(t, "--config", configPath, "sync"); err == nil {
		t.Fatalf("expected error without ids or --all")
	}
	if _, err := runCLI(t, "--config", configPath, "sync", "--all", "PROJ-7"); err == nil {
		t.Fatalf("expected error when mixing ids and --all")
	}
}
