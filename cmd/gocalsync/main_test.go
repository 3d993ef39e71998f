package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"gocalsync/backend"
	"gocalsync/internal/utils"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

// writeTestConfig writes a config whose database and log live in a temp
// directory and whose server refuses connections.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `server:
  url: "http://127.0.0.1:1"
  timeout: 1s
storage:
  path: "` + filepath.Join(dir, "calendar.db") + `"
  watch_external: false
sync:
  ping_timeout: 200ms
realtime:
  enabled: false
log:
  file: "` + filepath.Join(dir, "gocalsync.log") + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func listJSON(t *testing.T, cfgPath string) []backend.Entry {
	t.Helper()
	out, err := runCmd(t, "", "--config", cfgPath, "-c", "work", "list", "-o", "json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var entries []backend.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	return entries
}

func addedID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Added" {
		t.Fatalf("Unexpected add output: %q", out)
	}
	return fields[1]
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := runCmd(t, "", "--config", path, "config", "init", "--server", "https://cal.test/api")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, "Created "+path) {
		t.Errorf("Unexpected init output: %q", out)
	}

	if _, err := runCmd(t, "", "--config", path, "config", "init"); err == nil {
		t.Error("Expected init without --force to refuse an existing file")
	}

	out, err = runCmd(t, "", "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "https://cal.test/api") {
		t.Errorf("Expected server URL in output, got:\n%s", out)
	}
}

func TestCommandsRequireCalendar(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCmd(t, "", "--config", cfgPath, "list")
	var ews *utils.ErrorWithSuggestion
	if !errors.As(err, &ews) {
		t.Fatalf("Expected an error with suggestion, got %v", err)
	}
}

func TestAddListDelete(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCmd(t, "", "--config", cfgPath, "-c", "work",
		"add", "Lunch", "with", "Sam", "--date", "2026-03-02", "--start", "12:00", "--end", "13:00", "--no-sync")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	id := addedID(t, out)

	entries := listJSON(t, cfgPath)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != id || e.Title != "Lunch with Sam" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	if e.StartDate != "2026-03-02" || e.EndDate != "2026-03-02" || e.StartTime != "12:00" {
		t.Errorf("Unexpected dates: %s %s %s", e.StartDate, e.EndDate, e.StartTime)
	}
	if e.SyncStatus != backend.StatusPending || e.PendingOperation != backend.OpCreate {
		t.Errorf("Expected pending create, got %s/%s", e.SyncStatus, e.PendingOperation)
	}

	out, err = runCmd(t, "", "--config", cfgPath, "-c", "work", "sync", "queue")
	if err != nil {
		t.Fatalf("sync queue failed: %v", err)
	}
	if !strings.Contains(out, "create") || !strings.Contains(out, "Lunch with Sam") {
		t.Errorf("Expected queued create in output:\n%s", out)
	}

	out, err = runCmd(t, "", "--config", cfgPath, "-c", "work", "delete", id[:6], "--no-sync")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !strings.Contains(out, "Deleted "+id) {
		t.Errorf("Unexpected delete output: %q", out)
	}

	out, err = runCmd(t, "", "--config", cfgPath, "-c", "work", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No entries") {
		t.Errorf("Expected deleted entry to be hidden:\n%s", out)
	}
}

func TestEditMovesSingleDayEntry(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCmd(t, "", "--config", cfgPath, "-c", "work",
		"add", "Dentist", "--date", "2026-03-02", "--no-sync")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	id := addedID(t, out)

	_, err = runCmd(t, "", "--config", cfgPath, "-c", "work",
		"edit", id, "--date", "2026-03-05", "--location", "Main St", "--no-sync")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	entries := listJSON(t, cfgPath)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.StartDate != "2026-03-05" || e.EndDate != "2026-03-05" {
		t.Errorf("Expected entry moved to 2026-03-05, got %s..%s", e.StartDate, e.EndDate)
	}
	if e.Title != "Dentist" || e.Location != "Main St" {
		t.Errorf("Unexpected content: %+v", e.EntryPayload)
	}
	if e.MultiDay {
		t.Error("Expected single-day entry")
	}
}

func TestEditUnknownEntry(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCmd(t, "", "--config", cfgPath, "-c", "work", "edit", "nope", "--title", "x")
	var ews *utils.ErrorWithSuggestion
	if !errors.As(err, &ews) {
		t.Fatalf("Expected entry-not-found error, got %v", err)
	}
}

func TestQueueClearAsks(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := runCmd(t, "", "--config", cfgPath, "-c", "work", "add", "Gym", "--no-sync"); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	out, err := runCmd(t, "n\n", "--config", cfgPath, "-c", "work", "sync", "queue", "clear")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !strings.Contains(out, "Cancelled") {
		t.Errorf("Expected cancellation, got %q", out)
	}

	out, err = runCmd(t, "y\n", "--config", cfgPath, "-c", "work", "sync", "queue", "clear")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !strings.Contains(out, "Discarded 1 queued changes") {
		t.Errorf("Unexpected clear output: %q", out)
	}

	entries := listJSON(t, cfgPath)
	if len(entries) != 1 || entries[0].SyncStatus != backend.StatusConflict {
		t.Errorf("Expected the entry to remain as a conflict, got %+v", entries)
	}
}

func TestSyncStatusOffline(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCmd(t, "", "--config", cfgPath, "-c", "work", "sync", "status", "-o", "json")
	if err != nil {
		t.Fatalf("sync status failed: %v", err)
	}
	var st map[string]interface{}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if st["online"] != false {
		t.Errorf("Expected offline status, got %v", st["online"])
	}
	if st["calendarId"] != "work" {
		t.Errorf("Expected calendarId work, got %v", st["calendarId"])
	}
}

func TestAuthLoginStatusLogout(t *testing.T) {
	cfgPath := writeTestConfig(t)
	t.Setenv("GOCALSYNC_SERVER_TOKEN", "")

	out, err := runCmd(t, "", "--config", cfgPath, "auth", "status")
	if err != nil {
		t.Fatalf("auth status failed: %v", err)
	}
	if !strings.Contains(out, "No token for 127.0.0.1:1") {
		t.Errorf("Unexpected status output: %q", out)
	}

	out, err = runCmd(t, "s3cret\n", "--config", cfgPath, "auth", "login")
	if err != nil {
		t.Fatalf("auth login failed: %v", err)
	}
	if !strings.Contains(out, "Stored token for 127.0.0.1:1") {
		t.Errorf("Unexpected login output: %q", out)
	}

	out, err = runCmd(t, "", "--config", cfgPath, "auth", "status")
	if err != nil {
		t.Fatalf("auth status failed: %v", err)
	}
	if !strings.Contains(out, "from keyring") {
		t.Errorf("Expected keyring source, got %q", out)
	}

	if _, err := runCmd(t, "", "--config", cfgPath, "auth", "logout"); err != nil {
		t.Fatalf("auth logout failed: %v", err)
	}
	if _, err := runCmd(t, "", "--config", cfgPath, "auth", "logout"); err == nil {
		t.Error("Expected second logout to fail")
	}
}

func TestDBStats(t *testing.T) {
	cfgPath := writeTestConfig(t)

	for _, cal := range []string{"work", "home"} {
		if _, err := runCmd(t, "", "--config", cfgPath, "-c", cal, "add", "Plan", "--no-sync"); err != nil {
			t.Fatalf("add to %s failed: %v", cal, err)
		}
	}

	out, err := runCmd(t, "", "--config", cfgPath, "db", "stats", "-o", "json")
	if err != nil {
		t.Fatalf("db stats failed: %v", err)
	}
	var stats []struct {
		CalendarID string `json:"calendarId"`
		Entries    int    `json:"entries"`
		Operations int    `json:"operations"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if len(stats) != 2 || stats[0].CalendarID != "home" || stats[1].CalendarID != "work" {
		t.Fatalf("Unexpected stats: %+v", stats)
	}
	for _, s := range stats {
		if s.Entries != 1 || s.Operations != 1 {
			t.Errorf("Expected 1 entry and 1 operation for %s, got %+v", s.CalendarID, s)
		}
	}

	if _, err := runCmd(t, "", "--config", cfgPath, "db", "vacuum"); err != nil {
		t.Fatalf("db vacuum failed: %v", err)
	}
}
