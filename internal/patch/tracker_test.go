package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"brewva/internal/logging"
	"brewva/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	workspace := t.TempDir()
	tracker := NewTracker(workspace, t.TempDir(),
		WithLogger(logging.Nop()),
		WithMetrics(observability.NewRuntimeMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	return tracker, workspace
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRollbackAddDeletesFile(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "src", "new.ts")

	args := map[string]any{"file_path": "src/new.ts", "content": "export {}"}
	if err := tracker.CaptureBeforeToolCall("s", "call-1", "write", args); err != nil {
		t.Fatalf("capture: %v", err)
	}
	writeFile(t, target, "export {}")

	set, recorded, err := tracker.CompleteToolCall("s", "call-1", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !recorded || len(set.Changes) != 1 || set.Changes[0].Action != ActionAdd {
		t.Fatalf("expected one add change, got %+v", set)
	}

	result := tracker.RollbackLast("s")
	if !result.OK {
		t.Fatalf("rollback failed: %+v", result)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be deleted after rollback", target)
	}
}

func TestRollbackModifyRestoresContent(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "main.go")
	writeFile(t, target, "package main\n\nfunc main() {}\n")

	args := map[string]any{"path": "main.go"}
	if err := tracker.CaptureBeforeToolCall("s", "call-1", "edit", args); err != nil {
		t.Fatalf("capture: %v", err)
	}
	writeFile(t, target, "package main\n\nfunc main() { println(1) }\n")

	set, recorded, err := tracker.CompleteToolCall("s", "call-1", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !recorded || set.Changes[0].Action != ActionModify {
		t.Fatalf("expected modify change, got %+v", set)
	}
	if !strings.Contains(set.Summary, "+1 -1") {
		t.Fatalf("expected line stats in summary, got %q", set.Summary)
	}

	result := tracker.RollbackLast("s")
	if !result.OK {
		t.Fatalf("rollback failed: %+v", result)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(data) != "package main\n\nfunc main() {}\n" {
		t.Fatalf("restored content mismatch: %q", data)
	}
}

func TestRollbackDeleteRestoresFile(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "old.txt")
	writeFile(t, target, "keep me")

	if err := tracker.CaptureBeforeToolCall("s", "call-1", "write", map[string]any{"file": "old.txt"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, recorded, err := tracker.CompleteToolCall("s", "call-1", true)
	if err != nil || !recorded {
		t.Fatalf("complete: recorded=%v err=%v", recorded, err)
	}

	result := tracker.RollbackLast("s")
	if !result.OK {
		t.Fatalf("rollback failed: %+v", result)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(data) != "keep me" {
		t.Fatalf("restored content mismatch: %q", data)
	}
}

func TestRollbackMissingSnapshotFailsAndRetainsHistory(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "a.txt")
	writeFile(t, target, "v1")

	_ = tracker.CaptureBeforeToolCall("s", "c1", "edit", map[string]any{"path": "a.txt"})
	writeFile(t, target, "v2")
	set, _, err := tracker.CompleteToolCall("s", "c1", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := os.Remove(set.Changes[0].BeforeSnapshotPath); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	result := tracker.RollbackLast("s")
	if result.OK || result.Reason != "restore_failed" {
		t.Fatalf("expected restore_failed, got %+v", result)
	}
	if len(result.FailedPaths) != 1 || result.FailedPaths[0] != "a.txt" {
		t.Fatalf("expected failed path a.txt, got %v", result.FailedPaths)
	}

	history, err := tracker.History("s")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history entry must be retained after failed rollback, got %d", len(history))
	}
}

func TestFailedToolCallProducesNoPatchSet(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "a.txt")
	writeFile(t, target, "v1")

	_ = tracker.CaptureBeforeToolCall("s", "c1", "edit", map[string]any{"path": "a.txt"})
	writeFile(t, target, "v2")
	_, recorded, err := tracker.CompleteToolCall("s", "c1", false)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if recorded {
		t.Fatalf("failed tool call must not produce a patch set")
	}
}

func TestPathsOutsideWorkspaceRejected(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker(t)
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.txt")
	writeFile(t, victim, "untouchable")

	args := map[string]any{
		"file_path": victim,
		"other":     map[string]any{"path": "../escape.txt"},
	}
	if err := tracker.CaptureBeforeToolCall("s", "c1", "write", args); err != nil {
		t.Fatalf("capture: %v", err)
	}
	_, recorded, err := tracker.CompleteToolCall("s", "c1", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if recorded {
		t.Fatalf("paths outside the workspace must not be tracked")
	}
}

func TestNestedArgsCollected(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	writeFile(t, filepath.Join(workspace, "a.txt"), "a")
	writeFile(t, filepath.Join(workspace, "b.txt"), "b")

	args := map[string]any{
		"edits": []any{
			map[string]any{"file_path": "a.txt", "new": "x"},
			map[string]any{"file_path": "b.txt", "new": "y"},
		},
	}
	_ = tracker.CaptureBeforeToolCall("s", "c1", "multi_edit", args)
	writeFile(t, filepath.Join(workspace, "a.txt"), "x")
	writeFile(t, filepath.Join(workspace, "b.txt"), "y")

	set, recorded, err := tracker.CompleteToolCall("s", "c1", true)
	if err != nil || !recorded {
		t.Fatalf("complete: recorded=%v err=%v", recorded, err)
	}
	if len(set.Changes) != 2 {
		t.Fatalf("expected both nested paths tracked, got %+v", set.Changes)
	}
}

func TestHistoryCapAtMaxHistory(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "f.txt")
	writeFile(t, target, "v0")

	for i := 0; i < MaxHistory+5; i++ {
		callID := filepath.Join("c", string(rune('a'+i%26))) + string(rune('0'+i%10))
		_ = tracker.CaptureBeforeToolCall("s", callID, "edit", map[string]any{"path": "f.txt"})
		writeFile(t, target, strings.Repeat("x", i+1))
		if _, _, err := tracker.CompleteToolCall("s", callID, true); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	history, err := tracker.History("s")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != MaxHistory {
		t.Fatalf("expected history capped at %d, got %d", MaxHistory, len(history))
	}
}

func TestImportSessionHistory(t *testing.T) {
	t.Parallel()

	tracker, workspace := newTestTracker(t)
	target := filepath.Join(workspace, "f.txt")
	writeFile(t, target, "v1")

	_ = tracker.CaptureBeforeToolCall("from", "c1", "edit", map[string]any{"path": "f.txt"})
	writeFile(t, target, "v2")
	if _, _, err := tracker.CompleteToolCall("from", "c1", true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := tracker.ImportSessionHistory("from", "to"); err != nil {
		t.Fatalf("import: %v", err)
	}
	history, err := tracker.History("to")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected imported patch set, got %d", len(history))
	}
	snapshot := history[0].Changes[0].BeforeSnapshotPath
	if !strings.Contains(snapshot, filepath.Join("snapshots", "to")) {
		t.Fatalf("snapshot must be copied into the target session dir, got %s", snapshot)
	}
	if _, err := os.Stat(snapshot); err != nil {
		t.Fatalf("copied snapshot missing: %v", err)
	}

	// Importing again is a no-op (distinct ids only).
	if err := tracker.ImportSessionHistory("from", "to"); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	history, _ = tracker.History("to")
	if len(history) != 1 {
		t.Fatalf("duplicate import must be ignored, got %d", len(history))
	}
}

func TestHistoryPersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	stateDir := t.TempDir()
	reg := prometheus.NewRegistry()
	tracker := NewTracker(workspace, stateDir,
		WithLogger(logging.Nop()),
		WithMetrics(observability.NewRuntimeMetricsWithRegisterer(reg)),
	)

	target := filepath.Join(workspace, "f.txt")
	writeFile(t, target, "v1")
	_ = tracker.CaptureBeforeToolCall("s", "c1", "edit", map[string]any{"path": "f.txt"})
	writeFile(t, target, "v2")
	if _, _, err := tracker.CompleteToolCall("s", "c1", true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	fresh := NewTracker(workspace, stateDir,
		WithLogger(logging.Nop()),
		WithMetrics(observability.NewRuntimeMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	result := fresh.RollbackLast("s")
	if !result.OK {
		t.Fatalf("rollback from persisted history failed: %+v", result)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "v1" {
		t.Fatalf("restored content mismatch: %q", data)
	}
}
