// Package patch tracks file mutations made by tool calls and turns them into
// reversible patch sets. Snapshots are content-addressed so patch sets that
// touch the same file version share one snapshot on disk.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"brewva/internal/logging"
	"brewva/internal/observability"
	"brewva/internal/utils/id"
)

// Action classifies one file change inside a patch set.
type Action string

const (
	ActionAdd    Action = "add"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// MaxHistory bounds the retained patch sets per session.
const MaxHistory = 64

// Change records one file transition.
type Change struct {
	Path               string `json:"path"`
	Action             Action `json:"action"`
	BeforeHash         string `json:"beforeHash,omitempty"`
	AfterHash          string `json:"afterHash,omitempty"`
	BeforeSnapshotPath string `json:"beforeSnapshotPath,omitempty"`
}

// Set is a commit-like record of the file changes one tool invocation made.
type Set struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	AppliedAt time.Time `json:"appliedAt"`
	Summary   string    `json:"summary"`
	Changes   []Change  `json:"changes"`
}

// RollbackResult reports the outcome of a rollback attempt.
type RollbackResult struct {
	OK          bool
	PatchSetID  string
	Reason      string
	FailedPaths []string
	Restored    []string
}

type historyFile struct {
	Version   int       `json:"version"`
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
	PatchSets []Set     `json:"patchSets"`
}

type trackedFile struct {
	relPath      string
	absPath      string
	existed      bool
	beforeHash   string
	snapshotPath string
}

type capture struct {
	sessionID  string
	toolCallID string
	toolName   string
	files      []trackedFile
}

var pathKeyPattern = regexp.MustCompile(`(?i)(path|file)`)

// defaultMutatingTools is the baseline classification; the skill policy can
// extend it.
var defaultMutatingTools = map[string]bool{
	"edit":       true,
	"write":      true,
	"multi_edit": true,
	"file_write": true,
	"file_edit":  true,
}

// Tracker captures before/after file state around mutating tool calls.
type Tracker struct {
	workspace string
	baseDir   string
	logger    logging.Logger
	metrics   *observability.RuntimeMetrics

	mu       sync.Mutex
	pending  map[string]*capture // sessionID \x00 toolCallID
	history  map[string][]Set
	mutating map[string]bool
}

// TrackerOption configures the tracker.
type TrackerOption func(*Tracker)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logging.OrNop(logger) }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(metrics *observability.RuntimeMetrics) TrackerOption {
	return func(t *Tracker) {
		if metrics != nil {
			t.metrics = metrics
		}
	}
}

// WithMutatingTools extends the mutating-tool classification.
func WithMutatingTools(names ...string) TrackerOption {
	return func(t *Tracker) {
		for _, name := range names {
			t.mutating[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}
}

// NewTracker creates a tracker for one workspace. Snapshots and history live
// under baseDir/snapshots/<session>/.
func NewTracker(workspace, baseDir string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		workspace: filepath.Clean(workspace),
		baseDir:   baseDir,
		logger:    logging.NewComponentLogger("FileChangeTracker"),
		metrics:   observability.NewRuntimeMetrics(),
		pending:   make(map[string]*capture),
		history:   make(map[string][]Set),
		mutating:  make(map[string]bool, len(defaultMutatingTools)),
	}
	for name := range defaultMutatingTools {
		t.mutating[name] = true
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// IsMutating reports whether the tracker snapshots calls of this tool.
func (t *Tracker) IsMutating(toolName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutating[strings.ToLower(strings.TrimSpace(toolName))]
}

func captureKey(sessionID, toolCallID string) string {
	return sessionID + "\x00" + toolCallID
}

// CaptureBeforeToolCall walks args for path-like values, snapshots the
// current content of each file inside the workspace, and parks the capture
// until CompleteToolCall. Non-mutating tools are ignored.
func (t *Tracker) CaptureBeforeToolCall(sessionID, toolCallID, toolName string, args map[string]any) error {
	if !t.IsMutating(toolName) {
		return nil
	}

	candidates := collectPathCandidates(args)
	cap := &capture{sessionID: sessionID, toolCallID: toolCallID, toolName: toolName}

	for _, candidate := range candidates {
		relPath, absPath, ok := t.resolveInWorkspace(candidate)
		if !ok {
			t.logger.Warn("Rejecting path outside workspace: %q", candidate)
			continue
		}
		tracked := trackedFile{relPath: relPath, absPath: absPath}
		data, err := os.ReadFile(absPath)
		switch {
		case err == nil:
			tracked.existed = true
			tracked.beforeHash = hashBytes(data)
			snapPath, err := t.writeSnapshot(sessionID, relPath, tracked.beforeHash, data)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", relPath, err)
			}
			tracked.snapshotPath = snapPath
		case errors.Is(err, fs.ErrNotExist):
			// File does not exist yet; an add will be recorded if the tool creates it.
		default:
			return fmt.Errorf("read %s: %w", relPath, err)
		}
		cap.files = append(cap.files, tracked)
	}

	t.mu.Lock()
	t.pending[captureKey(sessionID, toolCallID)] = cap
	t.mu.Unlock()
	return nil
}

// resolveInWorkspace resolves candidate against the workspace root and
// rejects anything that escapes it.
func (t *Tracker) resolveInWorkspace(candidate string) (relPath, absPath string, ok bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", "", false
	}
	if filepath.IsAbs(candidate) {
		absPath = filepath.Clean(candidate)
	} else {
		absPath = filepath.Clean(filepath.Join(t.workspace, candidate))
	}
	rel, err := filepath.Rel(t.workspace, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", false
	}
	return rel, absPath, true
}

// collectPathCandidates walks nested maps and slices collecting string values
// whose key mentions path or file.
func collectPathCandidates(args map[string]any) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(key string, value any)
	walk = func(key string, value any) {
		switch v := value.(type) {
		case string:
			if pathKeyPattern.MatchString(key) {
				if _, dup := seen[v]; !dup && v != "" {
					seen[v] = struct{}{}
					out = append(out, v)
				}
			}
		case map[string]any:
			for k, nested := range v {
				walk(k, nested)
			}
		case []any:
			for _, nested := range v {
				walk(key, nested)
			}
		}
	}
	for k, v := range args {
		walk(k, v)
	}
	sort.Strings(out)
	return out
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// snapshotName derives the content-addressed snapshot filename.
func snapshotName(relPath, contentHash string) string {
	sum := sha256.Sum256([]byte(relPath + ":" + contentHash))
	return hex.EncodeToString(sum[:]) + ".snap"
}

func (t *Tracker) sessionSnapshotDir(sessionID string) string {
	return filepath.Join(t.baseDir, "snapshots", sessionID)
}

func (t *Tracker) writeSnapshot(sessionID, relPath, contentHash string, data []byte) (string, error) {
	dir := t.sessionSnapshotDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, snapshotName(relPath, contentHash))
	if _, err := os.Stat(path); err == nil {
		return path, nil // shared snapshot already exists
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// CompleteToolCall classifies each tracked file as add/modify/delete/unchanged
// and, when the tool succeeded and something changed, records a patch set.
// Returns the recorded set and true when one was produced.
func (t *Tracker) CompleteToolCall(sessionID, toolCallID string, success bool) (Set, bool, error) {
	t.mu.Lock()
	cap, ok := t.pending[captureKey(sessionID, toolCallID)]
	delete(t.pending, captureKey(sessionID, toolCallID))
	t.mu.Unlock()
	if !ok || !success {
		return Set{}, false, nil
	}

	var changes []Change
	var summaryParts []string
	for _, f := range cap.files {
		data, err := os.ReadFile(f.absPath)
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Set{}, false, fmt.Errorf("read %s: %w", f.relPath, err)
		}
		switch {
		case !f.existed && exists:
			changes = append(changes, Change{
				Path:      f.relPath,
				Action:    ActionAdd,
				AfterHash: hashBytes(data),
			})
			summaryParts = append(summaryParts, fmt.Sprintf("A %s", f.relPath))
		case f.existed && !exists:
			changes = append(changes, Change{
				Path:               f.relPath,
				Action:             ActionDelete,
				BeforeHash:         f.beforeHash,
				BeforeSnapshotPath: f.snapshotPath,
			})
			summaryParts = append(summaryParts, fmt.Sprintf("D %s", f.relPath))
		case f.existed && exists:
			afterHash := hashBytes(data)
			if afterHash == f.beforeHash {
				continue // unchanged
			}
			changes = append(changes, Change{
				Path:               f.relPath,
				Action:             ActionModify,
				BeforeHash:         f.beforeHash,
				AfterHash:          afterHash,
				BeforeSnapshotPath: f.snapshotPath,
			})
			before, _ := os.ReadFile(f.snapshotPath)
			added, deleted := diffLineStats(string(before), string(data))
			summaryParts = append(summaryParts, fmt.Sprintf("M %s (+%d -%d)", f.relPath, added, deleted))
		}
	}
	if len(changes) == 0 {
		return Set{}, false, nil
	}

	now := time.Now()
	set := Set{
		ID:        id.NewPatchSetID(),
		CreatedAt: now,
		AppliedAt: now,
		Summary:   fmt.Sprintf("%s: %s", cap.toolName, strings.Join(summaryParts, ", ")),
		Changes:   changes,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureHistoryLoadedLocked(sessionID); err != nil {
		return Set{}, false, err
	}
	t.history[sessionID] = append(t.history[sessionID], set)
	if len(t.history[sessionID]) > MaxHistory {
		t.history[sessionID] = t.history[sessionID][len(t.history[sessionID])-MaxHistory:]
	}
	if err := t.persistHistoryLocked(sessionID); err != nil {
		return Set{}, false, err
	}
	t.gcSnapshotsLocked(sessionID)
	return set, true, nil
}

// History returns the session's patch sets, oldest first.
func (t *Tracker) History(sessionID string) ([]Set, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureHistoryLoadedLocked(sessionID); err != nil {
		return nil, err
	}
	return append([]Set(nil), t.history[sessionID]...), nil
}

// RollbackLast restores the file state recorded before the most recent patch
// set, applying changes in reverse order. On any failure the history entry is
// retained so the caller may retry.
func (t *Tracker) RollbackLast(sessionID string) RollbackResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureHistoryLoadedLocked(sessionID); err != nil {
		return RollbackResult{Reason: fmt.Sprintf("load history: %v", err)}
	}
	history := t.history[sessionID]
	if len(history) == 0 {
		return RollbackResult{Reason: "no_history"}
	}
	last := history[len(history)-1]

	result := RollbackResult{PatchSetID: last.ID}
	for i := len(last.Changes) - 1; i >= 0; i-- {
		change := last.Changes[i]
		absPath := filepath.Join(t.workspace, change.Path)
		switch change.Action {
		case ActionAdd:
			if err := os.Remove(absPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				result.FailedPaths = append(result.FailedPaths, change.Path)
				continue
			}
			result.Restored = append(result.Restored, change.Path)
		case ActionModify, ActionDelete:
			data, err := os.ReadFile(change.BeforeSnapshotPath)
			if err != nil {
				result.FailedPaths = append(result.FailedPaths, change.Path)
				continue
			}
			if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
				result.FailedPaths = append(result.FailedPaths, change.Path)
				continue
			}
			if err := os.WriteFile(absPath, data, 0o644); err != nil {
				result.FailedPaths = append(result.FailedPaths, change.Path)
				continue
			}
			result.Restored = append(result.Restored, change.Path)
		}
	}

	if len(result.FailedPaths) > 0 {
		result.Reason = "restore_failed"
		t.metrics.RecordRollback("failed")
		return result
	}

	t.history[sessionID] = history[:len(history)-1]
	if err := t.persistHistoryLocked(sessionID); err != nil {
		t.logger.Error("Persist history after rollback failed: %v", err)
	}
	t.gcSnapshotsLocked(sessionID)
	t.metrics.RecordRollback("ok")
	result.OK = true
	return result
}

// ImportSessionHistory copies distinct patch sets and their snapshots from
// one session into another, preserving applied order, then trims to
// MaxHistory.
func (t *Tracker) ImportSessionHistory(fromSession, toSession string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureHistoryLoadedLocked(fromSession); err != nil {
		return err
	}
	if err := t.ensureHistoryLoadedLocked(toSession); err != nil {
		return err
	}

	existing := make(map[string]struct{}, len(t.history[toSession]))
	for _, set := range t.history[toSession] {
		existing[set.ID] = struct{}{}
	}

	merged := append([]Set(nil), t.history[toSession]...)
	for _, set := range t.history[fromSession] {
		if _, dup := existing[set.ID]; dup {
			continue
		}
		copied := set
		copied.Changes = append([]Change(nil), set.Changes...)
		for i, change := range copied.Changes {
			if change.BeforeSnapshotPath == "" {
				continue
			}
			data, err := os.ReadFile(change.BeforeSnapshotPath)
			if err != nil {
				return fmt.Errorf("import snapshot %s: %w", change.BeforeSnapshotPath, err)
			}
			newPath, err := t.writeSnapshot(toSession, change.Path, change.BeforeHash, data)
			if err != nil {
				return err
			}
			copied.Changes[i].BeforeSnapshotPath = newPath
		}
		merged = append(merged, copied)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].AppliedAt.Before(merged[j].AppliedAt)
	})
	if len(merged) > MaxHistory {
		merged = merged[len(merged)-MaxHistory:]
	}
	t.history[toSession] = merged
	if err := t.persistHistoryLocked(toSession); err != nil {
		return err
	}
	t.gcSnapshotsLocked(toSession)
	return nil
}

// ClearSessionCache drops in-memory history for a session; disk is untouched.
func (t *Tracker) ClearSessionCache(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, sessionID)
	for key := range t.pending {
		if strings.HasPrefix(key, sessionID+"\x00") {
			delete(t.pending, key)
		}
	}
}

func (t *Tracker) historyPath(sessionID string) string {
	return filepath.Join(t.sessionSnapshotDir(sessionID), "patchsets.json")
}

func (t *Tracker) ensureHistoryLoadedLocked(sessionID string) error {
	if _, ok := t.history[sessionID]; ok {
		return nil
	}
	data, err := os.ReadFile(t.historyPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.history[sessionID] = nil
			return nil
		}
		return err
	}
	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.logger.Warn("Corrupt patch history for session %s, starting fresh: %v", sessionID, err)
		t.history[sessionID] = nil
		return nil
	}
	t.history[sessionID] = file.PatchSets
	return nil
}

// persistHistoryLocked rewrites the whole per-session history file.
func (t *Tracker) persistHistoryLocked(sessionID string) error {
	dir := t.sessionSnapshotDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file := historyFile{
		Version:   1,
		SessionID: sessionID,
		UpdatedAt: time.Now(),
		PatchSets: t.history[sessionID],
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode patch history: %w", err)
	}
	return os.WriteFile(t.historyPath(sessionID), data, 0o644)
}

// gcSnapshotsLocked removes snapshot files no retained patch set references.
func (t *Tracker) gcSnapshotsLocked(sessionID string) {
	referenced := make(map[string]struct{})
	for _, set := range t.history[sessionID] {
		for _, change := range set.Changes {
			if change.BeforeSnapshotPath != "" {
				referenced[filepath.Base(change.BeforeSnapshotPath)] = struct{}{}
			}
		}
	}
	dir := t.sessionSnapshotDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".snap") {
			continue
		}
		if _, used := referenced[name]; used {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			t.logger.Warn("Snapshot GC failed for %s: %v", name, err)
		}
	}
}
