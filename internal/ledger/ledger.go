// Package ledger persists hash-chained evidence rows, one per tool
// invocation. The chain makes post-hoc tampering with recorded evidence
// detectable; a broken chain is reported and appends re-anchor at the last
// valid row rather than failing the session.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brewva/internal/logging"
	"brewva/internal/utils/id"
)

// Row is one evidence record.
type Row struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Turn          int       `json:"turn"`
	Tool          string    `json:"tool"`
	ArgsSummary   string    `json:"argsSummary"`
	OutputHash    string    `json:"outputHash"`
	OutputSummary string    `json:"outputSummary"`
	Verdict       string    `json:"verdict"`
	Skill         string    `json:"skill,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	PrevHash      string    `json:"prevHash"`
	Hash          string    `json:"hash"`
}

// Query narrows a lookup. Zero values match everything.
type Query struct {
	Tool    string
	File    string
	Skill   string
	Verdict string
	LastN   int
}

// ChainReport describes the outcome of verifying a session's chain.
type ChainReport struct {
	Rows       int
	Valid      bool
	BrokenAt   int // index of the first broken row, -1 when valid
	LastHash   string
	NewChainAt int // index where a fresh chain was re-anchored, -1 when none
}

// Ledger appends and queries evidence rows. Rows for all sessions share one
// file; per-session chains are independent.
type Ledger struct {
	path   string
	logger logging.Logger

	mu       sync.Mutex
	lastHash map[string]string // session -> hash of last valid row
	loaded   bool
	cache    []Row
}

// New creates a ledger rooted at baseDir (rows live in ledger/evidence.jsonl).
func New(baseDir string, logger logging.Logger) *Ledger {
	return &Ledger{
		path:     filepath.Join(baseDir, "ledger", "evidence.jsonl"),
		logger:   logging.OrNop(logger),
		lastHash: make(map[string]string),
	}
}

// rowDigest hashes prevHash plus the canonical encoding of the row with its
// Hash field cleared. Canonical means encoding/json with struct field order,
// which is stable for a fixed struct definition.
func rowDigest(row Row) string {
	row.Hash = ""
	canonical, _ := json.Marshal(row)
	sum := sha256.Sum256(append([]byte(row.PrevHash), canonical...))
	return hex.EncodeToString(sum[:])
}

// Append records an evidence row at the end of the session's chain.
func (l *Ledger) Append(row Row) (Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoadedLocked(); err != nil {
		return Row{}, err
	}

	if row.ID == "" {
		row.ID = id.NewEvidenceID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.PrevHash = l.lastHash[row.SessionID]
	row.Hash = rowDigest(row)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return Row{}, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return Row{}, fmt.Errorf("encode evidence row: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Row{}, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Row{}, err
	}

	l.lastHash[row.SessionID] = row.Hash
	l.cache = append(l.cache, row)
	return row, nil
}

// ensureLoadedLocked reads the file once per process and verifies chains.
func (l *Ledger) ensureLoadedLocked() error {
	if l.loaded {
		return nil
	}
	rows, err := l.readAll()
	if err != nil {
		return err
	}
	l.cache = rows
	perSession := make(map[string][]int)
	for i, row := range rows {
		perSession[row.SessionID] = append(perSession[row.SessionID], i)
	}
	for sessionID, indices := range perSession {
		report := verifyIndices(rows, indices)
		if !report.Valid {
			l.logger.Warn("Evidence chain broken for session %s at row %d; re-anchoring", sessionID, report.BrokenAt)
		}
		l.lastHash[sessionID] = report.LastHash
	}
	l.loaded = true
	return nil
}

func (l *Ledger) readAll() ([]Row, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			l.logger.Warn("Skipping corrupt evidence row: %v", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

// verifyIndices walks one session's rows in order. Broken rows never become
// anchors: the chain re-anchors on the last row that verified, so the next
// append links from the last trustworthy hash.
func verifyIndices(rows []Row, indices []int) ChainReport {
	report := ChainReport{Valid: true, BrokenAt: -1, NewChainAt: -1}
	prev := ""
	for _, i := range indices {
		row := rows[i]
		report.Rows++
		if row.Hash != rowDigest(row) || row.PrevHash != prev {
			if report.Valid {
				report.Valid = false
				report.BrokenAt = i
			}
			report.NewChainAt = i
			continue
		}
		prev = row.Hash
		report.LastHash = row.Hash
	}
	return report
}

// VerifyChain re-checks one session's chain.
func (l *Ledger) VerifyChain(sessionID string) (ChainReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoadedLocked(); err != nil {
		return ChainReport{}, err
	}
	var indices []int
	for i, row := range l.cache {
		if row.SessionID == sessionID {
			indices = append(indices, i)
		}
	}
	return verifyIndices(l.cache, indices), nil
}

// Rows returns the session's rows matching the query, in append order.
func (l *Ledger) Rows(sessionID string, q Query) ([]Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range l.cache {
		if row.SessionID != sessionID {
			continue
		}
		if q.Tool != "" && row.Tool != q.Tool {
			continue
		}
		if q.Skill != "" && row.Skill != q.Skill {
			continue
		}
		if q.Verdict != "" && row.Verdict != q.Verdict {
			continue
		}
		if q.File != "" && !strings.Contains(row.ArgsSummary, q.File) {
			continue
		}
		out = append(out, row)
	}
	if q.LastN > 0 && len(out) > q.LastN {
		out = out[len(out)-q.LastN:]
	}
	return out, nil
}

// ClearSessionCache drops the chain pointer for a session. The file is
// untouched; the next append reloads it.
func (l *Ledger) ClearSessionCache(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastHash, sessionID)
	// Force a reload on next use so the cache reflects only the file.
	l.loaded = false
	l.cache = nil
}

// SummarizeOutput hashes and truncates tool output for evidence rows.
func SummarizeOutput(output string) (hash, summary string) {
	sum := sha256.Sum256([]byte(output))
	hash = hex.EncodeToString(sum[:])
	const maxSummary = 400
	trimmed := strings.TrimSpace(output)
	if len(trimmed) > maxSummary {
		trimmed = trimmed[:maxSummary] + "... (truncated)"
	}
	return hash, trimmed
}
