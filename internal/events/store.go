package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"brewva/internal/logging"
	"brewva/internal/observability"
)

// Store is the append-only per-session event log. One JSON-lines file per
// session under <baseDir>/events/. Appends hold a per-session lock; readers
// get a consistent snapshot (on-disk contents plus the in-memory tail of
// events whose persistence is still pending).
type Store struct {
	baseDir string
	logger  logging.Logger
	metrics *observability.RuntimeMetrics

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu      sync.Mutex
	path    string
	pending []Event // observed in memory but not yet flushed to disk
	count   int     // appended events observed this process (persisted or pending)
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logging.OrNop(logger)
	}
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(metrics *observability.RuntimeMetrics) StoreOption {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewStore creates an event store rooted at baseDir.
func NewStore(baseDir string, opts ...StoreOption) *Store {
	s := &Store{
		baseDir:  baseDir,
		logger:   logging.NewComponentLogger("EventStore"),
		metrics:  observability.NewRuntimeMetrics(),
		sessions: make(map[string]*sessionLog),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) sessionLog(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.sessions[sessionID]
	if !ok {
		log = &sessionLog{
			path: filepath.Join(s.baseDir, "events", sanitizeSessionID(sessionID)+".jsonl"),
		}
		s.sessions[sessionID] = log
	}
	return log
}

// Append records the event at the end of its session's log. On I/O failure
// the event stays observable in memory, a persistence_error event is queued
// behind it, and both are flushed on the next successful append. Events are
// never silently lost.
func (s *Store) Append(ctx context.Context, event Event) error {
	if event.SessionID == "" {
		return fmt.Errorf("event missing session id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log := s.sessionLog(event.SessionID)
	log.mu.Lock()
	defer log.mu.Unlock()

	log.count++
	s.metrics.RecordEventAppended()

	// Flush any backlog first so on-disk order matches observation order.
	if len(log.pending) > 0 {
		if err := s.flushLocked(log); err != nil {
			log.pending = append(log.pending, event)
			return nil
		}
	}

	if err := s.writeLine(log.path, event); err != nil {
		s.metrics.RecordPersistenceError()
		s.logger.Error("Event append failed for session %s: %v", event.SessionID, err)
		log.pending = append(log.pending, event)
		log.pending = append(log.pending, New(event.SessionID, TypePersistenceError, event.Turn, map[string]any{
			"failedEventId": event.ID,
			"error":         err.Error(),
		}))
		return nil
	}
	return nil
}

// PendingCount reports how many events await a successful flush (tests and
// shutdown drain).
func (s *Store) PendingCount(sessionID string) int {
	log := s.sessionLog(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	return len(log.pending)
}

// Flush retries persistence of any pending events for the session.
func (s *Store) Flush(sessionID string) error {
	log := s.sessionLog(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	return s.flushLocked(log)
}

func (s *Store) flushLocked(log *sessionLog) error {
	for len(log.pending) > 0 {
		if err := s.writeLine(log.path, log.pending[0]); err != nil {
			return err
		}
		log.pending = log.pending[1:]
	}
	return nil
}

func (s *Store) writeLine(path string, event Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// List returns the session's events in insertion order, filtered. The result
// is a snapshot: the on-disk file plus the current in-memory tail.
func (s *Store) List(ctx context.Context, sessionID string, filter Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := s.sessionLog(sessionID)
	log.mu.Lock()
	path := log.path
	tail := append([]Event(nil), log.pending...)
	log.mu.Unlock()

	all, err := readEventFile(path, s.logger)
	if err != nil {
		return nil, err
	}
	all = append(all, tail...)

	filtered := all[:0:0]
	for _, e := range all {
		if filter.Matches(e) {
			filtered = append(filtered, e)
		}
	}
	if filter.LastN > 0 && len(filtered) > filter.LastN {
		filtered = filtered[len(filtered)-filter.LastN:]
	}
	return filtered, nil
}

/// readEventFile tolerates a truncated or corrupt trailing line: valid prefix
// events are returned and the problem is logged, never fatal.
func readEventFile(path string, logger logging.Logger) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logging.OrNop(logger).Warn("Skipping corrupt event at %s:%d: %v", path, lineNo, err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		logging.OrNop(logger).Warn("Event file %s read stopped: %v", path, err)
	}
	return out, nil
}

// ClearSessionCache drops the in-memory state for a session. Pending events
// are flushed best-effort first; persistent files are untouched.
func (s *Store) ClearSessionCache(sessionID string) {
	s.mu.Lock()
	log, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if err := s.flushLocked(log); err != nil {
		s.logger.Warn("Dropping %d unflushed events for session %s: %v", len(log.pending), sessionID, err)
	}
}

// AppendedCount reports how many events this process has appended for the
// session (the tape checkpointer keys off it).
func (s *Store) AppendedCount(sessionID string) int {
	log := s.sessionLog(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.count
}

func sanitizeSessionID(sessionID string) string {
	replacer := strings.NewReplacer("/", "_", string(filepath.Separator), "_", "..", "_")
	return replacer.Replace(sessionID)
}
