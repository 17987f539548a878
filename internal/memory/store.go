package memory

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

// Unit kinds. Crystals are distilled, high-confidence summaries of many
// units; insights are one-off observations.
const (
	KindUnit    = "unit"
	KindCrystal = "crystal"
	KindInsight = "insight"
)

// Unit statuses.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
)

// Unit is one retrievable memory item.
type Unit struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Content     string            `json:"content"`
	Status      string            `json:"status"`
	Confidence  float64           `json:"confidence"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Fingerprint string            `json:"fingerprint"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Retrievable reports whether the unit may appear in recall results.
func (u Unit) Retrievable() bool {
	if u.Status == StatusSuperseded {
		return false
	}
	if u.Metadata != nil && u.Metadata["retrievable"] == "false" {
		return false
	}
	return true
}

type sessionUnits struct {
	byFingerprint map[string]*Unit
	order         []string
	loaded        bool
}

// Store keeps memory units per session, persisted as JSON lines under
// memory/<session>/units.jsonl in the state dir.
type Store struct {
	baseDir string
	logger  logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionUnits
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger injects a custom logger.
func WithStoreLogger(logger logging.Logger) StoreOption {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a unit store rooted at the state dir.
func NewStore(baseDir string, opts ...StoreOption) *Store {
	s := &Store{
		baseDir:  baseDir,
		logger:   logging.NewComponentLogger("MemoryStore"),
		now:      time.Now,
		sessions: make(map[string]*sessionUnits),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Fingerprint derives the dedupe key for unit content.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

func sanitizeSessionID(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
}

func (s *Store) unitsPath(sessionID string) string {
	return filepath.Join(s.baseDir, "memory", sanitizeSessionID(sessionID), "units.jsonl")
}

func (s *Store) sessionLocked(sessionID string) (*sessionUnits, error) {
	su := s.sessions[sessionID]
	if su == nil {
		su = &sessionUnits{byFingerprint: make(map[string]*Unit)}
		s.sessions[sessionID] = su
	}
	if !su.loaded {
		if err := s.loadLocked(sessionID, su); err != nil {
			return nil, err
		}
		su.loaded = true
	}
	return su, nil
}

func (s *Store) loadLocked(sessionID string, su *sessionUnits) error {
	f, err := os.Open(s.unitsPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var unit Unit
		if err := json.Unmarshal(raw, &unit); err != nil {
			s.logger.Warn("Skipping corrupt memory unit %s:%d: %v", s.unitsPath(sessionID), line, err)
			continue
		}
		// The log is append-only; the last record per fingerprint wins.
		if _, exists := su.byFingerprint[unit.Fingerprint]; !exists {
			su.order = append(su.order, unit.Fingerprint)
		}
		clone := unit
		su.byFingerprint[unit.Fingerprint] = &clone
	}
	return scanner.Err()
}

// Add stores a unit. Content with a known fingerprint updates the existing
// unit in place (confidence, status, metadata refresh) instead of creating a
// duplicate.
func (s *Store) Add(sessionID string, unit Unit) (Unit, error) {
	if strings.TrimSpace(unit.Content) == "" {
		return Unit{}, fmt.Errorf("memory unit content is empty")
	}
	if unit.Kind == "" {
		unit.Kind = KindUnit
	}
	if unit.Status == "" {
		unit.Status = StatusActive
	}
	unit.Fingerprint = Fingerprint(unit.Content)
	unit.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	su, err := s.sessionLocked(sessionID)
	if err != nil {
		return Unit{}, err
	}

	if existing := su.byFingerprint[unit.Fingerprint]; existing != nil {
		existing.Status = unit.Status
		if unit.Confidence > 0 {
			existing.Confidence = unit.Confidence
		}
		if unit.Metadata != nil {
			existing.Metadata = unit.Metadata
		}
		existing.UpdatedAt = unit.UpdatedAt
		unit = *existing
	} else {
		if unit.ID == "" {
			unit.ID = id.NewUnitID()
		}
		clone := unit
		su.byFingerprint[unit.Fingerprint] = &clone
		su.order = append(su.order, unit.Fingerprint)
	}

	if err := s.appendLocked(sessionID, unit); err != nil {
		return Unit{}, err
	}
	return unit, nil
}

// Supersede marks the unit with the given id as superseded.
func (s *Store) Supersede(sessionID, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	su, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	for _, unit := range su.byFingerprint {
		if unit.ID == unitID {
			unit.Status = StatusSuperseded
			unit.UpdatedAt = s.now()
			return s.appendLocked(sessionID, *unit)
		}
	}
	return fmt.Errorf("memory unit %s not found", unitID)
}

func (s *Store) appendLocked(sessionID string, unit Unit) error {
	path := s.unitsPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Units returns all units in insertion order.
func (s *Store) Units(sessionID string) ([]Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	su, err := s.sessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Unit, 0, len(su.order))
	for _, fp := range su.order {
		if unit := su.byFingerprint[fp]; unit != nil {
			out = append(out, *unit)
		}
	}
	return out, nil
}

// RebuildMissingOnly merges checkpoint units into the cache without
// overwriting fingerprints that already exist. Used during hydration.
func (s *Store) RebuildMissingOnly(sessionID string, units []Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	su, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.Fingerprint == "" {
			unit.Fingerprint = Fingerprint(unit.Content)
		}
		if _, exists := su.byFingerprint[unit.Fingerprint]; exists {
			continue
		}
		clone := unit
		su.byFingerprint[unit.Fingerprint] = &clone
		su.order = append(su.order, unit.Fingerprint)
	}
	return nil
}

// ClearSessionCache drops the in-memory cache; on-disk units survive.
func (s *Store) ClearSessionCache(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
