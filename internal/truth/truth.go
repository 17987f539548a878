package truth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"brewva/internal/logging"
	"brewva/internal/utils/id"
)

// Status is a fact lifecycle state. Facts only move active -> resolved.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Kind classifies a fact.
type Kind string

const (
	KindCommandFailure Kind = "command_failure"
	KindDiagnostic     Kind = "diagnostic"
)

// Severity grades a fact.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Fact is one observed truth about the workspace.
type Fact struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	Summary     string    `json:"summary"`
	Details     []string  `json:"details,omitempty"`
	EvidenceIDs []string  `json:"evidenceIds,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// ToolResult is the slice of a tool outcome the sync cares about.
type ToolResult struct {
	Tool       string
	Command    string
	Success    bool
	ExitCode   int
	Output     string
	Turn       int
	EvidenceID string
}

// Change reports one fact transition produced by an observation.
type Change struct {
	Fact     Fact
	Created  bool
	Resolved bool
}

// Injection is an arena feed item for an active fact.
type Injection struct {
	Source  string
	ID      string
	Content string
}

// InjectionSource is the arena source active facts are published under.
const InjectionSource = "brewva.truth-facts"

const maxDetailLines = 10

type sessionFacts struct {
	byFingerprint map[string]*Fact
	order         []string
}

// Sync derives facts from tool results and resolves them when the same
// command later succeeds.
type Sync struct {
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionFacts
}

// Option configures a Sync.
type Option func(*Sync)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Sync) { s.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sync) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSync builds a truth sync.
func NewSync(opts ...Option) *Sync {
	s := &Sync{
		logger:   logging.NewComponentLogger("TruthSync"),
		now:      time.Now,
		sessions: make(map[string]*sessionFacts),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Sync) sessionLocked(sessionID string) *sessionFacts {
	sf := s.sessions[sessionID]
	if sf == nil {
		sf = &sessionFacts{byFingerprint: make(map[string]*Fact)}
		s.sessions[sessionID] = sf
	}
	return sf
}

// commandFingerprint keys command-failure facts so repeated failures of the
// same command fold into one fact and a later success resolves it.
func commandFingerprint(tool, command string) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
	sum := sha256.Sum256([]byte(tool + "\x00" + normalized))
	return hex.EncodeToString(sum[:8])
}

// ObserveToolResult folds one tool outcome into the truth state.
func (s *Sync) ObserveToolResult(sessionID string, result ToolResult) []Change {
	if strings.TrimSpace(result.Command) == "" {
		return nil
	}
	fp := commandFingerprint(result.Tool, result.Command)

	s.mu.Lock()
	defer s.mu.Unlock()
	sf := s.sessionLocked(sessionID)
	existing := sf.byFingerprint[fp]

	if result.Success {
		if existing == nil || existing.Status != StatusActive {
			return nil
		}
		existing.Status = StatusResolved
		existing.LastSeenAt = s.now()
		s.logger.Info("Resolved fact %s (command succeeded)", existing.ID)
		return []Change{{Fact: *existing, Resolved: true}}
	}

	details := extractDiagnostics(result.Output)
	now := s.now()
	if existing != nil && existing.Status == StatusActive {
		existing.LastSeenAt = now
		existing.Details = mergeDetails(existing.Details, details)
		if result.EvidenceID != "" {
			existing.EvidenceIDs = append(existing.EvidenceIDs, result.EvidenceID)
		}
		return []Change{{Fact: *existing}}
	}

	fact := &Fact{
		ID:          id.NewFactID(),
		Kind:        KindCommandFailure,
		Severity:    SeverityError,
		Status:      StatusActive,
		Summary:     fmt.Sprintf("%s failed (exit %d): %s", result.Tool, result.ExitCode, truncateCommand(result.Command)),
		Details:     details,
		Fingerprint: fp,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if result.EvidenceID != "" {
		fact.EvidenceIDs = []string{result.EvidenceID}
	}
	sf.byFingerprint[fp] = fact
	sf.order = append(sf.order, fp)
	s.logger.Info("New fact %s: %s", fact.ID, fact.Summary)
	return []Change{{Fact: *fact, Created: true}}
}

// extractDiagnostics keeps failure-looking lines from command output.
func extractDiagnostics(output string) []string {
	var details []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(trimmed, "FAIL") ||
			strings.Contains(lower, "error") ||
			strings.Contains(lower, "panic:") ||
			strings.Contains(lower, "assertion") {
			details = append(details, trimmed)
			if len(details) >= maxDetailLines {
				break
			}
		}
	}
	return details
}

func mergeDetails(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		seen[d] = struct{}{}
	}
	for _, d := range incoming {
		if _, dup := seen[d]; dup {
			continue
		}
		existing = append(existing, d)
		if len(existing) >= maxDetailLines {
			break
		}
	}
	return existing
}

func truncateCommand(command string) string {
	command = strings.Join(strings.Fields(command), " ")
	if len(command) > 120 {
		return command[:120] + "..."
	}
	return command
}

// ActiveFacts returns active facts in first-seen order.
func (s *Sync) ActiveFacts(sessionID string) []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf := s.sessionLocked(sessionID)
	var out []Fact
	for _, fp := range sf.order {
		if fact := sf.byFingerprint[fp]; fact != nil && fact.Status == StatusActive {
			out = append(out, *fact)
		}
	}
	return out
}

// Facts returns every fact for a session, active and resolved.
func (s *Sync) Facts(sessionID string) []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf := s.sessionLocked(sessionID)
	out := make([]Fact, 0, len(sf.order))
	for _, fp := range sf.order {
		if fact := sf.byFingerprint[fp]; fact != nil {
			out = append(out, *fact)
		}
	}
	return out
}

// Injections renders the active facts as arena feed items.
func (s *Sync) Injections(sessionID string) []Injection {
	facts := s.ActiveFacts(sessionID)
	out := make([]Injection, 0, len(facts))
	for _, fact := range facts {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s/%s] %s", fact.Kind, fact.Severity, fact.Summary)
		for _, d := range fact.Details {
			b.WriteString("\n  ")
			b.WriteString(d)
		}
		out = append(out, Injection{Source: InjectionSource, ID: fact.ID, Content: b.String()})
	}
	return out
}

// RestoreFact re-seats a fact during hydration replay.
func (s *Sync) RestoreFact(sessionID string, fact Fact) {
	if fact.Fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf := s.sessionLocked(sessionID)
	if _, exists := sf.byFingerprint[fact.Fingerprint]; !exists {
		sf.order = append(sf.order, fact.Fingerprint)
	}
	clone := fact
	sf.byFingerprint[fact.Fingerprint] = &clone
}

// ClearSessionState drops the per-session fact cache.
func (s *Sync) ClearSessionState(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
