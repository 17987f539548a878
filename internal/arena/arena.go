package arena

import (
	"sort"
	"strings"
	"sync"
	"time"

	"brewva/internal/config"
	"brewva/internal/logging"
	"brewva/internal/observability"
	"brewva/internal/shared/token"
)

// Priority orders entries within a zone. Lower rank plans first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// TruncationStrategy selects how an over-budget entry is shrunk.
type TruncationStrategy string

const (
	TruncateDropEntry TruncationStrategy = "drop-entry"
	TruncateSummarize TruncationStrategy = "summarize"
	TruncateTail      TruncationStrategy = "tail"
)

// DegradationPolicy selects the response to an over-full session.
type DegradationPolicy string

const (
	DegradeDropRecall      DegradationPolicy = "drop_recall"
	DegradeDropLowPriority DegradationPolicy = "drop_low_priority"
	DegradeForceCompact    DegradationPolicy = "force_compact"
)

// Key identifies an injection. Last write per key wins.
type Key struct {
	Source string
	ID     string
}

// Entry is one context injection.
type Entry struct {
	Source          string
	ID              string
	Content         string
	Priority        Priority
	EstimatedTokens int
	Timestamp       time.Time
	OncePerSession  bool
	Strategy        TruncationStrategy
	Truncated       bool
}

// Key returns the entry's map key.
func (e Entry) Key() Key { return Key{Source: e.Source, ID: e.ID} }

// SLOEnforcement describes a degradation applied during Append.
type SLOEnforcement struct {
	Policy        DegradationPolicy
	EntriesBefore int
	EntriesAfter  int
	Dropped       []Key
}

// AppendResult reports the outcome of one Append.
type AppendResult struct {
	Accepted    bool
	SLOEnforced *SLOEnforcement
}

const appendHistoryLimit = 1000

type sessionState struct {
	active        map[Key]Entry
	appendHistory []Entry
	onceKeys      map[Key]struct{}
	presentedKeys map[Key]struct{}
	epoch         int
	adaptive      *adaptiveState
	floorEmitted  map[int]struct{} // turn -> unrecoverable floor event emitted
}

// Arena holds per-session injection pools and plans token-bounded context.
type Arena struct {
	cfg       config.ArenaConfig
	logger    logging.Logger
	metrics   *observability.RuntimeMetrics
	estimator token.Estimator

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Option configures an Arena.
type Option func(*Arena)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(a *Arena) { a.logger = logging.OrNop(logger) }
}

// WithMetrics injects a metrics sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(a *Arena) { a.metrics = m }
}

// WithEstimator overrides the token estimator.
func WithEstimator(est token.Estimator) Option {
	return func(a *Arena) {
		if est != nil {
			a.estimator = est
		}
	}
}

// New builds an Arena over the given configuration.
func New(cfg config.ArenaConfig, opts ...Option) *Arena {
	a := &Arena{
		cfg:       cfg,
		logger:    logging.NewComponentLogger("ContextArena"),
		estimator: token.DefaultEstimator(),
		sessions:  make(map[string]*sessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Arena) sessionLocked(sessionID string) *sessionState {
	st := a.sessions[sessionID]
	if st == nil {
		st = &sessionState{
			active:        make(map[Key]Entry),
			onceKeys:      make(map[Key]struct{}),
			presentedKeys: make(map[Key]struct{}),
			adaptive:      newAdaptiveState(a.cfg),
			floorEmitted:  make(map[int]struct{}),
		}
		a.sessions[sessionID] = st
	}
	return st
}

// Append registers or replaces an injection. When the session exceeds
// maxEntriesPerSession the configured degradation policy runs first.
func (a *Arena) Append(sessionID string, entry Entry) AppendResult {
	if entry.Priority == "" {
		entry.Priority = PriorityNormal
	}
	if entry.Strategy == "" {
		entry.Strategy = TruncationStrategy(a.cfg.TruncationStrategy)
		if entry.Strategy == "" {
			entry.Strategy = TruncateTail
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.EstimatedTokens <= 0 {
		entry.EstimatedTokens = a.estimator.Estimate(entry.Content)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.sessionLocked(sessionID)

	key := entry.Key()
	if _, once := st.onceKeys[key]; once {
		return AppendResult{Accepted: false}
	}

	result := AppendResult{Accepted: true}
	_, replacing := st.active[key]
	if !replacing && a.cfg.MaxEntriesPerSession > 0 && len(st.active) >= a.cfg.MaxEntriesPerSession {
		enforcement, accepted := a.degradeLocked(st, entry)
		result.SLOEnforced = enforcement
		result.Accepted = accepted
		if !accepted {
			a.recordHistoryLocked(st, entry)
			return result
		}
	}

	st.active[key] = entry
	// A fresh append supersedes any prior presentation of the key.
	delete(st.presentedKeys, key)
	a.recordHistoryLocked(st, entry)
	return result
}

func (a *Arena) recordHistoryLocked(st *sessionState, entry Entry) {
	st.appendHistory = append(st.appendHistory, entry)
	if len(st.appendHistory) > appendHistoryLimit {
		st.appendHistory = st.appendHistory[len(st.appendHistory)-appendHistoryLimit:]
	}
}

// degradeLocked applies the configured SLO policy to make room for entry.
// Returns the enforcement record and whether the incoming entry is accepted.
func (a *Arena) degradeLocked(st *sessionState, incoming Entry) (*SLOEnforcement, bool) {
	policy := DegradationPolicy(a.cfg.DegradationPolicy)
	if policy == "" {
		policy = DegradeDropRecall
	}
	enforcement := &SLOEnforcement{Policy: policy, EntriesBefore: len(st.active)}

	accepted := true
	switch policy {
	case DegradeDropRecall:
		incomingZone := zoneOf(incoming.Source)
		if incomingZone == ZoneMemoryRecall || incomingZone == ZoneRAGExternal {
			accepted = false
			break
		}
		if victim, ok := oldestLowPriorityRecallLocked(st); ok {
			delete(st.active, victim)
			enforcement.Dropped = append(enforcement.Dropped, victim)
		}
	case DegradeDropLowPriority:
		victim, ok := lowestPriorityLocked(st)
		if !ok {
			break
		}
		if priorityRank(incoming.Priority) >= priorityRank(st.active[victim].Priority) {
			accepted = false
			break
		}
		delete(st.active, victim)
		enforcement.Dropped = append(enforcement.Dropped, victim)
	case DegradeForceCompact:
		for key := range st.active {
			enforcement.Dropped = append(enforcement.Dropped, key)
		}
		st.active = make(map[Key]Entry)
		a.logger.Warn("SLO force_compact cleared %d arena entries", len(enforcement.Dropped))
	default:
		accepted = false
	}

	enforcement.EntriesAfter = len(st.active)
	a.metrics.RecordSLOEnforcement(string(policy))
	return enforcement, accepted
}

func oldestLowPriorityRecallLocked(st *sessionState) (Key, bool) {
	var victim Key
	var victimEntry Entry
	found := false
	for key, entry := range st.active {
		zone := zoneOf(entry.Source)
		if zone != ZoneMemoryRecall && zone != ZoneRAGExternal {
			continue
		}
		if priorityRank(entry.Priority) < priorityRank(PriorityNormal) {
			continue
		}
		if !found || entry.Timestamp.Before(victimEntry.Timestamp) {
			victim, victimEntry, found = key, entry, true
		}
	}
	return victim, found
}

func lowestPriorityLocked(st *sessionState) (Key, bool) {
	var victim Key
	var victimEntry Entry
	found := false
	for key, entry := range st.active {
		if !found ||
			priorityRank(entry.Priority) > priorityRank(victimEntry.Priority) ||
			(priorityRank(entry.Priority) == priorityRank(victimEntry.Priority) &&
				entry.Timestamp.Before(victimEntry.Timestamp)) {
			victim, victimEntry, found = key, entry, true
		}
	}
	return victim, found
}

// Commit marks planned keys as presented. Once-per-session entries are
// retired so they never plan again.
func (a *Arena) Commit(sessionID string, consumedKeys []Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.sessionLocked(sessionID)
	for _, key := range consumedKeys {
		st.presentedKeys[key] = struct{}{}
		entry, ok := st.active[key]
		if !ok {
			continue
		}
		if entry.OncePerSession {
			st.onceKeys[key] = struct{}{}
			delete(st.active, key)
		}
	}
}

// ResetEpoch bumps the session epoch after a compaction and clears the
// presented set. Active entries survive so the next plan can re-select them.
func (a *Arena) ResetEpoch(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.sessionLocked(sessionID)
	st.epoch++
	st.presentedKeys = make(map[Key]struct{})
	st.floorEmitted = make(map[int]struct{})
	return st.epoch
}

// Epoch returns the current session epoch.
func (a *Arena) Epoch(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionLocked(sessionID).epoch
}

// ActiveEntries returns a snapshot of the live injections, ordered by zone
// then priority then timestamp.
func (a *Arena) ActiveEntries(sessionID string) []Entry {
	a.mu.Lock()
	st := a.sessionLocked(sessionID)
	out := make([]Entry, 0, len(st.active))
	for _, entry := range st.active {
		out = append(out, entry)
	}
	a.mu.Unlock()

	zoneIndex := make(map[Zone]int, len(ZoneOrder))
	for i, z := range ZoneOrder {
		zoneIndex[z] = i
	}
	sort.Slice(out, func(i, j int) bool {
		zi, zj := zoneIndex[zoneOf(out[i].Source)], zoneIndex[zoneOf(out[j].Source)]
		if zi != zj {
			return zi < zj
		}
		pi, pj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// AppendHistory returns the audit ring for a session.
func (a *Arena) AppendHistory(sessionID string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.sessionLocked(sessionID)
	out := make([]Entry, len(st.appendHistory))
	copy(out, st.appendHistory)
	return out
}

// ClearSessionState drops all in-memory state for a session.
func (a *Arena) ClearSessionState(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// AdaptiveSnapshot exposes the controller state for inspection.
func (a *Arena) AdaptiveSnapshot(sessionID string) AdaptiveSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionLocked(sessionID).adaptive.snapshot()
}

func normalizeStrategyArm(arm string) string {
	switch strings.ToLower(strings.TrimSpace(arm)) {
	case "hybrid":
		return "hybrid"
	case "passthrough":
		return "passthrough"
	default:
		return "managed"
	}
}
