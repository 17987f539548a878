package budget

import (
	"sync"
	"time"

	"brewva/internal/config"
	"brewva/internal/logging"
	"brewva/internal/observability"
)

// Pressure classifies context fullness.
type Pressure string

const (
	PressureNone     Pressure = "none"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
)

// Usage is one observation of context consumption.
type Usage struct {
	Tokens        int
	ContextWindow int
	Percent       float64
}

// GateStatus reports whether a compaction is required right now.
type GateStatus struct {
	Required             bool
	Pressure             Pressure
	RecentCompaction     bool
	WindowTurns          int
	LastCompactionTurn   int
	TurnsSinceCompaction int
}

// ToolDecision is the gate's answer for one tool start.
type ToolDecision struct {
	Allowed bool
	Reason  string
}

// CompactionToolName is the only tool that always passes a critical gate.
const CompactionToolName = "session_compact"

// AlwaysAllowedTools are lifecycle tools that bypass the critical block.
var AlwaysAllowedTools = map[string]struct{}{
	"skill_complete":      {},
	"skill_load":          {},
	"ledger_query":        {},
	"cost_view":           {},
	"tape_handoff":        {},
	"tape_info":           {},
	"tape_search":         {},
	CompactionToolName:    {},
	"rollback_last_patch": {},
	"schedule_intent":     {},
}

// IsAlwaysAllowed reports whether the tool belongs to the lifecycle set.
func IsAlwaysAllowed(tool string) bool {
	_, ok := AlwaysAllowedTools[tool]
	return ok
}

type sessionBudget struct {
	pressure           Pressure
	lastPercent        float64
	turn               int
	lastCompactionTurn int
	lastCompactionAt   time.Time
	compacted          bool
}

// Tracker classifies context pressure per session and gates tool starts
// while pressure is critical.
type Tracker struct {
	cfg     config.BudgetConfig
	logger  logging.Logger
	metrics *observability.RuntimeMetrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionBudget
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNop(logger) }
}

// WithMetrics injects a metrics sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a pressure tracker.
func New(cfg config.BudgetConfig, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		logger:   logging.NewComponentLogger("ContextBudget"),
		now:      time.Now,
		sessions: make(map[string]*sessionBudget),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tracker) sessionLocked(sessionID string) *sessionBudget {
	sb := t.sessions[sessionID]
	if sb == nil {
		sb = &sessionBudget{pressure: PressureNone, lastCompactionTurn: -1}
		t.sessions[sessionID] = sb
	}
	return sb
}

// ObserveUsage classifies the session's pressure from one usage sample.
func (t *Tracker) ObserveUsage(sessionID string, usage Usage) Pressure {
	percent := usage.Percent
	if percent <= 0 && usage.ContextWindow > 0 {
		percent = float64(usage.Tokens) / float64(usage.ContextWindow)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.sessionLocked(sessionID)
	sb.lastPercent = percent

	prev := sb.pressure
	switch {
	case percent >= t.cfg.HardLimitPercent:
		sb.pressure = PressureCritical
	case percent >= t.cfg.CompactionThresholdPercent:
		sb.pressure = PressureHigh
	default:
		sb.pressure = PressureNone
	}
	if sb.pressure != PressureNone {
		// A new threshold crossing re-arms the gate after a compaction.
		sb.compacted = false
	}
	if sb.pressure != prev {
		t.logger.Info("Context pressure session=%s %.0f%% -> %s", sessionID, percent*100, sb.pressure)
	}
	return sb.pressure
}

// BeginTurn records the session's monotonic turn counter.
func (t *Tracker) BeginTurn(sessionID string, turn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.sessionLocked(sessionID)
	if turn > sb.turn {
		sb.turn = turn
	}
}

// GateStatus answers whether a compaction should run now. Required means
// pressure is at least high and the spacing rules are satisfied; extreme
// pressure bypasses the spacing rules entirely.
func (t *Tracker) GateStatus(sessionID string) GateStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.sessionLocked(sessionID)

	turnsSince := -1
	if sb.lastCompactionTurn >= 0 {
		turnsSince = sb.turn - sb.lastCompactionTurn
	}
	recent := false
	if !sb.lastCompactionAt.IsZero() && t.cfg.MinSecondsBetweenCompaction > 0 {
		recent = t.now().Sub(sb.lastCompactionAt) < time.Duration(t.cfg.MinSecondsBetweenCompaction)*time.Second
	}

	status := GateStatus{
		Pressure:             sb.pressure,
		RecentCompaction:     recent,
		WindowTurns:          t.cfg.MinTurnsBetweenCompaction,
		LastCompactionTurn:   sb.lastCompactionTurn,
		TurnsSinceCompaction: turnsSince,
	}
	if sb.pressure == PressureNone || sb.compacted {
		return status
	}

	bypass := t.cfg.PressureBypassPercent > 0 && sb.lastPercent >= t.cfg.PressureBypassPercent
	if bypass {
		status.Required = true
		return status
	}
	turnsOK := sb.lastCompactionTurn < 0 || turnsSince >= t.cfg.MinTurnsBetweenCompaction
	status.Required = turnsOK && !recent
	return status
}

// StartTool gates one tool start. At critical pressure everything is
// blocked except session_compact and the always-allowed lifecycle set.
func (t *Tracker) StartTool(sessionID, toolName string) ToolDecision {
	t.mu.Lock()
	pressure := t.sessionLocked(sessionID).pressure
	t.mu.Unlock()

	if pressure != PressureCritical {
		return ToolDecision{Allowed: true}
	}
	if IsAlwaysAllowed(toolName) {
		return ToolDecision{Allowed: true}
	}
	t.metrics.RecordGateBlockedTool()
	return ToolDecision{
		Allowed: false,
		Reason:  "context pressure critical: requires session_compact before " + toolName,
	}
}

// MarkCompacted records a finished compaction and clears critical pressure
// until the next threshold crossing.
func (t *Tracker) MarkCompacted(sessionID string, fromTokens, toTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.sessionLocked(sessionID)
	sb.pressure = PressureNone
	sb.compacted = true
	sb.lastCompactionTurn = sb.turn
	sb.lastCompactionAt = t.now()
	t.metrics.RecordCompaction()
	t.logger.Info("Compaction session=%s %d -> %d tokens", sessionID, fromTokens, toTokens)
}

// ClearSessionState drops per-session pressure state.
func (t *Tracker) ClearSessionState(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
