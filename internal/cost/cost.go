package cost

import (
	"fmt"
	"sync"
	"time"

	"brewva/internal/config"
	"brewva/internal/logging"
	"brewva/internal/observability"
)

// Usage is one LLM usage sample.
type Usage struct {
	Model            string  `json:"model"`
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens"`
	CacheWriteTokens int     `json:"cacheWriteTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// Attribution ties a usage sample to a turn and optionally a skill.
type Attribution struct {
	Turn  int
	Skill string
}

// ToolCall marks one tool invocation on a turn.
type ToolCall struct {
	ToolName string
	Turn     int
}

// VirtualLLMTool receives the allocation when a turn ran no tools.
const VirtualLLMTool = "llm"

// ModelTotals accumulates usage per model.
type ModelTotals struct {
	UsageCount   int     `json:"usageCount"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// SkillTotals accumulates usage per skill.
type SkillTotals struct {
	UsageCount  int     `json:"usageCount"`
	TurnCount   int     `json:"turnCount"`
	TotalTokens int     `json:"totalTokens"`
	CostUSD     float64 `json:"costUsd"`
	LastTurn    int     `json:"lastTurn"`
}

// ToolTotals accumulates proportional allocations per tool.
type ToolTotals struct {
	CallCount        int     `json:"callCount"`
	AllocatedTokens  float64 `json:"allocatedTokens"`
	AllocatedCostUSD float64 `json:"allocatedCostUsd"`
}

// Alert is a budget alert. Each kind fires at most once per subject.
type Alert struct {
	Kind    string    `json:"kind"` // session_threshold | session_cap | skill_cap
	Skill   string    `json:"skill,omitempty"`
	Message string    `json:"message"`
	CostUSD float64   `json:"costUsd"`
	FiredAt time.Time `json:"firedAt"`
}

// BudgetStatus reports whether the session or a skill is over budget.
type BudgetStatus struct {
	Action          string // warn | block_tools
	SessionExceeded bool
	SkillExceeded   bool
	Blocked         bool
	Reason          string
}

// Snapshot is the canonical serializable state used by tape checkpoints.
type Snapshot struct {
	TotalTokens          int                    `json:"totalTokens"`
	TotalCostUSD         float64                `json:"totalCostUsd"`
	UsageCount           int                    `json:"usageCount"`
	Models               map[string]ModelTotals `json:"models,omitempty"`
	Skills               map[string]SkillTotals `json:"skills,omitempty"`
	Tools                map[string]ToolTotals  `json:"tools,omitempty"`
	Alerts               []Alert                `json:"alerts,omitempty"`
	SkillLastTurnByName  map[string]int         `json:"skillLastTurnByName,omitempty"`
	SessionThresholdSent bool                   `json:"sessionThresholdSent"`
	SessionCapSent       bool                   `json:"sessionCapSent"`
	SkillCapSent         map[string]bool        `json:"skillCapSent,omitempty"`
}

type sessionCost struct {
	mu sync.Mutex

	totalTokens  int
	totalCostUSD float64
	usageCount   int
	models       map[string]*ModelTotals
	skills       map[string]*SkillTotals
	tools        map[string]*ToolTotals
	turnCalls    map[int]map[string]int
	skillTurns   map[string]map[int]struct{}
	alerts       []Alert

	sessionThresholdSent bool
	sessionCapSent       bool
	skillCapSent         map[string]bool
}

func newSessionCost() *sessionCost {
	return &sessionCost{
		models:       make(map[string]*ModelTotals),
		skills:       make(map[string]*SkillTotals),
		tools:        make(map[string]*ToolTotals),
		turnCalls:    make(map[int]map[string]int),
		skillTurns:   make(map[string]map[int]struct{}),
		skillCapSent: make(map[string]bool),
	}
}

// AlertHook observes newly fired alerts.
type AlertHook func(sessionID string, alert Alert)

// Tracker accumulates token and dollar spend per session with proportional
// per-tool attribution and once-only budget alerts.
type Tracker struct {
	cfg     config.CostConfig
	logger  logging.Logger
	metrics *observability.RuntimeMetrics
	onAlert AlertHook
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionCost
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

// WithAlertHook registers a callback for fired alerts.
func WithAlertHook(hook AlertHook) Option {
	return func(t *Tracker) { t.onAlert = hook }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a cost tracker.
func New(cfg config.CostConfig, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		logger:   logging.NewComponentLogger("CostTracker"),
		now:      time.Now,
		sessions: make(map[string]*sessionCost),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tracker) session(sessionID string) *sessionCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc := t.sessions[sessionID]
	if sc == nil {
		sc = newSessionCost()
		t.sessions[sessionID] = sc
	}
	return sc
}

// RecordToolCall counts one tool invocation on a turn for later attribution.
func (t *Tracker) RecordToolCall(sessionID string, call ToolCall) {
	sc := t.session(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	calls := sc.turnCalls[call.Turn]
	if calls == nil {
		calls = make(map[string]int)
		sc.turnCalls[call.Turn] = calls
	}
	calls[call.ToolName]++
	tool := sc.tools[call.ToolName]
	if tool == nil {
		tool = &ToolTotals{}
		sc.tools[call.ToolName] = tool
	}
	tool.CallCount++
}

// RecordUsage folds one usage sample into the session totals and attributes
// it to the tools called on the same turn in proportion to call counts.
func (t *Tracker) RecordUsage(sessionID string, usage Usage, attr Attribution) {
	if usage.TotalTokens <= 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	sc := t.session(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.totalTokens += usage.TotalTokens
	sc.totalCostUSD += usage.CostUSD
	sc.usageCount++

	if usage.Model != "" {
		m := sc.models[usage.Model]
		if m == nil {
			m = &ModelTotals{}
			sc.models[usage.Model] = m
		}
		m.UsageCount++
		m.InputTokens += usage.InputTokens
		m.OutputTokens += usage.OutputTokens
		m.TotalTokens += usage.TotalTokens
		m.CostUSD += usage.CostUSD
	}

	if attr.Skill != "" {
		s := sc.skills[attr.Skill]
		if s == nil {
			s = &SkillTotals{}
			sc.skills[attr.Skill] = s
		}
		s.UsageCount++
		s.TotalTokens += usage.TotalTokens
		s.CostUSD += usage.CostUSD
		if s.LastTurn < attr.Turn {
			s.LastTurn = attr.Turn
		}
		turns := sc.skillTurns[attr.Skill]
		if turns == nil {
			turns = make(map[int]struct{})
			sc.skillTurns[attr.Skill] = turns
		}
		if _, seen := turns[attr.Turn]; !seen {
			turns[attr.Turn] = struct{}{}
			s.TurnCount++
		}
	}

	t.attributeLocked(sc, usage, attr.Turn)
	t.checkAlertsLocked(sessionID, sc, attr.Skill)
}

// attributeLocked spreads the usage over the turn's tool calls.
func (t *Tracker) attributeLocked(sc *sessionCost, usage Usage, turn int) {
	calls := sc.turnCalls[turn]
	totalCalls := 0
	for _, n := range calls {
		totalCalls += n
	}
	if totalCalls == 0 {
		tool := sc.tools[VirtualLLMTool]
		if tool == nil {
			tool = &ToolTotals{}
			sc.tools[VirtualLLMTool] = tool
		}
		tool.AllocatedTokens += float64(usage.TotalTokens)
		tool.AllocatedCostUSD += usage.CostUSD
		return
	}
	for name, n := range calls {
		share := float64(n) / float64(totalCalls)
		tool := sc.tools[name]
		if tool == nil {
			tool = &ToolTotals{}
			sc.tools[name] = tool
		}
		tool.AllocatedTokens += float64(usage.TotalTokens) * share
		tool.AllocatedCostUSD += usage.CostUSD * share
	}
}

func (t *Tracker) checkAlertsLocked(sessionID string, sc *sessionCost, skill string) {
	sessionCap := t.cfg.MaxCostUSDPerSession
	if sessionCap > 0 {
		threshold := sessionCap * t.cfg.AlertThresholdRatio
		if threshold > 0 && !sc.sessionThresholdSent && sc.totalCostUSD >= threshold {
			sc.sessionThresholdSent = true
			t.fireLocked(sessionID, sc, Alert{
				Kind:    "session_threshold",
				Message: fmt.Sprintf("session cost $%.4f crossed %.0f%% of the $%.2f cap", sc.totalCostUSD, t.cfg.AlertThresholdRatio*100, sessionCap),
				CostUSD: sc.totalCostUSD,
			})
		}
		if !sc.sessionCapSent && sc.totalCostUSD >= sessionCap {
			sc.sessionCapSent = true
			t.fireLocked(sessionID, sc, Alert{
				Kind:    "session_cap",
				Message: fmt.Sprintf("session cost $%.4f reached the $%.2f cap", sc.totalCostUSD, sessionCap),
				CostUSD: sc.totalCostUSD,
			})
		}
	}
	if skill != "" && t.cfg.MaxCostUSDPerSkill > 0 {
		if s := sc.skills[skill]; s != nil && !sc.skillCapSent[skill] && s.CostUSD >= t.cfg.MaxCostUSDPerSkill {
			sc.skillCapSent[skill] = true
			t.fireLocked(sessionID, sc, Alert{
				Kind:    "skill_cap",
				Skill:   skill,
				Message: fmt.Sprintf("skill %q cost $%.4f reached the $%.2f cap", skill, s.CostUSD, t.cfg.MaxCostUSDPerSkill),
				CostUSD: s.CostUSD,
			})
		}
	}
}

func (t *Tracker) fireLocked(sessionID string, sc *sessionCost, alert Alert) {
	alert.FiredAt = t.now()
	sc.alerts = append(sc.alerts, alert)
	t.metrics.RecordCostAlert(alert.Kind)
	t.logger.Warn("Cost alert session=%s kind=%s %s", sessionID, alert.Kind, alert.Message)
	if t.onAlert != nil {
		t.onAlert(sessionID, alert)
	}
}

// BudgetStatus evaluates the budget caps for the session and optional skill.
func (t *Tracker) BudgetStatus(sessionID, skill string) BudgetStatus {
	sc := t.session(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	action := t.cfg.BudgetAction
	if action == "" {
		action = "warn"
	}
	status := BudgetStatus{Action: action}
	if t.cfg.MaxCostUSDPerSession > 0 && sc.totalCostUSD >= t.cfg.MaxCostUSDPerSession {
		status.SessionExceeded = true
		status.Reason = fmt.Sprintf("session cost $%.4f over the $%.2f cap", sc.totalCostUSD, t.cfg.MaxCostUSDPerSession)
	}
	if skill != "" && t.cfg.MaxCostUSDPerSkill > 0 {
		if s := sc.skills[skill]; s != nil && s.CostUSD >= t.cfg.MaxCostUSDPerSkill {
			status.SkillExceeded = true
			if status.Reason == "" {
				status.Reason = fmt.Sprintf("skill %q cost $%.4f over the $%.2f cap", skill, s.CostUSD, t.cfg.MaxCostUSDPerSkill)
			}
		}
	}
	status.Blocked = action == "block_tools" && (status.SessionExceeded || status.SkillExceeded)
	return status
}

// Summary clones the session totals.
func (t *Tracker) Summary(sessionID string) Snapshot {
	sc := t.session(sessionID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.snapshotLocked()
}

// Snapshot is an alias of Summary used by the tape checkpointer.
func (t *Tracker) Snapshot(sessionID string) Snapshot {
	return t.Summary(sessionID)
}

func (sc *sessionCost) snapshotLocked() Snapshot {
	snap := Snapshot{
		TotalTokens:          sc.totalTokens,
		TotalCostUSD:         sc.totalCostUSD,
		UsageCount:           sc.usageCount,
		Models:               make(map[string]ModelTotals, len(sc.models)),
		Skills:               make(map[string]SkillTotals, len(sc.skills)),
		Tools:                make(map[string]ToolTotals, len(sc.tools)),
		Alerts:               append([]Alert(nil), sc.alerts...),
		SkillLastTurnByName:  make(map[string]int, len(sc.skills)),
		SessionThresholdSent: sc.sessionThresholdSent,
		SessionCapSent:       sc.sessionCapSent,
		SkillCapSent:         make(map[string]bool, len(sc.skillCapSent)),
	}
	for name, m := range sc.models {
		snap.Models[name] = *m
	}
	for name, s := range sc.skills {
		snap.Skills[name] = *s
		snap.SkillLastTurnByName[name] = s.LastTurn
	}
	for name, tool := range sc.tools {
		snap.Tools[name] = *tool
	}
	for name, sent := range sc.skillCapSent {
		snap.SkillCapSent[name] = sent
	}
	return snap
}

// Restore re-seats totals and alerted flags from a checkpoint so replaying
// the event tail does not double-count or double-alert.
func (t *Tracker) Restore(sessionID string, snap Snapshot) {
	sc := newSessionCost()
	sc.totalTokens = snap.TotalTokens
	sc.totalCostUSD = snap.TotalCostUSD
	sc.usageCount = snap.UsageCount
	for name, m := range snap.Models {
		clone := m
		sc.models[name] = &clone
	}
	for name, s := range snap.Skills {
		clone := s
		sc.skills[name] = &clone
	}
	for name, tool := range snap.Tools {
		clone := tool
		sc.tools[name] = &clone
	}
	sc.alerts = append([]Alert(nil), snap.Alerts...)
	sc.sessionThresholdSent = snap.SessionThresholdSent
	sc.sessionCapSent = snap.SessionCapSent
	for name, sent := range snap.SkillCapSent {
		sc.skillCapSent[name] = sent
	}

	t.mu.Lock()
	t.sessions[sessionID] = sc
	t.mu.Unlock()
}

// ClearSessionState drops per-session accounting.
func (t *Tracker) ClearSessionState(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
