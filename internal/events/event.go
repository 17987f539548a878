package events

import (
	"time"

	"brewva/internal/utils/id"
)

// Event is one immutable record in a session's append-only log. Events are
// the single source of truth: every folded view is a pure function of the
// log prefix.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Turn      int            `json:"turn,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event type taxonomy. The set is open: unknown types flow through the log
// and fold as no-ops.
const (
	TypeSessionStart         = "session_start"
	TypeSessionShutdown      = "session_shutdown"
	TypeSessionInterrupted   = "session_interrupted"
	TypeSessionBeforeCompact = "session_before_compact"
	TypeSessionCompact       = "session_compact"
	TypeSessionBootstrap     = "session_bootstrap"

	TypeTurnStart = "turn_start"
	TypeTurnEnd   = "turn_end"

	TypeAgentStart = "agent_start"
	TypeAgentEnd   = "agent_end"

	TypeMessageStart  = "message_start"
	TypeMessageUpdate = "message_update"
	TypeMessageEnd    = "message_end"

	TypeToolCall           = "tool_call"
	TypeToolResultRecorded = "tool_result_recorded"
	TypeToolCallMarked     = "tool_call_marked"
	TypeToolCallBlocked    = "tool_call_blocked"
	TypeToolExecutionStart = "tool_execution_start"
	TypeToolExecutionEnd   = "tool_execution_end"
	TypeToolExecutionError = "tool_execution_error"

	TypePatchRecorded = "patch_recorded"
	TypeRollback      = "rollback"

	TypeCostUpdate             = "cost_update"
	TypeCognitiveUsageRecorded = "cognitive_usage_recorded"

	TypeContextInjected                   = "context_injected"
	TypeContextInjectionDropped           = "context_injection_dropped"
	TypeContextCompactionRequested        = "context_compaction_requested"
	TypeContextCompacted                  = "context_compacted"
	TypeContextCompactionSkipped          = "context_compaction_skipped"
	TypeContextGateBlockedTool            = "context_compaction_gate_blocked_tool"
	TypeContextArenaFloorUnmet            = "context_arena_floor_unmet_unrecoverable"
	TypeContextArenaForceCompacted        = "context_arena_force_compacted"
	TypeContextExternalRecallSkipped      = "context_external_recall_skipped"

	TypeTruthEvent                  = "truth_event"
	TypeVerificationOutcomeRecorded = "verification_outcome_recorded"

	TypeSkillActivated       = "skill_activated"
	TypeSkillCompleted       = "skill_completed"
	TypeSkillBudgetWarning   = "skill_budget_warning"
	TypeSkillParallelWarning = "skill_parallel_warning"
	TypeToolContractWarning  = "tool_contract_warning"

	TypeLedgerCompacted = "ledger_compacted"

	TypeTapeAnchor     = "tape_anchor"
	TypeTapeCheckpoint = "tape_checkpoint"

	TypeFileSnapshotCaptured = "file_snapshot_captured"
	TypeIdentityParseWarning = "identity_parse_warning"
	TypePersistenceError     = "persistence_error"
	TypeHydrationWarning     = "hydration_warning"
)

// New constructs an event with a fresh id and the current timestamp.
func New(sessionID, eventType string, turn int, payload map[string]any) Event {
	return Event{
		ID:        id.NewEventID(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now(),
		Turn:      turn,
		Payload:   payload,
	}
}

// Filter narrows a List query. Zero values match everything.
type Filter struct {
	Types     []string
	Turn      int // match a specific turn; -1 (or 0 with MatchTurn unset) matches all
	MatchTurn bool
	Since     time.Time
	LastN     int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MatchTurn && e.Turn != f.Turn {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
