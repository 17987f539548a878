package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"brewva/internal/arena"
	"brewva/internal/budget"
	"brewva/internal/config"
	"brewva/internal/cost"
	"brewva/internal/events"
	"brewva/internal/ledger"
	"brewva/internal/logging"
	"brewva/internal/observability"
	"brewva/internal/patch"
	"brewva/internal/shared/token"
	"brewva/internal/skills"
	"brewva/internal/truth"
)

// ErrBusy is returned when no parallel slot is available. The caller may
// retry later; nothing was admitted.
var ErrBusy = errors.New("pipeline: parallel slots exhausted")

// Invocation is one tool call request.
type Invocation struct {
	SessionID  string
	Turn       int
	ToolCallID string
	ToolName   string
	Skill      string
	Command    string
	Args       map[string]any
	Timeout    time.Duration
}

// Result is the dispatcher's answer.
type Result struct {
	Success  bool
	ExitCode int
	Output   string
}

// Dispatcher executes the tool outside the runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) (Result, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, inv Invocation) (Result, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Outcome reports what one Execute did.
type Outcome struct {
	Blocked     bool
	BlockReason string
	Result      Result
	EvidenceID  string
	PatchSet    *patch.Set
	FactChanges []truth.Change
}

type sessionSlots struct {
	mu       sync.Mutex
	inFlight int
	total    int
}

// Pipeline admits, dispatches, and records tool calls.
type Pipeline struct {
	cfg       config.ParallelConfig
	store     *events.Store
	evidence  *ledger.Ledger
	policy    *skills.Policy
	costs     *cost.Tracker
	pressure  *budget.Tracker
	patches   *patch.Tracker
	truths    *truth.Sync
	tasks     *truth.TaskLedger
	injector  *arena.Arena
	estimator token.Estimator
	logger    logging.Logger
	metrics   *observability.RuntimeMetrics

	mu      sync.Mutex
	admitMu map[string]*sync.Mutex
	slots   map[string]*sessionSlots
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Events   *events.Store
	Ledger   *ledger.Ledger
	Policy   *skills.Policy
	Costs    *cost.Tracker
	Pressure *budget.Tracker
	Patches  *patch.Tracker
	Truth    *truth.Sync
	Tasks    *truth.TaskLedger
	Arena    *arena.Arena
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(logger) }
}

// WithMetrics injects a metrics sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEstimator overrides the token estimator used for skill budgets.
func WithEstimator(est token.Estimator) Option {
	return func(p *Pipeline) {
		if est != nil {
			p.estimator = est
		}
	}
}

// New builds a pipeline.
func New(cfg config.ParallelConfig, deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     deps.Events,
		evidence:  deps.Ledger,
		policy:    deps.Policy,
		costs:     deps.Costs,
		pressure:  deps.Pressure,
		patches:   deps.Patches,
		truths:    deps.Truth,
		tasks:     deps.Tasks,
		injector:  deps.Arena,
		estimator: token.DefaultEstimator(),
		logger:    logging.NewComponentLogger("ToolPipeline"),
		admitMu:   make(map[string]*sync.Mutex),
		slots:     make(map[string]*sessionSlots),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Pipeline) sessionAdmitMu(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.admitMu[sessionID]
	if m == nil {
		m = &sync.Mutex{}
		p.admitMu[sessionID] = m
	}
	return m
}

func (p *Pipeline) sessionSlots(sessionID string) *sessionSlots {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[sessionID]
	if s == nil {
		s = &sessionSlots{}
		p.slots[sessionID] = s
	}
	return s
}

// acquireSlot is non-blocking: a full session returns ErrBusy immediately.
func (p *Pipeline) acquireSlot(sessionID string) error {
	s := p.sessionSlots(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.cfg.MaxConcurrent > 0 && s.inFlight >= p.cfg.MaxConcurrent {
		return ErrBusy
	}
	if p.cfg.MaxTotal > 0 && s.total >= p.cfg.MaxTotal {
		return ErrBusy
	}
	s.inFlight++
	s.total++
	return nil
}

func (p *Pipeline) releaseSlot(sessionID string) {
	s := p.sessionSlots(sessionID)
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Execute runs one tool call end to end: admission, before-snapshot,
// dispatch, and result recording with all side effects. Admission is
// serialized per session; dispatch runs under a parallel slot.
func (p *Pipeline) Execute(ctx context.Context, inv Invocation, dispatcher Dispatcher) (Outcome, error) {
	if inv.ToolCallID == "" {
		return Outcome{}, fmt.Errorf("pipeline: tool call id is required")
	}

	admit := p.sessionAdmitMu(inv.SessionID)
	admit.Lock()

	if reason, blocked := p.admitLocked(ctx, inv); blocked {
		admit.Unlock()
		return Outcome{Blocked: true, BlockReason: reason}, nil
	}
	if err := p.acquireSlot(inv.SessionID); err != nil {
		admit.Unlock()
		return Outcome{}, err
	}

	// Before snapshot, still under the admission lock so concurrent calls
	// cannot interleave captures of the same files.
	if p.patches != nil && p.patches.IsMutating(inv.ToolName) {
		if err := p.patches.CaptureBeforeToolCall(inv.SessionID, inv.ToolCallID, inv.ToolName, inv.Args); err != nil {
			p.logger.Warn("Before-snapshot failed for %s: %v", inv.ToolCallID, err)
		}
	}
	admit.Unlock()
	defer p.releaseSlot(inv.SessionID)

	p.append(ctx, events.New(inv.SessionID, events.TypeToolExecutionStart, inv.Turn, map[string]any{
		"tool":       inv.ToolName,
		"toolCallId": inv.ToolCallID,
		"skill":      inv.Skill,
	}))

	dispatchCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	result, err := dispatcher.Dispatch(dispatchCtx, inv)
	if err != nil {
		// Drop the pending capture; a failed dispatch commits nothing.
		if p.patches != nil && p.patches.IsMutating(inv.ToolName) {
			_, _, _ = p.patches.CompleteToolCall(inv.SessionID, inv.ToolCallID, false)
		}
		p.append(ctx, events.New(inv.SessionID, events.TypeToolExecutionError, inv.Turn, map[string]any{
			"tool":       inv.ToolName,
			"toolCallId": inv.ToolCallID,
			"error":      err.Error(),
		}))
		return Outcome{}, err
	}

	return p.record(ctx, inv, result)
}

// admitLocked runs the admission chain. Always-allowed lifecycle tools skip
// only the skill allow-list; the cost gate still applies, and the compaction
// gate admits them through its own lifecycle set.
func (p *Pipeline) admitLocked(ctx context.Context, inv Invocation) (string, bool) {
	if p.policy != nil && !budget.IsAlwaysAllowed(inv.ToolName) {
		if d := p.policy.CheckTool(inv.Skill, inv.ToolName); !d.Allowed() {
			p.block(ctx, inv, "skill_policy", d.Reason)
			return d.Reason, true
		} else if d.Verdict == skills.VerdictWarn && d.Reason != "" {
			p.append(ctx, events.New(inv.SessionID, events.TypeToolContractWarning, inv.Turn, map[string]any{
				"tool": inv.ToolName, "skill": inv.Skill, "reason": d.Reason,
			}))
		}
		if d := p.policy.CheckBudget(inv.SessionID, inv.Skill); !d.Allowed() {
			p.block(ctx, inv, "skill_budget", d.Reason)
			return d.Reason, true
		} else if d.Verdict == skills.VerdictWarn && d.Reason != "" {
			p.append(ctx, events.New(inv.SessionID, events.TypeSkillBudgetWarning, inv.Turn, map[string]any{
				"skill": inv.Skill, "reason": d.Reason,
			}))
		}
	}
	if p.costs != nil {
		if status := p.costs.BudgetStatus(inv.SessionID, inv.Skill); status.Blocked {
			p.block(ctx, inv, "cost_budget", status.Reason)
			return status.Reason, true
		}
	}
	if p.pressure != nil {
		if d := p.pressure.StartTool(inv.SessionID, inv.ToolName); !d.Allowed {
			p.block(ctx, inv, "compaction_gate", d.Reason)
			return d.Reason, true
		}
	}
	return "", false
}

func (p *Pipeline) block(ctx context.Context, inv Invocation, category, reason string) {
	p.logger.Info("Blocked %s (%s): %s", inv.ToolName, category, reason)
	p.append(ctx, events.New(inv.SessionID, events.TypeToolCallBlocked, inv.Turn, map[string]any{
		"tool":       inv.ToolName,
		"toolCallId": inv.ToolCallID,
		"skill":      inv.Skill,
		"category":   category,
		"reason":     reason,
	}))
}

// record commits the result: event, evidence row, truth sync, patch set,
// cost attribution, and arena injections.
func (p *Pipeline) record(ctx context.Context, inv Invocation, result Result) (Outcome, error) {
	outcome := Outcome{Result: result}

	p.append(ctx, events.New(inv.SessionID, events.TypeToolResultRecorded, inv.Turn, map[string]any{
		"tool":       inv.ToolName,
		"toolCallId": inv.ToolCallID,
		"skill":      inv.Skill,
		"success":    result.Success,
		"exitCode":   result.ExitCode,
	}))

	if p.evidence != nil {
		verdict := "pass"
		if !result.Success {
			verdict = "fail"
		}
		hash, summary := ledger.SummarizeOutput(result.Output)
		row, err := p.evidence.Append(ledger.Row{
			SessionID:     inv.SessionID,
			Turn:          inv.Turn,
			Tool:          inv.ToolName,
			ArgsSummary:   summarizeArgs(inv),
			OutputHash:    hash,
			OutputSummary: summary,
			Verdict:       verdict,
			Skill:         inv.Skill,
		})
		if err != nil {
			p.logger.Warn("Evidence append failed: %v", err)
		} else {
			outcome.EvidenceID = row.ID
		}
	}

	if p.truths != nil && inv.Command != "" {
		changes := p.truths.ObserveToolResult(inv.SessionID, truth.ToolResult{
			Tool:       inv.ToolName,
			Command:    inv.Command,
			Success:    result.Success,
			ExitCode:   result.ExitCode,
			Output:     result.Output,
			Turn:       inv.Turn,
			EvidenceID: outcome.EvidenceID,
		})
		outcome.FactChanges = changes
		if p.tasks != nil {
			p.tasks.ApplyFactChanges(inv.SessionID, changes)
		}
		for _, change := range changes {
			p.append(ctx, events.New(inv.SessionID, events.TypeTruthEvent, inv.Turn, map[string]any{
				"factId":      change.Fact.ID,
				"kind":        string(change.Fact.Kind),
				"severity":    string(change.Fact.Severity),
				"status":      string(change.Fact.Status),
				"summary":     change.Fact.Summary,
				"fingerprint": change.Fact.Fingerprint,
				"created":     change.Created,
				"resolved":    change.Resolved,
			}))
		}
	}

	if p.patches != nil && p.patches.IsMutating(inv.ToolName) {
		set, recorded, err := p.patches.CompleteToolCall(inv.SessionID, inv.ToolCallID, result.Success)
		if err != nil {
			p.logger.Warn("Patch completion failed for %s: %v", inv.ToolCallID, err)
		} else if recorded {
			outcome.PatchSet = &set
			p.append(ctx, events.New(inv.SessionID, events.TypePatchRecorded, inv.Turn, map[string]any{
				"patchSetId": set.ID,
				"summary":    set.Summary,
				"files":      len(set.Changes),
			}))
		}
	}

	if p.costs != nil {
		p.costs.RecordToolCall(inv.SessionID, cost.ToolCall{ToolName: inv.ToolName, Turn: inv.Turn})
	}
	if p.policy != nil && inv.Skill != "" {
		p.policy.RecordUsage(inv.SessionID, inv.Skill, p.estimator.Estimate(result.Output))
	}

	p.injectSideEffects(inv, result, outcome.FactChanges)
	return outcome, nil
}

// injectSideEffects refreshes arena feeds: active truth facts and, on
// failure, a tool-failure entry keyed by the tool call.
func (p *Pipeline) injectSideEffects(inv Invocation, result Result, changes []truth.Change) {
	if p.injector == nil {
		return
	}
	if p.truths != nil && len(changes) != 0 {
		for _, injection := range p.truths.Injections(inv.SessionID) {
			p.injector.Append(inv.SessionID, arena.Entry{
				Source:   injection.Source,
				ID:       injection.ID,
				Content:  injection.Content,
				Priority: arena.PriorityHigh,
			})
		}
	}
	if !result.Success {
		content := fmt.Sprintf("%s failed (exit %d)", inv.ToolName, result.ExitCode)
		if result.Output != "" {
			content += "\n" + token.TailToTokens(result.Output, 200)
		}
		p.injector.Append(inv.SessionID, arena.Entry{
			Source:   "brewva.tool-failures",
			ID:       inv.ToolCallID,
			Content:  content,
			Priority: arena.PriorityNormal,
		})
	}
}

func summarizeArgs(inv Invocation) string {
	if inv.Command != "" {
		if len(inv.Command) > 200 {
			return inv.Command[:200] + "..."
		}
		return inv.Command
	}
	if len(inv.Args) == 0 {
		return ""
	}
	return fmt.Sprintf("%d args", len(inv.Args))
}

func (p *Pipeline) append(ctx context.Context, event events.Event) {
	if p.store == nil {
		return
	}
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Warn("Event append failed: %v", err)
	}
}

// ClearSessionState drops per-session admission and slot state.
func (p *Pipeline) ClearSessionState(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.admitMu, sessionID)
	delete(p.slots, sessionID)
}
