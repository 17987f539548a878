package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

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
	"github.com/prometheus/client_golang/prometheus"
)

type fixture struct {
	pipe      *Pipeline
	store     *events.Store
	evidence  *ledger.Ledger
	costs     *cost.Tracker
	pressure  *budget.Tracker
	patches   *patch.Tracker
	truths    *truth.Sync
	tasks     *truth.TaskLedger
	injector  *arena.Arena
	workspace string
}

func newFixture(t *testing.T, parallel config.ParallelConfig, costCfg config.CostConfig, policy *skills.Policy) *fixture {
	t.Helper()
	metrics := observability.NewRuntimeMetricsWithRegisterer(prometheus.NewRegistry())
	workspace := t.TempDir()

	f := &fixture{
		store:     events.NewStore(t.TempDir(), events.WithLogger(logging.Nop()), events.WithMetrics(metrics)),
		evidence:  ledger.New(t.TempDir(), logging.Nop()),
		costs:     cost.New(costCfg, cost.WithLogger(logging.Nop()), cost.WithMetrics(metrics)),
		pressure:  budget.New(config.BudgetConfig{}, budget.WithLogger(logging.Nop()), budget.WithMetrics(metrics)),
		patches:   patch.NewTracker(workspace, t.TempDir(), patch.WithLogger(logging.Nop()), patch.WithMetrics(metrics)),
		truths:    truth.NewSync(truth.WithLogger(logging.Nop())),
		tasks:     truth.NewTaskLedger(),
		injector:  arena.New(config.ArenaConfig{TotalTokenBudget: 10000, MaxEntriesPerSession: 100}, arena.WithLogger(logging.Nop()), arena.WithMetrics(metrics), arena.WithEstimator(token.EstimatorFunc(token.EstimateFast))),
		workspace: workspace,
	}
	f.pipe = New(parallel, Deps{
		Events:   f.store,
		Ledger:   f.evidence,
		Policy:   policy,
		Costs:    f.costs,
		Pressure: f.pressure,
		Patches:  f.patches,
		Truth:    f.truths,
		Tasks:    f.tasks,
		Arena:    f.injector,
	}, WithLogger(logging.Nop()), WithMetrics(metrics), WithEstimator(token.EstimatorFunc(token.EstimateFast)))
	return f
}

func (f *fixture) countEvents(t *testing.T, sessionID string, types ...string) int {
	t.Helper()
	list, err := f.store.List(context.Background(), sessionID, events.Filter{Types: types})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(list)
}

func okDispatcher(output string) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{Success: true, Output: output}, nil
	})
}

func TestExecuteRecordsResultAndEvidence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	inv := Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash", Command: "ls -la"}

	outcome, err := f.pipe.Execute(context.Background(), inv, okDispatcher("total 12"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Blocked {
		t.Fatalf("unexpected block: %s", outcome.BlockReason)
	}
	if outcome.EvidenceID == "" {
		t.Fatalf("evidence row must be recorded")
	}
	if n := f.countEvents(t, "s", events.TypeToolExecutionStart); n != 1 {
		t.Fatalf("expected 1 start event, got %d", n)
	}
	if n := f.countEvents(t, "s", events.TypeToolResultRecorded); n != 1 {
		t.Fatalf("expected 1 result event, got %d", n)
	}

	rows, err := f.evidence.Rows("s", ledger.Query{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Verdict != "pass" || rows[0].Tool != "bash" {
		t.Fatalf("evidence mismatch: %+v", rows)
	}
}

func TestFailureFeedsTruthBlockersAndArena(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	inv := Invocation{SessionID: "s", Turn: 2, ToolCallID: "c1", ToolName: "bash", Command: "go test ./..."}
	failing := DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{Success: false, ExitCode: 1, Output: "FAIL: TestParser"}, nil
	})

	outcome, err := f.pipe.Execute(context.Background(), inv, failing)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(outcome.FactChanges) != 1 || !outcome.FactChanges[0].Created {
		t.Fatalf("failure must create a fact, got %+v", outcome.FactChanges)
	}
	if blockers := f.tasks.ActiveBlockers("s"); len(blockers) != 1 {
		t.Fatalf("expected one blocker, got %+v", blockers)
	}
	if n := f.countEvents(t, "s", events.TypeTruthEvent); n != 1 {
		t.Fatalf("expected 1 truth event, got %d", n)
	}

	var sawFact, sawFailure bool
	for _, entry := range f.injector.ActiveEntries("s") {
		switch entry.Source {
		case truth.InjectionSource:
			sawFact = true
		case "brewva.tool-failures":
			sawFailure = true
		}
	}
	if !sawFact || !sawFailure {
		t.Fatalf("arena must carry fact and failure entries, fact=%v failure=%v", sawFact, sawFailure)
	}

	rows, err := f.evidence.Rows("s", ledger.Query{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Verdict != "fail" {
		t.Fatalf("failed call must record a fail verdict, got %+v", rows)
	}
}

func TestSkillPolicyBlocksDeniedTool(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "skills", "base", "refactor", "SKILL.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	skill := `---
name: refactor
tools:
  required: [read, edit]
  denied: [bash]
---
Refactor safely.
`
	if err := os.WriteFile(path, []byte(skill), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg := skills.NewRegistry(root, "", skills.WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	policy := skills.NewPolicy(reg, skills.PolicyEnforce, logging.Nop())

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, policy)
	dispatched := false
	dispatcher := DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		dispatched = true
		return Result{Success: true}, nil
	})

	inv := Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash", Skill: "refactor", Command: "rm -rf build"}
	outcome, err := f.pipe.Execute(context.Background(), inv, dispatcher)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Blocked || outcome.BlockReason == "" {
		t.Fatalf("denied tool must block with a reason, got %+v", outcome)
	}
	if dispatched {
		t.Fatalf("blocked call must not dispatch")
	}
	if n := f.countEvents(t, "s", events.TypeToolCallBlocked); n != 1 {
		t.Fatalf("expected 1 blocked event, got %d", n)
	}
	if n := f.countEvents(t, "s", events.TypeToolResultRecorded); n != 0 {
		t.Fatalf("blocked call must not record a result, got %d", n)
	}
}

func TestCostBudgetBlocksWhenConfigured(t *testing.T) {
	t.Parallel()

	costCfg := config.CostConfig{MaxCostUSDPerSession: 0.01, BudgetAction: "block_tools"}
	f := newFixture(t, config.ParallelConfig{}, costCfg, nil)
	f.costs.RecordUsage("s", cost.Usage{TotalTokens: 1000, CostUSD: 0.02}, cost.Attribution{Turn: 1})

	inv := Invocation{SessionID: "s", Turn: 2, ToolCallID: "c1", ToolName: "bash", Command: "ls"}
	outcome, err := f.pipe.Execute(context.Background(), inv, okDispatcher(""))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Blocked {
		t.Fatalf("exhausted session budget must block")
	}
	if n := f.countEvents(t, "s", events.TypeToolCallBlocked); n != 1 {
		t.Fatalf("expected 1 blocked event, got %d", n)
	}
}

func TestCostBudgetBlocksLifecycleTools(t *testing.T) {
	t.Parallel()

	costCfg := config.CostConfig{MaxCostUSDPerSession: 0.01, BudgetAction: "block_tools"}
	f := newFixture(t, config.ParallelConfig{}, costCfg, nil)
	f.costs.RecordUsage("s", cost.Usage{TotalTokens: 1000, CostUSD: 0.02}, cost.Attribution{Turn: 1})

	// Lifecycle tools skip the skill allow-list, not the cost gate.
	inv := Invocation{SessionID: "s", Turn: 2, ToolCallID: "c1", ToolName: "ledger_query"}
	outcome, err := f.pipe.Execute(context.Background(), inv, okDispatcher(""))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Blocked {
		t.Fatalf("exhausted session budget must block lifecycle tools too")
	}
	if n := f.countEvents(t, "s", events.TypeToolCallBlocked); n != 1 {
		t.Fatalf("expected 1 blocked event, got %d", n)
	}
}

func TestCompactionGateBlocksAndLifecycleBypasses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	f.pressure.ObserveUsage("s", budget.Usage{Percent: 0.95})

	inv := Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash", Command: "ls"}
	outcome, err := f.pipe.Execute(context.Background(), inv, okDispatcher(""))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Blocked {
		t.Fatalf("critical pressure must block normal tools")
	}

	lifecycle := Invocation{SessionID: "s", Turn: 1, ToolCallID: "c2", ToolName: "ledger_query"}
	outcome, err = f.pipe.Execute(context.Background(), lifecycle, okDispatcher(""))
	if err != nil {
		t.Fatalf("execute lifecycle: %v", err)
	}
	if outcome.Blocked {
		t.Fatalf("lifecycle tool must bypass the gate, got %s", outcome.BlockReason)
	}
}

func TestParallelMaxTotalReturnsErrBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{MaxTotal: 1}, config.CostConfig{}, nil)

	if _, err := f.pipe.Execute(context.Background(), Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash"}, okDispatcher("")); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := f.pipe.Execute(context.Background(), Invocation{SessionID: "s", Turn: 1, ToolCallID: "c2", ToolName: "bash"}, okDispatcher(""))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second call must hit the total cap, got %v", err)
	}

	f.pipe.ClearSessionState("s")
	if _, err := f.pipe.Execute(context.Background(), Invocation{SessionID: "s", Turn: 2, ToolCallID: "c3", ToolName: "bash"}, okDispatcher("")); err != nil {
		t.Fatalf("execute after clear: %v", err)
	}
}

func TestDispatchErrorEmitsExecutionError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	boom := errors.New("connection reset")
	dispatcher := DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{}, boom
	})

	_, err := f.pipe.Execute(context.Background(), Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash"}, dispatcher)
	if !errors.Is(err, boom) {
		t.Fatalf("dispatch error must surface, got %v", err)
	}
	if n := f.countEvents(t, "s", events.TypeToolExecutionError); n != 1 {
		t.Fatalf("expected 1 execution error event, got %d", n)
	}
	if n := f.countEvents(t, "s", events.TypeToolResultRecorded); n != 0 {
		t.Fatalf("errored call must not record a result, got %d", n)
	}
}

func TestMutatingToolRecordsPatchSet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	target := filepath.Join(f.workspace, "main.go")
	dispatcher := DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		if err := os.WriteFile(target, []byte("package main\n"), 0o644); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Output: "wrote main.go"}, nil
	})

	inv := Invocation{
		SessionID:  "s",
		Turn:       1,
		ToolCallID: "c1",
		ToolName:   "write",
		Args:       map[string]any{"file_path": target},
	}
	outcome, err := f.pipe.Execute(context.Background(), inv, dispatcher)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.PatchSet == nil || len(outcome.PatchSet.Changes) != 1 {
		t.Fatalf("mutating call must record a patch set, got %+v", outcome.PatchSet)
	}
	if outcome.PatchSet.Changes[0].Action != patch.ActionAdd {
		t.Fatalf("new file must record an add, got %+v", outcome.PatchSet.Changes[0])
	}
	if n := f.countEvents(t, "s", events.TypePatchRecorded); n != 1 {
		t.Fatalf("expected 1 patch event, got %d", n)
	}
}

func TestContextCancellationReachesDispatcher(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.ParallelConfig{}, config.CostConfig{}, nil)
	dispatcher := DispatcherFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pipe.Execute(ctx, Invocation{SessionID: "s", Turn: 1, ToolCallID: "c1", ToolName: "bash"}, dispatcher)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must surface, got %v", err)
	}
}
