package arena

import (
	"strings"
	"testing"
	"time"

	"brewva/internal/config"
	"brewva/internal/logging"
	"brewva/internal/observability"
	"brewva/internal/shared/token"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestArena(cfg config.ArenaConfig) *Arena {
	return New(cfg,
		WithLogger(logging.Nop()),
		WithMetrics(observability.NewRuntimeMetricsWithRegisterer(prometheus.NewRegistry())),
		WithEstimator(token.EstimatorFunc(token.EstimateFast)),
	)
}

func zones(table map[string]config.ZoneBudget) map[string]config.ZoneBudget {
	out := map[string]config.ZoneBudget{}
	for _, z := range ZoneOrder {
		out[string(z)] = config.ZoneBudget{}
	}
	for name, b := range table {
		out[name] = b
	}
	return out
}

func TestPlanLastWriteWins(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"truth": {Min: 0, Max: 4000},
		}),
	})

	a.Append("s", Entry{Source: "brewva.truth-facts", ID: "tf", Content: "old"})
	a.Append("s", Entry{Source: "brewva.truth-facts", ID: "tf", Content: "new"})

	plan := a.Plan("s", 10_000, PlanOptions{})
	if len(plan.Entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(plan.Entries))
	}
	if plan.Entries[0].Entry.Content != "new" {
		t.Fatalf("last write must win, got %q", plan.Entries[0].Entry.Content)
	}
}

func TestPlanFloorRelaxationCascade(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		TruncationStrategy: string(TruncateTail),
		Zones: zones(map[string]config.ZoneBudget{
			"tool_failures": {Min: 80, Max: 3000},
			"memory_recall": {Min: 80, Max: 4000},
		}),
		FloorRelaxation: config.FloorRelaxationConfig{
			Enabled:           true,
			RelaxOrder:        []string{"memory_recall", "tool_failures", "memory_working"},
			FinalFallback:     "critical_only",
			RequestCompaction: true,
		},
	})

	big := strings.Repeat("alpha beta ", 200)
	a.Append("s", Entry{Source: "brewva.tool-failures", ID: "f1", Content: big, EstimatedTokens: 500})
	a.Append("s", Entry{Source: "memory.recall", ID: "r1", Content: big, EstimatedTokens: 500})

	plan := a.Plan("s", 100, PlanOptions{})
	if len(plan.Entries) == 0 {
		t.Fatalf("relaxed plan must not be empty")
	}
	if len(plan.Telemetry.FloorUnmet) == 0 {
		t.Fatalf("floor_unmet must be reported")
	}
	found := false
	for _, zone := range plan.Telemetry.AppliedFloorRelaxation {
		if zone == ZoneMemoryRecall {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory_recall must be relaxed first, got %v", plan.Telemetry.AppliedFloorRelaxation)
	}
	if plan.TotalTokens > 100 {
		t.Fatalf("plan exceeds the global budget: %d", plan.TotalTokens)
	}
}

func TestPlanZoneAndPriorityOrdering(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"identity":       {Max: 1000},
			"task_state":     {Max: 1000},
			"memory_working": {Max: 1000},
		}),
	})

	base := time.Now()
	a.Append("s", Entry{Source: "memory.working", ID: "m", Content: "working", Timestamp: base})
	a.Append("s", Entry{Source: "brewva.task-state", ID: "t-low", Content: "low", Priority: PriorityLow, Timestamp: base})
	a.Append("s", Entry{Source: "brewva.task-state", ID: "t-crit", Content: "crit", Priority: PriorityCritical, Timestamp: base.Add(time.Second)})
	a.Append("s", Entry{Source: "brewva.identity", ID: "i", Content: "identity", Timestamp: base})

	plan := a.Plan("s", 10_000, PlanOptions{})
	var got []string
	for _, e := range plan.Entries {
		got = append(got, e.Entry.ID)
	}
	want := []string{"i", "t-crit", "t-low", "m"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSummarizeStrategyEmitsStub(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"memory_working": {Max: 60},
		}),
	})

	a.Append("s", Entry{
		Source:          "memory.working",
		ID:              "big",
		Content:         strings.Repeat("payload ", 500),
		EstimatedTokens: 500,
		Strategy:        TruncateSummarize,
	})

	plan := a.Plan("s", 10_000, PlanOptions{})
	if len(plan.Entries) != 1 {
		t.Fatalf("expected a summarized entry, got %d", len(plan.Entries))
	}
	e := plan.Entries[0].Entry
	if !e.Truncated || !strings.HasPrefix(e.Content, "[ContextTruncated]") {
		t.Fatalf("expected truncation stub, got %q", e.Content)
	}
	if !strings.Contains(e.Content, "originalTokens=500") {
		t.Fatalf("stub must carry the original size, got %q", e.Content)
	}
}

func TestDropEntryStrategyRejectsOversized(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"memory_working": {Max: 100},
		}),
	})

	a.Append("s", Entry{Source: "memory.working", ID: "big", Content: "x", EstimatedTokens: 500, Strategy: TruncateDropEntry})
	a.Append("s", Entry{Source: "memory.working", ID: "small", Content: "y", EstimatedTokens: 50, Strategy: TruncateDropEntry})

	plan := a.Plan("s", 10_000, PlanOptions{})
	if len(plan.Entries) != 1 || plan.Entries[0].Entry.ID != "small" {
		t.Fatalf("oversized drop-entry must be rejected whole, got %+v", plan.Entries)
	}
}

func TestSLODropRecallPolicy(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		MaxEntriesPerSession: 2,
		DegradationPolicy:    string(DegradeDropRecall),
		Zones: zones(map[string]config.ZoneBudget{
			"task_state":    {Max: 1000},
			"memory_recall": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "memory.recall", ID: "r1", Content: "r1", Timestamp: time.Now().Add(-time.Minute)})
	a.Append("s", Entry{Source: "brewva.task-state", ID: "t1", Content: "t1"})

	// Incoming recall entry over capacity is rejected.
	res := a.Append("s", Entry{Source: "memory.recall", ID: "r2", Content: "r2"})
	if res.Accepted {
		t.Fatalf("incoming recall entry must be rejected under drop_recall")
	}
	if res.SLOEnforced == nil || res.SLOEnforced.Policy != DegradeDropRecall {
		t.Fatalf("expected drop_recall enforcement, got %+v", res.SLOEnforced)
	}

	// Incoming non-recall entry evicts the oldest recall entry instead.
	res = a.Append("s", Entry{Source: "brewva.task-state", ID: "t2", Content: "t2"})
	if !res.Accepted {
		t.Fatalf("non-recall entry must be accepted")
	}
	if res.SLOEnforced == nil || len(res.SLOEnforced.Dropped) != 1 || res.SLOEnforced.Dropped[0].ID != "r1" {
		t.Fatalf("oldest recall entry must be evicted, got %+v", res.SLOEnforced)
	}
}

func TestSLOForceCompactPolicy(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		MaxEntriesPerSession: 2,
		DegradationPolicy:    string(DegradeForceCompact),
		Zones: zones(map[string]config.ZoneBudget{
			"task_state": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "brewva.task-state", ID: "a", Content: "a"})
	a.Append("s", Entry{Source: "brewva.task-state", ID: "b", Content: "b"})
	res := a.Append("s", Entry{Source: "brewva.task-state", ID: "c", Content: "c"})
	if !res.Accepted || res.SLOEnforced == nil {
		t.Fatalf("force_compact must accept the incoming entry, got %+v", res)
	}
	if res.SLOEnforced.EntriesAfter != 0 || len(res.SLOEnforced.Dropped) != 2 {
		t.Fatalf("force_compact must clear the active map, got %+v", res.SLOEnforced)
	}
	active := a.ActiveEntries("s")
	if len(active) != 1 || active[0].ID != "c" {
		t.Fatalf("only the incoming entry must survive, got %+v", active)
	}
}

func TestOncePerSessionRetiredOnCommit(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"memory_working": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "memory.working", ID: "once", Content: "hello", OncePerSession: true})
	plan := a.Plan("s", 10_000, PlanOptions{})
	if len(plan.Entries) != 1 {
		t.Fatalf("entry must plan before commit, got %d", len(plan.Entries))
	}
	a.Commit("s", plan.ConsumedKeys)

	if again := a.Plan("s", 10_000, PlanOptions{}); len(again.Entries) != 0 {
		t.Fatalf("once-per-session entry must not plan twice, got %d", len(again.Entries))
	}
	if res := a.Append("s", Entry{Source: "memory.working", ID: "once", Content: "again"}); res.Accepted {
		t.Fatalf("retired once key must reject re-append")
	}
}

func TestCommitThenReplanIsEmptyUntilReappend(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"truth": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "brewva.truth-facts", ID: "tf", Content: "fact"})
	plan := a.Plan("s", 10_000, PlanOptions{})
	if len(plan.Entries) != 1 {
		t.Fatalf("expected one planned entry, got %d", len(plan.Entries))
	}
	a.Commit("s", plan.ConsumedKeys)

	if again := a.Plan("s", 10_000, PlanOptions{}); len(again.Entries) != 0 {
		t.Fatalf("replan after commit with no new appends must be empty, got %d", len(again.Entries))
	}

	// A superseding append makes the key plannable again.
	a.Append("s", Entry{Source: "brewva.truth-facts", ID: "tf", Content: "updated"})
	replanned := a.Plan("s", 10_000, PlanOptions{})
	if len(replanned.Entries) != 1 || replanned.Entries[0].Entry.Content != "updated" {
		t.Fatalf("superseded key must replan with new content, got %+v", replanned.Entries)
	}
}

func TestForceCriticalOnly(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"identity":       {Max: 1000},
			"memory_working": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "brewva.identity", ID: "i", Content: "id"})
	a.Append("s", Entry{Source: "memory.working", ID: "m", Content: "mem"})

	plan := a.Plan("s", 10_000, PlanOptions{ForceCriticalOnly: true})
	if !plan.Telemetry.StabilityForced {
		t.Fatalf("stabilityForced must be set")
	}
	if len(plan.Entries) != 1 || plan.Entries[0].Zone != ZoneIdentity {
		t.Fatalf("only critical zones may plan, got %+v", plan.Entries)
	}
}

func TestAdaptiveControllerShiftsBudget(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"task_state":     {Max: 500},
			"memory_working": {Max: 1000},
		}),
		Adaptive: config.AdaptiveZonesConfig{
			Enabled:                true,
			EMAAlpha:               0.5,
			MinTurnsBeforeAdapt:    1,
			UpshiftTruncationRatio: 0.3,
			DownshiftIdleRatio:     0.3,
			StepTokens:             100,
			MaxShiftPerTurn:        100,
			ZoneMaxAbsolute:        5000,
		},
	})

	// task_state always truncates, memory_working always idles.
	a.Append("s", Entry{Source: "brewva.task-state", ID: "big", Content: "x", EstimatedTokens: 800, Strategy: TruncateDropEntry})

	a.Plan("s", 10_000, PlanOptions{Turn: 1})
	second := a.Plan("s", 10_000, PlanOptions{Turn: 2})

	shift := second.Telemetry.ZoneAdaptation
	if shift == nil {
		t.Fatalf("expected a budget transfer on the second turn")
	}
	if shift.Recipient != ZoneTaskState || shift.Donor != ZoneMemoryWorking || shift.Tokens != 100 {
		t.Fatalf("unexpected transfer: %+v", shift)
	}

	snap := a.AdaptiveSnapshot("s")
	if snap.EffectiveMax[ZoneTaskState] != 600 || snap.EffectiveMax[ZoneMemoryWorking] != 900 {
		t.Fatalf("effective budgets not updated: %+v", snap.EffectiveMax)
	}
	if snap.TurnsObserved != 2 {
		t.Fatalf("expected 2 observed turns, got %d", snap.TurnsObserved)
	}
}

func TestAppendHistoryRing(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"memory_working": {Max: 1000},
		}),
	})

	for i := 0; i < appendHistoryLimit+50; i++ {
		a.Append("s", Entry{Source: "memory.working", ID: "k", Content: strings.Repeat("x", i%7+1)})
	}
	history := a.AppendHistory("s")
	if len(history) != appendHistoryLimit {
		t.Fatalf("history must trim to %d, got %d", appendHistoryLimit, len(history))
	}
}

func TestResetEpochClearsPresented(t *testing.T) {
	t.Parallel()

	a := newTestArena(config.ArenaConfig{
		Zones: zones(map[string]config.ZoneBudget{
			"memory_working": {Max: 1000},
		}),
	})

	a.Append("s", Entry{Source: "memory.working", ID: "k", Content: "v"})
	plan := a.Plan("s", 10_000, PlanOptions{})
	a.Commit("s", plan.ConsumedKeys)

	if epoch := a.ResetEpoch("s"); epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}
	// Non-once entries survive compaction and plan again.
	if again := a.Plan("s", 10_000, PlanOptions{}); len(again.Entries) != 1 {
		t.Fatalf("active entry must survive epoch reset, got %d", len(again.Entries))
	}
}
