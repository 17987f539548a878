package main

import (
	"path/filepath"

	"brewva/internal/arena"
	"brewva/internal/budget"
	"brewva/internal/config"
	"brewva/internal/cost"
	"brewva/internal/events"
	"brewva/internal/ledger"
	"brewva/internal/logging"
	"brewva/internal/memory"
	"brewva/internal/patch"
	"brewva/internal/pipeline"
	"brewva/internal/session"
	"brewva/internal/skills"
	"brewva/internal/tape"
	"brewva/internal/truth"
)

// runtime is the fully wired component graph behind one CLI invocation.
type runtime struct {
	cfg config.Config

	store    *events.Store
	evidence *ledger.Ledger
	costs    *cost.Tracker
	pressure *budget.Tracker
	patches  *patch.Tracker
	truths   *truth.Sync
	tasks    *truth.TaskLedger
	registry *skills.Registry
	policy   *skills.Policy
	memories *memory.Store
	recall   *memory.Recaller
	arena    *arena.Arena
	tape     *tape.Checkpointer
	pipe     *pipeline.Pipeline
	life     *session.Lifecycle
}

func newRuntime(cfg config.Config) (*runtime, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(cfg.Workspace, ".brewva")
	}

	rt := &runtime{cfg: cfg}
	rt.store = events.NewStore(stateDir)
	rt.evidence = ledger.New(stateDir, logging.NewComponentLogger("Ledger"))
	rt.costs = cost.New(cfg.Cost)
	rt.pressure = budget.New(cfg.Budget)
	rt.patches = patch.NewTracker(cfg.Workspace, stateDir)
	rt.truths = truth.NewSync()
	rt.tasks = truth.NewTaskLedger()

	rt.registry = skills.NewRegistry(cfg.Workspace, config.StateDir(),
		skills.WithExtraRoots(cfg.Skills.ExtraRoots...),
		skills.WithDisabled(cfg.Skills.Disabled...))
	if err := rt.registry.Refresh(); err != nil {
		return nil, err
	}
	rt.policy = skills.NewPolicy(rt.registry, skills.PolicyMode(cfg.Skills.PolicyMode),
		logging.NewComponentLogger("SkillPolicy"))

	rt.memories = memory.NewStore(stateDir)
	rt.recall = memory.NewRecaller(rt.memories, cfg.Memory)
	rt.arena = arena.New(cfg.Arena)
	rt.tape = tape.NewCheckpointer(cfg.Tape, rt.store, rt.costs)

	rt.pipe = pipeline.New(cfg.Parallel, pipeline.Deps{
		Events:   rt.store,
		Ledger:   rt.evidence,
		Policy:   rt.policy,
		Costs:    rt.costs,
		Pressure: rt.pressure,
		Patches:  rt.patches,
		Truth:    rt.truths,
		Tasks:    rt.tasks,
		Arena:    rt.arena,
	})
	rt.life = session.New(cfg, session.Deps{
		Events:   rt.store,
		Ledger:   rt.evidence,
		Costs:    rt.costs,
		Pressure: rt.pressure,
		Truth:    rt.truths,
		Tasks:    rt.tasks,
		Skills:   rt.policy,
		Memory:   rt.memories,
		Arena:    rt.arena,
		Patches:  rt.patches,
		Tape:     rt.tape,
		Pipeline: rt.pipe,
	})
	return rt, nil
}
