package session

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"brewva/internal/arena"
	"brewva/internal/budget"
	"brewva/internal/config"
	"brewva/internal/cost"
	"brewva/internal/events"
	"brewva/internal/ledger"
	"brewva/internal/logging"
	"brewva/internal/memory"
	"brewva/internal/observability"
	"brewva/internal/patch"
	"brewva/internal/pipeline"
	"brewva/internal/skills"
	"brewva/internal/tape"
	"brewva/internal/truth"
)

// Deps collects every component that carries per-session state. Any of them
// may be nil; the lifecycle skips what is absent.
type Deps struct {
	Events   *events.Store
	Ledger   *ledger.Ledger
	Costs    *cost.Tracker
	Pressure *budget.Tracker
	Truth    *truth.Sync
	Tasks    *truth.TaskLedger
	Skills   *skills.Policy
	Memory   *memory.Store
	Arena    *arena.Arena
	Patches  *patch.Tracker
	Tape     *tape.Checkpointer
	Pipeline *pipeline.Pipeline
}

// View is the folded per-session state the lifecycle itself maintains on top
// of the component caches.
type View struct {
	Turn                  int
	ActiveSkills          []string
	CompactionTurns       []int
	LedgerCompactionTurns []int
	Warnings              map[string]int
}

type sessionView struct {
	once sync.Once
	err  error

	mu           sync.Mutex
	turn         int
	activeSkills map[string]struct{}
	compactions  []int
	ledgerTurns  []int
	warnings     map[string]int
}

// Lifecycle hydrates sessions from the event log, tracks the turn counter,
// and fans teardown out across components.
type Lifecycle struct {
	cfg     config.Config
	deps    Deps
	logger  logging.Logger
	metrics *observability.RuntimeMetrics

	mu       sync.Mutex
	sessions map[string]*sessionView
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Lifecycle) { l.logger = logging.OrNop(logger) }
}

// WithMetrics injects a metrics sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// New builds a lifecycle over the component set.
func New(cfg config.Config, deps Deps, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.NewComponentLogger("SessionLifecycle"),
		sessions: make(map[string]*sessionView),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Lifecycle) session(sessionID string) *sessionView {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sessions[sessionID]
	if s == nil {
		s = &sessionView{
			activeSkills: make(map[string]struct{}),
			warnings:     make(map[string]int),
		}
		l.sessions[sessionID] = s
	}
	return s
}

// OnTurnStart hydrates the session if needed, bumps the turn counter
// monotonically, and opens the turn on the pressure tracker.
func (l *Lifecycle) OnTurnStart(ctx context.Context, sessionID string, turn int) error {
	if err := l.EnsureHydrated(ctx, sessionID); err != nil {
		return err
	}
	s := l.session(sessionID)
	s.mu.Lock()
	if turn > s.turn {
		s.turn = turn
	}
	current := s.turn
	s.mu.Unlock()

	if l.deps.Pressure != nil {
		l.deps.Pressure.BeginTurn(sessionID, current)
	}
	l.append(ctx, events.New(sessionID, events.TypeTurnStart, current, nil))
	return nil
}

// EnsureHydrated folds the persisted event log into the component caches.
// Runs at most once per process per session; repeated calls are no-ops.
func (l *Lifecycle) EnsureHydrated(ctx context.Context, sessionID string) error {
	s := l.session(sessionID)
	s.once.Do(func() {
		s.err = l.hydrate(ctx, sessionID, s)
	})
	return s.err
}

// View returns a copy of the lifecycle's folded view.
func (l *Lifecycle) View(sessionID string) View {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	view := View{
		Turn:                  s.turn,
		CompactionTurns:       append([]int(nil), s.compactions...),
		LedgerCompactionTurns: append([]int(nil), s.ledgerTurns...),
		Warnings:              make(map[string]int, len(s.warnings)),
	}
	for name := range s.activeSkills {
		view.ActiveSkills = append(view.ActiveSkills, name)
	}
	for k, v := range s.warnings {
		view.Warnings[k] = v
	}
	return view
}

// RecordModelUsage books one model usage sample: cost accounting, the
// cost_update event, and the checkpoint counter.
func (l *Lifecycle) RecordModelUsage(ctx context.Context, sessionID string, turn int, usage cost.Usage, skill string) error {
	if l.deps.Costs != nil {
		l.deps.Costs.RecordUsage(sessionID, usage, cost.Attribution{Turn: turn, Skill: skill})
	}
	event := events.New(sessionID, events.TypeCostUpdate, turn, map[string]any{
		"model":       usage.Model,
		"totalTokens": usage.TotalTokens,
		"inputTokens": usage.InputTokens,
		"costUsd":     usage.CostUSD,
		"skill":       skill,
	})
	if l.deps.Events != nil {
		if err := l.deps.Events.Append(ctx, event); err != nil {
			return err
		}
	}
	if l.deps.Tape != nil {
		return l.deps.Tape.ObserveAppend(ctx, sessionID, turn)
	}
	return nil
}

// MarkCompacted records an external compaction: pressure gate reset plus the
// session_compact event.
func (l *Lifecycle) MarkCompacted(ctx context.Context, sessionID string, turn, fromTokens, toTokens int) {
	if l.deps.Pressure != nil {
		l.deps.Pressure.MarkCompacted(sessionID, fromTokens, toTokens)
	}
	if l.deps.Arena != nil {
		l.deps.Arena.ResetEpoch(sessionID)
	}
	s := l.session(sessionID)
	s.mu.Lock()
	s.compactions = append(s.compactions, turn)
	s.mu.Unlock()
	l.append(ctx, events.New(sessionID, events.TypeSessionCompact, turn, map[string]any{
		"fromTokens": fromTokens,
		"toTokens":   toTokens,
	}))
}

// ClearSessionState erases every per-session cache across all components.
// On-disk state is untouched; the next access rehydrates from the log.
func (l *Lifecycle) ClearSessionState(sessionID string) {
	if l.deps.Events != nil {
		l.deps.Events.ClearSessionCache(sessionID)
	}
	if l.deps.Ledger != nil {
		l.deps.Ledger.ClearSessionCache(sessionID)
	}
	if l.deps.Costs != nil {
		l.deps.Costs.ClearSessionState(sessionID)
	}
	if l.deps.Pressure != nil {
		l.deps.Pressure.ClearSessionState(sessionID)
	}
	if l.deps.Truth != nil {
		l.deps.Truth.ClearSessionState(sessionID)
	}
	if l.deps.Tasks != nil {
		l.deps.Tasks.ClearSessionState(sessionID)
	}
	if l.deps.Skills != nil {
		l.deps.Skills.ClearSessionState(sessionID)
	}
	if l.deps.Memory != nil {
		l.deps.Memory.ClearSessionCache(sessionID)
	}
	if l.deps.Arena != nil {
		l.deps.Arena.ClearSessionState(sessionID)
	}
	if l.deps.Patches != nil {
		l.deps.Patches.ClearSessionCache(sessionID)
	}
	if l.deps.Tape != nil {
		l.deps.Tape.ClearSessionState(sessionID)
	}
	if l.deps.Pipeline != nil {
		l.deps.Pipeline.ClearSessionState(sessionID)
	}
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// Shutdown emits the final shutdown event and tears the session down in
// memory. The log persists.
func (l *Lifecycle) Shutdown(ctx context.Context, sessionID string, turn int) {
	l.append(ctx, events.New(sessionID, events.TypeSessionShutdown, turn, nil))
	if l.deps.Events != nil {
		if err := l.deps.Events.Flush(sessionID); err != nil {
			l.logger.Warn("Flush on shutdown failed: %v", err)
		}
	}
	l.ClearSessionState(sessionID)
}

// Run executes fn under SIGINT/SIGTERM handling. A signal cancels fn's
// context, waits out the grace period, emits session_interrupted, and maps
// to exit code 130 or 143. Without a signal the exit code is 0 on success
// and 1 on error.
func (l *Lifecycle) Run(ctx context.Context, sessionID string, fn func(context.Context) error) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return l.run(ctx, sessionID, fn, sigCh)
}

func (l *Lifecycle) run(ctx context.Context, sessionID string, fn func(context.Context) error, sigCh <-chan os.Signal) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(runCtx) }()

	select {
	case err := <-done:
		if err != nil {
			l.logger.Error("Session %s failed: %v", sessionID, err)
			return 1
		}
		return 0
	case sig := <-sigCh:
		cancel()
		select {
		case <-done:
		case <-time.After(l.cfg.GracefulTimeout()):
			l.logger.Warn("Grace period elapsed, abandoning in-flight work")
		}
		s := l.session(sessionID)
		s.mu.Lock()
		turn := s.turn
		s.mu.Unlock()
		l.append(context.Background(), events.New(sessionID, events.TypeSessionInterrupted, turn, map[string]any{
			"signal": sig.String(),
		}))
		l.Shutdown(context.Background(), sessionID, turn)
		if sig == syscall.SIGTERM {
			return 143
		}
		return 130
	}
}

func (l *Lifecycle) append(ctx context.Context, event events.Event) {
	if l.deps.Events == nil {
		return
	}
	if err := l.deps.Events.Append(ctx, event); err != nil {
		l.logger.Warn("Event append failed: %v", err)
	}
}
