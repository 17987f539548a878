package tape

import (
	"context"
	"encoding/json"
	"sync"

	"brewva/internal/config"
	"brewva/internal/cost"
	"brewva/internal/events"
	"brewva/internal/logging"
	"brewva/internal/observability"
)

// Checkpointer periodically folds a canonical cost snapshot into the event
// log so hydration can skip replaying the full prefix.
type Checkpointer struct {
	cfg     config.TapeConfig
	store   *events.Store
	costs   *cost.Tracker
	logger  logging.Logger
	metrics *observability.RuntimeMetrics

	mu               sync.Mutex
	lastCheckpointAt map[string]int // session -> store append count at last checkpoint
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithLogger injects a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Checkpointer) { c.logger = logging.OrNop(logger) }
}

// WithMetrics injects a metrics sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(c *Checkpointer) { c.metrics = m }
}

// NewCheckpointer builds a checkpointer over the event store and cost
// tracker.
func NewCheckpointer(cfg config.TapeConfig, store *events.Store, costs *cost.Tracker, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		cfg:              cfg,
		store:            store,
		costs:            costs,
		logger:           logging.NewComponentLogger("TapeCheckpointer"),
		lastCheckpointAt: make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ObserveAppend checks the store's appended-event count and writes a
// tape_checkpoint once checkpointIntervalEntries events have landed since the
// last one. The checkpoint event itself does not count toward the next
// interval.
func (c *Checkpointer) ObserveAppend(ctx context.Context, sessionID string, turn int) error {
	interval := c.cfg.CheckpointIntervalEntries
	if interval <= 0 {
		return nil
	}

	count := c.store.AppendedCount(sessionID)
	c.mu.Lock()
	due := count-c.lastCheckpointAt[sessionID] >= interval
	c.mu.Unlock()
	if !due {
		return nil
	}

	snap := c.costs.Snapshot(sessionID)
	payload := map[string]any{
		"cost":                    snapshotPayload(snap),
		"costSkillLastTurnByName": snap.SkillLastTurnByName,
	}
	event := events.New(sessionID, events.TypeTapeCheckpoint, turn, payload)
	if err := c.store.Append(ctx, event); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastCheckpointAt[sessionID] = c.store.AppendedCount(sessionID)
	c.mu.Unlock()
	c.metrics.RecordCheckpoint()
	c.logger.Info("Checkpoint session=%s turn=%d tokens=%d", sessionID, turn, snap.TotalTokens)
	return nil
}

// Anchor writes a passive tape_anchor phase marker.
func (c *Checkpointer) Anchor(ctx context.Context, sessionID string, turn int, label string) error {
	event := events.New(sessionID, events.TypeTapeAnchor, turn, map[string]any{"label": label})
	return c.store.Append(ctx, event)
}

// ClearSessionState resets the per-session checkpoint watermark.
func (c *Checkpointer) ClearSessionState(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastCheckpointAt, sessionID)
}

// snapshotPayload converts a cost snapshot into the canonical generic form
// events carry on disk. JSON struct tags define the stable field set.
func snapshotPayload(snap cost.Snapshot) map[string]any {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// DecodeCostSnapshot recovers the cost snapshot from a checkpoint payload.
func DecodeCostSnapshot(payload map[string]any) (cost.Snapshot, bool) {
	raw, ok := payload["cost"]
	if !ok {
		return cost.Snapshot{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return cost.Snapshot{}, false
	}
	var snap cost.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return cost.Snapshot{}, false
	}
	return snap, true
}

// LatestCheckpoint returns the index of the newest tape_checkpoint in the
// event sequence, or -1.
func LatestCheckpoint(list []events.Event) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type == events.TypeTapeCheckpoint {
			return i
		}
	}
	return -1
}
