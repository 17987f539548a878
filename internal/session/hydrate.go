package session

import (
	"context"
	"encoding/json"

	"brewva/internal/cost"
	"brewva/internal/events"
	"brewva/internal/memory"
	"brewva/internal/tape"
	"brewva/internal/truth"
)

// hydrate folds the persisted log into the component caches. The latest tape
// checkpoint seeds cost state and the memory rebuild; everything else is
// replayed event by event. Corrupt payloads degrade to hydration warnings,
// never to a failed hydration.
func (l *Lifecycle) hydrate(ctx context.Context, sessionID string, s *sessionView) error {
	if l.deps.Events == nil {
		return nil
	}
	list, err := l.deps.Events.List(ctx, sessionID, events.Filter{})
	if err != nil {
		return err
	}

	costReplayStart := 0
	checkpointTurn := -1
	if idx := tape.LatestCheckpoint(list); idx >= 0 {
		if snap, ok := tape.DecodeCostSnapshot(list[idx].Payload); ok {
			if l.deps.Costs != nil {
				l.deps.Costs.Restore(sessionID, snap)
			}
			costReplayStart = idx + 1
			checkpointTurn = list[idx].Turn
		} else {
			l.warn(ctx, sessionID, list[idx].Turn, "checkpoint payload did not decode")
		}
		if units := decodeMemoryUnits(list[idx].Payload); len(units) > 0 && l.deps.Memory != nil {
			if err := l.deps.Memory.RebuildMissingOnly(sessionID, units); err != nil {
				l.warn(ctx, sessionID, list[idx].Turn, "memory rebuild failed: "+err.Error())
			}
		}
	}

	maxTurn := 0
	for i, event := range list {
		l.foldEvent(sessionID, s, event)
		transient := checkpointTurn >= 0 && event.Turn == checkpointTurn &&
			(event.Type == events.TypeToolCallMarked || event.Type == events.TypeCognitiveUsageRecorded)
		if i >= costReplayStart || transient {
			l.replayCost(sessionID, event)
		}
		if event.Turn > maxTurn {
			maxTurn = event.Turn
		}
	}
	s.mu.Lock()
	if maxTurn > s.turn {
		s.turn = maxTurn
	}
	s.mu.Unlock()

	l.logger.Info("Hydrated session=%s events=%d checkpointTurn=%d", sessionID, len(list), checkpointTurn)
	return nil
}

// foldEvent applies one event to the folded views. Unknown types are no-ops.
func (l *Lifecycle) foldEvent(sessionID string, s *sessionView, event events.Event) {
	switch event.Type {
	case events.TypeTruthEvent:
		l.foldTruth(sessionID, event)
	case events.TypeSkillActivated:
		if name := payloadString(event.Payload, "skill"); name != "" {
			s.mu.Lock()
			s.activeSkills[name] = struct{}{}
			s.mu.Unlock()
		}
	case events.TypeSkillCompleted:
		if name := payloadString(event.Payload, "skill"); name != "" {
			s.mu.Lock()
			delete(s.activeSkills, name)
			s.mu.Unlock()
		}
	case events.TypeSessionCompact:
		if l.deps.Pressure != nil {
			l.deps.Pressure.BeginTurn(sessionID, event.Turn)
			l.deps.Pressure.MarkCompacted(sessionID,
				payloadInt(event.Payload, "fromTokens"), payloadInt(event.Payload, "toTokens"))
		}
		s.mu.Lock()
		s.compactions = append(s.compactions, event.Turn)
		s.mu.Unlock()
	case events.TypeLedgerCompacted:
		s.mu.Lock()
		s.ledgerTurns = append(s.ledgerTurns, event.Turn)
		s.mu.Unlock()
	case events.TypeToolContractWarning, events.TypeSkillBudgetWarning, events.TypeSkillParallelWarning:
		s.mu.Lock()
		s.warnings[event.Type]++
		s.mu.Unlock()
	}
}

// foldTruth re-seats a fact and mirrors the blocker transition it carried.
func (l *Lifecycle) foldTruth(sessionID string, event events.Event) {
	if l.deps.Truth == nil {
		return
	}
	fingerprint := payloadString(event.Payload, "fingerprint")
	if fingerprint == "" {
		return
	}
	fact := truth.Fact{
		ID:          payloadString(event.Payload, "factId"),
		Kind:        truth.Kind(payloadString(event.Payload, "kind")),
		Severity:    truth.Severity(payloadString(event.Payload, "severity")),
		Status:      truth.Status(payloadString(event.Payload, "status")),
		Summary:     payloadString(event.Payload, "summary"),
		Fingerprint: fingerprint,
	}
	l.deps.Truth.RestoreFact(sessionID, fact)
	if l.deps.Tasks != nil {
		l.deps.Tasks.ApplyFactChanges(sessionID, []truth.Change{{
			Fact:     fact,
			Created:  payloadBool(event.Payload, "created"),
			Resolved: payloadBool(event.Payload, "resolved"),
		}})
	}
}

// replayCost folds one event's cost contribution. Tool marks arrive either
// as explicit tool_call_marked events or as the pipeline's recorded results.
func (l *Lifecycle) replayCost(sessionID string, event events.Event) {
	if l.deps.Costs == nil {
		return
	}
	switch event.Type {
	case events.TypeToolCallMarked, events.TypeToolResultRecorded:
		tool := payloadString(event.Payload, "tool")
		if tool == "" {
			return
		}
		l.deps.Costs.RecordToolCall(sessionID, cost.ToolCall{ToolName: tool, Turn: event.Turn})
	case events.TypeCostUpdate, events.TypeCognitiveUsageRecorded:
		usage := cost.Usage{
			Model:       payloadString(event.Payload, "model"),
			InputTokens: payloadInt(event.Payload, "inputTokens"),
			TotalTokens: payloadInt(event.Payload, "totalTokens"),
			CostUSD:     payloadFloat(event.Payload, "costUsd"),
		}
		if usage.TotalTokens <= 0 && usage.CostUSD <= 0 {
			return
		}
		l.deps.Costs.RecordUsage(sessionID, usage, cost.Attribution{
			Turn:  event.Turn,
			Skill: payloadString(event.Payload, "skill"),
		})
	}
}

func (l *Lifecycle) warn(ctx context.Context, sessionID string, turn int, reason string) {
	l.logger.Warn("Hydration warning session=%s: %s", sessionID, reason)
	l.append(ctx, events.New(sessionID, events.TypeHydrationWarning, turn, map[string]any{"reason": reason}))
}

// decodeMemoryUnits reads the optional memoryUnits block of a checkpoint.
func decodeMemoryUnits(payload map[string]any) []memory.Unit {
	raw, ok := payload["memoryUnits"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var units []memory.Unit
	if err := json.Unmarshal(data, &units); err != nil {
		return nil
	}
	return units
}

// Payload helpers. JSON round-trips leave numbers as float64.

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func payloadBool(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}
