package tape

import (
	"fmt"
	"sort"
	"strings"

	"brewva/internal/events"
)

// Replay renders a session's event sequence as a human-readable transcript,
// one line per event, with checkpoints and anchors called out.
func Replay(list []events.Event) string {
	var b strings.Builder
	for i, event := range list {
		fmt.Fprintf(&b, "%4d  %s  t%-3d  %-32s", i, event.Timestamp.Format("15:04:05"), event.Turn, event.Type)
		if detail := renderDetail(event); detail != "" {
			b.WriteString("  ")
			b.WriteString(detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderDetail(event events.Event) string {
	switch event.Type {
	case events.TypeTapeAnchor:
		if label, ok := event.Payload["label"].(string); ok {
			return "anchor: " + label
		}
	case events.TypeTapeCheckpoint:
		if snap, ok := DecodeCostSnapshot(event.Payload); ok {
			return fmt.Sprintf("checkpoint: %d tokens, $%.4f", snap.TotalTokens, snap.TotalCostUSD)
		}
	case events.TypeToolCall, events.TypeToolResultRecorded, events.TypeToolCallBlocked, events.TypeToolExecutionError:
		return compactPayload(event.Payload, "tool", "reason", "success")
	case events.TypeCostUpdate, events.TypeCognitiveUsageRecorded:
		return compactPayload(event.Payload, "model", "totalTokens", "costUsd")
	case events.TypeTruthEvent:
		return compactPayload(event.Payload, "kind", "status", "summary")
	case events.TypeSkillActivated, events.TypeSkillCompleted:
		return compactPayload(event.Payload, "skill")
	case events.TypeRollback:
		return compactPayload(event.Payload, "patchSetId", "outcome")
	}
	return ""
}

// compactPayload renders selected payload keys in a stable order.
func compactPayload(payload map[string]any, keys ...string) string {
	var parts []string
	for _, key := range keys {
		if value, ok := payload[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, value))
		}
	}
	if len(parts) == 0 && len(payload) > 0 {
		all := make([]string, 0, len(payload))
		for key := range payload {
			all = append(all, key)
		}
		sort.Strings(all)
		for _, key := range all {
			parts = append(parts, fmt.Sprintf("%s=%v", key, payload[key]))
			if len(parts) >= 3 {
				break
			}
		}
	}
	return strings.Join(parts, " ")
}
