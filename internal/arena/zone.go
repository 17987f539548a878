package arena

import "strings"

// Zone names the partition an injection lands in. The set is closed.
type Zone string

const (
	ZoneIdentity      Zone = "identity"
	ZoneTruth         Zone = "truth"
	ZoneTaskState     Zone = "task_state"
	ZoneToolFailures  Zone = "tool_failures"
	ZoneMemoryWorking Zone = "memory_working"
	ZoneMemoryRecall  Zone = "memory_recall"
	ZoneRAGExternal   Zone = "rag_external"
)

// ZoneOrder is the allocation order. Critical zones come first so they are
// funded before discretionary ones.
var ZoneOrder = []Zone{
	ZoneIdentity,
	ZoneTruth,
	ZoneTaskState,
	ZoneToolFailures,
	ZoneMemoryWorking,
	ZoneMemoryRecall,
	ZoneRAGExternal,
}

// criticalZones always survive critical_only fallback.
var criticalZones = map[Zone]struct{}{
	ZoneIdentity:  {},
	ZoneTruth:     {},
	ZoneTaskState: {},
}

// IsCriticalZone reports whether the zone survives critical_only planning.
func IsCriticalZone(z Zone) bool {
	_, ok := criticalZones[z]
	return ok
}

// zoneOf maps an injection source to its zone. Unknown sources land in the
// working-memory zone.
func zoneOf(source string) Zone {
	s := strings.ToLower(source)
	switch {
	case strings.HasPrefix(s, "brewva.identity"), strings.HasPrefix(s, "identity"):
		return ZoneIdentity
	case strings.HasPrefix(s, "brewva.truth"), strings.HasPrefix(s, "truth"):
		return ZoneTruth
	case strings.HasPrefix(s, "brewva.task"), strings.HasPrefix(s, "task"):
		return ZoneTaskState
	case strings.Contains(s, "tool-failure"), strings.Contains(s, "tool_failure"):
		return ZoneToolFailures
	case strings.HasPrefix(s, "memory.recall"), strings.Contains(s, "recall"):
		return ZoneMemoryRecall
	case strings.HasPrefix(s, "memory"):
		return ZoneMemoryWorking
	case strings.HasPrefix(s, "rag"), strings.HasPrefix(s, "external"):
		return ZoneRAGExternal
	default:
		return ZoneMemoryWorking
	}
}
