package arena

import (
	"fmt"
	"sort"
	"strings"

	"brewva/internal/config"
	"brewva/internal/shared/token"
)

// PlanOptions tunes one Plan call.
type PlanOptions struct {
	ForceCriticalOnly    bool
	DisableAdaptiveZones bool
	StrategyArm          string // managed | hybrid | passthrough
	Turn                 int
}

// PlannedEntry is one accepted injection, possibly truncated.
type PlannedEntry struct {
	Entry  Entry
	Zone   Zone
	Tokens int
}

// ZoneAdaptation reports a budget transfer made by the adaptive controller.
type ZoneAdaptation struct {
	Donor     Zone
	Recipient Zone
	Tokens    int
}

// Telemetry describes how the plan was assembled.
type Telemetry struct {
	ZoneDemand              map[Zone]int
	ZoneAllocated           map[Zone]int
	ZoneAccepted            map[Zone]int
	AdaptiveZonesDisabled   bool
	StabilityForced         bool
	FloorUnmet              []Zone
	AppliedFloorRelaxation  []Zone
	FloorUnmetUnrecoverable bool
	ZoneAdaptation          *ZoneAdaptation
}

// PlanResult is the token-bounded selection for one turn.
type PlanResult struct {
	Entries      []PlannedEntry
	Content      string
	TotalTokens  int
	ConsumedKeys []Key
	Telemetry    Telemetry
}

// Plan assembles the context for a turn: candidates are ranked per zone,
// zone budgets are computed (static or adaptive), and entries are accepted
// greedily under both the zone and the global budget. Entries stay active
// after planning; Commit retires once-per-session keys.
func (a *Arena) Plan(sessionID string, totalTokenBudget int, opts PlanOptions) PlanResult {
	arm := normalizeStrategyArm(opts.StrategyArm)

	a.mu.Lock()
	st := a.sessionLocked(sessionID)
	candidates := make([]Entry, 0, len(st.active))
	for key, entry := range st.active {
		// Committed keys stay out of later plans until re-appended or the
		// epoch resets.
		if _, presented := st.presentedKeys[key]; presented {
			continue
		}
		candidates = append(candidates, entry)
	}
	adaptive := st.adaptive
	a.mu.Unlock()

	useAdaptive := a.cfg.Adaptive.Enabled && !opts.DisableAdaptiveZones && arm == "managed"

	budgets := a.zoneBudgets(adaptive, useAdaptive)
	byZone := a.collectCandidates(candidates, budgets)

	telemetry := Telemetry{
		ZoneDemand:            make(map[Zone]int, len(ZoneOrder)),
		ZoneAllocated:         make(map[Zone]int, len(ZoneOrder)),
		ZoneAccepted:          make(map[Zone]int, len(ZoneOrder)),
		AdaptiveZonesDisabled: !useAdaptive,
	}
	for zone, entries := range byZone {
		for _, e := range entries {
			telemetry.ZoneDemand[zone] += e.EstimatedTokens
		}
	}
	for zone, b := range budgets {
		telemetry.ZoneAllocated[zone] = b.Max
	}

	var result allocation
	if opts.ForceCriticalOnly {
		result = a.allocate(byZone, budgets, totalTokenBudget, true, nil)
		telemetry.StabilityForced = true
	} else {
		result = a.allocate(byZone, budgets, totalTokenBudget, false, nil)
		unmet := floorUnmet(byZone, budgets, result)
		if len(unmet) > 0 {
			telemetry.FloorUnmet = unmet
			result, telemetry = a.relaxFloors(byZone, budgets, totalTokenBudget, telemetry)
		}
	}

	for zone, tokens := range result.acceptedTokens {
		telemetry.ZoneAccepted[zone] = tokens
	}

	if useAdaptive {
		telemetry.ZoneAdaptation = a.adapt(sessionID, adaptive, budgets, result)
	}

	if telemetry.FloorUnmetUnrecoverable {
		a.mu.Lock()
		if _, emitted := st.floorEmitted[opts.Turn]; emitted {
			telemetry.FloorUnmetUnrecoverable = false
		} else {
			st.floorEmitted[opts.Turn] = struct{}{}
		}
		a.mu.Unlock()
	}

	a.metrics.RecordPlanBuilt()

	var parts []string
	var keys []Key
	total := 0
	for _, planned := range result.entries {
		parts = append(parts, planned.Entry.Content)
		keys = append(keys, planned.Entry.Key())
		total += planned.Tokens
	}
	return PlanResult{
		Entries:      result.entries,
		Content:      strings.Join(parts, "\n\n"),
		TotalTokens:  total,
		ConsumedKeys: keys,
		Telemetry:    telemetry,
	}
}

// zoneBudgets resolves the working budget table.
func (a *Arena) zoneBudgets(adaptive *adaptiveState, useAdaptive bool) map[Zone]config.ZoneBudget {
	out := make(map[Zone]config.ZoneBudget, len(ZoneOrder))
	for _, zone := range ZoneOrder {
		b := a.cfg.Zones[string(zone)]
		if useAdaptive {
			if max, ok := adaptive.effectiveMax[zone]; ok {
				b.Max = max
			}
		}
		out[zone] = b
	}
	return out
}

// collectCandidates buckets entries by zone and ranks them. Entries in a
// disabled zone (max=0) are dropped unless they are critical entries of a
// critical zone.
func (a *Arena) collectCandidates(candidates []Entry, budgets map[Zone]config.ZoneBudget) map[Zone][]Entry {
	byZone := make(map[Zone][]Entry)
	for _, entry := range candidates {
		zone := zoneOf(entry.Source)
		if budgets[zone].Max <= 0 {
			if !(entry.Priority == PriorityCritical && IsCriticalZone(zone)) {
				continue
			}
		}
		byZone[zone] = append(byZone[zone], entry)
	}
	for zone := range byZone {
		entries := byZone[zone]
		sort.Slice(entries, func(i, j int) bool {
			pi, pj := priorityRank(entries[i].Priority), priorityRank(entries[j].Priority)
			if pi != pj {
				return pi < pj
			}
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})
	}
	return byZone
}

type allocation struct {
	entries        []PlannedEntry
	acceptedTokens map[Zone]int
	droppedTokens  map[Zone]int
	globalSpend    int
}

// allocate funds zones in declaration order. Floors of later zones are
// reserved out of the global budget so a greedy early zone cannot starve
// them; relaxedMins removes a zone's reservation and floor.
func (a *Arena) allocate(
	byZone map[Zone][]Entry,
	budgets map[Zone]config.ZoneBudget,
	totalBudget int,
	criticalOnly bool,
	relaxedMins map[Zone]struct{},
) allocation {
	result := allocation{
		acceptedTokens: make(map[Zone]int),
		droppedTokens:  make(map[Zone]int),
	}

	floorOf := func(zone Zone) int {
		if _, relaxed := relaxedMins[zone]; relaxed {
			return 0
		}
		min := budgets[zone].Min
		demand := 0
		for _, e := range byZone[zone] {
			demand += e.EstimatedTokens
		}
		if demand < min {
			min = demand
		}
		return min
	}

	for idx, zone := range ZoneOrder {
		if criticalOnly && !IsCriticalZone(zone) {
			continue
		}
		entries := byZone[zone]
		if len(entries) == 0 {
			continue
		}
		zoneMax := budgets[zone].Max
		if zoneMax <= 0 && !criticalOnly {
			// Disabled zone kept only for critical entries.
			zoneMax = 0
			for _, e := range entries {
				zoneMax += e.EstimatedTokens
			}
		}
		if criticalOnly && zoneMax <= 0 {
			zoneMax = totalBudget
		}

		// Reserve the floors of the zones still to come.
		reserved := 0
		if !criticalOnly {
			for _, later := range ZoneOrder[idx+1:] {
				reserved += floorOf(later)
			}
		}

		zoneSpend := 0
	entryLoop:
		for _, entry := range entries {
			globalLeft := totalBudget - result.globalSpend - reserved
			zoneLeft := zoneMax - zoneSpend
			avail := zoneLeft
			if globalLeft < avail {
				avail = globalLeft
			}
			if avail <= 0 {
				result.droppedTokens[zone] += entry.EstimatedTokens
				continue
			}
			if entry.EstimatedTokens <= avail {
				result.entries = append(result.entries, PlannedEntry{Entry: entry, Zone: zone, Tokens: entry.EstimatedTokens})
				zoneSpend += entry.EstimatedTokens
				result.globalSpend += entry.EstimatedTokens
				result.acceptedTokens[zone] += entry.EstimatedTokens
				continue
			}

			switch entry.Strategy {
			case TruncateDropEntry:
				result.droppedTokens[zone] += entry.EstimatedTokens
			case TruncateSummarize:
				stub := fmt.Sprintf("[ContextTruncated] source=%s id=%s originalTokens=%d",
					entry.Source, entry.ID, entry.EstimatedTokens)
				stubTokens := a.estimator.Estimate(stub)
				if stubTokens > avail {
					result.droppedTokens[zone] += entry.EstimatedTokens
					continue
				}
				truncated := entry
				truncated.Content = stub
				truncated.Truncated = true
				result.entries = append(result.entries, PlannedEntry{Entry: truncated, Zone: zone, Tokens: stubTokens})
				zoneSpend += stubTokens
				result.globalSpend += stubTokens
				result.acceptedTokens[zone] += stubTokens
				result.droppedTokens[zone] += entry.EstimatedTokens - stubTokens
				a.metrics.RecordEntryTruncated(string(zone))
			default: // tail
				truncated := entry
				truncated.Content = token.TailToTokens(entry.Content, avail)
				truncated.Truncated = true
				kept := a.estimator.Estimate(truncated.Content)
				if kept > avail {
					kept = avail
				}
				if kept > 0 {
					result.entries = append(result.entries, PlannedEntry{Entry: truncated, Zone: zone, Tokens: kept})
					zoneSpend += kept
					result.globalSpend += kept
					result.acceptedTokens[zone] += kept
				}
				result.droppedTokens[zone] += entry.EstimatedTokens - kept
				a.metrics.RecordEntryTruncated(string(zone))
				// After a tail truncation the zone is full; stop scanning it.
				break entryLoop
			}
		}
	}
	return result
}

// floorUnmet lists zones whose floor was not met even though candidates
// existed that could not all be accepted.
func floorUnmet(byZone map[Zone][]Entry, budgets map[Zone]config.ZoneBudget, result allocation) []Zone {
	var unmet []Zone
	for _, zone := range ZoneOrder {
		min := budgets[zone].Min
		if min <= 0 || len(byZone[zone]) == 0 {
			continue
		}
		if result.acceptedTokens[zone] >= min {
			continue
		}
		if result.droppedTokens[zone] > 0 {
			unmet = append(unmet, zone)
		}
	}
	return unmet
}

// relaxFloors runs the relaxation cascade: zero out floors in the
// configured order until remaining floors hold, then fall back to
// critical-only planning.
func (a *Arena) relaxFloors(
	byZone map[Zone][]Entry,
	budgets map[Zone]config.ZoneBudget,
	totalBudget int,
	telemetry Telemetry,
) (allocation, Telemetry) {
	cfg := a.cfg.FloorRelaxation
	relaxed := make(map[Zone]struct{})

	if cfg.Enabled {
		for _, name := range cfg.RelaxOrder {
			zone := Zone(name)
			relaxed[zone] = struct{}{}
			telemetry.AppliedFloorRelaxation = append(telemetry.AppliedFloorRelaxation, zone)
			result := a.allocate(byZone, budgets, totalBudget, false, relaxed)
			if remainingFloorsMet(byZone, budgets, result, relaxed) {
				a.metrics.RecordFloorRelaxation()
				return result, telemetry
			}
		}
	}

	// Final fallback: critical zones only. Always satisfiable.
	result := a.allocate(byZone, budgets, totalBudget, true, nil)
	telemetry.StabilityForced = true
	if cfg.RequestCompaction {
		telemetry.FloorUnmetUnrecoverable = true
	}
	a.metrics.RecordFloorRelaxation()
	return result, telemetry
}

func remainingFloorsMet(byZone map[Zone][]Entry, budgets map[Zone]config.ZoneBudget, result allocation, relaxed map[Zone]struct{}) bool {
	for _, zone := range ZoneOrder {
		if _, ok := relaxed[zone]; ok {
			continue
		}
		min := budgets[zone].Min
		if min <= 0 || len(byZone[zone]) == 0 {
			continue
		}
		if result.acceptedTokens[zone] >= min {
			continue
		}
		if result.droppedTokens[zone] > 0 {
			return false
		}
	}
	return true
}

// adapt feeds the allocation outcome into the controller and applies at most
// one donor to recipient transfer for the next turn.
func (a *Arena) adapt(sessionID string, adaptive *adaptiveState, budgets map[Zone]config.ZoneBudget, result allocation) *ZoneAdaptation {
	a.mu.Lock()
	defer a.mu.Unlock()
	shift := adaptive.observe(budgets, result.acceptedTokens, result.droppedTokens)
	if shift != nil {
		a.logger.Info("Adaptive zones session=%s moved %d tokens %s -> %s",
			sessionID, shift.Tokens, shift.Donor, shift.Recipient)
	}
	return shift
}
