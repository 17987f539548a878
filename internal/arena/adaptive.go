package arena

import "brewva/internal/config"

// adaptiveState is the per-session zone controller. It tracks EMAs of
// truncation and idle ratios and moves budget from idle donors to
// truncated recipients, one transfer per turn.
type adaptiveState struct {
	cfg          config.AdaptiveZonesConfig
	effectiveMax map[Zone]int
	emaTrunc     map[Zone]float64
	emaIdle      map[Zone]float64
	turns        int
}

// AdaptiveSnapshot exposes controller internals for inspection.
type AdaptiveSnapshot struct {
	EffectiveMax  map[Zone]int
	TruncationEMA map[Zone]float64
	IdleEMA       map[Zone]float64
	TurnsObserved int
}

func newAdaptiveState(cfg config.ArenaConfig) *adaptiveState {
	st := &adaptiveState{
		cfg:          cfg.Adaptive,
		effectiveMax: make(map[Zone]int, len(ZoneOrder)),
		emaTrunc:     make(map[Zone]float64, len(ZoneOrder)),
		emaIdle:      make(map[Zone]float64, len(ZoneOrder)),
	}
	for _, zone := range ZoneOrder {
		st.effectiveMax[zone] = cfg.Zones[string(zone)].Max
	}
	return st
}

// observe folds one turn's allocation outcome into the EMAs and, once warm,
// applies at most one stepTokens transfer.
func (st *adaptiveState) observe(budgets map[Zone]config.ZoneBudget, accepted, dropped map[Zone]int) *ZoneAdaptation {
	alpha := st.cfg.EMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}

	for _, zone := range ZoneOrder {
		acc := float64(accepted[zone])
		drp := float64(dropped[zone])

		trunc := 0.0
		if drp+acc > 0 {
			trunc = drp / (drp + acc)
		}

		idle := 0.0
		if max := float64(budgets[zone].Max); max > 0 {
			idle = 1 - acc/max
			if idle < 0 {
				idle = 0
			}
			if idle > 1 {
				idle = 1
			}
		}

		st.emaTrunc[zone] = alpha*trunc + (1-alpha)*st.emaTrunc[zone]
		st.emaIdle[zone] = alpha*idle + (1-alpha)*st.emaIdle[zone]
	}
	st.turns++

	if st.turns <= st.cfg.MinTurnsBeforeAdapt {
		return nil
	}

	var recipient, donor Zone
	bestTrunc, bestIdle := st.cfg.UpshiftTruncationRatio, st.cfg.DownshiftIdleRatio
	for _, zone := range ZoneOrder {
		if st.emaTrunc[zone] > bestTrunc {
			recipient, bestTrunc = zone, st.emaTrunc[zone]
		}
	}
	for _, zone := range ZoneOrder {
		if zone == recipient {
			continue
		}
		if st.effectiveMax[zone] <= 0 {
			continue
		}
		if st.emaIdle[zone] > bestIdle {
			donor, bestIdle = zone, st.emaIdle[zone]
		}
	}
	if recipient == "" || donor == "" {
		return nil
	}

	step := st.cfg.StepTokens
	if st.cfg.MaxShiftPerTurn > 0 && step > st.cfg.MaxShiftPerTurn {
		step = st.cfg.MaxShiftPerTurn
	}
	if step > st.effectiveMax[donor] {
		step = st.effectiveMax[donor]
	}
	if st.cfg.ZoneMaxAbsolute > 0 {
		if room := st.cfg.ZoneMaxAbsolute - st.effectiveMax[recipient]; room < step {
			step = room
		}
	}
	if step <= 0 {
		return nil
	}

	st.effectiveMax[donor] -= step
	st.effectiveMax[recipient] += step
	return &ZoneAdaptation{Donor: donor, Recipient: recipient, Tokens: step}
}

func (st *adaptiveState) snapshot() AdaptiveSnapshot {
	snap := AdaptiveSnapshot{
		EffectiveMax:  make(map[Zone]int, len(st.effectiveMax)),
		TruncationEMA: make(map[Zone]float64, len(st.emaTrunc)),
		IdleEMA:       make(map[Zone]float64, len(st.emaIdle)),
		TurnsObserved: st.turns,
	}
	for zone, v := range st.effectiveMax {
		snap.EffectiveMax[zone] = v
	}
	for zone, v := range st.emaTrunc {
		snap.TruncationEMA[zone] = v
	}
	for zone, v := range st.emaIdle {
		snap.IdleEMA[zone] = v
	}
	return snap
}
