package config

import "time"

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// ZoneBudget holds the min/max token guarantees for one context zone.
type ZoneBudget struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// AdaptiveZonesConfig tunes the arena's adaptive zone controller.
type AdaptiveZonesConfig struct {
	Enabled                bool    `json:"enabled"`
	EMAAlpha               float64 `json:"emaAlpha"`
	MinTurnsBeforeAdapt    int     `json:"minTurnsBeforeAdapt"`
	UpshiftTruncationRatio float64 `json:"upshiftTruncationRatio"`
	DownshiftIdleRatio     float64 `json:"downshiftIdleRatio"`
	StepTokens             int     `json:"stepTokens"`
	MaxShiftPerTurn        int     `json:"maxShiftPerTurn"`
	ZoneMaxAbsolute        int     `json:"zoneMaxAbsolute"`
}

// FloorRelaxationConfig tunes the arena's floor-relaxation cascade.
type FloorRelaxationConfig struct {
	Enabled           bool     `json:"enabled"`
	RelaxOrder        []string `json:"relaxOrder"`
	FinalFallback     string   `json:"finalFallback"`
	RequestCompaction bool     `json:"requestCompaction"`
}

// ArenaConfig configures the context arena.
type ArenaConfig struct {
	TotalTokenBudget     int                   `json:"totalTokenBudget"`
	MaxEntriesPerSession int                   `json:"maxEntriesPerSession"`
	DegradationPolicy    string                `json:"degradationPolicy"`
	TruncationStrategy   string                `json:"truncationStrategy"`
	Zones                map[string]ZoneBudget `json:"zones"`
	Adaptive             AdaptiveZonesConfig   `json:"adaptive"`
	FloorRelaxation      FloorRelaxationConfig `json:"floorRelaxation"`
}

// BudgetConfig configures context pressure classification and the compaction gate.
type BudgetConfig struct {
	CompactionThresholdPercent  float64 `json:"compactionThresholdPercent"`
	HardLimitPercent            float64 `json:"hardLimitPercent"`
	PressureBypassPercent       float64 `json:"pressureBypassPercent"`
	MinTurnsBetweenCompaction   int     `json:"minTurnsBetweenCompaction"`
	MinSecondsBetweenCompaction int     `json:"minSecondsBetweenCompaction"`
}

// CostConfig configures per-session and per-skill cost caps.
type CostConfig struct {
	MaxCostUSDPerSession float64 `json:"maxCostUsdPerSession"`
	AlertThresholdRatio  float64 `json:"alertThresholdRatio"`
	MaxCostUSDPerSkill   float64 `json:"maxCostUsdPerSkill"`
	BudgetAction         string  `json:"budgetAction"` // warn | block_tools
}

// SkillsConfig configures skill discovery and policy enforcement.
type SkillsConfig struct {
	ExtraRoots []string `json:"extraRoots"`
	Disabled   []string `json:"disabled"`
	PolicyMode string   `json:"policyMode"` // off | warn | enforce
}

// ParallelConfig bounds in-session parallel workers.
type ParallelConfig struct {
	MaxConcurrent int `json:"maxConcurrent"`
	MaxTotal      int `json:"maxTotal"`
}

// TapeConfig configures checkpointing.
type TapeConfig struct {
	CheckpointIntervalEntries int `json:"checkpointIntervalEntries"`
}

// MemoryConfig configures recall ranking.
type MemoryConfig struct {
	LexicalWeight    float64 `json:"lexicalWeight"`
	RecencyWeight    float64 `json:"recencyWeight"`
	ConfidenceWeight float64 `json:"confidenceWeight"`
	RecallLimit      int     `json:"recallLimit"`
}

// Config captures user-configurable runtime settings shared across binaries.
type Config struct {
	Workspace         string         `json:"workspace"`
	StateDir          string         `json:"stateDir"`
	Model             string         `json:"model"`
	LogLevel          string         `json:"logLevel"`
	LogFormat         string         `json:"logFormat"`
	GracefulTimeoutMs int            `json:"gracefulTimeoutMs"`
	Arena             ArenaConfig    `json:"arena"`
	Budget            BudgetConfig   `json:"budget"`
	Cost              CostConfig     `json:"cost"`
	Skills            SkillsConfig   `json:"skills"`
	Parallel          ParallelConfig `json:"parallel"`
	Tape              TapeConfig     `json:"tape"`
	Memory            MemoryConfig   `json:"memory"`
}

// GracefulTimeout returns the shutdown grace period as a duration.
func (c Config) GracefulTimeout() time.Duration {
	if c.GracefulTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.GracefulTimeoutMs) * time.Millisecond
}

// Default returns the built-in configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Model:             "anthropic/claude-sonnet-4-5",
		LogLevel:          "info",
		LogFormat:         "text",
		GracefulTimeoutMs: 5000,
		Arena: ArenaConfig{
			TotalTokenBudget:     24000,
			MaxEntriesPerSession: 256,
			DegradationPolicy:    "drop_recall",
			TruncationStrategy:   "drop-entry",
			Zones: map[string]ZoneBudget{
				"identity":       {Min: 200, Max: 2000},
				"truth":          {Min: 200, Max: 4000},
				"task_state":     {Min: 100, Max: 3000},
				"tool_failures":  {Min: 0, Max: 3000},
				"memory_working": {Min: 0, Max: 4000},
				"memory_recall":  {Min: 0, Max: 4000},
				"rag_external":   {Min: 0, Max: 4000},
			},
			Adaptive: AdaptiveZonesConfig{
				Enabled:                true,
				EMAAlpha:               0.3,
				MinTurnsBeforeAdapt:    3,
				UpshiftTruncationRatio: 0.25,
				DownshiftIdleRatio:     0.5,
				StepTokens:             512,
				MaxShiftPerTurn:        1024,
				ZoneMaxAbsolute:        8000,
			},
			FloorRelaxation: FloorRelaxationConfig{
				Enabled:           true,
				RelaxOrder:        []string{"memory_recall", "tool_failures", "memory_working"},
				FinalFallback:     "critical_only",
				RequestCompaction: true,
			},
		},
		Budget: BudgetConfig{
			CompactionThresholdPercent:  0.75,
			HardLimitPercent:            0.92,
			PressureBypassPercent:       0.97,
			MinTurnsBetweenCompaction:   3,
			MinSecondsBetweenCompaction: 30,
		},
		Cost: CostConfig{
			MaxCostUSDPerSession: 10.0,
			AlertThresholdRatio:  0.8,
			MaxCostUSDPerSkill:   4.0,
			BudgetAction:         "warn",
		},
		Skills: SkillsConfig{
			PolicyMode: "enforce",
		},
		Parallel: ParallelConfig{
			MaxConcurrent: 4,
			MaxTotal:      16,
		},
		Tape: TapeConfig{
			CheckpointIntervalEntries: 200,
		},
		Memory: MemoryConfig{
			LexicalWeight:    0.6,
			RecencyWeight:    0.25,
			ConfidenceWeight: 0.15,
			RecallLimit:      8,
		},
	}
}
