package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	stateDirEnvVar = "BREWVA_CODING_AGENT_DIR"
	appDirName     = "brewva"

	// ConfigFileName is the on-disk overrides file inside the state dir.
	ConfigFileName = "config.json"
)

// Diagnostic is a non-fatal problem surfaced while loading configuration.
type Diagnostic struct {
	Kind    string // e.g. config_parse_error
	Message string
}

// LoadResult bundles the effective configuration with provenance and any
// diagnostics produced while loading.
type LoadResult struct {
	Config      Config
	Source      ValueSource
	Path        string
	Diagnostics []Diagnostic
}

/// StateDir resolves the runtime state directory:
//  1. BREWVA_CODING_AGENT_DIR when set
//  2. $XDG_CONFIG_HOME/brewva
//  3. ~/.brewva
func StateDir() string {
	if dir := strings.TrimSpace(os.Getenv(stateDirEnvVar)); dir != "" {
		return filepath.Clean(dir)
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(filepath.Clean(xdg), appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "." + appDirName
	}
	return filepath.Join(home, "."+appDirName)
}

// Loader loads layered configuration and retains the last-known-valid
// overrides so a corrupted file never knocks out a running process.
type Loader struct {
	mu        sync.Mutex
	lastValid *Config
}

// NewLoader constructs a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load resolves configuration with precedence default < file < environment.
// A malformed file falls back to the last-known-valid overrides (or defaults)
// and reports a config_parse_error diagnostic instead of failing.
func (l *Loader) Load(path string) LoadResult {
	result := LoadResult{Config: Default(), Source: SourceDefault}

	if path == "" {
		path = filepath.Join(StateDir(), ConfigFileName)
	}
	result.Path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg Config
		if jsonErr := json.Unmarshal(data, &fileCfg); jsonErr != nil {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Kind:    "config_parse_error",
				Message: fmt.Sprintf("parse %s: %v", path, jsonErr),
			})
			l.mu.Lock()
			if l.lastValid != nil {
				result.Config = *l.lastValid
				result.Source = SourceOverride
			}
			l.mu.Unlock()
		} else {
			result.Config = mergeFile(result.Config, fileCfg)
			result.Source = SourceFile
			snapshot := result.Config
			l.mu.Lock()
			l.lastValid = &snapshot
			l.mu.Unlock()
		}
	case errors.Is(err, fs.ErrNotExist):
		// No overrides file; defaults apply.
	default:
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Kind:    "config_read_error",
			Message: fmt.Sprintf("read %s: %v", path, err),
		})
	}

	if applyEnv(&result.Config) {
		result.Source = SourceEnv
	}

	if result.Config.StateDir == "" {
		result.Config.StateDir = StateDir()
	}
	if result.Config.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			result.Config.Workspace = wd
		}
	}
	return result
}

// LastValid returns the most recent successfully parsed configuration, if any.
func (l *Loader) LastValid() (Config, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastValid == nil {
		return Config{}, false
	}
	return *l.lastValid, true
}

// mergeFile overlays non-zero file values onto base. Zone tables and slices
// replace wholesale; scalar zero values keep the default.
func mergeFile(base, file Config) Config {
	out := base
	if file.Workspace != "" {
		out.Workspace = file.Workspace
	}
	if file.StateDir != "" {
		out.StateDir = file.StateDir
	}
	if file.Model != "" {
		out.Model = file.Model
	}
	if file.LogLevel != "" {
		out.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		out.LogFormat = file.LogFormat
	}
	if file.GracefulTimeoutMs > 0 {
		out.GracefulTimeoutMs = file.GracefulTimeoutMs
	}
	out.Arena = mergeArena(out.Arena, file.Arena)
	out.Budget = mergeBudget(out.Budget, file.Budget)
	out.Cost = mergeCost(out.Cost, file.Cost)
	if len(file.Skills.ExtraRoots) > 0 {
		out.Skills.ExtraRoots = file.Skills.ExtraRoots
	}
	if len(file.Skills.Disabled) > 0 {
		out.Skills.Disabled = file.Skills.Disabled
	}
	if file.Skills.PolicyMode != "" {
		out.Skills.PolicyMode = file.Skills.PolicyMode
	}
	if file.Parallel.MaxConcurrent > 0 {
		out.Parallel.MaxConcurrent = file.Parallel.MaxConcurrent
	}
	if file.Parallel.MaxTotal > 0 {
		out.Parallel.MaxTotal = file.Parallel.MaxTotal
	}
	if file.Tape.CheckpointIntervalEntries > 0 {
		out.Tape.CheckpointIntervalEntries = file.Tape.CheckpointIntervalEntries
	}
	if file.Memory.LexicalWeight > 0 || file.Memory.RecencyWeight > 0 || file.Memory.ConfidenceWeight > 0 {
		out.Memory.LexicalWeight = file.Memory.LexicalWeight
		out.Memory.RecencyWeight = file.Memory.RecencyWeight
		out.Memory.ConfidenceWeight = file.Memory.ConfidenceWeight
	}
	if file.Memory.RecallLimit > 0 {
		out.Memory.RecallLimit = file.Memory.RecallLimit
	}
	return out
}

func mergeArena(base, file ArenaConfig) ArenaConfig {
	out := base
	if file.TotalTokenBudget > 0 {
		out.TotalTokenBudget = file.TotalTokenBudget
	}
	if file.MaxEntriesPerSession > 0 {
		out.MaxEntriesPerSession = file.MaxEntriesPerSession
	}
	if file.DegradationPolicy != "" {
		out.DegradationPolicy = file.DegradationPolicy
	}
	if file.TruncationStrategy != "" {
		out.TruncationStrategy = file.TruncationStrategy
	}
	if len(file.Zones) > 0 {
		zones := make(map[string]ZoneBudget, len(base.Zones))
		for name, budget := range base.Zones {
			zones[name] = budget
		}
		for name, budget := range file.Zones {
			zones[name] = budget
		}
		out.Zones = zones
	}
	if file.Adaptive.EMAAlpha > 0 {
		out.Adaptive = file.Adaptive
	}
	if len(file.FloorRelaxation.RelaxOrder) > 0 || file.FloorRelaxation.FinalFallback != "" {
		out.FloorRelaxation = file.FloorRelaxation
	}
	return out
}

func mergeBudget(base, file BudgetConfig) BudgetConfig {
	out := base
	if file.CompactionThresholdPercent > 0 {
		out.CompactionThresholdPercent = file.CompactionThresholdPercent
	}
	if file.HardLimitPercent > 0 {
		out.HardLimitPercent = file.HardLimitPercent
	}
	if file.PressureBypassPercent > 0 {
		out.PressureBypassPercent = file.PressureBypassPercent
	}
	if file.MinTurnsBetweenCompaction > 0 {
		out.MinTurnsBetweenCompaction = file.MinTurnsBetweenCompaction
	}
	if file.MinSecondsBetweenCompaction > 0 {
		out.MinSecondsBetweenCompaction = file.MinSecondsBetweenCompaction
	}
	return out
}

func mergeCost(base, file CostConfig) CostConfig {
	out := base
	if file.MaxCostUSDPerSession > 0 {
		out.MaxCostUSDPerSession = file.MaxCostUSDPerSession
	}
	if file.AlertThresholdRatio > 0 {
		out.AlertThresholdRatio = file.AlertThresholdRatio
	}
	if file.MaxCostUSDPerSkill > 0 {
		out.MaxCostUSDPerSkill = file.MaxCostUSDPerSkill
	}
	if file.BudgetAction != "" {
		out.BudgetAction = file.BudgetAction
	}
	return out
}

// applyEnv overlays BREWVA_* environment variables and reports whether any
// were applied.
func applyEnv(cfg *Config) bool {
	applied := false
	if model := strings.TrimSpace(os.Getenv("BREWVA_MODEL")); model != "" {
		cfg.Model = model
		applied = true
	}
	if level := strings.TrimSpace(os.Getenv("BREWVA_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
		applied = true
	}
	if raw := strings.TrimSpace(os.Getenv("BREWVA_TOTAL_TOKEN_BUDGET")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Arena.TotalTokenBudget = v
			applied = true
		}
	}
	if raw := strings.TrimSpace(os.Getenv("BREWVA_MAX_COST_USD")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.Cost.MaxCostUSDPerSession = v
			applied = true
		}
	}
	return applied
}
