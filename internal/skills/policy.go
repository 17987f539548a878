package skills

import (
	"fmt"
	"strings"
	"sync"

	"brewva/internal/logging"
)

// PolicyMode selects how contract violations are handled.
type PolicyMode string

const (
	PolicyOff     PolicyMode = "off"
	PolicyWarn    PolicyMode = "warn"
	PolicyEnforce PolicyMode = "enforce"
)

// Verdict is the outcome of a policy check.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictDeny  Verdict = "deny"
)

// Decision carries the verdict plus a human-readable reason.
type Decision struct {
	Verdict Verdict
	Skill   string
	Tool    string
	Reason  string
}

// Allowed reports whether the tool call may proceed.
func (d Decision) Allowed() bool { return d.Verdict != VerdictDeny }

// Usage is the consumption counted against one skill within a session.
type Usage struct {
	ToolCalls int
	Tokens    int
}

// Policy evaluates tool calls against skill contracts.
type Policy struct {
	registry *Registry
	mode     PolicyMode
	logger   logging.Logger

	mu    sync.Mutex
	usage map[string]map[string]*Usage
}

// NewPolicy builds a policy over a registry. Unknown modes fall back to warn.
func NewPolicy(registry *Registry, mode PolicyMode, logger logging.Logger) *Policy {
	switch mode {
	case PolicyOff, PolicyWarn, PolicyEnforce:
	default:
		mode = PolicyWarn
	}
	return &Policy{
		registry: registry,
		mode:     mode,
		logger:   logging.OrNop(logger),
		usage:    make(map[string]map[string]*Usage),
	}
}

// Mode returns the active policy mode.
func (p *Policy) Mode() PolicyMode { return p.mode }

// CheckTool decides whether the active skill may invoke the tool. With no
// active skill or in off mode everything is allowed. A tool outside the
// allow-set warns; a denied tool warns or denies depending on mode.
func (p *Policy) CheckTool(skillName, tool string) Decision {
	if p.mode == PolicyOff || strings.TrimSpace(skillName) == "" {
		return Decision{Verdict: VerdictAllow, Skill: skillName, Tool: tool}
	}
	skill, ok := p.registry.Get(skillName)
	if !ok {
		return Decision{
			Verdict: VerdictWarn,
			Skill:   skillName,
			Tool:    tool,
			Reason:  fmt.Sprintf("skill %q not found in registry", skillName),
		}
	}
	contract := skill.Contract

	if contract.IsDenied(tool) {
		reason := fmt.Sprintf("tool %q is denied by skill %q (%s tier)", tool, contract.Name, contract.Tier)
		if p.mode == PolicyEnforce {
			return Decision{Verdict: VerdictDeny, Skill: skillName, Tool: tool, Reason: reason}
		}
		p.logger.Warn("Policy: %s", reason)
		return Decision{Verdict: VerdictWarn, Skill: skillName, Tool: tool, Reason: reason}
	}

	allow := contract.AllowSet()
	if len(allow) > 0 {
		if _, ok := allow[tool]; !ok {
			reason := fmt.Sprintf("tool %q is outside the allow-set of skill %q", tool, contract.Name)
			p.logger.Warn("Policy: %s", reason)
			return Decision{Verdict: VerdictWarn, Skill: skillName, Tool: tool, Reason: reason}
		}
	}
	return Decision{Verdict: VerdictAllow, Skill: skillName, Tool: tool}
}

// CheckBudget decides whether the skill has budget left for one more tool
// call. In off mode budgets are not enforced.
func (p *Policy) CheckBudget(sessionID, skillName string) Decision {
	if p.mode == PolicyOff || strings.TrimSpace(skillName) == "" {
		return Decision{Verdict: VerdictAllow, Skill: skillName}
	}
	skill, ok := p.registry.Get(skillName)
	if !ok {
		return Decision{Verdict: VerdictAllow, Skill: skillName}
	}
	budget := skill.Contract.Budget
	used := p.snapshot(sessionID, skillName)

	var reason string
	switch {
	case budget.MaxToolCalls > 0 && used.ToolCalls >= budget.MaxToolCalls:
		reason = fmt.Sprintf("skill %q exhausted its tool-call budget (%d/%d)",
			skillName, used.ToolCalls, budget.MaxToolCalls)
	case budget.MaxTokens > 0 && used.Tokens >= budget.MaxTokens:
		reason = fmt.Sprintf("skill %q exhausted its token budget (%d/%d)",
			skillName, used.Tokens, budget.MaxTokens)
	default:
		return Decision{Verdict: VerdictAllow, Skill: skillName}
	}

	if p.mode == PolicyEnforce {
		return Decision{Verdict: VerdictDeny, Skill: skillName, Reason: reason}
	}
	p.logger.Warn("Policy: %s", reason)
	return Decision{Verdict: VerdictWarn, Skill: skillName, Reason: reason}
}

// RecordUsage counts a completed tool call and its token consumption against
// the skill's budget.
func (p *Policy) RecordUsage(sessionID, skillName string, tokens int) {
	if strings.TrimSpace(skillName) == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	perSession := p.usage[sessionID]
	if perSession == nil {
		perSession = make(map[string]*Usage)
		p.usage[sessionID] = perSession
	}
	key := NormalizeName(skillName)
	u := perSession[key]
	if u == nil {
		u = &Usage{}
		perSession[key] = u
	}
	u.ToolCalls++
	if tokens > 0 {
		u.Tokens += tokens
	}
}

// SkillUsage returns a copy of the usage counted for one skill.
func (p *Policy) SkillUsage(sessionID, skillName string) Usage {
	return p.snapshot(sessionID, skillName)
}

func (p *Policy) snapshot(sessionID, skillName string) Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if perSession := p.usage[sessionID]; perSession != nil {
		if u := perSession[NormalizeName(skillName)]; u != nil {
			return *u
		}
	}
	return Usage{}
}

// ClearSessionState drops budget counters for a session.
func (p *Policy) ClearSessionState(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.usage, sessionID)
}
