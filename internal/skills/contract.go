package skills

import (
	"sort"
	"strings"
)

// Tier orders skill definition precedence: project overrides pack overrides
// base.
type Tier string

const (
	TierBase    Tier = "base"
	TierPack    Tier = "pack"
	TierProject Tier = "project"
)

func tierRank(t Tier) int {
	switch t {
	case TierBase:
		return 0
	case TierPack:
		return 1
	case TierProject:
		return 2
	default:
		return -1
	}
}

// ToolSet partitions tool access for a skill.
type ToolSet struct {
	Required []string `yaml:"required" json:"required,omitempty"`
	Optional []string `yaml:"optional" json:"optional,omitempty"`
	Denied   []string `yaml:"denied" json:"denied,omitempty"`
}

// Budget bounds a skill's resource consumption. Zero means unlimited.
type Budget struct {
	MaxToolCalls int `yaml:"maxToolCalls" json:"maxToolCalls,omitempty"`
	MaxTokens    int `yaml:"maxTokens" json:"maxTokens,omitempty"`
}

// Contract is the policy surface of one skill.
type Contract struct {
	Name        string   `yaml:"name" json:"name"`
	Tier        Tier     `yaml:"-" json:"tier"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	AntiTags    []string `yaml:"antiTags" json:"antiTags,omitempty"`
	Tools       ToolSet  `yaml:"tools" json:"tools"`
	Budget      Budget   `yaml:"budget" json:"budget"`
	MaxParallel int      `yaml:"maxParallel" json:"maxParallel,omitempty"`
	Stability   string   `yaml:"stability" json:"stability,omitempty"`
	CostHint    string   `yaml:"costHint" json:"costHint,omitempty"`
}

// AllowSet returns the union of required and optional tools.
func (c Contract) AllowSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Tools.Required)+len(c.Tools.Optional))
	for _, tool := range c.Tools.Required {
		out[tool] = struct{}{}
	}
	for _, tool := range c.Tools.Optional {
		out[tool] = struct{}{}
	}
	return out
}

// IsDenied reports whether the contract explicitly denies the tool.
func (c Contract) IsDenied(tool string) bool {
	for _, denied := range c.Tools.Denied {
		if denied == tool {
			return true
		}
	}
	return false
}

// TightenContract overlays override onto base. Overrides may only tighten:
// denied grows, the allow-set shrinks, budgets decrease. The operation is
// idempotent: tightening with the same override twice equals once.
func TightenContract(base, override Contract) Contract {
	out := base
	out.Tier = override.Tier
	if override.Stability != "" {
		out.Stability = override.Stability
	}
	if override.CostHint != "" {
		out.CostHint = override.CostHint
	}
	if len(override.Tags) > 0 {
		out.Tags = dedupeSorted(append(append([]string(nil), base.Tags...), override.Tags...))
	}
	if len(override.AntiTags) > 0 {
		out.AntiTags = dedupeSorted(append(append([]string(nil), base.AntiTags...), override.AntiTags...))
	}

	// (a) denied is the union.
	out.Tools.Denied = dedupeSorted(append(append([]string(nil), base.Tools.Denied...), override.Tools.Denied...))
	deniedSet := make(map[string]struct{}, len(out.Tools.Denied))
	for _, tool := range out.Tools.Denied {
		deniedSet[tool] = struct{}{}
	}

	baseAllow := base.AllowSet()

	// (b) required is the intersection with the pre-existing allow-set.
	var required []string
	for _, tool := range override.Tools.Required {
		if _, ok := baseAllow[tool]; !ok {
			continue
		}
		if _, denied := deniedSet[tool]; denied {
			continue
		}
		required = append(required, tool)
	}
	if len(override.Tools.Required) == 0 {
		for _, tool := range base.Tools.Required {
			if _, denied := deniedSet[tool]; !denied {
				required = append(required, tool)
			}
		}
	}
	out.Tools.Required = dedupeSorted(required)
	requiredSet := make(map[string]struct{}, len(out.Tools.Required))
	for _, tool := range out.Tools.Required {
		requiredSet[tool] = struct{}{}
	}

	// (c) optional is filtered to allow-set members not in required/denied.
	optionalSource := override.Tools.Optional
	if len(optionalSource) == 0 {
		optionalSource = base.Tools.Optional
	}
	var optional []string
	for _, tool := range optionalSource {
		if _, ok := baseAllow[tool]; !ok {
			continue
		}
		if _, denied := deniedSet[tool]; denied {
			continue
		}
		if _, req := requiredSet[tool]; req {
			continue
		}
		optional = append(optional, tool)
	}
	out.Tools.Optional = dedupeSorted(optional)

	// (d) budgets take the min (zero means unlimited).
	out.Budget.MaxToolCalls = minPositive(base.Budget.MaxToolCalls, override.Budget.MaxToolCalls)
	out.Budget.MaxTokens = minPositive(base.Budget.MaxTokens, override.Budget.MaxTokens)

	// (e) maxParallel takes the min.
	out.MaxParallel = minPositive(base.MaxParallel, override.MaxParallel)

	return out
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NormalizeName normalizes a skill name for lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
