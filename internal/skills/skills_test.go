package skills

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"brewva/internal/logging"
)

func writeSkill(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

const baseRefactor = `---
name: refactor
tools:
  required: [read, edit]
  optional: [grep, bash]
budget:
  maxToolCalls: 40
---
# Refactor

Apply small mechanical refactors.
`

func TestRefreshLoadsBaseSkill(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), baseRefactor)

	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	skill, ok := reg.Get("refactor")
	if !ok {
		t.Fatalf("skill refactor not loaded")
	}
	if skill.Contract.Tier != TierBase {
		t.Fatalf("expected base tier, got %s", skill.Contract.Tier)
	}
	if skill.Title != "Refactor" {
		t.Fatalf("expected title from heading, got %q", skill.Title)
	}
	want := []string{"read", "edit"}
	if !reflect.DeepEqual(skill.Contract.Tools.Required, want) {
		t.Fatalf("required = %v, want %v", skill.Contract.Tools.Required, want)
	}
}

func TestProjectTierTightensBase(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), baseRefactor)
	writeSkill(t, root, filepath.Join("skills", "project", "refactor", "SKILL.md"), `---
name: refactor
tools:
  required: [read, edit, deploy]
  denied: [bash]
budget:
  maxToolCalls: 10
---
Project policy for refactor.
`)

	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	skill, ok := reg.Get("refactor")
	if !ok {
		t.Fatalf("skill not loaded")
	}
	c := skill.Contract
	if c.Tier != TierProject {
		t.Fatalf("expected project tier, got %s", c.Tier)
	}
	// deploy was never in the base allow-set, so the override cannot add it.
	if !reflect.DeepEqual(c.Tools.Required, []string{"edit", "read"}) {
		t.Fatalf("required = %v", c.Tools.Required)
	}
	if !c.IsDenied("bash") {
		t.Fatalf("bash must be denied after tightening")
	}
	for _, tool := range c.Tools.Optional {
		if tool == "bash" {
			t.Fatalf("denied tool leaked into optional: %v", c.Tools.Optional)
		}
	}
	if c.Budget.MaxToolCalls != 10 {
		t.Fatalf("budget must take the min, got %d", c.Budget.MaxToolCalls)
	}
}

func TestTightenContractIdempotent(t *testing.T) {
	t.Parallel()

	base := Contract{
		Name:  "refactor",
		Tier:  TierBase,
		Tools: ToolSet{Required: []string{"read", "edit"}, Optional: []string{"grep", "bash"}},
		Budget: Budget{
			MaxToolCalls: 40,
			MaxTokens:    50000,
		},
	}
	override := Contract{
		Name:   "refactor",
		Tier:   TierProject,
		Tools:  ToolSet{Denied: []string{"bash"}},
		Budget: Budget{MaxToolCalls: 10},
	}

	once := TightenContract(base, override)
	twice := TightenContract(once, override)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("tighten must be idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestPackTierBetweenBaseAndProject(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), baseRefactor)
	writeSkill(t, root, filepath.Join("skills", "packs", "strict", "refactor", "SKILL.md"), `---
name: refactor
tools:
  denied: [bash]
---
`)

	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	skill, _ := reg.Get("refactor")
	if skill.Contract.Tier != TierPack {
		t.Fatalf("expected pack tier, got %s", skill.Contract.Tier)
	}
	if !skill.Contract.IsDenied("bash") {
		t.Fatalf("pack deny must apply")
	}
}

func TestDisabledSkillRemoved(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), baseRefactor)

	reg := NewRegistry(root, "",
		WithRegistryLogger(logging.Nop()),
		WithDisabled("Refactor"),
	)
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := reg.Get("refactor"); ok {
		t.Fatalf("disabled skill must not be served")
	}
}

func TestMalformedFrontMatterSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "good", "SKILL.md"), `---
name: good
---
Good skill.
`)
	writeSkill(t, root, filepath.Join("skills", "base", "bad", "SKILL.md"), "no front matter here")

	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh must tolerate malformed skills: %v", err)
	}
	if _, ok := reg.Get("good"); !ok {
		t.Fatalf("well-formed skill must still load")
	}
	if _, ok := reg.Get("bad"); ok {
		t.Fatalf("malformed skill must be skipped")
	}
}

func TestPolicyEnforceDeniesAndWarnAllows(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), `---
name: refactor
tools:
  required: [read, edit]
  denied: [bash]
---
`)
	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	enforce := NewPolicy(reg, PolicyEnforce, logging.Nop())
	if d := enforce.CheckTool("refactor", "bash"); d.Verdict != VerdictDeny {
		t.Fatalf("enforce mode must deny, got %+v", d)
	}
	if d := enforce.CheckTool("refactor", "read"); d.Verdict != VerdictAllow {
		t.Fatalf("allowed tool must pass, got %+v", d)
	}
	if d := enforce.CheckTool("refactor", "web_search"); d.Verdict != VerdictWarn {
		t.Fatalf("outside-allow-set tool warns even in enforce mode, got %+v", d)
	}

	warn := NewPolicy(reg, PolicyWarn, logging.Nop())
	if d := warn.CheckTool("refactor", "bash"); d.Verdict != VerdictWarn || !d.Allowed() {
		t.Fatalf("warn mode must allow with a warning, got %+v", d)
	}

	off := NewPolicy(reg, PolicyOff, logging.Nop())
	if d := off.CheckTool("refactor", "bash"); d.Verdict != VerdictAllow {
		t.Fatalf("off mode must allow everything, got %+v", d)
	}
}

func TestPolicyBudgetExhaustion(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "tiny", "SKILL.md"), `---
name: tiny
tools:
  required: [read]
budget:
  maxToolCalls: 2
---
`)
	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	p := NewPolicy(reg, PolicyEnforce, logging.Nop())
	for i := 0; i < 2; i++ {
		if d := p.CheckBudget("s", "tiny"); d.Verdict != VerdictAllow {
			t.Fatalf("call %d should be within budget, got %+v", i, d)
		}
		p.RecordUsage("s", "tiny", 100)
	}
	if d := p.CheckBudget("s", "tiny"); d.Verdict != VerdictDeny {
		t.Fatalf("exhausted budget must deny, got %+v", d)
	}

	// Other sessions are unaffected, and clearing resets the counter.
	if d := p.CheckBudget("other", "tiny"); d.Verdict != VerdictAllow {
		t.Fatalf("budget must be per session, got %+v", d)
	}
	p.ClearSessionState("s")
	if d := p.CheckBudget("s", "tiny"); d.Verdict != VerdictAllow {
		t.Fatalf("cleared session must start fresh, got %+v", d)
	}
}

func TestWriteIndex(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, filepath.Join("skills", "base", "refactor", "SKILL.md"), baseRefactor)
	reg := NewRegistry(root, "", WithRegistryLogger(logging.Nop()))
	if err := reg.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	indexPath := filepath.Join(t.TempDir(), "skills_index.json")
	if err := reg.WriteIndex(indexPath); err != nil {
		t.Fatalf("write index: %v", err)
	}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("index must not be empty")
	}
}
