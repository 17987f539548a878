package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"brewva/internal/logging"
	"gopkg.in/yaml.v3"
)

const skillsDirEnvVar = "BREWVA_SKILLS_DIR"

// Skill is one loaded skill document: the policy contract plus the
// instructional Markdown body.
type Skill struct {
	Contract   Contract
	Title      string
	Body       string
	SourcePath string
}

// Registry discovers, parses, and serves skill contracts. It is read-mostly:
// Refresh rebuilds the whole library atomically behind a write lock.
type Registry struct {
	roots    []string
	disabled map[string]struct{}
	logger   logging.Logger

	mu     sync.RWMutex
	byName map[string]Skill
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithExtraRoots appends configured discovery roots.
func WithExtraRoots(roots ...string) RegistryOption {
	return func(r *Registry) {
		for _, root := range roots {
			if trimmed := strings.TrimSpace(root); trimmed != "" {
				r.roots = append(r.roots, trimmed)
			}
		}
	}
}

// WithDisabled marks skills that are removed after loading.
func WithDisabled(names ...string) RegistryOption {
	return func(r *Registry) {
		for _, name := range names {
			r.disabled[NormalizeName(name)] = struct{}{}
		}
	}
}

// WithRegistryLogger injects a custom logger.
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

/// NewRegistry builds a registry whose discovery roots are, in order: the
// BREWVA_SKILLS_DIR override, ancestor `skills/` directories of the working
// directory and executable, the global config root, the project's
// `.brewva/skills`, and any configured extras.
func NewRegistry(workspace, configRoot string, opts ...RegistryOption) *Registry {
	r := &Registry{
		disabled: make(map[string]struct{}),
		logger:   logging.NewComponentLogger("SkillRegistry"),
		byName:   make(map[string]Skill),
	}
	if env := strings.TrimSpace(os.Getenv(skillsDirEnvVar)); env != "" {
		r.roots = append(r.roots, filepath.Clean(env))
	}
	r.roots = append(r.roots, ancestorSkillRoots(workspace)...)
	if configRoot != "" {
		r.roots = append(r.roots, filepath.Join(configRoot, "skills"))
	}
	if workspace != "" {
		r.roots = append(r.roots, filepath.Join(workspace, ".brewva", "skills"))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.roots = dedupePaths(r.roots)
	return r
}

// ancestorSkillRoots walks up from the working directory and the executable
// looking for a skills/ directory.
func ancestorSkillRoots(workspace string) []string {
	var starts []string
	if workspace != "" {
		starts = append(starts, filepath.Clean(workspace))
	}
	if exe, err := os.Executable(); err == nil && exe != "" {
		starts = append(starts, filepath.Clean(filepath.Dir(exe)))
	}

	var roots []string
	seen := make(map[string]struct{})
	for _, start := range starts {
		dir := start
		for {
			if _, dup := seen[dir]; dup {
				break
			}
			seen[dir] = struct{}{}
			candidate := filepath.Join(dir, "skills")
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				roots = append(roots, candidate)
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return roots
}

func dedupePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0:0]
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}

// Refresh rebuilds the library from every root. Tier precedence is
// project > pack > base; a later tier tightens the earlier contract.
func (r *Registry) Refresh() error {
	loaded := make(map[string]Skill)

	for _, root := range r.roots {
		for _, tierDir := range []struct {
			tier Tier
			rel  string
		}{
			{TierBase, "base"},
			{TierPack, "packs"},
			{TierProject, "project"},
		} {
			dir := filepath.Join(root, tierDir.rel)
			var files []string
			var err error
			if tierDir.tier == TierPack {
				files, err = packSkillFiles(dir)
			} else {
				files, err = discoverSkillFiles(dir)
			}
			if err != nil {
				return fmt.Errorf("discover %s: %w", dir, err)
			}
			for _, path := range files {
				skill, err := parseSkillFile(path, tierDir.tier)
				if err != nil {
					r.logger.Warn("Skipping skill %s: %v", path, err)
					continue
				}
				mergeSkill(loaded, skill)
			}
		}
		// Root-level markdown files load at base tier.
		files, err := discoverSkillFiles(root)
		if err != nil {
			return fmt.Errorf("discover %s: %w", root, err)
		}
		for _, path := range files {
			skill, err := parseSkillFile(path, TierBase)
			if err != nil {
				r.logger.Warn("Skipping skill %s: %v", path, err)
				continue
			}
			mergeSkill(loaded, skill)
		}
	}

	for name := range r.disabled {
		delete(loaded, name)
	}

	r.mu.Lock()
	r.byName = loaded
	r.mu.Unlock()
	r.logger.Info("Skill registry refreshed (%d skills from %d roots)", len(loaded), len(r.roots))
	return nil
}

// mergeSkill applies tier precedence: a higher tier tightens the lower one;
// an equal or lower tier for an existing name is ignored.
func mergeSkill(loaded map[string]Skill, incoming Skill) {
	key := NormalizeName(incoming.Contract.Name)
	if key == "" {
		return
	}
	existing, ok := loaded[key]
	if !ok {
		loaded[key] = incoming
		return
	}
	if tierRank(incoming.Contract.Tier) <= tierRank(existing.Contract.Tier) {
		return
	}
	merged := incoming
	merged.Contract = TightenContract(existing.Contract, incoming.Contract)
	if merged.Body == "" {
		merged.Body = existing.Body
	}
	loaded[key] = merged
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.byName[NormalizeName(name)]
	return skill, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.byName))
	for _, skill := range r.byName {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Name < out[j].Contract.Name })
	return out
}

// WriteIndex persists a machine-readable summary of the loaded skills.
func (r *Registry) WriteIndex(path string) error {
	type indexEntry struct {
		Name       string   `json:"name"`
		Tier       Tier     `json:"tier"`
		Title      string   `json:"title,omitempty"`
		SourcePath string   `json:"sourcePath"`
		Contract   Contract `json:"contract"`
	}
	skills := r.List()
	entries := make([]indexEntry, 0, len(skills))
	for _, skill := range skills {
		entries = append(entries, indexEntry{
			Name:       skill.Contract.Name,
			Tier:       skill.Contract.Tier,
			Title:      skill.Title,
			SourcePath: skill.SourcePath,
			Contract:   skill.Contract,
		})
	}
	payload := map[string]any{
		"generatedAt": time.Now().Format(time.RFC3339),
		"skills":      entries,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode skills index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Discovery -----------------------------------------------------------------

// packSkillFiles descends one level into packs/<name>/ before discovering.
func packSkillFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		nested, err := discoverSkillFiles(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		paths = append(paths, nested...)
	}
	sort.Strings(paths)
	return paths, nil
}

func discoverSkillFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			path := filepath.Join(root, name, "SKILL.md")
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				paths = append(paths, path)
			}
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), ".md") {
			paths = append(paths, filepath.Join(root, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Parsing -------------------------------------------------------------------

func parseSkillFile(path string, tier Tier) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", path, err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, hasFrontMatter := splitFrontMatter(content)
	if !hasFrontMatter {
		return Skill{}, fmt.Errorf("skill %s missing front matter", path)
	}

	var contract Contract
	if err := yaml.Unmarshal([]byte(metaText), &contract); err != nil {
		return Skill{}, fmt.Errorf("parse skill front matter %s: %w", path, err)
	}
	if strings.TrimSpace(contract.Name) == "" {
		return Skill{}, fmt.Errorf("skill %s missing name front matter", path)
	}
	contract.Name = NormalizeName(contract.Name)
	contract.Tier = tier

	body := strings.TrimSpace(bodyText)
	title := extractMarkdownTitle(body)
	if title == "" {
		title = contract.Name
	}

	return Skill{
		Contract:   contract,
		Title:      title,
		Body:       body,
		SourcePath: path,
	}, nil
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			meta := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return meta, body, true
		}
	}
	return "", content, false
}

func extractMarkdownTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		break
	}
	return ""
}
