// Package registry discovers agent and skill definitions under two
// well-known directories and serves them from a short-lived cache.
package registry

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL is how long a scan result is served before rescanning.
const DefaultTTL = 30 * time.Second

// Config holds registry configuration.
type Config struct {
	AgentsDir string
	SkillsDir string
	TTL       time.Duration
}

// Registry is a process-local, TTL-cached view of the agent/skill
// directories. Safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	snapshot *Snapshot
	lastScan time.Time
}

// New creates a Registry. Directories may not exist yet; scans of a
// missing root yield an empty list, not an error.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Registry{cfg: cfg, logger: logger.With("component", "registry")}
}

// List returns the current snapshot, rescanning if the cache is stale.
func (r *Registry) List() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil || time.Since(r.lastScan) > r.cfg.TTL {
		r.rescanLocked()
	}
	return r.snapshot
}

// Refresh forces a rescan regardless of cache age.
func (r *Registry) Refresh() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rescanLocked()
	return r.snapshot
}

// LastScan returns the time of the last completed scan, zero if none.
// Used by /health.
func (r *Registry) LastScan() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan
}

func (r *Registry) rescanLocked() {
	snap := &Snapshot{
		Agents: r.scanAgents(),
		Skills: r.scanSkills(),
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Name < snap.Agents[j].Name })
	sort.Slice(snap.Skills, func(i, j int) bool { return snap.Skills[i].Name < snap.Skills[j].Name })
	r.snapshot = snap
	r.lastScan = time.Now()
	r.logger.Debug("Registry scan completed",
		"agents", len(snap.Agents), "skills", len(snap.Skills))
}

func (r *Registry) scanAgents() []AgentDescriptor {
	agents := []AgentDescriptor{}
	entries, err := os.ReadDir(r.cfg.AgentsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Failed to read agents directory", "dir", r.cfg.AgentsDir, "error", err)
		}
		return agents
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.cfg.AgentsDir, e.Name())
		agent, err := parseAgentFile(path)
		if err != nil {
			r.logger.Warn("Skipping malformed agent definition", "path", path, "error", err)
			continue
		}
		agents = append(agents, *agent)
	}
	return agents
}

func (r *Registry) scanSkills() []SkillDescriptor {
	skills := []SkillDescriptor{}
	entries, err := os.ReadDir(r.cfg.SkillsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Failed to read skills directory", "dir", r.cfg.SkillsDir, "error", err)
		}
		return skills
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.cfg.SkillsDir, e.Name(), "skill.yaml")
		skill, err := parseSkillFile(path)
		if err != nil {
			r.logger.Warn("Skipping malformed skill definition", "path", path, "error", err)
			continue
		}
		skills = append(skills, *skill)
	}
	return skills
}

var frontMatterDelim = []byte("---")

// parseAgentFile extracts the YAML front-matter block between the leading
// and closing "---" lines.
func parseAgentFile(path string) (*AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimLeft(data, "\n\r \t")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, fmt.Errorf("no front-matter block")
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return nil, fmt.Errorf("unterminated front-matter block")
	}

	var agent AgentDescriptor
	if err := yaml.Unmarshal(rest[:end], &agent); err != nil {
		return nil, fmt.Errorf("invalid front-matter: %w", err)
	}
	if agent.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if len(agent.AllowedTools) > 0 {
		agent.Tools = append(agent.Tools, agent.AllowedTools...)
		agent.AllowedTools = nil
	}
	return &agent, nil
}

func parseSkillFile(path string) (*SkillDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var skill SkillDescriptor
	if err := yaml.Unmarshal(data, &skill); err != nil {
		return nil, fmt.Errorf("invalid skill.yaml: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	return &skill, nil
}

// ValidateAgents returns the requested names absent from the registry.
func (r *Registry) ValidateAgents(names []string) []string {
	snap := r.List()
	known := make(map[string]bool, len(snap.Agents))
	for _, a := range snap.Agents {
		known[a.Name] = true
	}
	return missingFrom(known, names)
}

// ValidateSkills returns the requested names absent from the registry.
func (r *Registry) ValidateSkills(names []string) []string {
	snap := r.List()
	known := make(map[string]bool, len(snap.Skills))
	for _, s := range snap.Skills {
		known[s.Name] = true
	}
	return missingFrom(known, names)
}

func missingFrom(known map[string]bool, names []string) []string {
	var missing []string
	for _, n := range names {
		if !known[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// EnrichPrompt prepends descriptions of the named agents and skills and
// appends an invocation-syntax hint. The enrichment is additive; the base
// prompt is carried through unchanged.
func (r *Registry) EnrichPrompt(base string, agentNames, skillNames []string) string {
	if len(agentNames) == 0 && len(skillNames) == 0 {
		return base
	}
	snap := r.List()

	var b strings.Builder
	if len(agentNames) > 0 {
		b.WriteString("Available agents:\n")
		for _, name := range agentNames {
			for _, a := range snap.Agents {
				if a.Name == name {
					fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
				}
			}
		}
	}
	if len(skillNames) > 0 {
		b.WriteString("Available skills:\n")
		for _, name := range skillNames {
			for _, s := range snap.Skills {
				if s.Name == name {
					fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
					if s.Command != "" {
						fmt.Fprintf(&b, "  invoke with: %s\n", s.Command)
					}
				}
			}
		}
	}
	b.WriteString("\n")
	b.WriteString(base)
	b.WriteString("\n\nInvoke an agent with @agent-<name> and a skill with /<name>.")
	return b.String()
}
