package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgent(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "skill.yaml"), []byte(content), 0o644))
}

func newTestRegistry(t *testing.T) (*Registry, string, string) {
	t.Helper()
	agentsDir := t.TempDir()
	skillsDir := t.TempDir()
	r := New(Config{AgentsDir: agentsDir, SkillsDir: skillsDir}, slog.Default())
	return r, agentsDir, skillsDir
}

const secAuditAgent = `---
name: sec-audit
description: Security audit of a codebase
tools:
  - Read
  - Grep
model: large
---
You are a security auditor. Scan for injection flaws.
`

func TestScanAgentsAndSkills(t *testing.T) {
	r, agentsDir, skillsDir := newTestRegistry(t)

	writeAgent(t, agentsDir, "sec-audit.md", secAuditAgent)
	writeSkill(t, skillsDir, "changelog", "name: changelog\ndescription: Generate a changelog\ncommand: /changelog\n")

	snap := r.List()
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "sec-audit", snap.Agents[0].Name)
	assert.Equal(t, []string{"Read", "Grep"}, snap.Agents[0].Tools)
	assert.Equal(t, "large", snap.Agents[0].Model)

	require.Len(t, snap.Skills, 1)
	assert.Equal(t, "changelog", snap.Skills[0].Name)
	assert.Equal(t, "/changelog", snap.Skills[0].Command)
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	r, agentsDir, skillsDir := newTestRegistry(t)

	// Missing name is skipped, not fatal.
	writeAgent(t, agentsDir, "anon.md", "---\ndescription: nameless\n---\nbody\n")
	// No front-matter at all.
	writeAgent(t, agentsDir, "plain.md", "just markdown\n")
	// Valid neighbor survives.
	writeAgent(t, agentsDir, "ok.md", "---\nname: ok\ndescription: fine\n---\nbody\n")
	// Broken YAML sidecar.
	writeSkill(t, skillsDir, "broken", ":\n  - not yaml\n")

	snap := r.List()
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "ok", snap.Agents[0].Name)
	assert.Empty(t, snap.Skills)
}

func TestEmptyToolsListIsValid(t *testing.T) {
	r, agentsDir, _ := newTestRegistry(t)
	writeAgent(t, agentsDir, "min.md", "---\nname: min\ndescription: minimal\ntools: []\n---\n")

	snap := r.List()
	require.Len(t, snap.Agents, 1)
	assert.Empty(t, snap.Agents[0].Tools)
}

func TestAllowedToolsAliasMergesIntoTools(t *testing.T) {
	r, agentsDir, _ := newTestRegistry(t)
	writeAgent(t, agentsDir, "alias.md", "---\nname: alias\ndescription: d\nallowed-tools:\n  - Bash\n---\n")

	snap := r.List()
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, []string{"Bash"}, snap.Agents[0].Tools)
}

func TestMissingRootsYieldEmptySnapshot(t *testing.T) {
	r := New(Config{AgentsDir: "/nonexistent/a", SkillsDir: "/nonexistent/s"}, slog.Default())
	snap := r.List()
	assert.Empty(t, snap.Agents)
	assert.Empty(t, snap.Skills)
	assert.False(t, r.LastScan().IsZero())
}

func TestCacheAndRefresh(t *testing.T) {
	r, agentsDir, _ := newTestRegistry(t)

	snap := r.List()
	assert.Empty(t, snap.Agents)

	writeAgent(t, agentsDir, "late.md", "---\nname: late\ndescription: added after first scan\n---\n")

	// Within the TTL the cached snapshot is served.
	assert.Empty(t, r.List().Agents)

	// Refresh forces a rescan.
	assert.Len(t, r.Refresh().Agents, 1)
}

func TestCacheExpires(t *testing.T) {
	agentsDir := t.TempDir()
	r := New(Config{AgentsDir: agentsDir, SkillsDir: t.TempDir(), TTL: 10 * time.Millisecond}, slog.Default())

	assert.Empty(t, r.List().Agents)
	writeAgent(t, agentsDir, "a.md", "---\nname: a\ndescription: d\n---\n")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.List().Agents, 1)
}

func TestValidate(t *testing.T) {
	r, agentsDir, skillsDir := newTestRegistry(t)
	writeAgent(t, agentsDir, "sec-audit.md", secAuditAgent)
	writeSkill(t, skillsDir, "changelog", "name: changelog\ndescription: d\n")

	assert.Empty(t, r.ValidateAgents([]string{"sec-audit"}))
	assert.Equal(t, []string{"forbidden-agent"}, r.ValidateAgents([]string{"sec-audit", "forbidden-agent"}))
	assert.Equal(t, []string{"nope"}, r.ValidateSkills([]string{"nope"}))
	assert.Empty(t, r.ValidateSkills(nil))
}

func TestEnrichPrompt(t *testing.T) {
	r, agentsDir, skillsDir := newTestRegistry(t)
	writeAgent(t, agentsDir, "sec-audit.md", secAuditAgent)
	writeSkill(t, skillsDir, "changelog", "name: changelog\ndescription: Generate a changelog\ncommand: /changelog\n")

	base := "scan the repository"
	enriched := r.EnrichPrompt(base, []string{"sec-audit"}, []string{"changelog"})

	assert.Contains(t, enriched, base)
	assert.Contains(t, enriched, "sec-audit: Security audit of a codebase")
	assert.Contains(t, enriched, "changelog: Generate a changelog")
	assert.Contains(t, enriched, "@agent-")

	// No requested capabilities means no enrichment.
	assert.Equal(t, base, r.EnrichPrompt(base, nil, nil))
}
