package agentic

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/registry"
	"github.com/cortexops/gantry/pkg/routing"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

// The fake CLI writes artifacts into its working directory and emits the
// structured envelope the executor parses.
const fakeCLI = `#!/bin/sh
prompt="$2"
case "$prompt" in
  *"write report"*)
    echo "# findings" > report.md
    printf '{"content":"done","model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":2},"result":{"summary":"scan complete"},"execution_log":[{"kind":"tool_call","tool":"Read","target":"a.txt"}]}'
    ;;
  *"big artifact"*)
    head -c 4096 /dev/zero > big.bin
    echo small > small.txt
    printf '{"content":"done","model":"claude-sonnet-4-5","usage":{"input_tokens":1,"output_tokens":1}}'
    ;;
  *"bad log"*)
    printf '{"content":"done","model":"claude-sonnet-4-5","usage":{"input_tokens":1,"output_tokens":1},"execution_log":{"not":"a list"}}'
    ;;
  *"sleep"*)
    echo partial > partial.txt
    sleep 30
    ;;
  *)
    printf '{"content":"ok","model":"claude-3-5-haiku-latest","usage":{"input_tokens":1,"output_tokens":1}}'
    ;;
esac
`

type fixture struct {
	exec  *Executor
	store *store.Store
	pool  *pool.WorkerPool
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "gantry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cliPath := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(cliPath, []byte(fakeCLI), 0o755))

	wp := pool.New(pool.Config{
		MaxConcurrent:   2,
		DefaultDeadline: 10 * time.Second,
		WorkDir:         t.TempDir(),
		CLIPath:         cliPath,
		TermGrace:       100 * time.Millisecond,
	}, usage.NewTracker(usage.DefaultPrices()), slog.Default())
	wp.Start()
	t.Cleanup(func() { wp.Shutdown(5 * time.Second) })

	agents := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(agents, "sec-audit.md"),
		[]byte("---\nname: sec-audit\ndescription: Security audit\n---\n"), 0o644))
	reg := registry.New(registry.Config{AgentsDir: agents, SkillsDir: t.TempDir()}, slog.Default())

	root := t.TempDir()
	return &fixture{
		exec:  New(reg, routing.New(), wp, st, root, slog.Default()),
		store: st,
		pool:  wp,
		root:  root,
	}
}

func TestExecuteCollectsArtifactsAndLog(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), Request{
		Description: "scan and write report",
		Tools:       []string{"Read", "Bash"},
		Agents:      []string{"sec-audit"},
		ProjectID:   "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "done", out.Content)
	assert.Contains(t, string(out.Result), "scan complete")

	require.Len(t, out.ExecutionLog, 1)
	assert.Equal(t, "tool_call", out.ExecutionLog[0].Kind)
	assert.Equal(t, "Read", out.ExecutionLog[0].Tool)
	assert.Equal(t, "a.txt", out.ExecutionLog[0].Target)

	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "report.md", out.Artifacts[0].Path)
	assert.Greater(t, out.Artifacts[0].Size, int64(0))
	assert.False(t, filepath.IsAbs(out.Artifacts[0].Path))

	require.NotNil(t, out.Usage)
	assert.Equal(t, int64(12), out.Usage.TotalTokens)
}

func TestExecuteEnrichesPrompt(t *testing.T) {
	f := newFixture(t)
	req := Request{
		Description: "scan",
		Tools:       []string{"Read"},
		Agents:      []string{"sec-audit"},
	}
	prompt := f.exec.buildPrompt(req)
	assert.Contains(t, prompt, "Allowed tools: Read.")
	assert.Contains(t, prompt, "sec-audit: Security audit")
	assert.Contains(t, prompt, "scan")
}

func TestExecuteParseErrorsStatus(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), Request{
		Description: "bad log please",
		ProjectID:   "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusParseErrors, out.Status)
	assert.Equal(t, "done", out.Content)
}

func TestExecuteTruncatesArtifactsAtCeiling(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), Request{
		Description:    "make a big artifact",
		ProjectID:      "p1",
		WorkspaceBytes: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusArtifactsTruncated, out.Status)
	for _, a := range out.Artifacts {
		assert.NotEqual(t, "big.bin", a.Path)
	}
}

func TestExecuteTimeoutKeepsPartialArtifacts(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), Request{
		Description: "sleep forever",
		ProjectID:   "p1",
		Deadline:    300 * time.Millisecond,
	})
	assert.ErrorIs(t, err, pool.ErrTaskTimedOut)
	require.NotNil(t, out)
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "partial.txt", out.Artifacts[0].Path)
}

func TestExecuteBuildsWorkspacePerTask(t *testing.T) {
	f := newFixture(t)

	out1, err := f.exec.Execute(context.Background(), Request{Description: "hello", ProjectID: "p1"})
	require.NoError(t, err)
	out2, err := f.exec.Execute(context.Background(), Request{Description: "hello", ProjectID: "p1"})
	require.NoError(t, err)
	assert.NotEqual(t, out1.TaskID, out2.TaskID)

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
