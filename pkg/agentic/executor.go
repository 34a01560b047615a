// Package agentic runs multi-step tasks through the CLI path: prompt
// enrichment from the registry, submission to the worker pool, and
// collection of artifacts and the structured execution log.
package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/registry"
	"github.com/cortexops/gantry/pkg/routing"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

// Task statuses beyond plain success.
const (
	StatusCompleted          = "completed"
	StatusParseErrors        = "completed_with_parse_errors"
	StatusArtifactsTruncated = "completed_with_artifacts_truncated"
)

// Request is a fully permission-validated agentic task.
type Request struct {
	Description string
	Tools       []string
	Agents      []string
	Skills      []string
	WorkingDir  string // optional; a fresh workspace is built when empty
	Deadline    time.Duration
	ProjectID   string

	// WorkspaceBytes caps the total artifact bytes returned; beyond it
	// the artifact list is truncated.
	WorkspaceBytes int64
}

// Artifact is a file the task created or modified, relative to the
// workspace root.
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// LogEvent is one entry of the CLI's structured execution log.
type LogEvent struct {
	Kind   string `json:"kind"`
	Tool   string `json:"tool,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Skill  string `json:"skill,omitempty"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the structured transcript of one agentic run. On failure it
// may still carry a partial execution log.
type Outcome struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Content      string          `json:"content,omitempty"`
	ExecutionLog []LogEvent      `json:"execution_log"`
	Artifacts    []Artifact      `json:"artifacts"`
	Usage        *usage.Usage    `json:"usage,omitempty"`
}

// Executor wires registry enrichment, routing, and the worker pool into
// one agentic run. Repeated submissions are independent; nothing is
// memoized here.
type Executor struct {
	registry *registry.Registry
	router   *routing.Router
	pool     *pool.WorkerPool
	store    *store.Store
	logger   *slog.Logger

	workspacesRoot string
}

// New creates an Executor. workspacesRoot is where per-task workspaces are
// built.
func New(reg *registry.Registry, router *routing.Router, wp *pool.WorkerPool, st *store.Store, workspacesRoot string, logger *slog.Logger) *Executor {
	return &Executor{
		registry:       reg,
		router:         router,
		pool:           wp,
		store:          st,
		logger:         logger.With("component", "agentic"),
		workspacesRoot: workspacesRoot,
	}
}

// Execute runs the task to completion. The returned Outcome is non-nil
// whenever partial information was collected, even on error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	workspace := req.WorkingDir
	if workspace == "" {
		workspace = filepath.Join(e.workspacesRoot, uuid.NewString())
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	started := time.Now()

	prompt := e.buildPrompt(req)

	remaining, err := e.store.RemainingBudget(ctx, req.ProjectID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	decision := e.router.Select(prompt, int64(len(prompt))/4, remaining)

	taskID, err := e.pool.Submit(prompt, decision.Tier, pool.SubmitOptions{
		ProjectID: req.ProjectID,
		Deadline:  req.Deadline,
		WorkDir:   workspace,
	})
	if err != nil {
		return nil, err
	}
	logger := e.logger.With("task_id", taskID, "project_id", req.ProjectID)
	logger.Info("Agentic task submitted", "tier", string(decision.Tier), "workspace", workspace)

	res, waitErr := e.pool.Wait(ctx, taskID)
	if waitErr != nil {
		// On client disconnect the child must not linger.
		if ctx.Err() != nil {
			_ = e.pool.Cancel(taskID)
		}
		partial, _ := e.scanArtifacts(workspace, started, req.WorkspaceBytes, logger)
		return &Outcome{TaskID: taskID, Artifacts: partial}, waitErr
	}

	out := &Outcome{
		TaskID:  taskID,
		Status:  StatusCompleted,
		Usage:   res.Usage,
		Content: res.Envelope.Content,
		Result:  res.Envelope.Result,
	}

	if logRaw := res.Envelope.ExecutionLog; len(logRaw) > 0 {
		if err := json.Unmarshal(logRaw, &out.ExecutionLog); err != nil {
			logger.Warn("Failed to parse execution log", "error", err)
			out.Status = StatusParseErrors
		}
	}

	var truncated bool
	out.Artifacts, truncated = e.scanArtifacts(workspace, started, req.WorkspaceBytes, logger)
	if truncated && out.Status == StatusCompleted {
		out.Status = StatusArtifactsTruncated
	}

	return out, nil
}

// buildPrompt assembles the enriched prompt: a preamble enumerating the
// allowed tools, then the registry enrichment around the description.
func (e *Executor) buildPrompt(req Request) string {
	enriched := e.registry.EnrichPrompt(req.Description, req.Agents, req.Skills)
	if len(req.Tools) == 0 {
		return enriched
	}
	return fmt.Sprintf("Allowed tools: %s.\n\n%s", strings.Join(req.Tools, ", "), enriched)
}

// scanArtifacts lists files created or modified since the task started,
// by relative path from the workspace root. Absolute paths cannot occur
// by construction; symlinked escapes are excluded by Rel failing.
func (e *Executor) scanArtifacts(workspace string, since time.Time, byteCeiling int64, logger *slog.Logger) ([]Artifact, bool) {
	artifacts := []Artifact{}
	var total int64
	truncated := false

	err := filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil
		}
		// The pool's prompt scratch file is not an artifact.
		if strings.HasPrefix(filepath.Base(rel), ".prompt-") {
			return nil
		}
		if byteCeiling > 0 && total+info.Size() > byteCeiling {
			truncated = true
			return nil
		}
		total += info.Size()
		artifacts = append(artifacts, Artifact{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		logger.Warn("Artifact scan failed", "workspace", workspace, "error", err)
	}
	if truncated {
		logger.Warn("Artifacts truncated by workspace ceiling", "ceiling_bytes", byteCeiling)
	}
	return artifacts, truncated
}
