package pool

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// nestGuardEnv would make the child refuse to nest; it is stripped from
// every spawn unconditionally.
const nestGuardEnv = "CLAUDECODE"

// maxStderrExcerpt bounds the stderr carried into a TaskFailedError.
const maxStderrExcerpt = 2048

// run executes one task in the current launch slot: spawn, wait, enforce
// the deadline, parse output, finalize.
func (p *WorkerPool) run(t *task) {
	t.mu.Lock()
	if t.state != StateQueued {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	logger := p.logger.With("task_id", t.id, "model", string(t.model))

	// The prompt is passed inline but also written next to the task's
	// output for inspection. Removed even on panic.
	promptPath := filepath.Join(t.workDir, fmt.Sprintf(".prompt-%s.txt", t.id))
	if err := os.WriteFile(promptPath, []byte(t.prompt), 0o600); err == nil {
		defer os.Remove(promptPath)
	}

	args := []string{"-p", t.prompt, "--model", string(t.model), "--output-format", "json"}
	if p.cfg.ConfigPath != "" {
		args = append(args, "--config", p.cfg.ConfigPath)
	}

	cmd := exec.Command(p.cfg.CLIPath, args...)
	cmd.Dir = t.workDir
	cmd.Env = sanitizedEnv()
	// Children get their own process group so cancellation kills the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		logger.Error("Failed to spawn CLI child", "error", err)
		p.finalize(t, nil, &TaskFailedError{Detail: fmt.Sprintf("spawn: %v", err)}, StateFailed)
		return
	}

	pid := cmd.Process.Pid
	t.mu.Lock()
	t.pid = pid
	t.mu.Unlock()
	logger.Info("Task started", "pid", pid, "deadline", t.deadline)

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	deadline := time.NewTimer(t.deadline)
	defer deadline.Stop()

	select {
	case err := <-exitCh:
		p.finishExited(t, logger, err, stdout.Bytes(), stderr.Bytes())

	case <-deadline.C:
		logger.Warn("Task deadline fired, terminating child", "pid", pid)
		p.killGroup(pid, exitCh)
		p.finalize(t, nil, ErrTaskTimedOut, StateTimedOut)

	case <-t.cancelCh:
		logger.Info("Task cancelled, killing child process group", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-exitCh
		p.finalize(t, nil, ErrTaskCancelled, StateCancelled)
	}
}

// killGroup sends SIGTERM to the child's process group, waits a short
// grace, then SIGKILLs and reaps.
func (p *WorkerPool) killGroup(pid int, exitCh <-chan error) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exitCh:
		return
	case <-time.After(p.cfg.TermGrace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-exitCh
}

// finishExited classifies a child that exited on its own.
func (p *WorkerPool) finishExited(t *task, logger *slog.Logger, exitErr error, stdout, stderr []byte) {
	if exitErr != nil {
		detail := excerpt(stderr)
		if detail == "" {
			detail = exitErr.Error()
		}
		logger.Error("CLI child exited non-zero", "error", exitErr)
		p.finalize(t, nil, &TaskFailedError{Detail: detail}, StateFailed)
		return
	}

	env, u, err := p.tracker.ParseEnvelope(stdout)
	if err != nil {
		logger.Error("Failed to parse CLI output", "error", err)
		p.finalize(t, nil, &TaskFailedError{Detail: fmt.Sprintf("parse: %v", err)}, StateFailed)
		return
	}

	logger.Info("Task completed",
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"cost_usd", u.CostUSD.String())
	p.finalize(t, &Result{Output: stdout, Envelope: env, Usage: u}, nil, StateCompleted)
}

// sanitizedEnv is the parent environment minus the nesting guard.
func sanitizedEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, nestGuardEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderrExcerpt {
		s = s[:maxStderrExcerpt]
	}
	return s
}
