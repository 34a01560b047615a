// Package pool runs CLI subprocesses under a global concurrency cap with
// FIFO scheduling, per-task deadlines, completion events, cancellation,
// and guaranteed reaping.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexops/gantry/pkg/usage"
)

// Config holds pool configuration.
type Config struct {
	MaxConcurrent   int
	DefaultDeadline time.Duration
	WorkDir         string // default working directory for children
	CLIPath         string
	ConfigPath      string // optional, passed through as --config

	// Retention is how long terminal tasks stay inspectable before the
	// janitor reaps them.
	Retention time.Duration

	// TermGrace is the SIGTERM to SIGKILL grace on deadline expiry.
	TermGrace time.Duration
}

type task struct {
	id        string
	prompt    string
	model     usage.Tier
	projectID string
	workDir   string
	deadline  time.Duration

	mu          sync.Mutex
	state       TaskState
	pid         int
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	result      *Result
	err         error

	done     chan struct{}
	cancelCh chan struct{}
	cancel   sync.Once
}

// SubmitOptions carries the optional per-task overrides.
type SubmitOptions struct {
	ProjectID string
	Deadline  time.Duration // zero uses the pool default
	WorkDir   string        // zero uses the pool default
}

// WorkerPool schedules CLI tasks. Submission enqueues in FIFO order; a
// bounded set of launch slots consumes the queue.
type WorkerPool struct {
	cfg     Config
	tracker *usage.Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []*task
	tasks   map[string]*task
	stopped bool

	wake     chan struct{}
	slots    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // dispatcher + janitor
	runWG    sync.WaitGroup // running tasks
	started  bool
}

// New creates a WorkerPool.
func New(cfg Config, tracker *usage.Tracker, logger *slog.Logger) *WorkerPool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.TermGrace <= 0 {
		cfg.TermGrace = 2 * time.Second
	}
	return &WorkerPool{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With("component", "worker_pool"),
		tasks:   make(map[string]*task),
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatcher and the retention janitor. Safe to call
// once; duplicate calls are no-ops.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Starting worker pool",
		"max_concurrent", p.cfg.MaxConcurrent,
		"cli_path", p.cfg.CLIPath,
		"default_deadline", p.cfg.DefaultDeadline)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.dispatch()
	}()
	go func() {
		defer p.wg.Done()
		p.janitor()
	}()
}

// Submit enqueues a task and returns its id. Never blocks on the caller;
// admission against the concurrency cap happens inside the dispatcher.
func (p *WorkerPool) Submit(prompt string, model usage.Tier, opts SubmitOptions) (string, error) {
	t := &task{
		id:          uuid.NewString(),
		prompt:      prompt,
		model:       model,
		projectID:   opts.ProjectID,
		workDir:     opts.WorkDir,
		deadline:    opts.Deadline,
		state:       StateQueued,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
		cancelCh:    make(chan struct{}),
	}
	if t.workDir == "" {
		t.workDir = p.cfg.WorkDir
	}
	if t.deadline <= 0 {
		t.deadline = p.cfg.DefaultDeadline
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	p.queue = append(p.queue, t)
	p.tasks[t.id] = t
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return t.id, nil
}

// dispatch pops the FIFO queue and runs each task once a launch slot is
// free. Slot acquisition is in queue order, so no task is starved.
func (p *WorkerPool) dispatch() {
	for {
		t := p.popQueue()
		if t == nil {
			select {
			case <-p.wake:
				continue
			case <-p.stopCh:
				return
			}
		}

		select {
		case p.slots <- struct{}{}:
		case <-p.stopCh:
			p.finalize(t, nil, ErrTaskCancelled, StateCancelled)
			continue
		}

		// Cancelled while queued: release the slot, never spawn.
		t.mu.Lock()
		cancelled := t.state == StateCancelled
		t.mu.Unlock()
		if cancelled {
			<-p.slots
			continue
		}

		p.runWG.Add(1)
		go func(t *task) {
			defer p.runWG.Done()
			defer func() { <-p.slots }()
			p.run(t)
		}(t)
	}
}

func (p *WorkerPool) popQueue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		t := p.queue[0]
		p.queue = p.queue[1:]
		t.mu.Lock()
		skip := t.state != StateQueued
		t.mu.Unlock()
		if skip {
			continue
		}
		return t
	}
	return nil
}

// Wait blocks until the task reaches a terminal state or ctx is cancelled.
// Completion is signalled by the task's done channel, not by polling.
func (p *WorkerPool) Wait(ctx context.Context, id string) (*Result, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

// Cancel kills a queued or running task. Idempotent; a no-op on terminal
// tasks. Running children are killed by process group so orphan shells do
// not survive.
func (p *WorkerPool) Cancel(id string) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	t.mu.Lock()
	switch t.state {
	case StateQueued:
		t.state = StateCancelled
		t.err = ErrTaskCancelled
		t.finishedAt = time.Now()
		t.mu.Unlock()
		close(t.done)
		p.logger.Info("Task cancelled while queued", "task_id", id)
		return nil
	case StateRunning:
		t.mu.Unlock()
		t.cancel.Do(func() { close(t.cancelCh) })
		return nil
	default:
		t.mu.Unlock()
		return nil
	}
}

// Get returns a snapshot of a task.
func (p *WorkerPool) Get(id string) (*Snapshot, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Snapshot{
		ID:          t.id,
		Prompt:      t.prompt,
		Model:       t.model,
		ProjectID:   t.projectID,
		State:       t.state,
		PID:         t.pid,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Result:      t.result,
		Err:         t.err,
	}, nil
}

// ActiveForProject counts the project's queued and running tasks. Used
// to enforce the per-key concurrent-task ceiling before submission.
func (p *WorkerPool) ActiveForProject(projectID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tasks {
		if t.projectID != projectID {
			continue
		}
		t.mu.Lock()
		if t.state == StateQueued || t.state == StateRunning {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Stats returns aggregate counts for /health.
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{MaxConcurrent: p.cfg.MaxConcurrent}
	for _, t := range p.tasks {
		t.mu.Lock()
		switch t.state {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		default:
			s.Completed++
		}
		t.mu.Unlock()
	}
	return s
}

// Shutdown stops accepting submissions, lets running tasks finish within
// timeout, cancels the remainder, and joins every internal goroutine.
func (p *WorkerPool) Shutdown(timeout time.Duration) {
	p.logger.Info("Stopping worker pool", "timeout", timeout)

	p.mu.Lock()
	p.stopped = true
	// Queued tasks will never run; finalize them now.
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range pending {
		p.finalize(t, nil, ErrTaskCancelled, StateCancelled)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	finished := make(chan struct{})
	go func() {
		p.runWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		p.logger.Warn("Shutdown timeout reached, cancelling remaining tasks")
		p.cancelRunning()
		<-finished
	}

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) cancelRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		t.mu.Lock()
		running := t.state == StateRunning
		t.mu.Unlock()
		if running {
			t.cancel.Do(func() { close(t.cancelCh) })
		}
	}
}

// finalize transitions a task to a terminal state and signals waiters.
// No-op if the task is already terminal.
func (p *WorkerPool) finalize(t *task, result *Result, err error, state TaskState) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.result = result
	t.err = err
	t.finishedAt = time.Now()
	t.mu.Unlock()
	close(t.done)
}

// janitor reaps terminal tasks after the retention window so completed
// work stays inspectable for a while without growing without bound.
func (p *WorkerPool) janitor() {
	interval := p.cfg.Retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.stopCh:
			return
		}
	}
}

func (p *WorkerPool) reap() {
	horizon := time.Now().Add(-p.cfg.Retention)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.tasks {
		t.mu.Lock()
		expired := t.state.Terminal() && t.finishedAt.Before(horizon)
		t.mu.Unlock()
		if expired {
			delete(p.tasks, id)
		}
	}
}
