// Package scheduler runs the periodic workers: the escalation scan, history
// cleanup and metrics refresh. Each worker is a cancellable task; stopping
// the runner lets in-flight iterations finish before the loop exits.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/havenwatch/sentinel/internal/errs"
)

// Handler is one periodic unit of work.
type Handler interface {
	Name() string
	Execute(ctx context.Context) error
}

// Task pairs a handler with its schedule and run accounting.
type Task struct {
	ID       string
	Schedule string
	Handler  Handler
	Enabled  bool

	entryID    cron.EntryID
	lastRun    time.Time
	runCount   int64
	errorCount int64
}

// TaskStats is the observable state of one task.
type TaskStats struct {
	ID         string    `json:"id"`
	Schedule   string    `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	LastRun    time.Time `json:"last_run"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Runner schedules and executes tasks on a cron.
type Runner struct {
	logger *slog.Logger
	cron   *cron.Cron
	tasks  map[string]*Task
	mu     sync.RWMutex
}

// NewRunner creates an empty task runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "scheduler"),
		cron:   cron.New(cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*Task),
	}
}

// Add registers a task. Schedules use cron syntax including @every.
func (r *Runner) Add(task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return errs.Validation("task.id", "task %q already registered", task.ID)
	}
	r.tasks[task.ID] = task
	if task.Enabled {
		entryID, err := r.cron.AddFunc(task.Schedule, func() { r.run(task) })
		if err != nil {
			delete(r.tasks, task.ID)
			return errs.Validation("task.schedule", "task %s: %v", task.ID, err)
		}
		task.entryID = entryID
	}
	return nil
}

// Start begins executing scheduled tasks.
func (r *Runner) Start() {
	r.mu.RLock()
	count := len(r.tasks)
	r.mu.RUnlock()
	r.cron.Start()
	r.logger.Info("scheduler started", "tasks", count)
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("scheduler stopped")
}

// RunNow executes a task immediately, outside its schedule.
func (r *Runner) RunNow(taskID string) error {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return errs.NotFound("task", taskID)
	}
	r.run(task)
	return nil
}

// Stats returns accounting for every task.
func (r *Runner) Stats() []TaskStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TaskStats, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, TaskStats{
			ID:         task.ID,
			Schedule:   task.Schedule,
			Enabled:    task.Enabled,
			LastRun:    task.lastRun,
			RunCount:   task.runCount,
			ErrorCount: task.errorCount,
		})
	}
	return out
}

func (r *Runner) run(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	r.mu.Lock()
	task.lastRun = start
	task.runCount++
	r.mu.Unlock()

	if err := task.Handler.Execute(ctx); err != nil {
		r.mu.Lock()
		task.errorCount++
		r.mu.Unlock()
		r.logger.Error("scheduled task failed",
			"task", task.Handler.Name(),
			"error", err,
			"elapsed", time.Since(start))
		return
	}
	r.logger.Debug("scheduled task completed", "task", task.Handler.Name(), "elapsed", time.Since(start))
}
