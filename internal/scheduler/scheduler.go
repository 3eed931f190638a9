// Package scheduler runs the daemon's periodic maintenance tasks.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quantumlife/gatekeeper/internal/logging"
)

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gatekeeper",
	Subsystem: "scheduler",
	Name:      "task_runs_total",
	Help:      "Maintenance task executions by task and result.",
}, []string{"task", "result"})

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Task is a handler run at a fixed interval
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Handler    TaskHandler   `json:"-"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Interval: interval,
		Handler:  handler,
	}
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	tasks   map[string]*Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	now     func() time.Time

	mu sync.RWMutex
}

// New creates an idle scheduler
func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Register adds a task. Tasks registered after Start run from the next Start.
func (s *Scheduler) Register(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if task.Timeout == 0 {
		task.Timeout = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	next := s.now().Add(task.Interval)
	task.NextRun = &next
	s.tasks[task.ID] = task
	return nil
}

// Start runs every registered task until ctx is cancelled or Stop is called
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runTaskLoop(ctx, task)
	}
	logging.WithField("tasks", len(s.tasks)).Info("Scheduler started")
	return nil
}

// Stop cancels every task loop and waits for running handlers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeTask(ctx, task)
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := s.now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	next := s.now().Add(task.Interval)
	task.NextRun = &next
	s.mu.Unlock()

	if err != nil {
		taskRuns.WithLabelValues(task.ID, "error").Inc()
		logging.WithField("task", task.ID).Warn("Scheduled task failed: %v", err)
		return
	}
	taskRuns.WithLabelValues(task.ID, "ok").Inc()
}

// RunNow executes a task synchronously
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	s.executeTask(ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if task.LastError != "" {
		return fmt.Errorf("task %s: %s", taskID, task.LastError)
	}
	return nil
}

// ListTasks returns copies of all tasks ordered by ID
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Stats contains scheduler statistics
type Stats struct {
	Started     bool  `json:"started"`
	TotalTasks  int   `json:"total_tasks"`
	TotalRuns   int64 `json:"total_runs"`
	TotalErrors int64 `json:"total_errors"`
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:    s.started,
		TotalTasks: len(s.tasks),
	}
	for _, task := range s.tasks {
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}
	return stats
}
