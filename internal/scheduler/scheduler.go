// Package scheduler runs the controller's periodic tasks.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"grimm.is/privacyd/internal/clock"
	"grimm.is/privacyd/internal/logging"
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	Func        TaskFunc
	Enabled     bool
	RunOnStart  bool // Run immediately when scheduler starts
	Timeout     time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler manages and runs scheduled tasks. A task never overlaps itself:
// a run that comes due while the previous one is still executing is skipped.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.RWMutex
	logger  *logging.Logger
	clock   clock.Clock
	tick    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task       *Task
	status     TaskStatus
	nextRun    time.Time
	executing  bool
	cancelFunc context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for next-run computation.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTick sets how often due tasks are checked. Default one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a new scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: logger.WithComponent("scheduler"),
		clock:  &clock.RealClock{},
		tick:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}

	s.tasks[task.ID] = entry
	s.logger.Info("task added", "id", task.ID, "name", task.Name)
	return nil
}

// EnableTask enables or disables a task. Disabling cancels a run in
// progress.
func (s *Scheduler) EnableTask(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}

	entry.task.Enabled = enabled
	entry.status.Enabled = enabled
	if enabled {
		entry.nextRun = entry.task.Schedule.Next(s.clock.Now())
	} else {
		entry.nextRun = time.Time{}
		if entry.cancelFunc != nil {
			entry.cancelFunc()
		}
	}
	entry.status.NextRun = entry.nextRun
	s.logger.Info("task enabled state changed", "id", id, "enabled", enabled)
	return nil
}

// RunTask runs a task immediately, regardless of schedule. It is a no-op if
// the task is already executing.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	entry, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	ok := s.claimLocked(entry)
	s.mu.Unlock()

	if ok {
		go s.executeTask(entry)
	}
	return nil
}

// GetStatus returns the status of all tasks sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler. Tasks run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	var startup []*taskEntry
	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart && s.claimLocked(entry) {
			startup = append(startup, entry)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started")
	for _, entry := range startup {
		go s.executeTask(entry)
	}

	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler and waits for running tasks to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

// checkAndRunTasks starts every enabled task that is due and idle.
func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	var due []*taskEntry
	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() {
			continue
		}
		if now.Before(entry.nextRun) {
			continue
		}
		if s.claimLocked(entry) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		go s.executeTask(entry)
	}
}

// claimLocked marks entry as executing. It returns false if it already is.
// Callers hold s.mu.
func (s *Scheduler) claimLocked(entry *taskEntry) bool {
	if entry.executing {
		s.logger.Debug("task still running, skipping", "id", entry.task.ID)
		return false
	}
	entry.executing = true
	entry.status.Running = true
	s.wg.Add(1)
	return true
}

// executeTask runs a single claimed task.
func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID, "name", task.Name)

	s.mu.Lock()
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	entry.cancelFunc = cancel
	s.mu.Unlock()

	start := s.clock.Now()
	began := time.Now()
	err := s.invoke(ctx, task)
	duration := time.Since(began)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.cancelFunc = nil
	entry.executing = false
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}

	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}
}

// invoke calls the task function, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Func(ctx)
}
