// Package queue runs independently configured batches one after another with
// pause, resume and stop controls.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"hlg-transcoder/internal/scheduler"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

var (
	ErrQueueRunning    = errors.New("queue is running")
	ErrQueueNotRunning = errors.New("queue is not running")
	ErrQueueEmpty      = errors.New("queue is empty")
	ErrTaskNotFound    = errors.New("task not found")
)

// Runner executes one batch. *scheduler.Scheduler satisfies it; it must
// observe the controller's Gate and abort promptly when ctx ends.
type Runner interface {
	RunBatch(ctx context.Context, b scheduler.Batch) (models.BatchResult, error)
}

// Task is a queued batch. Values handed out by the controller are copies.
type Task struct {
	ID     string             `json:"id"`
	Label  string             `json:"label"`
	Batch  scheduler.Batch    `json:"batch"`
	Status models.TaskStatus  `json:"status"`
	Result models.BatchResult `json:"result"`
	Err    string             `json:"error,omitempty"`
}

// Events are optional callbacks, invoked without the controller lock held.
type Events struct {
	TaskChanged   func(task Task)
	QueueFinished func(totals models.BatchResult, stopped bool)
}

// Controller owns the task list and runs at most one task at a time.
type Controller struct {
	runner Runner
	gate   *transcoder.Gate
	events Events
	logger hclog.Logger

	mu       sync.Mutex
	tasks    []*Task
	index    int
	running  bool
	stopping bool
	totals   models.BatchResult
	cancel   context.CancelFunc
	loopDone chan struct{}
	finished chan struct{}
}

// New builds a controller. gate must be the same gate the runner's scheduler
// waits on.
func New(runner Runner, gate *transcoder.Gate, events Events, logger hclog.Logger) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if gate == nil {
		gate = transcoder.NewGate()
	}
	return &Controller{runner: runner, gate: gate, events: events, logger: logger}
}

// Add enqueues a batch and returns its task ID.
func (c *Controller) Add(label string, b scheduler.Batch) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return "", ErrQueueRunning
	}
	if label == "" {
		label = b.Input
	}
	task := &Task{ID: uuid.New().String(), Label: label, Batch: b, Status: models.TaskWaiting}
	c.tasks = append(c.tasks, task)
	return task.ID, nil
}

// Remove dequeues one task. Only allowed while idle.
func (c *Controller) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrQueueRunning
	}
	for i, t := range c.tasks {
		if t.ID == id {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return nil
		}
	}
	return ErrTaskNotFound
}

// Clear empties the queue. Only allowed while idle.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrQueueRunning
	}
	c.tasks = nil
	c.index = 0
	return nil
}

// Tasks returns a snapshot of the queue.
func (c *Controller) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = *t
	}
	return out
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) Paused() bool {
	return c.gate.Paused()
}

// Start runs the queue from task 0. Every task is reset to waiting so a
// finished or stopped queue can be run again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrQueueRunning
	}
	if len(c.tasks) == 0 {
		return ErrQueueEmpty
	}

	for _, t := range c.tasks {
		if err := models.TransitionTask(&t.Status, models.TaskWaiting); err != nil {
			return err
		}
		t.Result = models.BatchResult{}
		t.Err = ""
	}
	c.index = 0
	c.running = true
	c.stopping = false
	c.totals = models.BatchResult{}
	c.gate.Resume()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.finished = make(chan struct{})
	c.logger.Info("queue started", "tasks", len(c.tasks))

	go c.loop(runCtx, c.loopDone)
	return nil
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return
		}
		if ctx.Err() != nil || c.index >= len(c.tasks) {
			interrupted := ctx.Err() != nil
			var changed []Task
			if interrupted {
				changed = c.stopRemainingLocked()
			}
			totals := c.finishLocked()
			c.mu.Unlock()
			c.emitTasks(changed)
			c.emitFinished(totals, interrupted)
			return
		}

		task := c.tasks[c.index]
		position, total := c.index+1, len(c.tasks)
		next := models.TaskRunning
		if c.gate.Paused() {
			next = models.TaskPaused
		}
		_ = models.TransitionTask(&task.Status, models.TaskRunning)
		_ = models.TransitionTask(&task.Status, next)
		started := *task
		c.mu.Unlock()

		c.logger.Info("task started", "task", position, "of", total, "input", task.Batch.Input)
		c.emitTasks([]Task{started})

		res, err := c.runner.RunBatch(ctx, started.Batch)

		c.mu.Lock()
		task.Result = res
		if ctx.Err() != nil || c.stopping {
			c.totals.Merge(res)
			stopping := c.stopping
			c.mu.Unlock()
			if stopping {
				// Stop already marked this task and finishes the queue itself.
				return
			}
			continue
		}
		status := models.TaskDone
		switch {
		case err != nil:
			task.Err = err.Error()
			status = models.TaskFailed
			c.logger.Error("task failed to start", "input", task.Batch.Input, "error", err)
		case res.Failed > 0:
			status = models.TaskFailed
		}
		if task.Status == models.TaskPaused {
			_ = models.TransitionTask(&task.Status, models.TaskRunning)
		}
		if err := models.TransitionTask(&task.Status, status); err != nil {
			c.logger.Warn("task status not updated", "input", task.Batch.Input, "error", err)
		}
		c.totals.Merge(res)
		c.index++
		finishedTask := *task
		c.mu.Unlock()

		c.logger.Info("task finished", "task", position, "status", finishedTask.Status,
			"ok", res.OK, "failed", res.Failed, "skipped", res.Skipped)
		c.emitTasks([]Task{finishedTask})
	}
}

// Pause holds the running task: no new file starts and the in-flight
// transcoder keeps running but its completion is not observed until Resume.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrQueueNotRunning
	}
	c.gate.Pause()
	changed := c.setActiveStatusLocked(models.TaskPaused)
	c.mu.Unlock()

	c.logger.Info("queue paused")
	c.emitTasks(changed)
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrQueueNotRunning
	}
	c.gate.Resume()
	changed := c.setActiveStatusLocked(models.TaskRunning)
	c.mu.Unlock()

	c.logger.Info("queue resumed")
	c.emitTasks(changed)
	return nil
}

// Stop kills the in-flight transcoder, marks every task that has not
// finished as stopped and rewinds the queue. It returns once the running
// task has exited.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running || c.stopping {
		c.mu.Unlock()
		return ErrQueueNotRunning
	}
	c.stopping = true
	changed := c.stopRemainingLocked()
	c.cancel()
	done := c.loopDone
	c.mu.Unlock()

	c.logger.Info("stopping queue")
	c.gate.Resume()
	<-done

	c.mu.Lock()
	totals := c.finishLocked()
	c.mu.Unlock()

	c.emitTasks(changed)
	c.emitFinished(totals, true)
	return nil
}

// Wait blocks until the current run finishes and returns the summed counts.
func (c *Controller) Wait() models.BatchResult {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished != nil {
		<-finished
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

func (c *Controller) stopRemainingLocked() []Task {
	var changed []Task
	for i := c.index; i < len(c.tasks); i++ {
		t := c.tasks[i]
		if t.Status.IsTerminal() {
			continue
		}
		if err := models.TransitionTask(&t.Status, models.TaskStopped); err == nil {
			changed = append(changed, *t)
		}
	}
	c.index = 0
	return changed
}

func (c *Controller) setActiveStatusLocked(status models.TaskStatus) []Task {
	if c.index >= len(c.tasks) {
		return nil
	}
	t := c.tasks[c.index]
	if t.Status != models.TaskRunning && t.Status != models.TaskPaused {
		return nil
	}
	if err := models.TransitionTask(&t.Status, status); err != nil {
		return nil
	}
	return []Task{*t}
}

func (c *Controller) finishLocked() models.BatchResult {
	c.running = false
	c.stopping = false
	c.gate.Resume()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.finished != nil {
		close(c.finished)
	}
	totals := c.totals
	c.logger.Info("queue finished", "ok", totals.OK, "failed", totals.Failed, "skipped", totals.Skipped)
	return totals
}

func (c *Controller) emitTasks(tasks []Task) {
	if c.events.TaskChanged == nil {
		return
	}
	for _, t := range tasks {
		c.events.TaskChanged(t)
	}
}

func (c *Controller) emitFinished(totals models.BatchResult, stopped bool) {
	if c.events.QueueFinished != nil {
		c.events.QueueFinished(totals, stopped)
	}
}
