package models

import (
	"errors"
	"fmt"
)

// FileStatus is the label carried by per-file status signals.
type FileStatus string

const (
	FileWaiting    FileStatus = "waiting"
	FileProcessing FileStatus = "processing"
	FileDone       FileStatus = "done"
	FileSkipped    FileStatus = "skipped"
	FileFailed     FileStatus = "failed"
)

// TaskStatus is the lifecycle state of a queued batch.
type TaskStatus string

const (
	TaskWaiting TaskStatus = "waiting"
	TaskRunning TaskStatus = "running"
	TaskPaused  TaskStatus = "paused"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskStopped TaskStatus = "stopped"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

// Waiting is reachable again from every finished state so a stopped or
// completed queue can be restarted.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskWaiting: {
		TaskRunning: true,
		TaskStopped: true,
	},
	TaskRunning: {
		TaskPaused:  true,
		TaskDone:    true,
		TaskFailed:  true,
		TaskStopped: true,
	},
	TaskPaused: {
		TaskRunning: true,
		TaskStopped: true,
	},
	TaskDone: {
		TaskWaiting: true,
	},
	TaskFailed: {
		TaskWaiting: true,
	},
	TaskStopped: {
		TaskWaiting: true,
	},
}

func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionTask(current *TaskStatus, to TaskStatus) error {
	if current == nil {
		return errors.New("task status is nil")
	}
	if !CanTransition(*current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, *current, to)
	}
	*current = to
	return nil
}

// IsTerminal reports whether a task has finished its run.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskStopped
}
