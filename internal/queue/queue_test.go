package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlg-transcoder/internal/scheduler"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

// fakeRunner returns a scripted result per input. Inputs listed in block
// run until ctx ends.
type fakeRunner struct {
	gate    *transcoder.Gate
	results map[string]models.BatchResult
	errs    map[string]error
	block   map[string]bool
	started chan string
	// finishing runs just before a non-blocked input returns.
	finishing func(input string)

	mu    sync.Mutex
	order []string
}

func (f *fakeRunner) RunBatch(ctx context.Context, b scheduler.Batch) (models.BatchResult, error) {
	f.mu.Lock()
	f.order = append(f.order, b.Input)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- b.Input
	}

	if f.block[b.Input] {
		<-ctx.Done()
		return models.BatchResult{Stopped: 1}, nil
	}
	if f.gate != nil {
		if err := f.gate.Wait(ctx); err != nil {
			return models.BatchResult{Stopped: 1}, nil
		}
	}
	if f.finishing != nil {
		f.finishing(b.Input)
	}
	if err := f.errs[b.Input]; err != nil {
		return models.BatchResult{}, err
	}
	return f.results[b.Input], nil
}

type recorder struct {
	mu       sync.Mutex
	changes  []Task
	finished chan finishEvent
}

type finishEvent struct {
	totals  models.BatchResult
	stopped bool
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan finishEvent, 4)}
}

func (r *recorder) events() Events {
	return Events{
		TaskChanged: func(t Task) {
			r.mu.Lock()
			r.changes = append(r.changes, t)
			r.mu.Unlock()
		},
		QueueFinished: func(totals models.BatchResult, stopped bool) {
			r.finished <- finishEvent{totals, stopped}
		},
	}
}

func (r *recorder) wait(t *testing.T) finishEvent {
	t.Helper()
	select {
	case ev := <-r.finished:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not finish")
		return finishEvent{}
	}
}

func statuses(tasks []Task) []models.TaskStatus {
	out := make([]models.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status
	}
	return out
}

func TestQueueRunsTasksInOrder(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]models.BatchResult{
			"a": {OK: 2},
			"b": {OK: 1, Failed: 1},
			"c": {Skipped: 3},
		},
		errs: map[string]error{"d": scheduler.ErrNoInputFiles},
	}
	rec := newRecorder()
	c := New(runner, nil, rec.events(), nil)
	for _, in := range []string{"a", "b", "c", "d"} {
		_, err := c.Add("", scheduler.Batch{Input: in})
		require.NoError(t, err)
	}

	require.NoError(t, c.Start(context.Background()))
	ev := rec.wait(t)

	assert.False(t, ev.stopped)
	assert.Equal(t, models.BatchResult{OK: 3, Failed: 1, Skipped: 3}, ev.totals)
	assert.Equal(t, ev.totals, c.Wait())
	assert.Equal(t, []string{"a", "b", "c", "d"}, runner.order)

	tasks := c.Tasks()
	assert.Equal(t, []models.TaskStatus{models.TaskDone, models.TaskFailed, models.TaskDone, models.TaskFailed}, statuses(tasks))
	assert.Equal(t, "a", tasks[0].Label)
	assert.Contains(t, tasks[3].Err, "no video files")
	assert.False(t, c.Running())
}

func TestQueueEditingWhileRunning(t *testing.T) {
	runner := &fakeRunner{block: map[string]bool{"a": true}, started: make(chan string, 1)}
	c := New(runner, nil, Events{}, nil)

	assert.ErrorIs(t, c.Start(context.Background()), ErrQueueEmpty)
	id, err := c.Add("first", scheduler.Batch{Input: "a"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Remove("missing"), ErrTaskNotFound)

	require.NoError(t, c.Start(context.Background()))
	<-runner.started

	_, err = c.Add("late", scheduler.Batch{Input: "b"})
	assert.ErrorIs(t, err, ErrQueueRunning)
	assert.ErrorIs(t, c.Remove(id), ErrQueueRunning)
	assert.ErrorIs(t, c.Clear(), ErrQueueRunning)
	assert.ErrorIs(t, c.Start(context.Background()), ErrQueueRunning)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Remove(id))
	assert.Empty(t, c.Tasks())
}

func TestQueueStopKeepsFinishedTasks(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]models.BatchResult{"a": {OK: 1}},
		block:   map[string]bool{"b": true},
		started: make(chan string, 3),
	}
	rec := newRecorder()
	c := New(runner, nil, rec.events(), nil)
	for _, in := range []string{"a", "b", "c"} {
		_, err := c.Add(in, scheduler.Batch{Input: in})
		require.NoError(t, err)
	}

	require.NoError(t, c.Start(context.Background()))
	<-runner.started
	assert.Equal(t, "b", <-runner.started)

	require.NoError(t, c.Stop())
	ev := rec.wait(t)
	assert.True(t, ev.stopped)
	assert.Equal(t, 1, ev.totals.OK)
	assert.Equal(t, 1, ev.totals.Stopped)

	assert.Equal(t, []models.TaskStatus{models.TaskDone, models.TaskStopped, models.TaskStopped}, statuses(c.Tasks()))
	assert.Equal(t, []string{"a", "b"}, runner.order, "c never started")
	assert.ErrorIs(t, c.Stop(), ErrQueueNotRunning)
}

// A task that completes normally after Stop has marked it, but before the
// context is cancelled, keeps its stopped status and does not advance the
// queue.
func TestQueueStopRacingTaskCompletion(t *testing.T) {
	runner := &fakeRunner{results: map[string]models.BatchResult{"a": {OK: 1}}}
	c := New(runner, nil, Events{}, nil)
	for _, in := range []string{"a", "b"} {
		_, err := c.Add(in, scheduler.Batch{Input: in})
		require.NoError(t, err)
	}
	runner.finishing = func(string) {
		c.mu.Lock()
		c.stopping = true
		c.stopRemainingLocked()
		c.mu.Unlock()
	}

	require.NoError(t, c.Start(context.Background()))
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Zero(t, c.index)
	assert.Equal(t, 1, c.totals.OK)
	assert.Equal(t, models.TaskStopped, c.tasks[0].Status)
	assert.Equal(t, models.TaskStopped, c.tasks[1].Status)
	assert.Equal(t, []string{"a"}, runner.order)
}

func TestQueuePauseResume(t *testing.T) {
	gate := transcoder.NewGate()
	runner := &fakeRunner{
		gate:    gate,
		results: map[string]models.BatchResult{"a": {OK: 1}},
		started: make(chan string, 1),
	}
	rec := newRecorder()
	c := New(runner, gate, rec.events(), nil)
	_, err := c.Add("", scheduler.Batch{Input: "a"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Pause(), ErrQueueNotRunning)

	gate.Pause()
	require.NoError(t, c.Start(context.Background()))
	// Start always begins unpaused.
	assert.False(t, c.Paused())

	require.NoError(t, c.Pause())
	assert.True(t, c.Paused())
	<-runner.started

	select {
	case <-rec.finished:
		t.Fatal("queue finished while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, models.TaskPaused, c.Tasks()[0].Status)

	require.NoError(t, c.Resume())
	ev := rec.wait(t)
	assert.False(t, ev.stopped)
	assert.Equal(t, models.TaskDone, c.Tasks()[0].Status)
}

func TestQueueStopWhilePaused(t *testing.T) {
	gate := transcoder.NewGate()
	runner := &fakeRunner{gate: gate, started: make(chan string, 1)}
	rec := newRecorder()
	c := New(runner, gate, rec.events(), nil)
	_, err := c.Add("", scheduler.Batch{Input: "a"})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Pause())
	<-runner.started

	require.NoError(t, c.Stop())
	ev := rec.wait(t)
	assert.True(t, ev.stopped)
	assert.False(t, c.Paused())
	assert.Equal(t, models.TaskStopped, c.Tasks()[0].Status)
}

func TestQueueRestartResetsTasks(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"a": errors.New("boom")}}
	rec := newRecorder()
	c := New(runner, nil, rec.events(), nil)
	_, err := c.Add("", scheduler.Batch{Input: "a"})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	rec.wait(t)
	assert.Equal(t, models.TaskFailed, c.Tasks()[0].Status)

	delete(runner.errs, "a")
	require.NoError(t, c.Start(context.Background()))
	rec.wait(t)
	task := c.Tasks()[0]
	assert.Equal(t, models.TaskDone, task.Status)
	assert.Empty(t, task.Err)
}

func TestQueueParentCancel(t *testing.T) {
	runner := &fakeRunner{block: map[string]bool{"a": true}, started: make(chan string, 1)}
	rec := newRecorder()
	c := New(runner, nil, rec.events(), nil)
	for _, in := range []string{"a", "b"} {
		_, err := c.Add("", scheduler.Batch{Input: in})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	<-runner.started
	cancel()

	ev := rec.wait(t)
	assert.True(t, ev.stopped)
	assert.Equal(t, []models.TaskStatus{models.TaskStopped, models.TaskStopped}, statuses(c.Tasks()))
}
