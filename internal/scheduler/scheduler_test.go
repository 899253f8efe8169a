package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlg-transcoder/internal/naming"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

// fakeExecutor returns a scripted status per file after a random delay and
// records concurrency.
type fakeExecutor struct {
	mu       sync.Mutex
	statuses map[string]models.OutcomeStatus
	delays   map[string]time.Duration
	seqs     map[string]naming.Sequence
	order    []string

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req models.TranscodeRequest, seq naming.Sequence, hooks transcoder.Hooks) models.TranscodeOutcome {
	f.calls.Add(1)
	n := f.active.Add(1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	defer f.active.Add(-1)

	name := filepath.Base(req.Source)
	f.mu.Lock()
	delay := f.delays[name]
	status, ok := f.statuses[name]
	if f.seqs == nil {
		f.seqs = map[string]naming.Sequence{}
	}
	f.seqs[name] = seq
	f.mu.Unlock()
	if !ok {
		status = models.OutcomeOK
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return models.TranscodeOutcome{File: name, Status: models.OutcomeStopped}
	}
	if hooks.Pause != nil {
		_ = hooks.Pause.Wait(ctx)
	}

	f.mu.Lock()
	f.order = append(f.order, name)
	f.mu.Unlock()
	return models.TranscodeOutcome{File: name, Status: status}
}

func makeFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("/in/clip%03d.mov", i)
	}
	return files
}

func template() models.TranscodeRequest {
	return models.TranscodeRequest{
		OutputDir:    "/out",
		Codec:        models.CodecHEVC,
		CRF:          18,
		Preset:       models.DefaultPreset,
		AudioBitrate: "192k",
		Naming:       models.NamingPolicy{KeepOriginal: true, Suffix: models.DefaultSuffix},
	}
}

var outcomeMix = []models.OutcomeStatus{
	models.OutcomeOK, models.OutcomeOKFallback, models.OutcomeSkipped, models.OutcomeFailed, models.OutcomeError,
}

func TestRunParallelCountsAreExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		n := 1 + rng.Intn(40)
		w := 1 + rng.Intn(n)
		files := makeFiles(n)

		exec := &fakeExecutor{statuses: map[string]models.OutcomeStatus{}, delays: map[string]time.Duration{}}
		var wantOK, wantFailed, wantSkipped int
		for _, f := range files {
			name := filepath.Base(f)
			st := outcomeMix[rng.Intn(len(outcomeMix))]
			exec.statuses[name] = st
			exec.delays[name] = time.Duration(rng.Intn(3000)) * time.Microsecond
			switch st {
			case models.OutcomeOK, models.OutcomeOKFallback:
				wantOK++
			case models.OutcomeSkipped:
				wantSkipped++
			default:
				wantFailed++
			}
		}

		var progressCalls atomic.Int32
		var lastDone atomic.Int32
		s := New(exec, Observer{
			Progress: func(done, total int) {
				progressCalls.Add(1)
				assert.Equal(t, n, total)
				for {
					prev := lastDone.Load()
					if int32(done) <= prev || lastDone.CompareAndSwap(prev, int32(done)) {
						break
					}
				}
			},
		}, nil, nil)

		res := s.RunParallel(context.Background(), files, template(), w)

		assert.Equal(t, n, res.OK+res.Failed+res.Skipped, "round %d n=%d w=%d", round, n, w)
		assert.Equal(t, wantOK, res.OK)
		assert.Equal(t, wantFailed, res.Failed)
		assert.Equal(t, wantSkipped, res.Skipped)
		assert.Zero(t, res.Stopped)
		assert.Len(t, res.Outcomes, n)
		assert.Equal(t, int32(n), exec.calls.Load())
		assert.Equal(t, int32(n), progressCalls.Load())
		assert.Equal(t, int32(n), lastDone.Load())
		assert.LessOrEqual(t, exec.maxActive.Load(), int32(w))
	}
}

func TestRunParallelUsesWorkers(t *testing.T) {
	files := makeFiles(8)
	exec := &fakeExecutor{delays: map[string]time.Duration{}}
	for _, f := range files {
		exec.delays[filepath.Base(f)] = 30 * time.Millisecond
	}

	res := New(exec, Observer{}, nil, nil).RunParallel(context.Background(), files, template(), 4)
	assert.Equal(t, 8, res.OK)
	assert.Equal(t, int32(4), exec.maxActive.Load())
}

func TestRunParallelSequencesFollowDiscoveryOrder(t *testing.T) {
	files := makeFiles(5)
	exec := &fakeExecutor{}
	New(exec, Observer{}, nil, nil).RunParallel(context.Background(), files, template(), 3)

	for i, f := range files {
		assert.Equal(t, naming.Sequence{Index: i, Total: 5}, exec.seqs[filepath.Base(f)])
	}
}

func TestRunSequentialOrderAndSignals(t *testing.T) {
	files := makeFiles(4)
	exec := &fakeExecutor{
		statuses: map[string]models.OutcomeStatus{
			"clip001.mov": models.OutcomeSkipped,
			"clip002.mov": models.OutcomeFailed,
		},
		// Later files finish faster; order must still hold.
		delays: map[string]time.Duration{
			"clip000.mov": 20 * time.Millisecond,
			"clip001.mov": 10 * time.Millisecond,
		},
	}

	type fileEvent struct {
		name   string
		status models.FileStatus
		pct    int
	}
	var events []fileEvent
	var progress [][2]int
	var outcomes []string

	s := New(exec, Observer{
		File:     func(name string, st models.FileStatus, pct int) { events = append(events, fileEvent{name, st, pct}) },
		Progress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
		Outcome:  func(out models.TranscodeOutcome) { outcomes = append(outcomes, out.File) },
	}, nil, nil)

	res := s.RunSequential(context.Background(), files, template())
	assert.Equal(t, models.BatchResult{OK: 2, Failed: 1, Skipped: 1}, stripResult(res))
	assert.Equal(t, []string{"clip000.mov", "clip001.mov", "clip002.mov", "clip003.mov"}, exec.order)
	assert.Equal(t, exec.order, outcomes)
	assert.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, progress)

	require.Len(t, events, 12)
	for i := 0; i < 4; i++ {
		assert.Equal(t, models.FileWaiting, events[i].status)
	}
	assert.Equal(t, fileEvent{"clip000.mov", models.FileProcessing, 0}, events[4])
	assert.Equal(t, fileEvent{"clip000.mov", models.FileDone, 100}, events[5])
	assert.Equal(t, fileEvent{"clip001.mov", models.FileSkipped, 100}, events[7])
	assert.Equal(t, fileEvent{"clip002.mov", models.FileFailed, 100}, events[9])
}

func TestRunPicksMode(t *testing.T) {
	files := makeFiles(6)
	for _, workers := range []int{0, 1} {
		exec := &fakeExecutor{}
		New(exec, Observer{}, nil, nil).Run(context.Background(), files, template(), workers)
		assert.Equal(t, int32(1), exec.maxActive.Load())
	}
}

func TestRunStopMarksRemaining(t *testing.T) {
	files := makeFiles(6)
	exec := &fakeExecutor{delays: map[string]time.Duration{}}
	for _, f := range files {
		exec.delays[filepath.Base(f)] = 40 * time.Millisecond
	}

	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(60*time.Millisecond, cancel)

			res := New(exec, Observer{}, nil, nil).Run(ctx, files, template(), workers)
			assert.Equal(t, len(files), res.Total())
			assert.Positive(t, res.Stopped)
			assert.Zero(t, res.Failed)
		})
	}
}

func TestRunPausedDispatchWaits(t *testing.T) {
	files := makeFiles(3)
	exec := &fakeExecutor{}
	gate := transcoder.NewGate()
	gate.Pause()

	s := New(exec, Observer{}, gate, nil)
	done := make(chan models.BatchResult, 1)
	go func() { done <- s.RunSequential(context.Background(), files, template()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exec.calls.Load(), "nothing starts while paused")

	gate.Resume()
	select {
	case res := <-done:
		assert.Equal(t, 3, res.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after resume")
	}
}

// pauseOnFirst pauses the gate while the first file is in flight and then
// returns without consulting the gate, as a skipped or dry-run file does.
type pauseOnFirst struct {
	gate    *transcoder.Gate
	mu      sync.Mutex
	started []string
}

func (p *pauseOnFirst) Execute(ctx context.Context, req models.TranscodeRequest, seq naming.Sequence, hooks transcoder.Hooks) models.TranscodeOutcome {
	name := filepath.Base(req.Source)
	p.mu.Lock()
	p.started = append(p.started, name)
	p.mu.Unlock()
	if seq.Index == 0 {
		// Let the dispatcher block on the worker limit first.
		time.Sleep(20 * time.Millisecond)
		p.gate.Pause()
		return models.TranscodeOutcome{File: name, Status: models.OutcomeSkipped}
	}
	return models.TranscodeOutcome{File: name, Status: models.OutcomeOK}
}

func (p *pauseOnFirst) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

func TestRunParallelPauseHoldsQueuedFile(t *testing.T) {
	gate := transcoder.NewGate()
	exec := &pauseOnFirst{gate: gate}
	s := New(exec, Observer{}, gate, nil)

	done := make(chan models.BatchResult, 1)
	go func() {
		done <- s.RunParallel(context.Background(), []string{"/in/a.mov", "/in/b.mov", "/in/c.mov"}, template(), 1)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"a.mov"}, exec.names(), "no file starts while paused")

	gate.Resume()
	select {
	case res := <-done:
		assert.Equal(t, 2, res.OK)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, []string{"a.mov", "b.mov", "c.mov"}, exec.names())
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after resume")
	}
}

func TestRunParallelStopWhileQueuedBehindPause(t *testing.T) {
	gate := transcoder.NewGate()
	exec := &pauseOnFirst{gate: gate}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := New(exec, Observer{}, gate, nil).RunParallel(ctx, []string{"/in/a.mov", "/in/b.mov", "/in/c.mov"}, template(), 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Stopped)
	assert.Equal(t, []string{"a.mov"}, exec.names())
}

func TestRunPausedThenStopped(t *testing.T) {
	files := makeFiles(3)
	exec := &fakeExecutor{}
	gate := transcoder.NewGate()
	gate.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := New(exec, Observer{}, gate, nil).RunParallel(ctx, files, template(), 2)

	assert.Equal(t, 3, res.Stopped)
	assert.Zero(t, exec.calls.Load())
}

func stripResult(r models.BatchResult) models.BatchResult {
	r.Outcomes = nil
	r.Elapsed = 0
	return r
}
