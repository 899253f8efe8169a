package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"hlg-transcoder/internal/naming"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

// FileExecutor runs one file. *transcoder.Engine satisfies it.
type FileExecutor interface {
	Execute(ctx context.Context, req models.TranscodeRequest, seq naming.Sequence, hooks transcoder.Hooks) models.TranscodeOutcome
}

// Observer receives batch signals. Nil fields are skipped. In parallel mode
// every callback may be invoked concurrently and File updates arrive in any
// order, so consumers should key them by file name.
type Observer struct {
	Status   func(line string)
	File     func(name string, status models.FileStatus, percent int)
	Progress func(done, total int)
	Outcome  func(out models.TranscodeOutcome)
}

// Scheduler dispatches a batch of files to an executor.
type Scheduler struct {
	Executor FileExecutor
	Observer Observer
	// Pause, when set, holds back dispatch of new files and is handed to the
	// executor for in-flight ones.
	Pause  transcoder.PauseGate
	Logger hclog.Logger
}

func New(exec FileExecutor, obs Observer, pause transcoder.PauseGate, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{Executor: exec, Observer: obs, Pause: pause, Logger: logger}
}

// Run picks sequential mode for workers <= 1 and parallel mode otherwise.
func (s *Scheduler) Run(ctx context.Context, files []string, tmpl models.TranscodeRequest, workers int) models.BatchResult {
	if workers <= 1 || len(files) <= 1 {
		return s.RunSequential(ctx, files, tmpl)
	}
	return s.RunParallel(ctx, files, tmpl, workers)
}

// RunSequential processes files one at a time in the given order.
func (s *Scheduler) RunSequential(ctx context.Context, files []string, tmpl models.TranscodeRequest) models.BatchResult {
	start := time.Now()
	b := newBatch(len(files))
	s.announce(files)

	for i, file := range files {
		if !s.waitForDispatch(ctx) {
			s.stopRemaining(b, files[i:])
			break
		}
		out := s.runOne(ctx, tmpl, file, naming.Sequence{Index: i, Total: len(files)})
		s.record(b, out)
	}
	return b.finish(start)
}

// RunParallel keeps at most maxWorkers files in flight. Completion order is
// not defined; the counters are exact.
func (s *Scheduler) RunParallel(ctx context.Context, files []string, tmpl models.TranscodeRequest, maxWorkers int) models.BatchResult {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	start := time.Now()
	b := newBatch(len(files))
	s.announce(files)
	s.status("Processing %d files with %d parallel workers", len(files), maxWorkers)

	var g errgroup.Group
	g.SetLimit(maxWorkers)

	for i, file := range files {
		if !s.waitForDispatch(ctx) {
			s.stopRemaining(b, files[i:])
			break
		}
		seq := naming.Sequence{Index: i, Total: len(files)}
		// Go blocks while maxWorkers files are in flight; a pause may arrive
		// meanwhile, so the gate is checked again once a slot is held.
		g.Go(func() error {
			if !s.waitForDispatch(ctx) {
				s.markStopped(b, file)
				return nil
			}
			out := s.runOne(ctx, tmpl, file, seq)
			s.record(b, out)
			return nil
		})
	}
	_ = g.Wait()
	return b.finish(start)
}

func (s *Scheduler) runOne(ctx context.Context, tmpl models.TranscodeRequest, file string, seq naming.Sequence) models.TranscodeOutcome {
	name := filepath.Base(file)
	s.file(name, models.FileProcessing, 0)

	out := s.Executor.Execute(ctx, tmpl.WithSource(file), seq, transcoder.Hooks{
		Status: s.Observer.Status,
		File:   s.Observer.File,
		Pause:  s.Pause,
	})

	pct := 100
	if out.Status == models.OutcomeStopped {
		pct = 0
	}
	s.file(name, out.FileStatus(), pct)
	if s.Observer.Outcome != nil {
		s.Observer.Outcome(out)
	}
	s.Logger.Debug("file finished", "file", name, "status", out.Status, "encoder", out.Encoder)
	return out
}

// waitForDispatch blocks while paused and reports whether the next file may
// start.
func (s *Scheduler) waitForDispatch(ctx context.Context) bool {
	if s.Pause != nil {
		if err := s.Pause.Wait(ctx); err != nil {
			return false
		}
	}
	return ctx.Err() == nil
}

func (s *Scheduler) stopRemaining(b *batch, files []string) {
	for _, file := range files {
		s.markStopped(b, file)
	}
	s.Logger.Info("batch stopped", "not_started", len(files))
}

func (s *Scheduler) markStopped(b *batch, file string) {
	name := filepath.Base(file)
	b.add(models.TranscodeOutcome{File: name, Status: models.OutcomeStopped, Message: "STOPPED: " + name}, false)
}

func (s *Scheduler) announce(files []string) {
	for _, f := range files {
		s.file(filepath.Base(f), models.FileWaiting, 0)
	}
}

func (s *Scheduler) record(b *batch, out models.TranscodeOutcome) {
	done, total := b.add(out, true)
	if s.Observer.Progress != nil {
		s.Observer.Progress(done, total)
	}
}

func (s *Scheduler) file(name string, status models.FileStatus, pct int) {
	if s.Observer.File != nil {
		s.Observer.File(name, status, pct)
	}
}

func (s *Scheduler) status(format string, args ...any) {
	if s.Observer.Status != nil {
		s.Observer.Status(fmt.Sprintf(format, args...))
	}
}

// batch guards the aggregate counters shared by workers.
type batch struct {
	mu     sync.Mutex
	result models.BatchResult
	done   int
	total  int
}

func newBatch(total int) *batch {
	return &batch{total: total}
}

func (b *batch) add(out models.TranscodeOutcome, counted bool) (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Add(out)
	if counted {
		b.done++
	}
	return b.done, b.total
}

func (b *batch) finish(start time.Time) models.BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := b.result
	res.Elapsed = time.Since(start)
	return res
}
