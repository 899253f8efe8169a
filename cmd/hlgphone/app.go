package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"hlg-transcoder/internal/client"
	"hlg-transcoder/internal/config"
	"hlg-transcoder/internal/heartbeat"
	"hlg-transcoder/internal/monitor"
	"hlg-transcoder/internal/queue"
	"hlg-transcoder/internal/scheduler"
	"hlg-transcoder/internal/settings"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

const notifyTimeout = 30 * time.Second

type app struct {
	cfg      *config.Config
	engine   *transcoder.Engine
	store    *settings.Store
	out      *printer
	logger   hclog.Logger
	gate     *transcoder.Gate
	tracker  *heartbeat.Tracker
	notifier *client.Notifier
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(a.engine, scheduler.Observer{
		Status: a.out.Status,
		File:   a.fileEvent,
		Progress: func(done, total int) {
			a.tracker.Update(done, total)
			a.out.Progress(done, total)
		},
		Outcome: a.out.Outcome,
	}, a.gate, a.logger.Named("scheduler"))
}

func (a *app) fileEvent(name string, status models.FileStatus, pct int) {
	if status == models.FileProcessing && pct > 0 {
		a.logger.Trace("file progress", "file", name, "percent", pct)
		return
	}
	a.logger.Debug("file status", "file", name, "status", status)
}

// batchFor turns one configuration into a runnable batch, resolving the
// hardware encoder and the worker count.
func (a *app) batchFor(ctx context.Context, cfg config.Config) (scheduler.Batch, error) {
	req, err := cfg.Request("")
	if err != nil {
		return scheduler.Batch{}, err
	}
	req.HWEncoder, err = a.resolveEncoder(ctx, cfg, req.Codec)
	if err != nil {
		return scheduler.Batch{}, err
	}
	workers := cfg.Threads
	if workers == 0 {
		workers = monitor.PhysicalCores(ctx)
	}
	return scheduler.Batch{Input: cfg.Input, Recursive: cfg.Recursive, Workers: workers, Request: req}, nil
}

// resolveEncoder picks the hardware encoder for codec. An explicit name is
// taken as-is; --gpu prefers the last encoder that worked, then the brand
// priority. "" means CPU.
func (a *app) resolveEncoder(ctx context.Context, cfg config.Config, codec models.Codec) (string, error) {
	if !cfg.WantsHardware() {
		return "", nil
	}
	if cfg.GPUEncoder != "" {
		enc := transcoder.CanonicalEncoder(cfg.GPUEncoder)
		if !transcoder.IsHardwareEncoder(codec, enc) {
			return "", fmt.Errorf("unknown %s hardware encoder %q", codec, cfg.GPUEncoder)
		}
		return enc, nil
	}

	available, err := a.engine.Prober.Probe(ctx, codec)
	if err != nil {
		a.logger.Warn("hardware probe failed", "codec", codec, "error", err)
		a.out.Status("Hardware detection failed, using CPU")
		return "", nil
	}
	enc := transcoder.PreferredEncoder(codec, available, a.store.LastEncoder(codec))
	if enc == "" {
		a.out.Status("No hardware encoder found, using CPU")
	}
	return enc, nil
}

func (a *app) runBatch(ctx context.Context, cancel context.CancelFunc) int {
	b, err := a.batchFor(ctx, *a.cfg)
	if err != nil {
		a.out.Error(err)
		return exitFailure
	}

	watchSignals(ctx, controls{
		stop:   cancel,
		pause:  a.pause,
		resume: a.resume,
	}, a.logger)

	a.out.Title(fmt.Sprintf("%s -> %s", b.Input, b.Request.OutputDir))
	res, err := a.newScheduler().RunBatch(ctx, b)
	if err != nil {
		a.out.Error(err)
		if errors.Is(err, scheduler.ErrNoInputFiles) {
			return exitNoInput
		}
		return exitFailure
	}

	a.notify(ctx, func(nctx context.Context) error {
		return a.notifier.BatchFinished(nctx, client.NewReport(client.KindBatch, b.Input, b.Request.OutputDir, b.Request.Codec, res))
	})
	a.out.Summary("Summary", res)
	if res.Failed > 0 || res.Stopped > 0 {
		return exitFailure
	}
	return exitOK
}

func (a *app) pause() {
	a.gate.Pause()
	a.out.Status("Paused")
}

func (a *app) resume() {
	a.gate.Resume()
	a.out.Status("Resumed")
}

type queueEnd struct {
	totals  models.BatchResult
	stopped bool
}

func (a *app) runQueue(ctx context.Context) int {
	jobs, err := config.LoadJobFile(a.cfg.Jobs)
	if err != nil {
		a.out.Error(err)
		return exitFailure
	}

	finished := make(chan queueEnd, 1)
	ctrl := queue.New(a.newScheduler(), a.gate, queue.Events{
		TaskChanged: func(t queue.Task) { a.taskChanged(ctx, t) },
		QueueFinished: func(totals models.BatchResult, stopped bool) {
			finished <- queueEnd{totals, stopped}
		},
	}, a.logger.Named("queue"))

	for i, job := range jobs {
		jc := job.Apply(*a.cfg)
		if err := jc.Validate(); err != nil {
			a.out.Error(fmt.Errorf("job %d: %w", i+1, err))
			return exitFailure
		}
		b, err := a.batchFor(ctx, jc)
		if err != nil {
			a.out.Error(fmt.Errorf("job %d: %w", i+1, err))
			return exitFailure
		}
		label := job.Label
		if label == "" {
			label = fmt.Sprintf("job %d", i+1)
		}
		if _, err := ctrl.Add(label, b); err != nil {
			a.out.Error(err)
			return exitFailure
		}
	}

	watchSignals(ctx, controls{
		stop:   func() { a.ignoreIdle(ctrl.Stop()) },
		pause:  func() { a.ignoreIdle(ctrl.Pause()) },
		resume: func() { a.ignoreIdle(ctrl.Resume()) },
	}, a.logger)

	a.out.Title(fmt.Sprintf("Queue: %d tasks", len(jobs)))
	if err := ctrl.Start(ctx); err != nil {
		a.out.Error(err)
		return exitFailure
	}
	end := <-finished

	a.notify(ctx, func(nctx context.Context) error {
		return a.notifier.QueueFinished(nctx, client.NewReport(client.KindQueue, a.cfg.Jobs, "", "", end.totals))
	})
	a.out.Summary("Queue summary", end.totals)

	if end.stopped {
		return exitFailure
	}
	for _, t := range ctrl.Tasks() {
		if t.Status != models.TaskDone {
			return exitFailure
		}
	}
	return exitOK
}

func (a *app) taskChanged(ctx context.Context, t queue.Task) {
	a.out.Title(fmt.Sprintf("Task %q: %s", t.Label, t.Status))
	if t.Err != "" {
		a.out.Status("ERROR: " + t.Err)
	}
	if t.Status != models.TaskDone && t.Status != models.TaskFailed {
		return
	}
	a.out.Summary(t.Label, t.Result)
	a.notify(ctx, func(nctx context.Context) error {
		return a.notifier.BatchFinished(nctx, client.NewReport(client.KindBatch, t.Batch.Input, t.Batch.Request.OutputDir, t.Batch.Request.Codec, t.Result))
	})
}

// notify runs one webhook call. Failures are logged only; a stopped run
// still reports.
func (a *app) notify(ctx context.Context, send func(context.Context) error) {
	if a.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := send(nctx); err != nil {
		a.logger.Warn("webhook failed", "error", err)
	}
}

func (a *app) ignoreIdle(err error) {
	if err != nil && !errors.Is(err, queue.ErrQueueNotRunning) {
		a.logger.Warn("queue control failed", "error", err)
	}
}
