package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"hlg-transcoder/internal/naming"
	"hlg-transcoder/pkg/models"
)

// EncoderMemory persists the last hardware encoder that worked per codec.
// Write failures are the caller's to ignore.
type EncoderMemory interface {
	LastEncoder(codec models.Codec) string
	RememberEncoder(codec models.Codec, encoder string) error
}

// Hooks are the optional collaborators of one Execute call. Nil fields are
// skipped. File receives live "processing" percentages only; final statuses
// are reported by the scheduler.
type Hooks struct {
	Status func(line string)
	File   func(name string, status models.FileStatus, percent int)
	Pause  PauseGate
}

func (h Hooks) status(format string, args ...any) {
	if h.Status != nil {
		h.Status(fmt.Sprintf(format, args...))
	}
}

// Execute transcodes one file, walking the hardware fallback chain when a
// hardware encoder is requested. It never returns an error: faults become an
// OutcomeError and a stop becomes an OutcomeStopped.
func (e *Engine) Execute(ctx context.Context, req models.TranscodeRequest, seq naming.Sequence, hooks Hooks) (out models.TranscodeOutcome) {
	name := filepath.Base(req.Source)
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("panic during transcode", "file", name, "panic", r)
			out = faultOutcome(name, fmt.Errorf("panic: %v", r))
		}
	}()

	if req.Source == "" {
		return faultOutcome(name, models.ErrMissingSource)
	}
	if err := req.Validate(); err != nil {
		return faultOutcome(name, err)
	}

	// 1. Resolve the destination and honor skip-existing. Overwrite wins.
	output := naming.OutputPath(req.OutputDir, e.names().Resolve(req, seq))
	_, statErr := os.Stat(output)
	existed := statErr == nil
	if existed && !req.Overwrite && req.SkipExisting {
		return models.TranscodeOutcome{
			File:    name,
			Output:  output,
			Status:  models.OutcomeSkipped,
			Message: "SKIP (exists): " + filepath.Base(output),
		}
	}
	if ctx.Err() != nil {
		return stoppedOutcome(name, output)
	}

	job := &fileJob{
		engine:  e,
		req:     req,
		name:    name,
		output:  output,
		existed: existed,
		hooks:   hooks,
	}
	var stopProgress func()
	job.onTime, stopProgress = e.progressReporter(ctx, job)
	defer stopProgress()

	// 2. CPU only.
	if req.HWEncoder == "" {
		return job.runCPU(ctx, false)
	}

	// 3. Hardware chain, then CPU.
	return job.runHardware(ctx)
}

// fileJob carries the per-file state shared by every attempt.
type fileJob struct {
	engine  *Engine
	req     models.TranscodeRequest
	name    string
	output  string
	existed bool
	hooks   Hooks
	onTime  func(sec float64)
}

func (j *fileJob) attempt(ctx context.Context, encoder string) (runResult, error) {
	args := BuildArgs(j.req, j.output, encoder)
	j.hooks.status("$ %s", CommandLine(j.engine.FFmpegPath, args))
	if j.req.DryRun {
		return runResult{}, nil
	}

	res, err := j.engine.run(ctx, args, j.hooks.Pause, j.onTime)
	if err == nil && res.ExitCode != 0 {
		j.engine.logger().Warn("transcoder exited with error",
			"file", j.name, "encoder", encoderLabel(j.req.Codec, encoder),
			"exit_code", res.ExitCode, "stderr", res.Tail)
		j.discardPartial()
	}
	return res, err
}

// discardPartial removes output left by a failed attempt so the next
// encoder does not trip over it. Pre-existing files are never touched.
func (j *fileJob) discardPartial() {
	if j.existed {
		return
	}
	if err := os.Remove(j.output); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.engine.logger().Debug("could not remove partial output", "path", j.output, "error", err)
	}
}

func (j *fileJob) runCPU(ctx context.Context, fallback bool) models.TranscodeOutcome {
	encoder := CPUEncoder(j.req.Codec)
	res, err := j.attempt(ctx, "")
	switch {
	case errors.Is(err, errStopped):
		return stoppedOutcome(j.name, j.output)
	case err != nil:
		return faultOutcome(j.name, err)
	}

	out := models.TranscodeOutcome{File: j.name, Output: j.output, Encoder: encoder, ExitCode: res.ExitCode}
	switch {
	case res.ExitCode == 0 && fallback:
		out.Status = models.OutcomeOKFallback
		out.Message = "OK (CPU fallback): " + j.name
	case res.ExitCode == 0:
		out.Status = models.OutcomeOK
		out.Message = "OK: " + j.name
	case fallback:
		out.Status = models.OutcomeFailed
		out.Message = failureMessage("FAILED (all encoders failed): ", j.name, res)
	default:
		out.Status = models.OutcomeFailed
		out.Message = failureMessage("FAILED: ", j.name, res)
	}
	return out
}

func (j *fileJob) runHardware(ctx context.Context) models.TranscodeOutcome {
	e := j.engine
	codec := j.req.Codec
	requested := CanonicalEncoder(j.req.HWEncoder)

	chain := []string{requested}
	if e.Prober != nil {
		available, err := e.Prober.Probe(ctx, codec)
		if err != nil {
			e.logger().Warn("encoder probe failed, trying requested encoder only", "encoder", requested, "error", err)
		} else {
			chain = FallbackChain(codec, requested, available)
			if len(chain) == 0 || chain[0] != requested {
				j.hooks.status("Requested encoder %s is not available", requested)
			}
		}
	}

	for _, encoder := range chain {
		if ctx.Err() != nil {
			return stoppedOutcome(j.name, j.output)
		}

		res, err := j.attempt(ctx, encoder)
		switch {
		case errors.Is(err, errStopped):
			return stoppedOutcome(j.name, j.output)
		case err != nil:
			return faultOutcome(j.name, err)
		}

		if res.ExitCode == 0 {
			if !j.req.DryRun {
				e.remember(codec, encoder)
			}
			out := models.TranscodeOutcome{File: j.name, Output: j.output, Encoder: encoder}
			if encoder == requested {
				out.Status = models.OutcomeOK
				out.Message = "OK (GPU): " + j.name
			} else {
				out.Status = models.OutcomeOKFallback
				out.Message = fmt.Sprintf("OK (%s fallback): %s", BrandOf(codec, encoder), j.name)
			}
			return out
		}
		j.hooks.status("Encoder %s failed for %s (exit code %d), trying next encoder", encoder, j.name, res.ExitCode)
	}

	if ctx.Err() != nil {
		return stoppedOutcome(j.name, j.output)
	}
	j.hooks.status("All hardware encoders failed, falling back to CPU (%s)", CPUEncoder(codec))
	return j.runCPU(ctx, true)
}

func (e *Engine) remember(codec models.Codec, encoder string) {
	if e.Memory == nil {
		return
	}
	if err := e.Memory.RememberEncoder(codec, encoder); err != nil {
		e.logger().Debug("could not save last encoder", "codec", codec, "encoder", encoder, "error", err)
	}
}

// progressReporter returns a time= callback that turns ffmpeg's position into
// a percentage. Updates are handed off without blocking the stderr reader and
// may be dropped. The returned stop func flushes the delivery goroutine.
func (e *Engine) progressReporter(ctx context.Context, j *fileJob) (func(sec float64), func()) {
	noop := func() {}
	if j.hooks.File == nil || j.req.DryRun || e.FFprobePath == "" {
		return nil, noop
	}
	duration, err := e.probeDuration(ctx, j.req.Source)
	if err != nil || duration <= 0 {
		e.logger().Debug("no duration, live percent disabled", "file", j.name, "error", err)
		return nil, noop
	}

	updates := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pct := range updates {
			j.hooks.File(j.name, models.FileProcessing, pct)
		}
	}()
	stop := func() {
		close(updates)
		<-done
	}

	last := -1
	onTime := func(sec float64) {
		pct := int(math.Min(sec/duration*100, 99))
		if pct <= last {
			return
		}
		last = pct
		select {
		case updates <- pct:
		default:
		}
	}
	return onTime, stop
}

// probeDuration uses ffprobe to get media duration in seconds.
func (e *Engine) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}
	cmd := exec.CommandContext(ctx, e.FFprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}

	var res struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &res); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res.Format.Duration, 64)
}

func encoderLabel(codec models.Codec, encoder string) string {
	if encoder == "" {
		return CPUEncoder(codec)
	}
	return encoder
}

func failureMessage(prefix, name string, res runResult) string {
	msg := fmt.Sprintf("%s%s (exit code %d)", prefix, name, res.ExitCode)
	if line := res.lastLine(); line != "" {
		msg += ": " + line
	}
	return msg
}

func faultOutcome(name string, err error) models.TranscodeOutcome {
	return models.TranscodeOutcome{
		File:    name,
		Status:  models.OutcomeError,
		Message: fmt.Sprintf("ERROR: %s - %v", name, err),
	}
}

func stoppedOutcome(name, output string) models.TranscodeOutcome {
	return models.TranscodeOutcome{
		File:    name,
		Output:  output,
		Status:  models.OutcomeStopped,
		Message: "STOPPED: " + name,
	}
}
