package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"hlg-transcoder/internal/discovery"
	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

var (
	ErrInputMissing      = errors.New("input path does not exist")
	ErrOutputUncreatable = errors.New("cannot create output directory")
	ErrNoInputFiles      = errors.New("no video files found")
)

// Batch is one input tree transcoded with one request template.
type Batch struct {
	Input     string                  `json:"input"`
	Recursive bool                    `json:"recursive"`
	Workers   int                     `json:"workers"`
	Request   models.TranscodeRequest `json:"request"`
}

// Prepare runs the configuration checks and discovers the files. Every error
// it returns is fatal for the batch.
func (b Batch) Prepare() ([]string, error) {
	if err := b.Request.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(b.Input); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputMissing, b.Input)
	}
	if err := os.MkdirAll(b.Request.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOutputUncreatable, b.Request.OutputDir, err)
	}

	files, err := discovery.Discover(b.Input, b.Recursive)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w under %s (recursive=%t, extensions %v)", ErrNoInputFiles, b.Input, b.Recursive, discovery.Extensions())
	}
	return files, nil
}

// RunBatch prepares b and runs it. Preparation errors are returned before
// any transcoder is started.
func (s *Scheduler) RunBatch(ctx context.Context, b Batch) (models.BatchResult, error) {
	files, err := b.Prepare()
	if err != nil {
		return models.BatchResult{}, err
	}

	s.status("Found %d video files", len(files))
	s.status("Codec: %s", b.Request.Codec.Display())
	if b.Request.HWEncoder != "" {
		s.status("Encoder: %s (GPU)", b.Request.HWEncoder)
	} else {
		s.status("Encoder: %s (CPU)", transcoder.CPUEncoder(b.Request.Codec))
	}
	if b.Request.DryRun {
		s.status("--- DRY RUN ---")
	}
	s.Logger.Info("batch started", "input", b.Input, "files", len(files), "workers", b.Workers)

	res := s.Run(ctx, files, b.Request, b.Workers)
	s.Logger.Info("batch finished", "ok", res.OK, "failed", res.Failed, "skipped", res.Skipped, "stopped", res.Stopped, "elapsed", res.Elapsed)
	return res, nil
}
