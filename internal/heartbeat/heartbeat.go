package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"hlg-transcoder/pkg/models"
)

// StatsSource samples host load. *monitor.SystemMonitor satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (models.HardwareStats, error)
}

// Tracker counts finished files. Update matches scheduler.Observer.Progress.
type Tracker struct {
	done  atomic.Int64
	total atomic.Int64
}

func (t *Tracker) Update(done, total int) {
	t.done.Store(int64(done))
	t.total.Store(int64(total))
}

func (t *Tracker) Progress() (done, total int) {
	return int(t.done.Load()), int(t.total.Load())
}

// Service logs a progress line with a load sample on every tick.
type Service struct {
	interval time.Duration
	tracker  *Tracker
	stats    StatsSource
	logger   hclog.Logger

	wg sync.WaitGroup
}

// New creates a heartbeat service. stats may be nil.
func New(interval time.Duration, tracker *Tracker, stats StatsSource, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{interval: interval, tracker: tracker, stats: stats, logger: logger}
}

// Start launches the loop in the background. It ends with ctx.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.logger.Debug("heartbeat started", "interval", s.interval)

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("heartbeat stopped")
				return
			case <-ticker.C:
				s.beat(ctx)
			}
		}
	}()
}

// Wait blocks until the loop has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) beat(ctx context.Context) {
	done, total := s.tracker.Progress()
	args := []any{"done", done, "total", total}

	if s.stats != nil {
		st, err := s.stats.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("load sample failed", "error", err)
			}
		} else {
			args = append(args, "cpu_pct", int(st.CPUPercent), "ram_pct", int(st.RAMPercent))
			if st.Busy {
				args = append(args, "busy", true)
			}
		}
	}
	s.logger.Info("progress", args...)
}
