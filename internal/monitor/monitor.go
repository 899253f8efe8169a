package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"hlg-transcoder/internal/transcoder"
	"hlg-transcoder/pkg/models"
)

const samplePeriod = 500 * time.Millisecond

// SystemReport is what --system-info prints.
type SystemReport struct {
	FFmpegPath    string
	FFmpegVersion string
	Encoders      map[models.Codec][]models.EncoderCandidate
	ProbeErr      error

	CPUModel      string
	PhysicalCores int
	LogicalCores  int
	TotalRAM      uint64
	OS            string
}

type SystemMonitor struct {
	ffmpegPath string
	prober     transcoder.Prober

	once     sync.Once
	encoders map[models.Codec][]models.EncoderCandidate
	probeErr error
}

func NewSystemMonitor(ffmpegPath string, prober transcoder.Prober) *SystemMonitor {
	return &SystemMonitor{ffmpegPath: ffmpegPath, prober: prober}
}

// Encoders probes every codec once per process; hardware does not change
// while we run.
func (m *SystemMonitor) Encoders(ctx context.Context) (map[models.Codec][]models.EncoderCandidate, error) {
	m.once.Do(func() {
		m.encoders = make(map[models.Codec][]models.EncoderCandidate)
		for _, codec := range []models.Codec{models.CodecHEVC, models.CodecH264} {
			list, err := m.prober.Probe(ctx, codec)
			if err != nil && m.probeErr == nil {
				m.probeErr = err
			}
			m.encoders[codec] = list
		}
	})
	return m.encoders, m.probeErr
}

// Stats gathers current CPU and RAM usage.
func (m *SystemMonitor) Stats(ctx context.Context) (models.HardwareStats, error) {
	stats := models.HardwareStats{}

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get mem stats: %w", err)
	}
	stats.RAMPercent = v.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, samplePeriod, false)
	if err != nil {
		return stats, fmt.Errorf("failed to get cpu stats: %w", err)
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	stats.Busy = stats.CPUPercent > 90.0 || stats.RAMPercent > 90.0
	return stats, nil
}

// Report collects the transcoder and host details. Host lookups that fail
// leave their fields empty; only a missing transcoder is an error.
func (m *SystemMonitor) Report(ctx context.Context) (SystemReport, error) {
	r := SystemReport{FFmpegPath: m.ffmpegPath}

	version, err := transcoder.Version(ctx, m.ffmpegPath)
	if err != nil {
		return r, err
	}
	r.FFmpegVersion = version
	r.Encoders, r.ProbeErr = m.Encoders(ctx)

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		r.CPUModel = infos[0].ModelName
	}
	r.PhysicalCores = PhysicalCores(ctx)
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		r.LogicalCores = n
	}
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.TotalRAM = v.Total
	}
	r.OS = runtime.GOOS + "/" + runtime.GOARCH
	if h, err := host.InfoWithContext(ctx); err == nil && h.Platform != "" {
		r.OS = fmt.Sprintf("%s %s (%s)", h.Platform, h.PlatformVersion, h.KernelArch)
	}
	return r, nil
}

// PhysicalCores falls back to the logical count when the platform hides
// topology.
func PhysicalCores(ctx context.Context) int {
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
