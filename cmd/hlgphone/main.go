package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"hlg-transcoder/internal/client"
	"hlg-transcoder/internal/config"
	"hlg-transcoder/internal/heartbeat"
	"hlg-transcoder/internal/monitor"
	"hlg-transcoder/internal/settings"
	"hlg-transcoder/internal/transcoder"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitNoInput = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	out := newPrinter(os.Stdout)

	// 1. Load configuration: defaults, hlgphone.yml, HLG_* env, flags.
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		out.Error(err)
		return exitFailure
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "hlgphone",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})

	if err := cfg.Validate(); err != nil {
		out.Error(err)
		return exitFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Find ffmpeg. Test mode never looks; dry runs tolerate a miss.
	store := openSettings(cfg, logger)
	engine, err := transcoder.NewEngine(ctx, transcoder.Options{
		FFmpegPath:   cfg.FFmpeg,
		SkipLookup:   cfg.Test,
		AllowMissing: cfg.DryRun,
		Locate:       transcoder.DefaultLocateOptions(),
		Memory:       store,
		Logger:       logger.Named("transcoder"),
	})
	if err != nil {
		out.Error(err)
		return exitFailure
	}
	sysmon := monitor.NewSystemMonitor(engine.FFmpegPath, engine.Prober)

	if cfg.SystemInfo {
		report, err := sysmon.Report(ctx)
		if err != nil {
			out.Error(fmt.Errorf("run %s: %w", engine.FFmpegPath, err))
			return exitFailure
		}
		out.SystemReport(report)
		return exitOK
	}

	a := &app{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		out:     out,
		logger:  logger,
		gate:    transcoder.NewGate(),
		tracker: &heartbeat.Tracker{},
	}
	if cfg.WebhookURL != "" {
		a.notifier = client.NewNotifier(cfg.WebhookURL, logger.Named("webhook"))
	}

	// 3. Periodic progress line with a load sample.
	if cfg.HeartbeatSec > 0 {
		hb := heartbeat.New(time.Duration(cfg.HeartbeatSec)*time.Second, a.tracker, sysmon, logger.Named("heartbeat"))
		hb.Start(ctx)
	}

	if cfg.Jobs != "" {
		return a.runQueue(ctx)
	}
	return a.runBatch(ctx, cancel)
}

func openSettings(cfg *config.Config, logger hclog.Logger) *settings.Store {
	path := cfg.Settings
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			logger.Warn("settings are not persisted", "error", err)
		}
		path = p
	}
	store, err := settings.Open(path)
	if err != nil {
		logger.Warn("settings unreadable, starting empty", "path", path, "error", err)
		store, _ = settings.Open("")
	}
	return store
}

// controls receives the process signals of a running batch or queue.
type controls struct {
	stop   func()
	pause  func()
	resume func()
}

// watchSignals routes SIGINT/SIGTERM to stop and, on unix, SIGUSR1/SIGUSR2
// to pause/resume until ctx ends.
func watchSignals(ctx context.Context, c controls, logger hclog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, controlSignals...)...)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				logger.Debug("signal received", "signal", sig)
				switch {
				case isPauseSignal(sig):
					c.pause()
				case isResumeSignal(sig):
					c.resume()
				default:
					c.stop()
				}
			}
		}
	}()
}
