package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"hlg-transcoder/internal/naming"
)

var (
	ErrFFmpegNotFound = errors.New("ffmpeg not found in bundle directory, working directory, install directory or PATH")
	ErrFFmpegUnusable = errors.New("ffmpeg found but failed to run")
)

const versionTimeout = 10 * time.Second

// Engine runs transcoder invocations for single files. Its fields are set by
// NewEngine; tests may build one directly.
type Engine struct {
	FFmpegPath  string
	FFprobePath string

	Prober Prober
	Memory EncoderMemory
	Names  *naming.Resolver
	Logger hclog.Logger
}

// Options configures NewEngine.
type Options struct {
	// FFmpegPath skips the search but is still version-checked.
	FFmpegPath string
	// SkipLookup uses the literal "ffmpeg" without any checks.
	SkipLookup bool
	// AllowMissing falls back to the literal "ffmpeg" when the search fails.
	AllowMissing bool

	Locate LocateOptions
	Memory EncoderMemory
	Logger hclog.Logger
}

// NewEngine locates the transcoder and wires the prober around it.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	// 1. Find a working ffmpeg.
	path, err := resolveFFmpeg(ctx, opts)
	if err != nil {
		if !opts.AllowMissing {
			return nil, err
		}
		logger.Warn("ffmpeg lookup failed, continuing with bare name", "error", err)
		path = binaryName("ffmpeg")
	}

	// 2. ffprobe is optional; without it no live percent is reported.
	probePath := findSibling(path, "ffprobe")

	engine := &Engine{
		FFmpegPath:  path,
		FFprobePath: probePath,
		Prober:      NewFFmpegProber(path),
		Memory:      opts.Memory,
		Names:       naming.NewResolver(),
		Logger:      logger,
	}
	logger.Debug("engine ready", "ffmpeg", path, "ffprobe", probePath)
	return engine, nil
}

func resolveFFmpeg(ctx context.Context, opts Options) (string, error) {
	switch {
	case opts.SkipLookup:
		return binaryName("ffmpeg"), nil
	case opts.FFmpegPath != "":
		if err := VerifyBinary(ctx, opts.FFmpegPath); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrFFmpegUnusable, opts.FFmpegPath, err)
		}
		return opts.FFmpegPath, nil
	default:
		return Locate(ctx, opts.Locate)
	}
}

// LocateOptions holds the directories searched before PATH. Empty entries
// are skipped.
type LocateOptions struct {
	BundleDir string
	WorkDir   string
	ExeDir    string
}

// DefaultLocateOptions fills the search directories from the process
// environment. HLG_BUNDLE_DIR marks a packaged distribution.
func DefaultLocateOptions() LocateOptions {
	opts := LocateOptions{BundleDir: os.Getenv("HLG_BUNDLE_DIR")}
	if wd, err := os.Getwd(); err == nil {
		opts.WorkDir = wd
	}
	if exe, err := os.Executable(); err == nil {
		opts.ExeDir = filepath.Dir(exe)
	}
	return opts
}

// Candidates lists the file locations searched in order, PATH excluded.
func (o LocateOptions) Candidates() []string {
	name := binaryName("ffmpeg")
	var out []string
	add := func(dir string, elem ...string) {
		if dir == "" {
			return
		}
		out = append(out, filepath.Join(append([]string{dir}, elem...)...))
	}
	add(o.BundleDir, "Project", name)
	add(o.BundleDir, name)
	add(o.WorkDir, name)
	add(o.ExeDir, name)
	add(o.ExeDir, "Project", name)
	add(o.WorkDir, "Project", name)
	return out
}

// Locate walks the search order and returns the first binary that answers
// -version. Existing but broken candidates are skipped.
func Locate(ctx context.Context, opts LocateOptions) (string, error) {
	var sawBroken bool
	var lastErr error

	try := func(path string) bool {
		err := VerifyBinary(ctx, path)
		if err == nil {
			return true
		}
		sawBroken = true
		lastErr = fmt.Errorf("%s: %w", path, err)
		return false
	}

	for _, path := range opts.Candidates() {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		if try(path) {
			return path, nil
		}
	}

	if path, err := exec.LookPath(binaryName("ffmpeg")); err == nil {
		if try(path) {
			return path, nil
		}
	}

	if sawBroken {
		return "", fmt.Errorf("%w: %v", ErrFFmpegUnusable, lastErr)
	}
	return "", ErrFFmpegNotFound
}

// VerifyBinary runs `<path> -version` and requires a zero exit.
func VerifyBinary(ctx context.Context, path string) error {
	_, err := Version(ctx, path)
	return err
}

// Version returns the first line of `<path> -version`.
func Version(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(out.String(), "\n")
	return strings.TrimRight(line, "\r"), nil
}

func findSibling(ffmpegPath, name string) string {
	bin := binaryName(name)
	if dir := filepath.Dir(ffmpegPath); dir != "." && dir != "" {
		candidate := filepath.Join(dir, bin)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := exec.LookPath(bin); err == nil {
		return path
	}
	return ""
}

func binaryName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func (e *Engine) logger() hclog.Logger {
	if e.Logger == nil {
		return hclog.NewNullLogger()
	}
	return e.Logger
}

func (e *Engine) names() *naming.Resolver {
	if e.Names == nil {
		return naming.NewResolver()
	}
	return e.Names
}
