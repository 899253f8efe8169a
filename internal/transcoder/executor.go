package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

const (
	exitCommandNotFound = 127
	exitCannotExecute   = 126

	stderrTailLines = 20
	killWaitDelay   = 5 * time.Second
)

// errStopped marks an invocation that was killed because its context ended.
var errStopped = errors.New("transcode stopped")

var reTime = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)

// runResult is what one transcoder invocation produced.
type runResult struct {
	ExitCode int
	Tail     []string
}

func (r runResult) lastLine() string {
	if len(r.Tail) == 0 {
		return ""
	}
	return r.Tail[len(r.Tail)-1]
}

// run starts the transcoder and waits for it. The process keeps running while
// gate is paused; only the observation of its exit is held back until resume.
// A cancelled ctx kills the whole process group and yields errStopped.
func (e *Engine) run(ctx context.Context, args []string, gate PauseGate, onTime func(sec float64)) (runResult, error) {
	cmd := exec.CommandContext(ctx, e.FFmpegPath, args...)
	configureProcess(cmd)
	cmd.WaitDelay = killWaitDelay

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return runResult{}, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	// 1. Start, not Run: the stderr reader below needs the live pipe.
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return runResult{}, errStopped
		}
		code := exitCannotExecute
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			code = exitCommandNotFound
		}
		e.logger().Warn("failed to start transcoder", "path", e.FFmpegPath, "error", err)
		return runResult{ExitCode: code, Tail: []string{err.Error()}}, nil
	}
	e.logger().Debug("transcoder started", "pid", cmd.Process.Pid)

	// 2. Drain stderr to EOF before Wait, keeping the tail for diagnostics.
	tail := make([]string, 0, stderrTailLines)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if sec, ok := parseTime(line); ok {
			if onTime != nil {
				onTime(sec)
			}
			continue
		}
		if len(tail) == stderrTailLines {
			tail = append(tail[:0], tail[1:]...)
		}
		tail = append(tail, line)
	}

	waitErr := cmd.Wait()

	// 3. Hold the outcome while paused. A stop releases the wait and is
	// reported below through ctx.
	if gate != nil {
		_ = gate.Wait(ctx)
	}

	res := runResult{Tail: tail}
	if waitErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, errStopped
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			res.ExitCode = 1
		}
		return res, nil
	}
	return res, fmt.Errorf("ffmpeg execution failed: %w", waitErr)
}

// scanLinesCR splits on \n and on the bare \r ffmpeg uses for its stats line.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseTime reads "time=HH:MM:SS.xx" from an ffmpeg stats line.
func parseTime(line string) (float64, bool) {
	m := reTime.FindStringSubmatch(line)
	if len(m) != 4 {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	s, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(h*3600+mins*60) + s, true
}
