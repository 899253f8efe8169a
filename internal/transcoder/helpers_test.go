package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"hlg-transcoder/internal/naming"
	"hlg-transcoder/pkg/models"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake transcoder scripts need a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeFFmpeg writes a script that logs each transcode invocation to a file,
// fails when the command line contains any of failOn, and otherwise creates
// the output file (the last argument).
func fakeFFmpeg(t *testing.T, dir string, failOn ...string) (bin, logPath string) {
	t.Helper()
	logPath = filepath.Join(dir, "invocations.log")
	var cases strings.Builder
	for _, pattern := range failOn {
		cases.WriteString("  *\"" + pattern + "\"*) exit 1 ;;\n")
	}
	body := `echo "$*" >> "` + logPath + `"
case "$*" in
` + cases.String() + `esac
for last; do :; done
: > "$last"
exit 0
`
	return writeScript(t, dir, "ffmpeg", body), logPath
}

func readInvocations(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

type fakeProber struct {
	candidates []models.EncoderCandidate
	err        error
	calls      int
}

func (p *fakeProber) Probe(_ context.Context, _ models.Codec) ([]models.EncoderCandidate, error) {
	p.calls++
	if p.err != nil {
		return []models.EncoderCandidate{}, p.err
	}
	return p.candidates, nil
}

func candidates(codec models.Codec, names ...string) []models.EncoderCandidate {
	var out []models.EncoderCandidate
	for _, n := range names {
		out = append(out, models.EncoderCandidate{Encoder: n, Brand: BrandOf(codec, n), Codec: codec})
	}
	return out
}

type memoryStub struct {
	mu    sync.Mutex
	saved map[models.Codec]string
	err   error
}

func (m *memoryStub) LastEncoder(codec models.Codec) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[codec]
}

func (m *memoryStub) RememberEncoder(codec models.Codec, encoder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = map[models.Codec]string{}
	}
	m.saved[codec] = encoder
	return nil
}

func newTestEngine(bin string, prober Prober, memory EncoderMemory) *Engine {
	return &Engine{
		FFmpegPath: bin,
		Prober:     prober,
		Memory:     memory,
		Names:      naming.NewResolver(),
		Logger:     hclog.NewNullLogger(),
	}
}

func testRequest(t *testing.T, codec models.Codec) models.TranscodeRequest {
	t.Helper()
	req := baseRequest(codec)
	srcDir := t.TempDir()
	req.Source = filepath.Join(srcDir, "C0001.MP4")
	require.NoError(t, os.WriteFile(req.Source, []byte("x"), 0o644))
	req.OutputDir = t.TempDir()
	return req
}
