package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"hlg-transcoder/pkg/models"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubStats struct {
	stats models.HardwareStats
	err   error
}

func (s stubStats) Stats(context.Context) (models.HardwareStats, error) {
	return s.stats, s.err
}

func testLogger(out *syncBuffer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "heartbeat", Output: out, Level: hclog.Debug})
}

func TestTracker(t *testing.T) {
	var tr Tracker
	tr.Update(3, 10)
	done, total := tr.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 10, total)
}

func TestServiceLogsProgress(t *testing.T) {
	var out syncBuffer
	tr := &Tracker{}
	tr.Update(2, 5)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(10*time.Millisecond, tr, stubStats{stats: models.HardwareStats{CPUPercent: 95.4, RAMPercent: 40, Busy: true}}, testLogger(&out))
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("progress"))
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()

	log := out.String()
	assert.Contains(t, log, "done=2")
	assert.Contains(t, log, "total=5")
	assert.Contains(t, log, "cpu_pct=95")
	assert.Contains(t, log, "busy=true")
	assert.Contains(t, log, "heartbeat stopped")
}

func TestServiceSampleFailure(t *testing.T) {
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	s := New(10*time.Millisecond, &Tracker{}, stubStats{err: errors.New("no procfs")}, testLogger(&out))
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("load sample failed"))
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
	assert.NotContains(t, out.String(), "cpu_pct")
}
