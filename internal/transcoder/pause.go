package transcoder

import (
	"context"
	"sync"
)

// PauseGate blocks callers while a batch is paused. Wait returns nil
// immediately when not paused and ctx.Err() if ctx ends first.
type PauseGate interface {
	Wait(ctx context.Context) error
}

// Gate is a PauseGate driven by Pause and Resume. The zero value is an
// open gate.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func NewGate() *Gate {
	return &Gate{}
}

// Pause closes the gate. Repeated calls are no-ops.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

// Resume opens the gate and releases every waiter.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resumed
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
