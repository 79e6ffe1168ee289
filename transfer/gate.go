package transfer

import (
	"context"
	"sync"
)

// gate cooperatively suspends chunk workers. Workers call Wait before every
// chunk claim; while paused they block on a channel that Resume closes, so
// they wake exactly on resume instead of polling. An upload already in
// flight is never interrupted: pausing takes effect at the next chunk
// boundary.
type gate struct {
	mu      sync.Mutex
	resumed chan struct{}
}

func newGate() *gate {
	return &gate{}
}

func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed == nil {
		g.resumed = make(chan struct{})
	}
}

func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed != nil {
		close(g.resumed)
		g.resumed = nil
	}
}

func (g *gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumed != nil
}

// Wait blocks while the gate is paused. It returns nil once the transfer is
// running and ctx.Err() if the context is done first.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	resumed := g.resumed
	g.mu.Unlock()

	if resumed == nil {
		return nil
	}

	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
