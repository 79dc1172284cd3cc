package orderbook

import (
	"context"
	"sync"
)

// readyGate is a one-shot latch. Once opened it stays open.
type readyGate struct {
	once sync.Once
	ch   chan struct{}
}

func newReadyGate() *readyGate {
	return &readyGate{ch: make(chan struct{})}
}

func (g *readyGate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *readyGate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// wait blocks until the gate opens or ctx is done. waited reports whether the
// caller actually had to block.
func (g *readyGate) wait(ctx context.Context) (waited bool, err error) {
	if g.isOpen() {
		return false, nil
	}
	select {
	case <-g.ch:
		return true, nil
	case <-ctx.Done():
		// opening and cancellation can race; an open gate wins
		if g.isOpen() {
			return true, nil
		}
		return true, ctx.Err()
	}
}
