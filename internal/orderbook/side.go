package orderbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// SideBook holds the levels of one side of a book, best price first.
//
// A side is not usable until Initialize has been called once. Changes that
// arrive earlier block until then, so nothing received before the snapshot is
// lost and nothing is applied to an empty side.
type SideBook struct {
	product string
	side    Side

	mu     sync.Mutex
	levels *btree.BTreeG[Level]
	gate   *readyGate
}

// NewSideBook creates an empty, uninitialized side.
func NewSideBook(side Side) *SideBook {
	return newSideBook("", side)
}

func newSideBook(product string, side Side) *SideBook {
	less := func(a, b Level) bool { return a.Price.LessThan(b.Price) }
	if side == Bid {
		less = func(a, b Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &SideBook{
		product: product,
		side:    side,
		levels:  btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
		gate:    newReadyGate(),
	}
}

// Side returns which half of the book this is.
func (b *SideBook) Side() Side { return b.side }

// Initialize replaces the content of the side with levels and marks it ready.
// Levels without a positive size are skipped. Calling it again overwrites the
// side; the readiness never goes back.
func (b *SideBook) Initialize(levels []Level) {
	b.mu.Lock()
	b.levels.Clear()
	for _, lvl := range levels {
		if lvl.Size.Sign() <= 0 {
			continue
		}
		b.levels.Set(lvl)
	}
	n := b.levels.Len()
	b.mu.Unlock()

	b.gate.open()
	metrics.BookLevels.WithLabelValues(b.product, b.side.String()).Set(float64(n))
}

// ApplyChange sets the size at price, blocking until the side is initialized.
// A zero size removes the level.
func (b *SideBook) ApplyChange(price, size decimal.Decimal) error {
	return b.ApplyChangeContext(context.Background(), price, size)
}

// ApplyChangeContext is ApplyChange with a wait bounded by ctx. If ctx ends
// before the side is initialized the change is dropped and the returned error
// wraps ErrSnapshotTimeout.
func (b *SideBook) ApplyChangeContext(ctx context.Context, price, size decimal.Decimal) error {
	if size.Sign() < 0 {
		return fmt.Errorf("%w: negative size %s at %s", ErrInvalidLevel, size, price)
	}

	waited, err := b.gate.wait(ctx)
	if waited {
		metrics.GateWaits.WithLabelValues(b.product, b.side.String()).Inc()
	}
	if err != nil {
		return fmt.Errorf("%w: %s side of %q: %w", ErrSnapshotTimeout, b.side, b.product, err)
	}

	b.mu.Lock()
	if size.IsZero() {
		b.levels.Delete(Level{Price: price})
	} else {
		b.levels.Set(Level{Price: price, Size: size})
	}
	n := b.levels.Len()
	b.mu.Unlock()

	metrics.ChangesApplied.WithLabelValues(b.product, b.side.String()).Inc()
	metrics.BookLevels.WithLabelValues(b.product, b.side.String()).Set(float64(n))
	return nil
}

// applyChanges applies levels in order, stopping at the first failure.
func (b *SideBook) applyChanges(ctx context.Context, levels []Level) error {
	for _, lvl := range levels {
		if err := b.ApplyChangeContext(ctx, lvl.Price, lvl.Size); err != nil {
			return err
		}
	}
	return nil
}

// ReadTop copies up to n levels best first. n <= 0 returns every level. The
// result does not share state with the side.
func (b *SideBook) ReadTop(n int) []Level {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.levels.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]Level, 0, size)
	b.levels.Scan(func(lvl Level) bool {
		out = append(out, lvl)
		return n <= 0 || len(out) < n
	})
	return out
}

// Best returns the best level, if any.
func (b *SideBook) Best() (Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels.Min()
}

// Len returns the number of levels held.
func (b *SideBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels.Len()
}

// Ready reports whether the side has been initialized.
func (b *SideBook) Ready() bool {
	return b.gate.isOpen()
}
