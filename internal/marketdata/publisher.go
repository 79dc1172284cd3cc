package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/bookfeed/internal/orderbook"
	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"go.uber.org/zap"
)

// BookSource gives access to the books to publish.
type BookSource interface {
	Products() []string
	Book(productID string) (*orderbook.Book, error)
}

// BookUpdate is the message published for one book.
type BookUpdate struct {
	ProductID string            `json:"product_id"`
	Sequence  uint64            `json:"sequence"`
	Time      time.Time         `json:"time"`
	Bids      []orderbook.Level `json:"bids"`
	Asks      []orderbook.Level `json:"asks"`
}

// ChannelFor returns the distribution channel of a product.
func ChannelFor(productID string) string {
	return "book." + productID
}

// Publisher periodically publishes the top of every ready book.
type Publisher struct {
	source   BookSource
	backend  Backend
	interval time.Duration
	depth    int
	logger   *zap.Logger
	now      func() time.Time

	sequences map[string]uint64
}

// NewPublisher creates a publisher sending depth levels per side every
// interval. depth <= 0 publishes full books.
func NewPublisher(source BookSource, backend Backend, interval time.Duration, depth int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		source:    source,
		backend:   backend,
		interval:  interval,
		depth:     depth,
		logger:    logger,
		now:       time.Now,
		sequences: make(map[string]uint64),
	}
}

// Run publishes on every tick until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Book publisher started",
		zap.Duration("interval", p.interval),
		zap.Int("depth", p.depth))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Book publisher stopped")
			return nil
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to publish book updates", zap.Error(err))
			}
		}
	}
}

// PublishOnce publishes every book whose sides are both initialized. Books
// still waiting for a snapshot are skipped. Run is the only caller in
// production; PublishOnce is not safe for concurrent use.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	var errs []error
	for _, id := range p.source.Products() {
		book, err := p.source.Book(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !book.Ready() {
			continue
		}

		view := book.ReadBook(p.depth)
		p.sequences[id]++
		update := BookUpdate{
			ProductID: id,
			Sequence:  p.sequences[id],
			Time:      p.now().UTC(),
			Bids:      view.Bids,
			Asks:      view.Asks,
		}
		if err := p.backend.Publish(ctx, ChannelFor(id), update); err != nil {
			metrics.PublishErrors.WithLabelValues(id).Inc()
			errs = append(errs, fmt.Errorf("publish %s: %w", id, err))
			continue
		}
		metrics.BookUpdatesPublished.WithLabelValues(id).Inc()
	}
	return errors.Join(errs...)
}
