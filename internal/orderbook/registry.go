package orderbook

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Aidin1998/bookfeed/internal/orderbook")

// Registry owns one Book per subscribed product and keeps them in sync with a
// feed's snapshot and l2update messages.
type Registry struct {
	books    map[string]*Book
	products []string

	gateTimeout time.Duration
	logger      *zap.Logger
	onUnknown   func(productID string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithGateTimeout bounds how long an l2update waits for the snapshot of its
// side. Zero, the default, waits indefinitely.
func WithGateTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.gateTimeout = d }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithUnknownProductHook is called with the product id of every book message
// that does not belong to the registry.
func WithUnknownProductHook(fn func(productID string)) RegistryOption {
	return func(r *Registry) { r.onUnknown = fn }
}

// NewRegistry creates a book for each product and registers the book
// handlers on sub. It also adds the level2 channel to sub.
func NewRegistry(sub feed.Subscriber, productIDs []string, opts ...RegistryOption) (*Registry, error) {
	if sub == nil {
		return nil, ErrNoFeed
	}

	r := &Registry{
		books:  make(map[string]*Book, len(productIDs)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, id := range productIDs {
		if _, ok := r.books[id]; ok {
			continue
		}
		r.books[id] = NewBook(id)
		r.products = append(r.products, id)
	}
	sort.Strings(r.products)

	sub.AddChannel(models.ChannelLevel2)
	if err := sub.Handle(models.TypeL2Update, r.handleL2Update); err != nil {
		return nil, fmt.Errorf("register %s handler: %w", models.TypeL2Update, err)
	}
	if err := sub.Handle(models.TypeSnapshot, r.handleSnapshot); err != nil {
		return nil, fmt.Errorf("register %s handler: %w", models.TypeSnapshot, err)
	}

	r.logger.Info("Order book registry created", zap.Strings("products", r.products))
	return r, nil
}

// Book returns the book of productID.
func (r *Registry) Book(productID string) (*Book, error) {
	book, ok := r.books[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return book, nil
}

// Products returns the product ids of the registry, sorted.
func (r *Registry) Products() []string {
	return append([]string(nil), r.products...)
}

func (r *Registry) lookup(productID string) (*Book, bool) {
	book, ok := r.books[productID]
	if !ok {
		metrics.UnknownProducts.Inc()
		if r.onUnknown != nil {
			r.onUnknown(productID)
		}
	}
	return book, ok
}

func (r *Registry) handleSnapshot(ctx context.Context, msg feed.Message) error {
	snap, ok := msg.(*models.SnapshotMessage)
	if !ok {
		return fmt.Errorf("%w: %T on %s handler", ErrUnexpectedMessage, msg, models.TypeSnapshot)
	}
	book, ok := r.lookup(snap.ProductID)
	if !ok {
		return nil
	}

	_, span := tracer.Start(ctx, "orderbook.snapshot")
	defer span.End()
	span.SetAttributes(
		attribute.String("product", snap.ProductID),
		attribute.Int("bids", len(snap.Bids)),
		attribute.Int("asks", len(snap.Asks)),
	)

	if err := book.ApplySnapshot(snap.Bids, snap.Asks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.logger.Debug("Snapshot applied",
		zap.String("product", snap.ProductID),
		zap.Int("bids", len(snap.Bids)),
		zap.Int("asks", len(snap.Asks)))
	return nil
}

func (r *Registry) handleL2Update(ctx context.Context, msg feed.Message) error {
	upd, ok := msg.(*models.L2UpdateMessage)
	if !ok {
		return fmt.Errorf("%w: %T on %s handler", ErrUnexpectedMessage, msg, models.TypeL2Update)
	}
	book, ok := r.lookup(upd.ProductID)
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "orderbook.l2update")
	defer span.End()
	span.SetAttributes(
		attribute.String("product", upd.ProductID),
		attribute.Int("changes", len(upd.Changes)),
	)

	if r.gateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.gateTimeout)
		defer cancel()
	}
	if err := book.ApplyDiff(ctx, upd.Changes); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
