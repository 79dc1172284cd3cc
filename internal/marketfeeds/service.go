// Package marketfeeds runs a feed, its book registry and the book publisher
// as one service.
package marketfeeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/internal/marketdata"
	"github.com/Aidin1998/bookfeed/internal/orderbook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Feed is a market data source the books subscribe to.
type Feed interface {
	feed.Subscriber
	Run(ctx context.Context) error
	Close() error
}

// Config configures a Service.
type Config struct {
	Products        []string
	GateTimeout     time.Duration
	PublishInterval time.Duration
	PublishDepth    int
}

// Service keeps the books of Config.Products in sync with a feed and, when a
// backend is given, publishes them.
type Service struct {
	logger    *zap.Logger
	feed      Feed
	backend   marketdata.Backend
	registry  *orderbook.Registry
	publisher *marketdata.Publisher

	mutex     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	isRunning bool
}

// NewService wires the registry onto f. backend may be nil.
func NewService(logger *zap.Logger, f Feed, backend marketdata.Backend, cfg Config) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		logger:  logger,
		feed:    f,
		backend: backend,
	}

	registry, err := orderbook.NewRegistry(f, cfg.Products,
		orderbook.WithGateTimeout(cfg.GateTimeout),
		orderbook.WithLogger(logger),
		orderbook.WithUnknownProductHook(func(productID string) {
			logger.Debug("Ignoring message for unsubscribed product", zap.String("product", productID))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create book registry: %w", err)
	}
	svc.registry = registry

	if backend != nil {
		interval := cfg.PublishInterval
		if interval <= 0 {
			interval = time.Second
		}
		svc.publisher = marketdata.NewPublisher(registry, backend, interval, cfg.PublishDepth, logger)
	}

	return svc, nil
}

// Registry returns the books kept by the service.
func (s *Service) Registry() *orderbook.Registry {
	return s.registry
}

// Connected reports whether the feed has a live connection. Feeds without
// a connection notion are always connected.
func (s *Service) Connected() bool {
	if c, ok := s.feed.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}

// Start runs the feed and the publisher in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("market feeds service is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.feed.Run(gctx)
	})
	if s.publisher != nil {
		g.Go(func() error {
			return s.publisher.Run(gctx)
		})
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		s.err = g.Wait()
		close(done)
	}()

	s.isRunning = true
	s.logger.Info("Market feeds service started",
		zap.Strings("products", s.registry.Products()),
		zap.Bool("publishing", s.publisher != nil))

	return nil
}

// Done is closed once the feed and publisher have returned. It is nil
// before Start.
func (s *Service) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.done
}

// Err returns the error that stopped the service once Done is closed.
func (s *Service) Err() error {
	select {
	case <-s.Done():
		return s.err
	default:
		return nil
	}
}

// Stop cancels the feed and publisher, waits for them and releases the feed
// and backend.
func (s *Service) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return fmt.Errorf("market feeds service is not running")
	}

	s.cancel()
	<-s.done
	err := s.err
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	err = errors.Join(err, s.feed.Close())
	if s.backend != nil {
		err = errors.Join(err, s.backend.Close())
	}

	s.isRunning = false
	s.logger.Info("Market feeds service stopped")

	return err
}
