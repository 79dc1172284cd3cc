package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/bookfeed/api"
	"github.com/Aidin1998/bookfeed/internal/config"
	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/internal/marketdata"
	"github.com/Aidin1998/bookfeed/internal/marketfeeds"
	"github.com/Aidin1998/bookfeed/internal/rest"
	"github.com/Aidin1998/bookfeed/internal/telemetry"
	"github.com/Aidin1998/bookfeed/internal/ws"
	"github.com/Aidin1998/bookfeed/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	fs := pflag.NewFlagSet("bookfeed", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Load configuration
	loader := config.NewLoader(nil)
	if err := loader.BindFlags(fs); err != nil {
		log.Fatalf("Failed to bind flags: %v", err)
	}
	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := loader.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	checkProducts(ctx, cfg, zapLogger)

	// Book updates always reach websocket clients, plus the configured backend
	hub := ws.NewHub(16, 1, zapLogger)
	backends := marketdata.Fanout{hub}
	if backend := newBackend(ctx, cfg, zapLogger); backend != nil {
		backends = append(backends, backend)
	}

	marketfeedsSvc, err := marketfeeds.NewService(zapLogger, newFeed(cfg, zapLogger), backends,
		marketfeeds.Config{
			Products:        cfg.Feed.Products,
			GateTimeout:     cfg.Feed.GateTimeout,
			PublishInterval: cfg.Publisher.Interval,
			PublishDepth:    cfg.Publisher.Depth,
		})
	if err != nil {
		zapLogger.Fatal("Failed to create market feeds service", zap.Error(err))
	}

	apiServer, err := api.NewServer(zapLogger, marketfeedsSvc.Registry(), cfg.Server,
		api.WithServiceName(cfg.Tracing.ServiceName),
		api.WithFeedStatus(marketfeedsSvc.Connected),
		api.WithStream(hub))
	if err != nil {
		zapLogger.Fatal("Failed to create API server", zap.Error(err))
	}

	// Start services
	if err := marketfeedsSvc.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start market feeds service", zap.Error(err))
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down")
	case <-marketfeedsSvc.Done():
		zapLogger.Error("Market feeds service stopped", zap.Error(marketfeedsSvc.Err()))
	case err := <-serverErr:
		zapLogger.Error("API server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop API server", zap.Error(err))
	}
	if err := marketfeedsSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop market feeds service", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}

	zapLogger.Info("Shutdown complete")
}

func newFeed(cfg *config.Config, logger *zap.Logger) marketfeeds.Feed {
	if cfg.Feed.Source == "kafka" {
		return feed.NewKafkaFeed(feed.KafkaConfig{
			Brokers:    cfg.Feed.Kafka.Brokers,
			Topic:      cfg.Feed.Kafka.Topic,
			GroupID:    cfg.Feed.Kafka.GroupID,
			LaneBuffer: cfg.Feed.LaneBuffer,
		}, logger)
	}
	return feed.NewWebsocketFeed(feed.WebsocketConfig{
		URL:               cfg.Feed.URL,
		Products:          cfg.Feed.Products,
		Channels:          cfg.Feed.Channels,
		ReconnectInterval: cfg.Feed.ReconnectInterval,
		PingInterval:      cfg.Feed.PingInterval,
		LaneBuffer:        cfg.Feed.LaneBuffer,
	}, logger)
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) marketdata.Backend {
	switch cfg.Publisher.Backend {
	case "redis":
		backend := marketdata.NewRedisBackend(cfg.Publisher.Redis.Addr, cfg.Publisher.Redis.Password, cfg.Publisher.Redis.DB)
		if err := backend.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable yet, publishing will retry", zap.Error(err))
		}
		return backend
	case "kafka":
		return marketdata.NewKafkaBackend(cfg.Publisher.Kafka.Brokers, cfg.Publisher.Kafka.Topic)
	}
	return nil
}

// checkProducts warns about configured products the exchange does not list.
func checkProducts(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	client := rest.NewClient(cfg.REST.URL,
		rest.WithRateLimit(cfg.REST.RequestsPerSecond, cfg.REST.Burst),
		rest.WithHTTPClient(&http.Client{Timeout: cfg.REST.Timeout}),
		rest.WithLogger(logger))

	ctx, cancel := context.WithTimeout(ctx, cfg.REST.Timeout+time.Second)
	defer cancel()
	missing, err := marketfeeds.CheckProducts(ctx, client, cfg.Feed.Products)
	if err != nil {
		logger.Warn("Could not verify products", zap.Error(err))
		return
	}
	if len(missing) > 0 {
		logger.Warn("Products not listed online, their books will stay empty", zap.Strings("products", missing))
	}
}
