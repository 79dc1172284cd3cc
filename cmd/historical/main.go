package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Aidin1998/bookfeed/internal/historical"
	"github.com/Aidin1998/bookfeed/internal/rest"
	"github.com/Aidin1998/bookfeed/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("historical", pflag.ExitOnError)
	restURL := fs.String("rest-url", rest.DefaultBaseURL, "REST API base URL")
	product := fs.String("product", "", "product to download, e.g. BTC-USD")
	start := fs.String("start", "", "start time, e.g. 2021-01-01T00:00:00Z")
	end := fs.String("end", "", "end time (default now)")
	granularity := fs.String("granularity", "", "candle granularity, one of ["+strings.Join(historical.Granularities(), ", ")+"]")
	output := fs.String("output", "", "CSV file to write (default stdout)")
	rps := fs.Float64("requests-per-second", rest.DefaultRequestsPerSecond, "REST request rate limit")
	logLevel := fs.String("log-level", "info", "log level (none, debug, info, warn, error)")
	_ = fs.Parse(os.Args[1:])

	zapLogger, err := logger.New(os.Stderr, *logLevel, "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if *product == "" || *start == "" || *granularity == "" {
		fmt.Fprintln(os.Stderr, "--product, --start and --granularity are required")
		fs.Usage()
		os.Exit(2)
	}
	var endTime any = time.Now().UTC()
	if *end != "" {
		endTime = *end
	}

	client := rest.NewClient(*restURL,
		rest.WithRateLimit(*rps, 1),
		rest.WithLogger(zapLogger))
	downloader, err := historical.NewDownloader(client, *product, *start, endTime, *granularity,
		historical.WithLogger(zapLogger))
	if err != nil {
		zapLogger.Fatal("Invalid download request", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, downloader, *output); err != nil {
		zapLogger.Fatal("Download failed", zap.Error(err))
	}
	zapLogger.Info("Download complete", zap.String("product", *product))
}

func run(ctx context.Context, downloader *historical.Downloader, output string) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return downloader.Download(ctx, w)
}
