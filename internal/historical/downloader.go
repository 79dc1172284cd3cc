package historical

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TimeFormat is the layout of the time column.
const TimeFormat = "2006-01-02T15:04:05"

var csvHeader = []string{"time", "low", "high", "open", "close", "volume"}

// CandleSource fetches candles for one window.
type CandleSource interface {
	GetHistoricRates(ctx context.Context, productID string, start, end time.Time, granularity int) ([]models.Candle, error)
}

// Downloader fetches all candles of a product between two times.
type Downloader struct {
	source      CandleSource
	productID   string
	start       time.Time
	end         time.Time
	granularity int
	concurrency int
	logger      *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithConcurrency bounds the number of requests in flight.
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithLogger sets the downloader logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Downloader) { d.logger = logger }
}

// NewDownloader validates the request. start and end may be a time.Time,
// a unix timestamp or a date string.
func NewDownloader(source CandleSource, productID string, start, end any, granularity string, opts ...Option) (*Downloader, error) {
	if productID == "" {
		return nil, fmt.Errorf("product id is required")
	}
	startTime, err := cast.ToTimeE(start)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	endTime, err := cast.ToTimeE(end)
	if err != nil {
		return nil, fmt.Errorf("invalid end time: %w", err)
	}
	if !startTime.Before(endTime) {
		return nil, fmt.Errorf("start time %s must be before end time %s",
			startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))
	}
	secs, err := ParseGranularity(granularity)
	if err != nil {
		return nil, err
	}

	d := &Downloader{
		source:      source,
		productID:   productID,
		start:       startTime.UTC(),
		end:         endTime.UTC(),
		granularity: secs,
		concurrency: 3,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Intervals returns the request windows the download will use.
func (d *Downloader) Intervals() []Interval {
	return SplitInterval(d.start, d.end, d.granularity)
}

// Download fetches every window and writes the candles as CSV to w, sorted
// by time within each window and windows in order.
func (d *Downloader) Download(ctx context.Context, w io.Writer) error {
	intervals := d.Intervals()
	d.logger.Info("Downloading candles",
		zap.String("product", d.productID),
		zap.Int("granularity", d.granularity),
		zap.Int("calls", len(intervals)))

	results := make([][]models.Candle, len(intervals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, iv := range intervals {
		i, iv := i, iv
		g.Go(func() error {
			candles, err := d.source.GetHistoricRates(gctx, d.productID, iv.Start, iv.End, d.granularity)
			if err != nil {
				return fmt.Errorf("candles %s to %s: %w",
					iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339), err)
			}
			sort.Slice(candles, func(a, b int) bool { return candles[a].Time.Before(candles[b].Time) })
			results[i] = candles
			d.logger.Debug("Fetched candles",
				zap.Time("start", iv.Start),
				zap.Time("end", iv.End),
				zap.Int("count", len(candles)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, candles := range results {
		for _, c := range candles {
			row := []string{
				c.Time.UTC().Format(TimeFormat),
				c.Low.String(),
				c.High.String(),
				c.Open.String(),
				c.Close.String(),
				c.Volume.String(),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
