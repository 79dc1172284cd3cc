// Package rest is a client for the public endpoints of the exchange REST API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/bookfeed/pkg/errors"
	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public REST endpoint.
	DefaultBaseURL = "https://api.pro.coinbase.com"
	// DefaultRequestsPerSecond is the public endpoint rate limit.
	DefaultRequestsPerSecond = 3
	// MaxCandles is the largest number of candles returned by one call.
	MaxCandles = 300
)

// Client calls the public REST API under a shared rate limit.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the requests per second and burst allowed.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for baseURL, or DefaultBaseURL when empty.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(DefaultRequestsPerSecond, 1),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetProducts lists the tradable products.
func (c *Client) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := c.get(ctx, "products", "/products", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProductBook fetches the aggregated book of productID. level is 1 (best
// bid and ask) or 2 (top 50 levels).
func (c *Client) GetProductBook(ctx context.Context, productID string, level int) (*models.ProductBook, error) {
	if level != 1 && level != 2 {
		return nil, errors.Invalid.Explain("book level must be 1 or 2, got %d", level)
	}
	params := url.Values{"level": {strconv.Itoa(level)}}

	var book models.ProductBook
	if err := c.get(ctx, "book", "/products/"+url.PathEscape(productID)+"/book", params, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetHistoricRates fetches candles of granularity seconds between start and
// end. The exchange returns at most MaxCandles per call, newest first.
func (c *Client) GetHistoricRates(ctx context.Context, productID string, start, end time.Time, granularity int) ([]models.Candle, error) {
	params := url.Values{
		"start":       {start.UTC().Format(time.RFC3339)},
		"end":         {end.UTC().Format(time.RFC3339)},
		"granularity": {strconv.Itoa(granularity)},
	}

	var candles []models.Candle
	if err := c.get(ctx, "candles", "/products/"+url.PathEscape(productID)+"/candles", params, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RESTRequestLatency.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	metrics.RESTRequestLatency.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("REST request",
		zap.String("url", u),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return errors.Status(resp.StatusCode).Explain("GET %s: %s", path, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
