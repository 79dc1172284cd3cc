package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/bookfeed/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_GetProducts(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"BTC-USD","base_currency":"BTC","quote_currency":"USD","status":"online"}]`))
	})

	products, err := NewClient(srv.URL, WithRateLimit(100, 1)).GetProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "BTC-USD", products[0].ID)
	assert.Equal(t, "online", products[0].Status)
}

func TestClient_GetHistoricRates(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/BTC-USD/candles", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2021-01-01T00:00:00Z", q.Get("start"))
		assert.Equal(t, "2021-01-01T01:00:00Z", q.Get("end"))
		assert.Equal(t, "60", q.Get("granularity"))
		_, _ = w.Write([]byte(`[[1609459260,1,3,2,2.5,10],[1609459200,1,2,1.5,1.75,4]]`))
	})

	candles, err := NewClient(srv.URL, WithRateLimit(100, 1)).GetHistoricRates(context.Background(), "BTC-USD", start, end, 60)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, start.Add(time.Minute), candles[0].Time)
	assert.True(t, candles[0].Close.Equal(decimal.RequireFromString("2.5")))
}

func TestClient_GetProductBook(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("level"))
		_, _ = w.Write([]byte(`{"sequence":42,"bids":[["100.00","2",3]],"asks":[["100.50","1",1]]}`))
	})

	c := NewClient(srv.URL, WithRateLimit(100, 1))
	book, err := c.GetProductBook(context.Background(), "BTC-USD", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), book.Sequence)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "100.00", book.Bids[0].Price())
	assert.Equal(t, "1", book.Asks[0].Size())

	_, err = c.GetProductBook(context.Background(), "BTC-USD", 3)
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"NotFound"}`))
	})

	_, err := NewClient(srv.URL, WithRateLimit(100, 1)).GetProducts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, http.StatusNotFound, errors.StatusOf(err))
	assert.Contains(t, err.Error(), "NotFound")
}

func TestClient_BadBody(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	_, err := NewClient(srv.URL, WithRateLimit(100, 1)).GetProducts(context.Background())
	assert.ErrorContains(t, err, "unmarshal")
}

func TestClient_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[]`))
	})

	c := NewClient(srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := c.GetProducts(context.Background())
		require.NoError(t, err)
	}
	// one token up front, then one every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithRateLimit(0.1, 1))
	c.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetProducts(ctx)
	assert.ErrorContains(t, err, "rate limit")
}
