package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Aidin1998/bookfeed/api"
	"github.com/Aidin1998/bookfeed/internal/config"
	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/internal/orderbook"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// helper to set up router with BTC-USD synced and ETH-USD waiting
func setupRouter(t *testing.T, cfg config.ServerConfig, opts ...api.Option) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := orderbook.NewRegistry(feed.NewDispatcher(), []string{"BTC-USD", "ETH-USD"})
	require.NoError(t, err)
	book, err := reg.Book("BTC-USD")
	require.NoError(t, err)
	require.NoError(t, book.ApplySnapshot(
		[]models.RawLevel{{"100.00", "2"}, {"99.50", "1"}},
		[]models.RawLevel{{"100.50", "3"}, {"101", "1"}},
	))

	srv, err := api.NewServer(zap.NewNop(), reg, cfg, opts...)
	require.NoError(t, err)
	return srv.Router()
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{}, api.WithFeedStatus(func() bool { return true }))
	w := get(router, "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "syncing", resp["status"])
	assert.Equal(t, float64(2), resp["products"])
	assert.Equal(t, float64(1), resp["ready_books"])
	assert.Equal(t, true, resp["feed_connected"])
	assert.NotEmpty(t, w.Header().Get(api.RequestIDHeader))
}

func TestHealthCheck_FeedDown(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{}, api.WithFeedStatus(func() bool { return false }))
	w := get(router, "/api/v1/health")

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestRequestIDPropagated(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set(api.RequestIDHeader, "abc-123")
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(api.RequestIDHeader))
}

func TestListProducts(t *testing.T) {
	w := get(setupRouter(t, config.ServerConfig{}), "/api/v1/products")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"products":["BTC-USD","ETH-USD"]}`, w.Body.String())
}

func TestGetBook(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{})

	w := get(router, "/api/v1/books/BTC-USD")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"product_id":"BTC-USD",
		"bids":[["100","2"],["99.5","1"]],
		"asks":[["100.5","3"],["101","1"]]}`, w.Body.String())

	w = get(router, "/api/v1/books/BTC-USD?depth=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"product_id":"BTC-USD","bids":[["100","2"]],"asks":[["100.5","3"]]}`, w.Body.String())

	w = get(router, "/api/v1/books/ETH-USD")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"product_id":"ETH-USD","bids":[],"asks":[]}`, w.Body.String())
}

func TestGetBook_Problems(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{})

	tests := []struct {
		path   string
		status int
		typ    string
	}{
		{"/api/v1/books/BTC-USD?depth=-1", http.StatusBadRequest, "/problems/validation-error"},
		{"/api/v1/books/BTC-USD?depth=ten", http.StatusBadRequest, "/problems/validation-error"},
		{"/api/v1/books/DOGE-USD", http.StatusNotFound, "/problems/unknown-product"},
		{"/api/v1/books/ETH-USD/top", http.StatusServiceUnavailable, "/problems/book-not-ready"},
		{"/api/v1/orders", http.StatusNotFound, "/problems/not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(router, tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

			var problem map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
			assert.Equal(t, tt.typ, problem["type"])
			assert.Equal(t, float64(tt.status), problem["status"])
		})
	}
}

func TestGetTopOfBook(t *testing.T) {
	w := get(setupRouter(t, config.ServerConfig{}), "/api/v1/books/BTC-USD/top")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"product_id":"BTC-USD","best_bid":["100","2"],"best_ask":["100.5","3"],"spread":"0.5"}`,
		w.Body.String())
}

func TestGetBookText(t *testing.T) {
	w := get(setupRouter(t, config.ServerConfig{}), "/api/v1/books/BTC-USD/text?depth=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BIDS:\nPRICE: 100, SIZE: 2\n\nASKS:\nPRICE: 100.5, SIZE: 3\n\n", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	w := get(setupRouter(t, config.ServerConfig{}), "/api/v1/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bookfeed_")
}

func TestRateLimit(t *testing.T) {
	router := setupRouter(t, config.ServerConfig{RateLimit: "2-M"})

	assert.Equal(t, http.StatusOK, get(router, "/api/v1/products").Code)
	assert.Equal(t, http.StatusOK, get(router, "/api/v1/products").Code)

	w := get(router, "/api/v1/products")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "/problems/rate-limit")
}

func TestNewServer_InvalidRateLimit(t *testing.T) {
	_, err := api.NewServer(nil, nil, config.ServerConfig{RateLimit: "lots"})
	assert.ErrorContains(t, err, "rate_limit")
}

type stubStreamer struct{ called bool }

func (s *stubStreamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.called = true
	w.WriteHeader(http.StatusTeapot)
}

func TestStreamRoute(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(setupRouter(t, config.ServerConfig{}), "/api/v1/ws/books").Code)

	stream := &stubStreamer{}
	w := get(setupRouter(t, config.ServerConfig{}, api.WithStream(stream)), "/api/v1/ws/books")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.True(t, stream.called)
}
