// Package api serves the synchronized books over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Aidin1998/bookfeed/api/responses"
	"github.com/Aidin1998/bookfeed/internal/config"
	"github.com/Aidin1998/bookfeed/internal/orderbook"
	apierrors "github.com/Aidin1998/bookfeed/pkg/errors"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// BookRegistry gives access to the synchronized books.
type BookRegistry interface {
	Products() []string
	Book(productID string) (*orderbook.Book, error)
}

// Server represents the API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *zap.Logger
	books       BookRegistry
	cfg         config.ServerConfig
	serviceName string
	feedStatus  func() bool
	stream      Streamer
}

// Streamer upgrades a request to a book update stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Option configures a Server.
type Option func(*Server)

// WithServiceName names the service in traces.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithFeedStatus reports feed connectivity in the health check.
func WithFeedStatus(connected func() bool) Option {
	return func(s *Server) { s.feedStatus = connected }
}

// WithStream serves the book update stream at /api/v1/ws/books.
func WithStream(stream Streamer) Option {
	return func(s *Server) { s.stream = stream }
}

// NewServer creates a new API server over books.
func NewServer(logger *zap.Logger, books BookRegistry, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		logger:      logger,
		books:       books,
		cfg:         cfg,
		serviceName: "bookfeed",
	}
	for _, opt := range opts {
		opt(server)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(server.serviceName))
	router.Use(requestID())

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid server.rate_limit %q: %w", cfg.RateLimit, err)
		}
		router.Use(ginlimiter.NewMiddleware(
			limiter.New(memory.NewStore(), rate),
			ginlimiter.WithLimitReachedHandler(func(c *gin.Context) {
				responses.TooManyRequests(c, "rate limit exceeded")
			}),
		))
	}

	server.router = router
	server.registerRoutes()
	return server, nil
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
		public.GET("/products", s.listProducts)
		if s.stream != nil {
			public.GET("/ws/books", func(c *gin.Context) {
				s.stream.ServeWS(c.Writer, c.Request)
			})
		}

		books := public.Group("/books/:product")
		{
			books.GET("", s.getBook)
			books.GET("/top", s.getTopOfBook)
			books.GET("/text", s.getBookText)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		responses.NotFound(c, "no route for "+c.Request.URL.Path)
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)

		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			c.Set("trace_id", sc.TraceID().String())
		}
		c.Next()
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Products      int    `json:"products"`
	ReadyBooks    int    `json:"ready_books"`
	FeedConnected *bool  `json:"feed_connected,omitempty"`
	Time          string `json:"time"`
}

func (s *Server) healthCheck(c *gin.Context) {
	products := s.books.Products()
	resp := healthResponse{
		Status:   "ok",
		Products: len(products),
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, id := range products {
		if book, err := s.books.Book(id); err == nil && book.Ready() {
			resp.ReadyBooks++
		}
	}
	if s.feedStatus != nil {
		connected := s.feedStatus()
		resp.FeedConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}
	if resp.ReadyBooks < resp.Products && resp.Status == "ok" {
		resp.Status = "syncing"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"products": s.books.Products()})
}

type depthQuery struct {
	Depth int `form:"depth" binding:"gte=0"`
}

// bookFromRequest resolves the product and depth, writing a problem and
// returning false when either is invalid.
func (s *Server) bookFromRequest(c *gin.Context) (*orderbook.Book, int, bool) {
	var q depthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]apierrors.ValidationError, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, apierrors.ValidationError{
					Field:   "depth",
					Value:   fe.Value(),
					Message: fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param()),
				})
			}
			responses.BadRequest(c, "invalid query parameters", fields...)
		} else {
			responses.BadRequest(c, "depth must be a non-negative integer",
				apierrors.ValidationError{Field: "depth", Value: c.Query("depth"), Message: err.Error()})
		}
		return nil, 0, false
	}

	productID := c.Param("product")
	book, err := s.books.Book(productID)
	if err != nil {
		if errors.Is(err, orderbook.ErrUnknownProduct) {
			responses.UnknownProduct(c, productID)
		} else {
			responses.InternalServerError(c, err.Error())
		}
		return nil, 0, false
	}
	return book, q.Depth, true
}

func (s *Server) getBook(c *gin.Context) {
	book, depth, ok := s.bookFromRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, book.ReadBook(depth))
}

func (s *Server) getTopOfBook(c *gin.Context) {
	book, _, ok := s.bookFromRequest(c)
	if !ok {
		return
	}
	if !book.Ready() {
		responses.BookNotReady(c, book.ProductID())
		return
	}
	c.JSON(http.StatusOK, book.TopOfBook())
}

func (s *Server) getBookText(c *gin.Context) {
	book, depth, ok := s.bookFromRequest(c)
	if !ok {
		return
	}
	c.String(http.StatusOK, book.Format(depth))
}
