package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultLaneBuffer        = 4096
	writeTimeout             = 10 * time.Second
)

// WebsocketConfig configures a WebsocketFeed.
type WebsocketConfig struct {
	URL               string
	Products          []string
	Channels          []string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
	LaneBuffer        int
}

// WebsocketFeed reads the exchange websocket feed and dispatches every message
// to the registered handlers. Lost connections are redialed and the channel
// subscriptions replayed.
type WebsocketFeed struct {
	*Dispatcher

	cfg    WebsocketConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu   sync.Mutex
	quit      chan struct{}
	closeOnce sync.Once
}

// NewWebsocketFeed creates a feed. Nothing is dialed until Run.
func NewWebsocketFeed(cfg WebsocketConfig, logger *zap.Logger) *WebsocketFeed {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = defaultLaneBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketFeed{
		Dispatcher: NewDispatcher(cfg.Channels...),
		cfg:        cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With(zap.String("feed", "websocket"), zap.String("url", cfg.URL)),
		quit:   make(chan struct{}),
	}
}

// AddChannel adds a channel and, when connected, subscribes to it right away.
func (f *WebsocketFeed) AddChannel(name string) {
	if !f.Dispatcher.addChannel(name) {
		return
	}
	conn := f.current()
	if conn == nil {
		return
	}
	if err := f.subscribe(conn, []string{name}); err != nil {
		f.logger.Warn("Failed to subscribe to channel", zap.String("channel", name), zap.Error(err))
	}
}

// Run connects and reads until ctx is done or Close is called.
func (f *WebsocketFeed) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	lanes := newLanes(ctx, f.Dispatcher, f.cfg.LaneBuffer, f.logger)
	defer lanes.close()

	for {
		err := f.session(ctx, lanes)
		if ctx.Err() != nil {
			return nil
		}
		metrics.FeedReconnects.WithLabelValues("websocket").Inc()
		f.logger.Warn("Feed connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", f.cfg.ReconnectInterval))

		timer := time.NewTimer(f.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (f *WebsocketFeed) session(ctx context.Context, lanes *lanes) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	connID := uuid.NewString()
	logger := f.logger.With(zap.String("conn_id", connID))

	f.setConn(conn)
	defer func() {
		f.setConn(nil)
		conn.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := f.subscribe(conn, f.Channels()); err != nil {
		return err
	}
	if f.cfg.PingInterval > 0 {
		go f.keepalive(conn, stop, logger)
	}
	logger.Info("Feed connected",
		zap.Strings("products", f.cfg.Products),
		zap.Strings("channels", f.Channels()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := Decode(data)
		if err != nil {
			metrics.FeedDecodeErrors.WithLabelValues("websocket").Inc()
			logger.Warn("Dropping undecodable feed message", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		metrics.FeedMessages.WithLabelValues("websocket", msg.MessageType()).Inc()

		switch m := msg.(type) {
		case *models.ErrorMessage:
			logger.Error("Feed returned an error", zap.String("message", m.Message), zap.String("reason", m.Reason))
		case *models.SubscriptionsMessage:
			logger.Info("Subscriptions confirmed", zap.Any("channels", m.Channels))
		}

		if err := lanes.submit(msg); err != nil {
			return err
		}
	}
}

func (f *WebsocketFeed) subscribe(conn *websocket.Conn, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	req := models.SubscribeRequest{
		Type:       models.TypeSubscribe,
		ProductIDs: f.cfg.Products,
		Channels:   channels,
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (f *WebsocketFeed) keepalive(conn *websocket.Conn, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (f *WebsocketFeed) current() *websocket.Conn {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn
}

func (f *WebsocketFeed) setConn(conn *websocket.Conn) {
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
}

// Connected reports whether a connection is currently open.
func (f *WebsocketFeed) Connected() bool {
	return f.current() != nil
}

// Close stops Run and rejects further handler registrations.
func (f *WebsocketFeed) Close() error {
	f.closeOnce.Do(func() {
		f.Dispatcher.Close()
		close(f.quit)
		if conn := f.current(); conn != nil {
			conn.Close()
		}
	})
	return nil
}
