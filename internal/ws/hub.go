// Package ws streams published book updates to websocket clients, sharded
// for concurrency, with a replay buffer per topic.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/bookfeed/internal/marketdata"
	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// StreamChannel names the channel in subscription confirmations.
	StreamChannel = "book"

	readLimit    = 4096
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var ErrHubClosed = errors.New("stream hub closed")

// Message wraps a payload with sequencing for replay.
type Message struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

// add appends a message, overwriting old entries when full.
func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns messages with Seq > since.
func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// Client is a single websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// enqueue never blocks; a client that cannot keep up loses messages.
func (c *Client) enqueue(msg Message) {
	select {
	case c.send <- msg:
	default:
		metrics.StreamDropped.WithLabelValues(msg.Topic).Inc()
	}
}

// Hub fans book updates out to subscribed clients. It implements
// marketdata.Backend so a Publisher can feed it.
type Hub struct {
	shards     []*hubShard
	shardCount uint32

	buffers    map[string]*ringBuffer
	bufMu      sync.Mutex
	replaySize int
	nextSeq    atomic.Uint64
	closed     atomic.Bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub with given shard count and replay buffer size per
// topic. Non-positive values default to one.
func NewHub(shardCount, replaySize int, logger *zap.Logger) *Hub {
	if shardCount <= 0 {
		shardCount = 1
	}
	if replaySize <= 0 {
		replaySize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		shards:     make([]*hubShard, shardCount),
		shardCount: uint32(shardCount),
		buffers:    make(map[string]*ringBuffer),
		replaySize: replaySize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	return h
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	idx := hasher.Sum32() % h.shardCount
	return h.shards[idx]
}

// ServeWS upgrades HTTP to WS and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Stream upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan Message, sendBuffer),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	sh.clients[c] = struct{}{}
	sh.mu.Unlock()
	metrics.StreamClients.Inc()
	h.logger.Debug("Stream client connected", zap.String("client_id", c.id))
}

// unregister removes c and closes its send queue. Broadcasts hold the shard
// read lock while sending, so none can race the close.
func (h *Hub) unregister(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	if _, ok := sh.clients[c]; ok {
		delete(sh.clients, c)
		close(c.send)
		metrics.StreamClients.Dec()
	}
	sh.mu.Unlock()
	h.logger.Debug("Stream client disconnected", zap.String("client_id", c.id))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	n := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		n += len(sh.clients)
		sh.mu.RUnlock()
	}
	return n
}

// Publish encodes msg as JSON and broadcasts it on channel.
func (h *Hub) Publish(_ context.Context, channel string, msg any) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", channel, err)
	}
	h.Broadcast(channel, data)
	return nil
}

// Broadcast publishes a message to a topic for all subscribed clients.
func (h *Hub) Broadcast(topic string, data []byte) {
	msg := Message{Topic: topic, Seq: h.nextSeq.Add(1), Data: data}
	h.bufferFor(topic).add(msg)

	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			if c.subscribed(topic) {
				c.enqueue(msg)
			}
		}
		sh.mu.RUnlock()
	}
}

func (h *Hub) bufferFor(topic string) *ringBuffer {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	buf, ok := h.buffers[topic]
	if !ok {
		buf = newRingBuffer(h.replaySize)
		h.buffers[topic] = buf
	}
	return buf
}

// Replay returns buffered messages for topic since the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	buf, ok := h.buffers[topic]
	h.bufMu.Unlock()
	if !ok {
		return nil
	}
	return buf.getSince(since)
}

// Close disconnects every client and rejects further publications.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			c.conn.Close()
		}
		sh.mu.RUnlock()
	}
	return nil
}

// readPump handles subscription requests of the form
// {"type":"subscribe","product_ids":["BTC-USD"]}.
func (c *Client) readPump() {
	defer func() { c.hub.unregister(c); c.conn.Close() }()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req models.SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(&models.ErrorMessage{Type: models.TypeError, Message: "Failed to parse request", Reason: err.Error()})
			continue
		}
		switch req.Type {
		case models.TypeSubscribe:
			c.subscribe(req.ProductIDs)
		case models.TypeUnsubscribe:
			c.unsubscribe(req.ProductIDs)
		default:
			c.reply(&models.ErrorMessage{Type: models.TypeError, Message: "Unknown request type", Reason: req.Type})
		}
	}
}

func (c *Client) subscribe(productIDs []string) {
	topics := make([]string, 0, len(productIDs))
	c.mu.Lock()
	for _, id := range productIDs {
		topic := marketdata.ChannelFor(id)
		c.subscriptions[topic] = struct{}{}
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.reply(c.confirmation())
	for _, topic := range topics {
		for _, m := range c.hub.Replay(topic, 0) {
			c.enqueue(m)
		}
	}
}

func (c *Client) unsubscribe(productIDs []string) {
	c.mu.Lock()
	for _, id := range productIDs {
		delete(c.subscriptions, marketdata.ChannelFor(id))
	}
	c.mu.Unlock()
	c.reply(c.confirmation())
}

func (c *Client) confirmation() *models.SubscriptionsMessage {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		ids = append(ids, topic[len(marketdata.ChannelFor("")):])
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return &models.SubscriptionsMessage{
		Type:     models.TypeSubscriptions,
		Channels: []models.ChannelSubscription{{Name: StreamChannel, ProductIDs: ids}},
	}
}

// reply queues a control message. Control messages carry no sequence.
func (c *Client) reply(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(Message{Data: data})
}

// writePump sends messages and heartbeats to the client. A sequenced message
// at or below the last one sent on its topic is a replay duplicate and is
// skipped.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() { ticker.Stop(); c.conn.Close() }()

	lastSeq := make(map[string]uint64)
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if msg.Seq != 0 {
				if msg.Seq <= lastSeq[msg.Topic] {
					continue
				}
				lastSeq[msg.Topic] = msg.Seq
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
