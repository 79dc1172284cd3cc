package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Feed message types
const (
	TypeSnapshot      = "snapshot"
	TypeL2Update      = "l2update"
	TypeHeartbeat     = "heartbeat"
	TypeTicker        = "ticker"
	TypeSubscriptions = "subscriptions"
	TypeError         = "error"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
)

// Feed channels
const (
	ChannelLevel2    = "level2"
	ChannelHeartbeat = "heartbeat"
	ChannelTicker    = "ticker"
)

// Order sides as they appear on the wire
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Envelope is the part every feed message shares. It is decoded first to
// pick the concrete message type.
type Envelope struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id,omitempty"`
}

// RawLevel is a [price, size] pair as sent by the exchange. Book snapshots
// from the REST API carry a third element (order count) which is dropped.
type RawLevel [2]string

// Price returns the decimal price string.
func (l RawLevel) Price() string { return l[0] }

// Size returns the decimal size string.
func (l RawLevel) Size() string { return l[1] }

// UnmarshalJSON decodes a JSON array whose first two elements are strings.
func (l *RawLevel) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("level: expected [price, size], got %d elements", len(parts))
	}
	for i := 0; i < 2; i++ {
		if err := json.Unmarshal(parts[i], &l[i]); err != nil {
			return fmt.Errorf("level element %d: %w", i, err)
		}
	}
	return nil
}

// Change is one entry of an l2update: ["buy"|"sell", price, size].
type Change struct {
	Side  string
	Price string
	Size  string
}

// UnmarshalJSON decodes a three element JSON array.
func (c *Change) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("change: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("change: expected [side, price, size], got %d elements", len(parts))
	}
	c.Side, c.Price, c.Size = parts[0], parts[1], parts[2]
	return nil
}

// MarshalJSON encodes the change back into its array form.
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{c.Side, c.Price, c.Size})
}

// SnapshotMessage carries the full book of one product.
type SnapshotMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      []RawLevel `json:"bids"`
	Asks      []RawLevel `json:"asks"`
}

func (m *SnapshotMessage) MessageType() string { return TypeSnapshot }

// L2UpdateMessage carries incremental changes to a product's book.
type L2UpdateMessage struct {
	Type      string    `json:"type"`
	ProductID string    `json:"product_id"`
	Time      time.Time `json:"time"`
	Changes   []Change  `json:"changes"`
}

func (m *L2UpdateMessage) MessageType() string { return TypeL2Update }

// HeartbeatMessage is sent once a second per product on the heartbeat channel.
type HeartbeatMessage struct {
	Type        string    `json:"type"`
	Sequence    int64     `json:"sequence"`
	LastTradeID int64     `json:"last_trade_id"`
	ProductID   string    `json:"product_id"`
	Time        time.Time `json:"time"`
}

func (m *HeartbeatMessage) MessageType() string { return TypeHeartbeat }

// TickerMessage is a trade summary on the ticker channel.
type TickerMessage struct {
	Type      string    `json:"type"`
	Sequence  int64     `json:"sequence"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Open24h   string    `json:"open_24h"`
	Volume24h string    `json:"volume_24h"`
	Low24h    string    `json:"low_24h"`
	High24h   string    `json:"high_24h"`
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Side      string    `json:"side"`
	Time      time.Time `json:"time"`
	TradeID   int64     `json:"trade_id"`
	LastSize  string    `json:"last_size"`
}

func (m *TickerMessage) MessageType() string { return TypeTicker }

// ChannelSubscription lists the products subscribed on one channel.
type ChannelSubscription struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// SubscriptionsMessage confirms the active subscriptions after a subscribe request.
type SubscriptionsMessage struct {
	Type     string                `json:"type"`
	Channels []ChannelSubscription `json:"channels"`
}

func (m *SubscriptionsMessage) MessageType() string { return TypeSubscriptions }

// ErrorMessage is sent by the exchange when a request is rejected.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func (m *ErrorMessage) MessageType() string { return TypeError }

// SubscribeRequest is written to the feed to start receiving channels.
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}
