package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/bookfeed/pkg/models"
)

// Message is a decoded feed message.
type Message interface {
	MessageType() string
}

// HandlerFunc processes one decoded message.
type HandlerFunc func(ctx context.Context, msg Message) error

// RawMessage is any message whose type has no typed decoding.
type RawMessage struct {
	Type string
	Data json.RawMessage
}

func (m *RawMessage) MessageType() string { return m.Type }

// Decode reads the type of a raw feed document and decodes it into the
// matching typed message.
func Decode(data []byte) (Message, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}

	var msg Message
	switch env.Type {
	case models.TypeSnapshot:
		msg = &models.SnapshotMessage{}
	case models.TypeL2Update:
		msg = &models.L2UpdateMessage{}
	case models.TypeHeartbeat:
		msg = &models.HeartbeatMessage{}
	case models.TypeTicker:
		msg = &models.TickerMessage{}
	case models.TypeSubscriptions:
		msg = &models.SubscriptionsMessage{}
	case models.TypeError:
		msg = &models.ErrorMessage{}
	default:
		return &RawMessage{Type: env.Type, Data: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// ProductOf returns the product a message refers to, if any.
func ProductOf(msg Message) string {
	switch m := msg.(type) {
	case *models.SnapshotMessage:
		return m.ProductID
	case *models.L2UpdateMessage:
		return m.ProductID
	case *models.HeartbeatMessage:
		return m.ProductID
	case *models.TickerMessage:
		return m.ProductID
	}
	return ""
}
