package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFeedClosed is returned when registering on a feed that has been closed.
var ErrFeedClosed = errors.New("feed closed")

// Subscriber is the registration surface a feed offers to consumers.
type Subscriber interface {
	// AddChannel asks the feed to subscribe to an exchange channel.
	AddChannel(name string)
	// Handle registers h for messages of msgType.
	Handle(msgType string, h HandlerFunc) error
}

// Dispatcher routes decoded messages to the handlers registered for their
// type. It also keeps the set of channels a feed should subscribe to.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	channels []string
	closed   bool
}

var _ Subscriber = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher subscribed to channels.
func NewDispatcher(channels ...string) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string][]HandlerFunc)}
	for _, c := range channels {
		d.addChannel(c)
	}
	return d
}

// Handle registers h for msgType. Handlers of a type run in registration order.
func (d *Dispatcher) Handle(msgType string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("nil handler for %q", msgType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrFeedClosed
	}
	d.handlers[msgType] = append(d.handlers[msgType], h)
	return nil
}

// AddChannel adds a channel to the subscription set.
func (d *Dispatcher) AddChannel(name string) {
	d.addChannel(name)
}

func (d *Dispatcher) addChannel(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if c == name {
			return false
		}
	}
	d.channels = append(d.channels, name)
	return true
}

// Channels returns the subscription set in insertion order.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.channels...)
}

// Deliver runs every handler registered for the type of msg. All handlers run
// even if one fails; their errors are joined.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	d.mu.RLock()
	handlers := append([]HandlerFunc(nil), d.handlers[msg.MessageType()]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch decodes a raw feed document and delivers it.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, msg)
}

// Close rejects further handler registrations.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
