package feed

import (
	"context"
	"sync"

	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"go.uber.org/zap"
)

// laneKey scopes a lane to one message type of one product. Messages that
// carry no product share the lane of their type.
type laneKey struct {
	msgType string
	product string
}

// lanes delivers messages on one goroutine per message type and product.
// Messages of one lane keep their arrival order, and a lane whose handlers
// block (an update waiting for its snapshot) holds up neither the other types
// nor the other products.
//
// submit and close must be called from the same goroutine.
type lanes struct {
	ctx    context.Context
	cancel context.CancelFunc
	d      *Dispatcher
	size   int
	logger *zap.Logger

	mu     sync.Mutex
	queues map[laneKey]chan Message
	closed bool
	wg     sync.WaitGroup
}

func newLanes(ctx context.Context, d *Dispatcher, size int, logger *zap.Logger) *lanes {
	ctx, cancel := context.WithCancel(ctx)
	if size <= 0 {
		size = 1
	}
	return &lanes{
		ctx:    ctx,
		cancel: cancel,
		d:      d,
		size:   size,
		logger: logger,
		queues: make(map[laneKey]chan Message),
	}
}

func (l *lanes) submit(msg Message) error {
	q := l.queue(laneKey{msgType: msg.MessageType(), product: ProductOf(msg)})
	if q == nil {
		return ErrFeedClosed
	}
	select {
	case q <- msg:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func (l *lanes) queue(key laneKey) chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	q, ok := l.queues[key]
	if !ok {
		q = make(chan Message, l.size)
		l.queues[key] = q
		l.wg.Add(1)
		go l.run(key, q)
	}
	return q
}

func (l *lanes) run(key laneKey, q chan Message) {
	defer l.wg.Done()
	for msg := range q {
		if err := l.d.Deliver(l.ctx, msg); err != nil {
			metrics.FeedHandlerErrors.WithLabelValues(key.msgType).Inc()
			if l.ctx.Err() == nil {
				l.logger.Warn("Feed handler failed",
					zap.String("type", key.msgType),
					zap.String("product", key.product),
					zap.Error(err))
			}
		}
	}
}

// close stops accepting messages, cancels handlers still waiting and waits for
// every lane to drain.
func (l *lanes) close() {
	l.mu.Lock()
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}
