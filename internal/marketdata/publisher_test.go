package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/internal/orderbook"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	channel string
	data    []byte
}

type fakeBackend struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]bool
}

func (f *fakeBackend) Publish(_ context.Context, channel string, msg any) error {
	if f.fail[channel] {
		return errors.New("backend down")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, published{channel: channel, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newRegistry(t *testing.T, products ...string) (*feed.Dispatcher, *orderbook.Registry) {
	t.Helper()
	disp := feed.NewDispatcher()
	reg, err := orderbook.NewRegistry(disp, products)
	require.NoError(t, err)
	return disp, reg
}

func seed(t *testing.T, reg *orderbook.Registry, product string) {
	t.Helper()
	book, err := reg.Book(product)
	require.NoError(t, err)
	require.NoError(t, book.ApplySnapshot(
		[]models.RawLevel{{"100.00", "2"}, {"99.50", "1"}},
		[]models.RawLevel{{"100.50", "3"}, {"101", "1"}},
	))
}

func TestPublisher_SkipsBooksNotReady(t *testing.T) {
	_, reg := newRegistry(t, "BTC-USD", "ETH-USD")
	seed(t, reg, "BTC-USD")

	backend := &fakeBackend{}
	p := NewPublisher(reg, backend, time.Second, 1, zap.NewNop())
	p.now = func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, p.PublishOnce(context.Background()))
	require.NoError(t, p.PublishOnce(context.Background()))

	msgs := backend.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "book.BTC-USD", msgs[0].channel)
	assert.JSONEq(t, `{"product_id":"BTC-USD","sequence":1,"time":"2021-01-01T00:00:00Z",
		"bids":[["100","2"]],"asks":[["100.5","3"]]}`, string(msgs[0].data))

	var second struct {
		Sequence uint64 `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(msgs[1].data, &second))
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestPublisher_CollectsBackendErrors(t *testing.T) {
	_, reg := newRegistry(t, "BTC-USD", "ETH-USD")
	seed(t, reg, "BTC-USD")
	seed(t, reg, "ETH-USD")

	backend := &fakeBackend{fail: map[string]bool{"book.BTC-USD": true}}
	p := NewPublisher(reg, backend, time.Second, 0, nil)

	err := p.PublishOnce(context.Background())
	assert.ErrorContains(t, err, "publish BTC-USD")

	msgs := backend.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "book.ETH-USD", msgs[0].channel)
}

func TestPublisher_RunPublishesUntilCancelled(t *testing.T) {
	_, reg := newRegistry(t, "BTC-USD")
	seed(t, reg, "BTC-USD")

	backend := &fakeBackend{}
	p := NewPublisher(reg, backend, 5*time.Millisecond, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(backend.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type stubWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaBackend_KeysByChannel(t *testing.T) {
	w := &stubWriter{}
	k := &KafkaBackend{writer: w}

	require.NoError(t, k.Publish(context.Background(), ChannelFor("BTC-USD"), map[string]int{"sequence": 1}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "book.BTC-USD", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"sequence":1}`, string(w.msgs[0].Value))

	assert.Error(t, k.Publish(context.Background(), "book.X", func() {}))
	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestRedisBackend_Errors(t *testing.T) {
	r := NewRedisBackend("127.0.0.1:1", "", 0)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, r.Ping(ctx))
	assert.Error(t, r.Publish(ctx, "book.BTC-USD", BookUpdate{ProductID: "BTC-USD"}))
	assert.ErrorContains(t, r.Publish(ctx, "book.BTC-USD", make(chan int)), "encode")
}

func TestFanout(t *testing.T) {
	ok := &fakeBackend{}
	failing := &fakeBackend{fail: map[string]bool{"book.BTC-USD": true}}
	f := Fanout{failing, ok}

	err := f.Publish(context.Background(), "book.BTC-USD", BookUpdate{ProductID: "BTC-USD"})
	assert.ErrorContains(t, err, "backend down")
	assert.Len(t, ok.snapshot(), 1)
	assert.NoError(t, f.Close())
}
