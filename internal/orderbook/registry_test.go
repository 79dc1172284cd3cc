package orderbook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	btcSnapshot = `{"type":"snapshot","product_id":"BTC-USD","bids":[["100.00","2"],["99.50","1"]],"asks":[["100.50","3"]]}`
	btcUpdate   = `{"type":"l2update","product_id":"BTC-USD","time":"2021-03-01T12:00:00Z","changes":[["buy","99.50","0"],["sell","101.00","4"]]}`
)

// failingSubscriber rejects every registration.
type failingSubscriber struct{ channels []string }

func (f *failingSubscriber) AddChannel(name string) { f.channels = append(f.channels, name) }
func (f *failingSubscriber) Handle(string, feed.HandlerFunc) error {
	return errors.New("feed unavailable")
}

func TestNewRegistry_RegistersWithFeed(t *testing.T) {
	disp := feed.NewDispatcher()
	reg, err := NewRegistry(disp, []string{"ETH-USD", "BTC-USD", "ETH-USD"})
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, reg.Products())
	assert.Equal(t, []string{models.ChannelLevel2}, disp.Channels())
}

func TestNewRegistry_Failures(t *testing.T) {
	_, err := NewRegistry(nil, []string{"BTC-USD"})
	assert.ErrorIs(t, err, ErrNoFeed)

	_, err = NewRegistry(&failingSubscriber{}, []string{"BTC-USD"})
	assert.ErrorContains(t, err, "feed unavailable")

	closed := feed.NewDispatcher()
	closed.Close()
	_, err = NewRegistry(closed, []string{"BTC-USD"})
	assert.ErrorIs(t, err, feed.ErrFeedClosed)
}

func TestRegistry_UnknownBook(t *testing.T) {
	reg, err := NewRegistry(feed.NewDispatcher(), []string{"BTC-USD"})
	require.NoError(t, err)

	_, err = reg.Book("DOGE-USD")
	assert.ErrorIs(t, err, ErrUnknownProduct)

	book, err := reg.Book("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", book.ProductID())
}

func TestRegistry_RoutesFeedMessages(t *testing.T) {
	disp := feed.NewDispatcher()
	reg, err := NewRegistry(disp, []string{"BTC-USD", "ETH-USD"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, disp.Dispatch(ctx, []byte(btcSnapshot)))
	require.NoError(t, disp.Dispatch(ctx, []byte(btcUpdate)))

	book, err := reg.Book("BTC-USD")
	require.NoError(t, err)
	assertLevels(t, []Level{lvl("100", "2")}, book.Bids(0))
	assertLevels(t, []Level{lvl("100.5", "3"), lvl("101", "4")}, book.Asks(0))

	eth, err := reg.Book("ETH-USD")
	require.NoError(t, err)
	assert.False(t, eth.Ready())
}

func TestRegistry_IgnoresUnknownProducts(t *testing.T) {
	var mu sync.Mutex
	var unknown []string
	disp := feed.NewDispatcher()
	_, err := NewRegistry(disp, []string{"BTC-USD"}, WithUnknownProductHook(func(id string) {
		mu.Lock()
		unknown = append(unknown, id)
		mu.Unlock()
	}))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, disp.Dispatch(ctx, []byte(`{"type":"snapshot","product_id":"LTC-USD","bids":[],"asks":[]}`)))
	assert.NoError(t, disp.Dispatch(ctx, []byte(`{"type":"l2update","product_id":"LTC-USD","changes":[["buy","1","1"]]}`)))
	assert.Equal(t, []string{"LTC-USD", "LTC-USD"}, unknown)
}

func TestRegistry_PropagatesParseErrors(t *testing.T) {
	disp := feed.NewDispatcher()
	_, err := NewRegistry(disp, []string{"BTC-USD"})
	require.NoError(t, err)

	err = disp.Dispatch(context.Background(), []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["x","1"]],"asks":[]}`))
	assert.ErrorIs(t, err, ErrInvalidLevel)

	err = disp.Dispatch(context.Background(), []byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["short","1","1"]]}`))
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestRegistry_GateTimeout(t *testing.T) {
	disp := feed.NewDispatcher()
	_, err := NewRegistry(disp, []string{"BTC-USD"}, WithGateTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	err = disp.Dispatch(context.Background(), []byte(btcUpdate))
	assert.ErrorIs(t, err, ErrSnapshotTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegistry_UpdateBeforeSnapshotOnSeparatePaths(t *testing.T) {
	disp := feed.NewDispatcher()
	reg, err := NewRegistry(disp, []string{"BTC-USD"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- disp.Dispatch(context.Background(), []byte(btcUpdate)) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, disp.Dispatch(context.Background(), []byte(btcSnapshot)))
	require.NoError(t, <-done)

	book, _ := reg.Book("BTC-USD")
	assertLevels(t, []Level{lvl("100", "2")}, book.Bids(0))
	assertLevels(t, []Level{lvl("100.5", "3"), lvl("101", "4")}, book.Asks(0))
}

func TestRegistry_RejectsWrongMessageType(t *testing.T) {
	reg, err := NewRegistry(feed.NewDispatcher(), []string{"BTC-USD"})
	require.NoError(t, err)

	err = reg.handleSnapshot(context.Background(), &models.HeartbeatMessage{ProductID: "BTC-USD"})
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	err = reg.handleL2Update(context.Background(), &models.SnapshotMessage{ProductID: "BTC-USD"})
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}
