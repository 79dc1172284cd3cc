package marketfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/bookfeed/internal/feed"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedFeed struct {
	*feed.Dispatcher
	script  []feed.Message
	runErr  error
	closed  bool
	closeMu sync.Mutex
}

func (f *scriptedFeed) Run(ctx context.Context) error {
	for _, msg := range f.script {
		if err := f.Deliver(ctx, msg); err != nil {
			return err
		}
	}
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *scriptedFeed) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	f.closed = true
	f.Dispatcher.Close()
	return nil
}

func (f *scriptedFeed) isClosed() bool {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	return f.closed
}

type memoryBackend struct {
	mu     sync.Mutex
	msgs   map[string][][]byte
	closed bool
}

func (b *memoryBackend) Publish(_ context.Context, channel string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string][][]byte)
	}
	b.msgs[channel] = append(b.msgs[channel], data)
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memoryBackend) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[channel])
}

func script() []feed.Message {
	return []feed.Message{
		&models.SnapshotMessage{
			ProductID: "BTC-USD",
			Bids:      []models.RawLevel{{"100.00", "2"}},
			Asks:      []models.RawLevel{{"100.50", "3"}},
		},
		&models.L2UpdateMessage{
			ProductID: "BTC-USD",
			Changes:   []models.Change{{Side: "buy", Price: "100.25", Size: "1"}},
		},
		&models.L2UpdateMessage{
			ProductID: "DOGE-USD",
			Changes:   []models.Change{{Side: "buy", Price: "1", Size: "1"}},
		},
	}
}

func TestService_SyncsAndPublishes(t *testing.T) {
	f := &scriptedFeed{Dispatcher: feed.NewDispatcher(), script: script()}
	backend := &memoryBackend{}

	svc, err := NewService(zap.NewNop(), f, backend, Config{
		Products:        []string{"BTC-USD"},
		PublishInterval: 5 * time.Millisecond,
		PublishDepth:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.ChannelLevel2}, f.Channels())
	assert.True(t, svc.Connected())

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))

	book, err := svc.Registry().Book("BTC-USD")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		bids := book.Bids(0)
		return len(bids) == 2 && bids[0].Price.String() == "100.25"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return backend.count("book.BTC-USD") >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop())
	assert.True(t, f.isClosed())
	assert.True(t, backend.closed)
	assert.NoError(t, svc.Err())
	assert.Error(t, svc.Stop())
}

func TestService_FeedFailureEndsService(t *testing.T) {
	f := &scriptedFeed{Dispatcher: feed.NewDispatcher(), runErr: errors.New("feed broke")}
	svc, err := NewService(nil, f, nil, Config{Products: []string{"BTC-USD"}})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after feed failure")
	}
	assert.EqualError(t, svc.Err(), "feed broke")
	assert.EqualError(t, svc.Stop(), "feed broke")
}

func TestService_RequiresFeed(t *testing.T) {
	_, err := NewService(nil, nil, nil, Config{Products: []string{"BTC-USD"}})
	assert.Error(t, err)
}
