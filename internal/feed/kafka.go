package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures a KafkaFeed.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	GroupID    string
	LaneBuffer int
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaFeed replays raw feed documents stored in a Kafka topic. Each message
// value is one exchange message, dispatched exactly like the websocket feed.
type KafkaFeed struct {
	*Dispatcher

	reader     messageReader
	laneBuffer int
	logger     *zap.Logger
}

// NewKafkaFeed creates a feed reading cfg.Topic.
func NewKafkaFeed(cfg KafkaConfig, logger *zap.Logger) *KafkaFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaFeed(reader, cfg.LaneBuffer, logger.With(zap.String("feed", "kafka"), zap.String("topic", cfg.Topic)))
}

func newKafkaFeed(reader messageReader, laneBuffer int, logger *zap.Logger) *KafkaFeed {
	if laneBuffer <= 0 {
		laneBuffer = defaultLaneBuffer
	}
	return &KafkaFeed{
		Dispatcher: NewDispatcher(),
		reader:     reader,
		laneBuffer: laneBuffer,
		logger:     logger,
	}
}

// Run reads messages until ctx is done or the reader is closed.
func (f *KafkaFeed) Run(ctx context.Context) error {
	lanes := newLanes(ctx, f.Dispatcher, f.laneBuffer, f.logger)
	defer lanes.close()

	for {
		m, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		msg, err := Decode(m.Value)
		if err != nil {
			metrics.FeedDecodeErrors.WithLabelValues("kafka").Inc()
			f.logger.Warn("Dropping undecodable feed message",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			continue
		}
		metrics.FeedMessages.WithLabelValues("kafka", msg.MessageType()).Inc()
		if err := lanes.submit(msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close rejects further registrations and closes the reader.
func (f *KafkaFeed) Close() error {
	f.Dispatcher.Close()
	return f.reader.Close()
}
