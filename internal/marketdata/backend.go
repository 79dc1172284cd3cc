package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Backend publishes book updates to a distribution channel.
// Use Redis for low-latency fan out, Kafka for a durable stream.
type Backend interface {
	Publish(ctx context.Context, channel string, msg any) error
	Close() error
}

// RedisBackend publishes JSON messages with Redis PUBLISH.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects lazily to addr.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping checks the connection.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Publish(ctx context.Context, channel string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", channel, err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBackend writes JSON messages to one topic keyed by channel, so all
// updates of a product land in the same partition in order.
type KafkaBackend struct {
	writer messageWriter
}

// NewKafkaBackend creates a writer for topic.
func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (k *KafkaBackend) Publish(ctx context.Context, channel string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", channel, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: data})
}

func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}

// Fanout publishes to every backend in order and joins their errors.
type Fanout []Backend

func (f Fanout) Publish(ctx context.Context, channel string, msg any) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, channel, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, b := range f {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}
