package producer

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"trend-reversal/backend/internal/logger"
)

// Handler processes one message value. A returned error is logged; the offset still advances.
type Handler func(ctx context.Context, value []byte) error

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads auth events from Kafka in a consumer group.
type Consumer struct {
	reader         messageReader
	handlerTimeout time.Duration
	log            *zap.Logger
}

// NewConsumer returns a consumer group reader for topic.
func NewConsumer(brokers []string, topic, groupID string, log *zap.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        time.Second,
			CommitInterval: time.Second,
		}),
		handlerTimeout: 10 * time.Second,
		log:            logger.OrNop(log),
	}
}

// Run reads messages until ctx is canceled and passes each value to h.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Warn("kafka read error", zap.Error(err))
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		if err := h(hctx, msg.Value); err != nil {
			c.log.Warn("event handler failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		cancel()
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
