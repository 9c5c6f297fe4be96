package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes dead letters to a topic keyed by document id, so every
// failure of one document lands in the same partition.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	logger.Info("Creating Kafka dead-letter sink",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return &Kafka{writer: writer, topic: topic, logger: logger}
}

func (k *Kafka) Append(ctx context.Context, rec types.DeadLetterRecord) error {
	rec = Stamp(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(rec.Document.Index + "/" + rec.Document.ID),
		Value: data,
		Time:  rec.LastFailure,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(rec.Category)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	start := time.Now()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("Failed to publish dead letter",
			zap.Error(err),
			zap.String("doc_id", rec.Document.ID),
			zap.Duration("duration", time.Since(start)))
		return err
	}
	k.logger.Debug("Dead letter published",
		zap.String("topic", k.topic),
		zap.String("doc_id", rec.Document.ID))
	return nil
}

func (k *Kafka) Close() error {
	k.logger.Info("Closing Kafka dead-letter sink")
	return k.writer.Close()
}
