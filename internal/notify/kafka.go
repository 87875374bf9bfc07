package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/agentworkforce/deeplinks/internal/enrich"
)

const DefaultKafkaTopic = "deeplinks.patches"

// kafkaEnvelope is the message value carried on the patch topic.
type kafkaEnvelope struct {
	Channel   string            `json:"channel"`
	RequestID string            `json:"requestId"`
	Event     enrich.PatchEvent `json:"event"`
	Origin    string            `json:"origin,omitempty"`
	SentAt    time.Time         `json:"sentAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends patches to a topic so that every instance's bridge can
// hand them to whichever local hub holds the subscriber.
type KafkaPublisher struct {
	writer messageWriter
	origin string
}

func NewKafkaPublisher(brokers []string, topic, origin string) (*KafkaPublisher, error) {
	brokers = cleanBrokers(brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultKafkaTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, origin), nil
}

func newKafkaPublisher(writer messageWriter, origin string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, origin: origin}
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel, requestID string, event enrich.PatchEvent) error {
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(requestID) == "" {
		return ErrInvalidSubscription
	}
	value, err := json.Marshal(kafkaEnvelope{
		Channel:   channel,
		RequestID: requestID,
		Event:     event,
		Origin:    p.origin,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// Keyed by subscription so patches for one request stay ordered.
	msg := kafka.Message{Key: []byte(subscriptionKey(channel, requestID)), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type KafkaBridgeOptions struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *zerolog.Logger
}

// KafkaBridge consumes the patch topic into a local hub. Each instance needs
// its own consumer group so that it sees every patch.
type KafkaBridge struct {
	reader     messageReader
	target     enrich.Publisher
	topic      string
	logger     zerolog.Logger
	retryDelay time.Duration
}

func NewKafkaBridge(opts KafkaBridgeOptions, target enrich.Publisher) (*KafkaBridge, error) {
	brokers := cleanBrokers(opts.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(opts.GroupID) == "" {
		return nil, errors.New("kafka group id is required")
	}
	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        opts.GroupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0,
	})
	return newKafkaBridge(reader, target, topic, opts.Logger), nil
}

func newKafkaBridge(reader messageReader, target enrich.Publisher, topic string, logger *zerolog.Logger) *KafkaBridge {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &KafkaBridge{reader: reader, target: target, topic: topic, logger: l, retryDelay: time.Second}
}

// Run forwards messages until ctx is done, then closes the reader.
// Malformed messages are committed and skipped.
func (b *KafkaBridge) Run(ctx context.Context) error {
	defer b.reader.Close()
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error().Err(err).Str("topic", b.topic).Msg("kafka fetch failed")
			if waitErr := sleepOrDone(ctx, b.retryDelay); waitErr != nil {
				return nil
			}
			continue
		}

		var envelope kafkaEnvelope
		if err := json.Unmarshal(msg.Value, &envelope); err != nil || envelope.Channel == "" || envelope.RequestID == "" {
			b.logger.Error().Err(err).Str("topic", b.topic).Int64("offset", msg.Offset).Msg("invalid patch message, skipping")
			b.commit(ctx, msg)
			continue
		}
		if err := b.target.Publish(ctx, envelope.Channel, envelope.RequestID, envelope.Event); err != nil {
			b.logger.Warn().Err(err).Str("request_id", envelope.RequestID).Msg("local patch delivery failed")
		}
		b.commit(ctx, msg)
	}
}

func (b *KafkaBridge) commit(ctx context.Context, msg kafka.Message) {
	if err := b.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		b.logger.Error().Err(err).Msg("kafka commit failed")
	}
}

func cleanBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

func sleepOrDone(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
