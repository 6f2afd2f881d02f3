package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/sakif/polyglot-runner/internal/model"
)

var _ Publisher = (*KafkaPublisher)(nil)

// DefaultTopic receives reports when no topic is configured.
const DefaultTopic = "execution-reports"

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes one message per execution, keyed by execution id so
// that retries of the same report land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("report: at least one broker must be provided")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaPublisher(writer), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, exec model.Execution) error {
	if exec.ID == "" {
		return errors.New("report: execution id is required")
	}
	payload, err := encode(exec)
	if err != nil {
		return err
	}

	msg := kafkago.Message{
		Key:   []byte(exec.ID),
		Value: payload,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("report: write message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
