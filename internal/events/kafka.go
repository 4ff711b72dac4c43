package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrPublisherClosed возвращается при публикации после остановки издателя.
var ErrPublisherClosed = errors.New("event publisher closed")

// ErrQueueFull возвращается, когда очередь отправки заполнена и событие отброшено.
var ErrQueueFull = errors.New("event queue is full")

const maxBatch = 100

// KafkaPublisher отправляет события в Kafka из отдельной горутины.
// Ключом сообщения служит идентификатор бронирования, поэтому события одного бронирования упорядочены.
// Publish никогда не ждёт брокер: при заполненной очереди событие отбрасывается.
type KafkaPublisher struct {
	w        *kafka.Writer
	producer string
	inbox    chan kafka.Message
	done     chan struct{}
	logger   *zap.Logger
}

// NewKafkaPublisher создаёт издателя для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic, producer string, buf int, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &KafkaPublisher{
		producer: producer,
		inbox:    make(chan kafka.Message, buf),
		done:     make(chan struct{}),
		logger:   logger,
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   p.completed,
	}
	return p
}

// Publish ставит событие в очередь отправки.
func (p *KafkaPublisher) Publish(_ context.Context, e Event) error {
	env, err := NewEnvelope(p.producer, e, time.Now())
	if err != nil {
		return err
	}
	msg, err := toMessage(env)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}

	select {
	case p.inbox <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run отправляет сообщения пачками до отмены контекста, затем дописывает остаток очереди и закрывает writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			if err := p.w.Close(); err != nil {
				return fmt.Errorf("close kafka writer: %w", err)
			}
			return nil
		case m := <-p.inbox:
			p.write(ctx, p.batch(m))
		}
	}
}

// batch дополняет first сообщениями, уже лежащими в очереди, не дожидаясь новых.
func (p *KafkaPublisher) batch(first kafka.Message) []kafka.Message {
	msgs := []kafka.Message{first}
	for len(msgs) < maxBatch {
		select {
		case m := <-p.inbox:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
	return msgs
}

func (p *KafkaPublisher) drain() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case m := <-p.inbox:
			p.write(flushCtx, p.batch(m))
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, msgs []kafka.Message) {
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publish events error", zap.Error(err), zap.Int("count", len(msgs)))
	}
}

// completed вызывается writer'ом после асинхронной отправки пачки.
func (p *KafkaPublisher) completed(msgs []kafka.Message, err error) {
	if err != nil {
		p.logger.Error("deliver events error", zap.Error(err), zap.Int("count", len(msgs)))
	}
}

func toMessage(env Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	return kafka.Message{
		Key:   []byte(env.CorrelationID),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}, nil
}

// NopPublisher отбрасывает события; используется, когда брокеры не настроены.
type NopPublisher struct{}

// Publish ничего не делает.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
