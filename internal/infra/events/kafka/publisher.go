// Package kafka implementa el Publisher y el bucle de consumo sobre segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
)

const serviceName = "Kafka"

type Config struct {
	Brokers           []string
	Queue             sharedBus.QueueOptions
	Partitions        int
	ReplicationFactor int
	GroupID           string
	ContentType       string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type topicCreator interface {
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
}

// Publisher crea el writer en el primer Publish. Cada cola es un topic, que se declara una sola vez.
type Publisher struct {
	cfg Config
	log *zap.Logger

	newWriter  func() messageWriter
	newCreator func() topicCreator

	mu       sync.Mutex
	writer   messageWriter
	creator  topicCreator
	declared map[string]bool
	closed   bool
}

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	p := &Publisher{cfg: cfg, log: log, declared: make(map[string]bool)}
	p.newWriter = func() messageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	p.newCreator = func() topicCreator {
		return &kafka.Client{Addr: kafka.TCP(cfg.Brokers...)}
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, queue string, payload []byte, correlationID string) error {
	writer, err := p.init(ctx, queue)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: queue,
		Value: payload,
		Headers: []kafka.Header{
			{Key: "Content-Type", Value: []byte(p.contentType())},
		},
	}
	if correlationID != "" {
		// Con la misma clave, los mensajes de una misma petición caen en la misma partición.
		msg.Key = []byte(correlationID)
		msg.Headers = append(msg.Headers, kafka.Header{Key: sharedBus.CorrelationHeader, Value: []byte(correlationID)})
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka", zap.String("topic", queue), zap.Error(err))
		return sharedDomain.NewExternalServiceError(serviceName, "publish to "+queue, err)
	}

	p.log.Debug("Event published successfully", zap.String("topic", queue), zap.String("correlation_id", correlationID))
	return nil
}

// init crea el writer y declara el topic si hace falta.
func (p *Publisher) init(ctx context.Context, topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, sharedBus.ErrPublisherClosed
	}
	if p.writer == nil {
		p.writer = p.newWriter()
		p.creator = p.newCreator()
	}
	if !p.declared[topic] {
		if err := p.declareLocked(ctx, topic); err != nil {
			return nil, err
		}
		p.declared[topic] = true
	}
	return p.writer, nil
}

func (p *Publisher) declareLocked(ctx context.Context, topic string) error {
	replication := 1
	if p.cfg.Queue.Durable && p.cfg.ReplicationFactor > 0 {
		replication = p.cfg.ReplicationFactor
	}
	partitions := p.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}

	resp, err := p.creator.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		}},
	})
	if err != nil {
		return sharedDomain.NewExternalServiceError(serviceName, "create topic "+topic, err)
	}
	if topicErr := resp.Errors[topic]; topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
		return sharedDomain.NewExternalServiceError(serviceName, "create topic "+topic, topicErr)
	}
	return nil
}

func (p *Publisher) contentType() string {
	if p.cfg.ContentType == "" {
		return sharedBus.ContentTypeProtobuf
	}
	return p.cfg.ContentType
}

// Close es idempotente.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// Verificación estática
var _ sharedBus.Publisher = (*Publisher)(nil)
