package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerAdapter es el "oído" que escucha en Kafka.
// Procesa en secuencia: el offset solo avanza cuando el handler hace ack o nack.
type ConsumerAdapter struct {
	reader  messageReader
	writer  messageWriter
	topic   string
	handler sharedBus.DeliveryHandler
	log     *zap.Logger

	requeueInitial time.Duration
	requeueMax     time.Duration
	// maxRequeueAttempts limita los intentos de reencolar; 0 reintenta hasta que Run termine.
	maxRequeueAttempts int

	// halted recibe el error de un reencolado imposible: Run deja de leer para no
	// confirmar offsets posteriores a un mensaje que no volvió al topic.
	halted chan error
}

// NewConsumerAdapter crea un lector de consumer group. writer se usa para reencolar en Nack(requeue).
func NewConsumerAdapter(cfg Config, topic string, handler sharedBus.DeliveryHandler, log *zap.Logger) *ConsumerAdapter {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   topic,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newConsumerAdapter(reader, writer, topic, handler, log)
}

func newConsumerAdapter(reader messageReader, writer messageWriter, topic string, handler sharedBus.DeliveryHandler, log *zap.Logger) *ConsumerAdapter {
	return &ConsumerAdapter{
		reader:         reader,
		writer:         writer,
		topic:          topic,
		handler:        handler,
		log:            log,
		requeueInitial: 200 * time.Millisecond,
		requeueMax:     10 * time.Second,
		halted:         make(chan error, 1),
	}
}

// Run bloquea hasta que ctx se cancela. Devuelve error si un Nack(requeue) no pudo reencolar:
// el offset queda sin confirmar y el mensaje se vuelve a entregar al reiniciar.
func (c *ConsumerAdapter) Run(ctx context.Context) error {
	c.log.Info("🎧 Iniciando consumidor de Kafka...", zap.String("topic", c.topic))
	defer func() {
		_ = c.reader.Close()
		_ = c.writer.Close()
	}()

	handlerCtx := context.WithoutCancel(ctx)
	for {
		// FetchMessage es una llamada bloqueante.
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			// Si el contexto se cancela, el error es normal y salimos limpiamente.
			if ctx.Err() != nil {
				c.log.Info("Consumidor de Kafka detenido.", zap.String("topic", c.topic))
				return nil
			}
			c.log.Error("Error al leer mensaje de Kafka", zap.Error(err))
			continue
		}

		c.handler.HandleDelivery(handlerCtx, &kafkaDelivery{msg: msg, consumer: c, runCtx: ctx})

		select {
		case err := <-c.halted:
			c.log.Error("🛑 Consumidor de Kafka detenido: mensaje sin reencolar",
				zap.String("topic", c.topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return err
		default:
		}
	}
}

// requeue reintenta la escritura con backoff exponencial hasta lograrlo, agotar los intentos o que ctx termine.
func (c *ConsumerAdapter) requeue(ctx context.Context, msg kafka.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.requeueInitial
	b.MaxInterval = c.requeueMax

	for attempt := 1; ; attempt++ {
		err := c.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if c.maxRequeueAttempts > 0 && attempt >= c.maxRequeueAttempts {
			return fmt.Errorf("requeue kafka message after %d attempts: %w", attempt, err)
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.requeueMax
		}
		c.log.Warn("⚠️ No se pudo reencolar en Kafka, reintentando",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", sleep),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("requeue kafka message: %w", err)
		case <-time.After(sleep):
		}
	}
}

func (c *ConsumerAdapter) halt(err error) {
	select {
	case c.halted <- err:
	default:
	}
}

type kafkaDelivery struct {
	msg      kafka.Message
	consumer *ConsumerAdapter
	// runCtx es el contexto de Run: acota los reintentos de reencolado al apagar.
	runCtx context.Context
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }

// CorrelationID: Kafka no tiene propiedad de primer nivel, viaja en el header.
func (d *kafkaDelivery) CorrelationID() string { return "" }

func (d *kafkaDelivery) Header(name string) string {
	for _, h := range d.msg.Headers {
		if h.Key == name {
			return string(h.Value)
		}
	}
	return ""
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.consumer.reader.CommitMessages(ctx, d.msg)
}

// Nack con requeue vuelve a producir el mensaje al final del topic y confirma el original.
// Si no se logra reencolar, el original no se confirma y el consumidor se detiene.
func (d *kafkaDelivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		again := kafka.Message{
			Topic:   d.consumer.topic,
			Key:     d.msg.Key,
			Value:   d.msg.Value,
			Headers: d.msg.Headers,
		}
		runCtx := d.runCtx
		if runCtx == nil {
			runCtx = ctx
		}
		if err := d.consumer.requeue(runCtx, again); err != nil {
			d.consumer.halt(err)
			return err
		}
	}
	return d.consumer.reader.CommitMessages(ctx, d.msg)
}

var _ sharedBus.Delivery = (*kafkaDelivery)(nil)
