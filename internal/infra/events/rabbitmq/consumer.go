package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
)

const defaultMaxReconnectInterval = 30 * time.Second

var errDeliveriesClosed = errors.New("rabbitmq: deliveries channel closed")

// Consumer consume una cola con ack manual y reparte las entregas en un pool acotado por el prefetch.
type Consumer struct {
	cfg     Config
	queue   string
	handler sharedBus.DeliveryHandler
	dial    dialFunc
	log     *zap.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
}

func NewConsumer(cfg Config, queue string, handler sharedBus.DeliveryHandler, log *zap.Logger) *Consumer {
	return &Consumer{
		cfg:             cfg,
		queue:           queue,
		handler:         handler,
		dial:            dialAMQP,
		log:             log,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     defaultMaxReconnectInterval,
	}
}

// Run consume hasta que ctx se cancela. Si el broker cierra la conexión, reconecta con backoff exponencial.
// Las entregas en curso terminan antes de volver.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval

	c.log.Info("🎧 Iniciando consumidor de RabbitMQ", zap.String("queue", c.queue))
	for {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			c.log.Info("Consumidor de RabbitMQ detenido", zap.String("queue", c.queue))
			return nil
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.maxInterval
		}
		c.log.Warn("Sesión de RabbitMQ terminada, reconectando",
			zap.Error(err),
			zap.Duration("retry_in", sleep),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// session abre conexión y canal, consume y vuelve cuando el canal se cierra o ctx se cancela.
// connected se llama al quedar lista la suscripción.
func (c *Consumer) session(ctx context.Context, connected func()) error {
	conn, err := c.dial(c.cfg.URL())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	opts := c.cfg.Queue
	if _, err := ch.QueueDeclare(c.queue, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.Qos(c.cfg.PrefetchCount, c.cfg.PrefetchSize, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	connected()

	workers := c.cfg.PrefetchCount
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	// Se espera a los handlers antes de cerrar el canal: sus ack/nack lo necesitan.
	defer p.Wait()

	// Los handlers siguen hasta el final aunque ctx se cancele.
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errDeliveriesClosed
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			delivery := &amqpDelivery{d: d}
			p.Go(func() {
				c.handler.HandleDelivery(handlerCtx, delivery)
			})
		}
	}
}

// amqpDelivery adapta amqp.Delivery a sharedBus.Delivery.
type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte          { return a.d.Body }
func (a *amqpDelivery) CorrelationID() string { return a.d.CorrelationId }

func (a *amqpDelivery) Header(name string) string {
	if a.d.Headers == nil {
		return ""
	}
	return sharedBus.HeaderString(a.d.Headers[name])
}

func (a *amqpDelivery) Ack(ctx context.Context) error { return a.d.Ack(false) }

func (a *amqpDelivery) Nack(ctx context.Context, requeue bool) error {
	return a.d.Nack(false, requeue)
}

var _ sharedBus.Delivery = (*amqpDelivery)(nil)
