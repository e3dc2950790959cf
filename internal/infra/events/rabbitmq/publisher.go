package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
)

// Publisher abre la conexión en el primer Publish y la reutiliza.
// Si el broker cierra el canal o la conexión, se recrean en el siguiente uso.
type Publisher struct {
	cfg  Config
	dial dialFunc
	log  *zap.Logger

	mu     sync.Mutex
	conn   amqpConnection
	ch     amqpChannel
	closed bool

	// connected refleja conn/ch para leerlo sin tomar mu.
	connected atomic.Bool
}

// errNotConnected lo devuelve Ping cuando otro Publish tiene el lock y aún no hay conexión.
var errNotConnected = errors.New("rabbitmq: publisher not connected")

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	return &Publisher{cfg: cfg, dial: dialAMQP, log: log}
}

func (p *Publisher) Publish(ctx context.Context, queue string, payload []byte, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	opts := p.cfg.Queue
	if _, err := ch.QueueDeclare(queue, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil); err != nil {
		p.teardownLocked()
		return sharedDomain.NewExternalServiceError(serviceName, "declare queue "+queue, err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  p.cfg.contentType(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}
	if correlationID != "" {
		msg.CorrelationId = correlationID
		msg.Headers = amqp.Table{sharedBus.CorrelationHeader: correlationID}
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		p.teardownLocked()
		return sharedDomain.NewExternalServiceError(serviceName, "publish to "+queue, err)
	}

	p.log.Debug("Mensaje publicado en RabbitMQ",
		zap.String("queue", queue),
		zap.String("correlation_id", correlationID),
		zap.Int("payload_size", len(payload)),
	)
	return nil
}

// channelLocked devuelve el canal abierto o lo crea. Requiere p.mu.
func (p *Publisher) channelLocked() (amqpChannel, error) {
	if p.closed {
		return nil, sharedBus.ErrPublisherClosed
	}
	if p.ch != nil && !p.ch.IsClosed() && !p.conn.IsClosed() {
		return p.ch, nil
	}
	if p.conn != nil {
		p.log.Warn("Conexión con RabbitMQ perdida, reconectando")
		p.teardownLocked()
	}

	conn, err := p.dial(p.cfg.URL())
	if err != nil {
		return nil, sharedDomain.NewExternalServiceError(serviceName, "connect", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		// No dejamos una conexión abierta sin canal.
		_ = conn.Close()
		return nil, sharedDomain.NewExternalServiceError(serviceName, "open channel", err)
	}

	p.conn, p.ch = conn, ch
	p.connected.Store(true)
	p.log.Info("🐇 Conectado a RabbitMQ", zap.String("host", p.cfg.Host), zap.Int("port", p.cfg.Port))
	return ch, nil
}

func (p *Publisher) teardownLocked() {
	p.connected.Store(false)
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Ping se usa en el readiness check. Con el lock libre abre la conexión si hace falta;
// si un Publish o un dial lo tiene, responde con el último estado conocido sin esperar.
func (p *Publisher) Ping(ctx context.Context) error {
	if !p.mu.TryLock() {
		if p.connected.Load() {
			return nil
		}
		return errNotConnected
	}
	defer p.mu.Unlock()
	_, err := p.channelLocked()
	return err
}

// Close es idempotente. Publish posterior devuelve ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.teardownLocked()
	return nil
}

// Verificación en tiempo de compilación.
var _ sharedBus.Publisher = (*Publisher)(nil)
