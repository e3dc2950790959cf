// Package memory implementa un broker en proceso para el modo local y los tests.
package memory

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
)

type message struct {
	body          []byte
	correlationID string
	headers       map[string]string
}

// Bus tiene una cola (canal con buffer) por nombre, creada en el primer uso.
type Bus struct {
	mu         sync.Mutex
	queues     map[string]chan message
	bufferSize int
	closed     bool

	done    chan struct{}
	pending sync.WaitGroup // reencolados en segundo plano
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{queues: make(map[string]chan message), bufferSize: bufferSize, done: make(chan struct{})}
}

func (b *Bus) queue(name string) chan message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan message, b.bufferSize)
		b.queues[name] = q
	}
	return q
}

// Publish bloquea si la cola está llena, hasta que haya hueco o ctx se cancele.
func (b *Bus) Publish(ctx context.Context, queue string, payload []byte, correlationID string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return sharedBus.ErrPublisherClosed
	}

	m := message{body: append([]byte(nil), payload...), correlationID: correlationID}
	if correlationID != "" {
		m.headers = map[string]string{sharedBus.CorrelationHeader: correlationID}
	}
	select {
	case b.queue(queue) <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth devuelve los mensajes pendientes en una cola.
func (b *Bus) Depth(queue string) int {
	return len(b.queue(queue))
}

func (b *Bus) Ping(ctx context.Context) error { return nil }

// Close es idempotente. Los canales no se cierran; los reencolados pendientes se descartan.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.pending.Wait()
	return nil
}

func (b *Bus) requeue(q chan message, m message) {
	select {
	case q <- m:
		return
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	// Cola llena: se reencola en segundo plano para no bloquear al handler.
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		select {
		case q <- m:
		case <-b.done:
		}
	}()
}

// Consumer reparte los mensajes de una cola entre prefetch workers.
type Consumer struct {
	bus      *Bus
	queue    string
	handler  sharedBus.DeliveryHandler
	prefetch int
	log      *zap.Logger
}

func NewConsumer(bus *Bus, queue string, handler sharedBus.DeliveryHandler, prefetch int, log *zap.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{bus: bus, queue: queue, handler: handler, prefetch: prefetch, log: log}
}

// Run consume hasta que ctx se cancela y espera a los handlers en curso.
func (c *Consumer) Run(ctx context.Context) error {
	q := c.bus.queue(c.queue)
	p := pool.New().WithMaxGoroutines(c.prefetch)
	defer p.Wait()

	c.log.Info("🎧 Iniciando consumidor en memoria", zap.String("queue", c.queue))
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Consumidor en memoria detenido", zap.String("queue", c.queue))
			return nil
		case m := <-q:
			d := &delivery{msg: m, requeue: func(m message) { c.bus.requeue(q, m) }}
			p.Go(func() {
				c.handler.HandleDelivery(handlerCtx, d)
			})
		}
	}
}

type delivery struct {
	msg     message
	requeue func(message)

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte          { return d.msg.body }
func (d *delivery) CorrelationID() string { return d.msg.correlationID }

func (d *delivery) Header(name string) string {
	return d.msg.headers[name]
}

func (d *delivery) Ack(ctx context.Context) error {
	d.settle()
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if d.settle() && requeue {
		d.requeue(d.msg)
	}
	return nil
}

// settle devuelve true solo la primera vez.
func (d *delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// Verifica en tiempo de compilación que cumple la interfaz
var (
	_ sharedBus.Publisher = (*Bus)(nil)
	_ sharedBus.Delivery  = (*delivery)(nil)
)
