package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockPublisher simula un publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, queue string, payload []byte, correlationID string) error {
	args := m.Called(ctx, queue, payload, correlationID)
	return args.Error(0)
}

// FakeDelivery es una entrega en memoria que registra el ack/nack recibido.
type FakeDelivery struct {
	Payload     []byte
	Correlation string
	Headers     map[string]string

	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (d *FakeDelivery) Body() []byte          { return d.Payload }
func (d *FakeDelivery) CorrelationID() string { return d.Correlation }

func (d *FakeDelivery) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

func (d *FakeDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *FakeDelivery) Nack(ctx context.Context, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked++
	d.requeue = requeue
	return nil
}

// Acked devuelve cuántas veces se confirmó la entrega.
func (d *FakeDelivery) Acked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Nacked devuelve cuántas veces se rechazó y si el último rechazo pidió requeue.
func (d *FakeDelivery) Nacked() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked, d.requeue
}
