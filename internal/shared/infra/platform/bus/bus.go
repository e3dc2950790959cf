package bus

import (
	"context"
	"errors"
)

const (
	// CorrelationHeader lleva el correlation id para clientes que solo leen headers.
	CorrelationHeader = "X-Correlation-ID"
	// ContentTypeProtobuf identifica el formato binario de los eventos.
	ContentTypeProtobuf = "application/protobuf"
)

// ErrPublisherClosed se devuelve al publicar sobre un publisher ya cerrado.
var ErrPublisherClosed = errors.New("bus: publisher closed")

// QueueOptions son los flags de declaración de cola. Publisher y consumer deben usar los mismos.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Publisher publica bytes en una cola con nombre.
// La semántica de cola/topic la decide cada adapter.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte, correlationID string) error
}

// Delivery es un mensaje recibido del broker, pendiente de ack/nack.
type Delivery interface {
	Body() []byte
	// CorrelationID devuelve la propiedad de primer nivel; vacío si el transporte no la trae.
	CorrelationID() string
	// Header devuelve el valor de un header como string; vacío si no existe.
	Header(name string) string
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// DeliveryHandler procesa una entrega y decide su ack/nack.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d Delivery)
}

// DeliveryHandlerFunc adapta una función a DeliveryHandler.
type DeliveryHandlerFunc func(ctx context.Context, d Delivery)

func (f DeliveryHandlerFunc) HandleDelivery(ctx context.Context, d Delivery) { f(ctx, d) }

// HeaderString normaliza valores de header que llegan como string o []byte según el cliente.
func HeaderString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}
