package domain

import (
	"context"
	"errors"
)

var (
	// ErrLeaseLost indica que otra instancia reclamó la fila (lease expirado) antes de guardar.
	ErrLeaseLost = errors.New("outbox: claim lease lost")
	// ErrClaimReleased se devuelve al usar un claim ya liberado.
	ErrClaimReleased = errors.New("outbox: claim already released")
)

// Store define el contrato mínimo que el poller necesita sobre la tabla outbox.
// Las filas las escribe un proceso externo dentro de la transacción de negocio.
type Store interface {
	// Claim reclama hasta batchSize filas elegibles (Pending, o Failed con retry_count < maxRetryCount),
	// ordenadas por occurred_on. Las filas retenidas por otro claim vivo se saltan, nunca se esperan.
	Claim(ctx context.Context, batchSize, maxRetryCount int) (Claim, error)
}

// Claim es un lote reclamado. Mientras no se libere, ninguna otra instancia verá sus filas.
type Claim interface {
	Messages() []*OutboxMessage
	// Save persiste status, retry_count, last_error y published_on de una fila del lote.
	// Un error en Save afecta solo a esa fila.
	Save(ctx context.Context, msg *OutboxMessage) error
	// Release termina el claim (commit o liberación del lease).
	Release(ctx context.Context) error
}

// ErrUnknownEventType se registra como fallo cuando outbox.type no está en el registro.
var ErrUnknownEventType = errors.New("unknown event type")

// EventRoute indica a qué cola va un tipo de evento y cómo extraer su correlation id.
type EventRoute struct {
	Queue string
	// CorrelationID es opcional; si es nil el mensaje se publica sin correlation id.
	CorrelationID func(payload []byte) string
}

// EventRegistry mapea outbox.type → ruta de publicación.
type EventRegistry map[string]EventRoute
