package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyIdempotencyKey  = errors.New("idempotency key cannot be empty")
	ErrIdempotencyKeyExists = errors.New("idempotency key already exists")
	ErrIdempotencyNotFound  = errors.New("idempotency entry not found")
)

// IdempotencyEntry registra que una transacción lógica ya fue vista.
// La clave suele ser un UUID v7 (ordenado en el tiempo) y nunca cambia.
type IdempotencyEntry struct {
	Key           uuid.UUID `json:"idempotency_key"`
	CreatedAt     time.Time `json:"created_at"`
	TransactionID *int64    `json:"transaction_id,omitempty"`
}

func NewIdempotencyEntry(key uuid.UUID, transactionID *int64, now time.Time) (*IdempotencyEntry, error) {
	if key == uuid.Nil {
		return nil, ErrEmptyIdempotencyKey
	}
	entry := &IdempotencyEntry{Key: key, CreatedAt: now.UTC()}
	if transactionID != nil {
		id := *transactionID
		entry.TransactionID = &id
	}
	return entry, nil
}

// AttachTransaction asocia la transacción una vez conocida. La clave no se toca.
func (e *IdempotencyEntry) AttachTransaction(transactionID int64) {
	e.TransactionID = &transactionID
}

// Completed indica que la transacción asociada ya fue aplicada.
func (e *IdempotencyEntry) Completed() bool {
	return e.TransactionID != nil
}

// idempotencyNamespace es fijo para que la clave derivada sea estable entre despliegues.
var idempotencyNamespace = uuid.MustParse("6f1c1c59-52b4-4d0a-9a3e-2f2f4e6c8a10")

// IdempotencyKeyFor devuelve la clave del evento o, si no la trae, una UUIDv5 derivada del transaction id.
func IdempotencyKeyFor(evt *TransactionCreatedEvent) uuid.UUID {
	if evt.IdempotencyKey != uuid.Nil {
		return evt.IdempotencyKey
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte("transaction:"+strconv.FormatInt(evt.TransactionID, 10)))
}
