package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Estados de transacción relevantes para el procesamiento (ids de transaction_status).
const (
	StatusPending  = 1
	StatusExecuted = 2
	StatusFailed   = 8
)

// ---------- Errores de dominio ----------
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStatusConflict      = errors.New("transaction status changed concurrently")
)

// Transaction es la vista mínima que el procesamiento necesita de la tabla transactions.
type Transaction struct {
	ID              int64
	StatusID        int
	CreatedByUserID string
}

// ProcessTransactionCommand pide aplicar una transacción recibida del broker.
type ProcessTransactionCommand struct {
	TransactionID int64
	CorrelationID string
}

// ProcessTransactionResult es el resultado del paso de procesamiento.
// Success=false no es un error de entrega: la transacción termina en un estado final distinto.
type ProcessTransactionResult struct {
	Success         bool
	TransactionID   int64
	FinalStatusID   int
	CreatedByUserID string
	ErrorMessage    string
}

// TransactionNotification es el cuerpo que se envía a la API al terminar el procesamiento.
type TransactionNotification struct {
	TransactionID   int64     `json:"transactionId"`
	Success         bool      `json:"success"`
	FinalStatusID   int       `json:"finalStatusId"`
	ErrorMessage    *string   `json:"errorMessage"`
	ProcessedAt     time.Time `json:"processedAt"`
	CorrelationID   string    `json:"correlationId"`
	CreatedByUserID string    `json:"createdByUserId"`
}

// NewTransactionNotification construye la notificación a partir del resultado.
func NewTransactionNotification(res ProcessTransactionResult, correlationID string, now time.Time) TransactionNotification {
	n := TransactionNotification{
		TransactionID:   res.TransactionID,
		Success:         res.Success,
		FinalStatusID:   res.FinalStatusID,
		ProcessedAt:     now.UTC(),
		CorrelationID:   correlationID,
		CreatedByUserID: res.CreatedByUserID,
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		n.ErrorMessage = &msg
	}
	return n
}

// ---------- Interfaces (Ports) ----------

// TransactionProcessor es el paso de procesamiento que el consumidor invoca.
type TransactionProcessor interface {
	Process(ctx context.Context, cmd ProcessTransactionCommand) (ProcessTransactionResult, error)
}

// TransactionRepository expone lo necesario para la transición de estado.
type TransactionRepository interface {
	// Debe devolver ErrTransactionNotFound si no existe.
	GetByID(ctx context.Context, id int64) (*Transaction, error)
	// UpdateStatus cambia from → to. Devuelve ErrStatusConflict si el estado actual no es from.
	UpdateStatus(ctx context.Context, id int64, from, to int) error
}

// IdempotencyStore persiste las entradas de idempotencia.
type IdempotencyStore interface {
	// Debe devolver ErrIdempotencyKeyExists si la clave ya está registrada.
	Create(ctx context.Context, entry *IdempotencyEntry) error
	// Debe devolver ErrIdempotencyNotFound si no existe.
	Get(ctx context.Context, key uuid.UUID) (*IdempotencyEntry, error)
	// Debe devolver ErrIdempotencyNotFound si no existe.
	AttachTransaction(ctx context.Context, key uuid.UUID, transactionID int64) error
}

// Notifier envía la notificación de fin de procesamiento. Es best-effort.
type Notifier interface {
	NotifyTransactionProcessed(ctx context.Context, n TransactionNotification) error
}
