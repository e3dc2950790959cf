package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdempotencyGuard evita aplicar dos veces la misma transacción lógica cuando el broker redelivera.
type IdempotencyGuard struct {
	store txDomain.IdempotencyStore
	log   *zap.Logger
	now   func() time.Time
}

func NewIdempotencyGuard(store txDomain.IdempotencyStore, log *zap.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{store: store, log: log, now: time.Now}
}

// KeyFor devuelve la clave de idempotencia del evento.
func (g *IdempotencyGuard) KeyFor(evt *txDomain.TransactionCreatedEvent) uuid.UUID {
	return txDomain.IdempotencyKeyFor(evt)
}

// Create registra una entrada nueva. Devuelve ErrIdempotencyKeyExists si ya existía.
func (g *IdempotencyGuard) Create(ctx context.Context, key uuid.UUID, transactionID *int64) (*txDomain.IdempotencyEntry, error) {
	entry, err := txDomain.NewIdempotencyEntry(key, transactionID, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.store.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Attach asocia la transacción aplicada a la clave.
func (g *IdempotencyGuard) Attach(ctx context.Context, key uuid.UUID, transactionID int64) error {
	if key == uuid.Nil {
		return txDomain.ErrEmptyIdempotencyKey
	}
	if err := g.store.AttachTransaction(ctx, key, transactionID); err != nil {
		return fmt.Errorf("attach idempotency key %s: %w", key, err)
	}
	return nil
}

// Begin reserva la clave antes de procesar. alreadyApplied es true solo si la clave existe
// y ya tiene una transacción asociada; una entrada sin transacción (intento previo interrumpido)
// deja continuar.
func (g *IdempotencyGuard) Begin(ctx context.Context, key uuid.UUID) (alreadyApplied bool, err error) {
	_, err = g.Create(ctx, key, nil)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, txDomain.ErrIdempotencyKeyExists) {
		return false, fmt.Errorf("reserve idempotency key %s: %w", key, err)
	}

	existing, err := g.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load idempotency key %s: %w", key, err)
	}
	if !existing.Completed() {
		g.log.Info("Clave de idempotencia sin transacción asociada, se reintenta", zap.String("idempotency_key", key.String()))
	}
	return existing.Completed(), nil
}
