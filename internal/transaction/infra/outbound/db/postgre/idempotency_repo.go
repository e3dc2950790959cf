package postgres

import (
	"context"
	"errors"
	"fmt"

	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRepoPostgres persiste en transaction_idempotency. El índice único sobre
// idempotency_key es lo que garantiza que dos consumidores no creen la misma entrada.
type IdempotencyRepoPostgres struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepoPostgres(pool *pgxpool.Pool) *IdempotencyRepoPostgres {
	return &IdempotencyRepoPostgres{pool: pool}
}

func (r *IdempotencyRepoPostgres) Create(ctx context.Context, entry *txDomain.IdempotencyEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transaction_idempotency (idempotency_key, transaction_id, created_at) VALUES ($1, $2, $3)`,
		entry.Key, entry.TransactionID, entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return txDomain.ErrIdempotencyKeyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *IdempotencyRepoPostgres) Get(ctx context.Context, key uuid.UUID) (*txDomain.IdempotencyEntry, error) {
	var entry txDomain.IdempotencyEntry
	err := r.pool.QueryRow(ctx,
		`SELECT idempotency_key, created_at, transaction_id FROM transaction_idempotency WHERE idempotency_key = $1`, key,
	).Scan(&entry.Key, &entry.CreatedAt, &entry.TransactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, txDomain.ErrIdempotencyNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func (r *IdempotencyRepoPostgres) AttachTransaction(ctx context.Context, key uuid.UUID, transactionID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transaction_idempotency SET transaction_id = $2 WHERE idempotency_key = $1`, key, transactionID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return txDomain.ErrIdempotencyNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Verificación en tiempo de compilación.
var _ txDomain.IdempotencyStore = (*IdempotencyRepoPostgres)(nil)
