package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	outboxClaimSQL = `
SELECT id, occurred_on, type, payload, status, retry_count, last_error, published_on
FROM transaction_created_outbox_message
WHERE status = 0 OR (status = 2 AND retry_count < $1)
ORDER BY occurred_on, id
LIMIT $2
FOR UPDATE SKIP LOCKED;
`

	outboxSaveSQL = `
UPDATE transaction_created_outbox_message
SET status = $2,
    retry_count = $3,
    last_error = $4,
    published_on = $5
WHERE id = $1
  AND status <> 1;
`

	outboxInsertSQL = `
INSERT INTO transaction_created_outbox_message (occurred_on, type, payload, status, retry_count)
VALUES ($1, $2, $3, $4, $5)
RETURNING id;
`
)

// DBTX es lo que necesita el escritor: vale tanto el pool como una transacción de negocio abierta.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxRepoPostgres implementa outboxDomain.Store con FOR UPDATE SKIP LOCKED.
// Los locks de fila se mantienen hasta Release (commit de la transacción del claim).
type OutboxRepoPostgres struct {
	pool *pgxpool.Pool
}

func NewOutboxRepoPostgres(pool *pgxpool.Pool) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{pool: pool}
}

// InsertOutboxMessage inserta el mensaje usando db, normalmente la misma transacción que el cambio de negocio.
func InsertOutboxMessage(ctx context.Context, db DBTX, msg *outboxDomain.OutboxMessage) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, outboxInsertSQL, msg.OccurredOn, msg.Type, msg.Payload, int16(msg.Status), msg.RetryCount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("outbox store: insert: %w", err)
	}
	msg.ID = id
	return id, nil
}

func (r *OutboxRepoPostgres) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox store: begin claim: %w", err)
	}

	msgs, err := queryClaim(ctx, tx, batchSize, maxRetryCount)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgClaim{tx: tx, msgs: msgs}, nil
}

// Ping se usa en el readiness check.
func (r *OutboxRepoPostgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func queryClaim(ctx context.Context, tx pgx.Tx, batchSize, maxRetryCount int) ([]*outboxDomain.OutboxMessage, error) {
	rows, err := tx.Query(ctx, outboxClaimSQL, maxRetryCount, batchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox store: claim: %w", err)
	}
	defer rows.Close()

	var msgs []*outboxDomain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate claim: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxMessage(row rowScanner) (*outboxDomain.OutboxMessage, error) {
	var (
		msg         outboxDomain.OutboxMessage
		status      int16
		lastError   *string
		publishedOn *time.Time
	)
	if err := row.Scan(&msg.ID, &msg.OccurredOn, &msg.Type, &msg.Payload, &status, &msg.RetryCount, &lastError, &publishedOn); err != nil {
		return nil, fmt.Errorf("outbox store: scan: %w", err)
	}
	msg.Status = outboxDomain.Status(status)
	msg.OccurredOn = msg.OccurredOn.UTC()
	msg.LastError = lastError
	msg.PublishedOn = publishedOn
	return &msg, nil
}

type pgClaim struct {
	tx       pgx.Tx
	msgs     []*outboxDomain.OutboxMessage
	released bool
}

func (c *pgClaim) Messages() []*outboxDomain.OutboxMessage { return c.msgs }

// Save actualiza una fila dentro de un savepoint: si falla, la transacción del claim sigue usable.
func (c *pgClaim) Save(ctx context.Context, msg *outboxDomain.OutboxMessage) error {
	if c.released {
		return outboxDomain.ErrClaimReleased
	}

	sp, err := c.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox store: savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, outboxSaveSQL, msg.ID, int16(msg.Status), msg.RetryCount, msg.LastError, msg.PublishedOn)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("outbox store: save %d: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("outbox store: save %d: %w", msg.ID, outboxDomain.ErrAlreadyPublished)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("outbox store: release savepoint: %w", err)
	}
	return nil
}

func (c *pgClaim) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	if err := c.tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("outbox store: commit claim: %w", err)
	}
	return nil
}

// Verificación en tiempo de compilación.
var _ outboxDomain.Store = (*OutboxRepoPostgres)(nil)
var _ DBTX = (*pgxpool.Pool)(nil)
