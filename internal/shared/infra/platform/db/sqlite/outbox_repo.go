package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/google/uuid"
)

// OutboxRepoSQLite implementa outboxDomain.Store con un lease por fila.
// SQLite no tiene SKIP LOCKED: el claim marca lease_token/lease_until en un único UPDATE ... RETURNING
// y las filas con lease vigente quedan fuera de los siguientes claims.
// Los tiempos se guardan como unix nano (INTEGER).
type OutboxRepoSQLite struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewOutboxRepoSQLite(db *sql.DB, lease time.Duration) *OutboxRepoSQLite {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &OutboxRepoSQLite{db: db, lease: lease, now: time.Now}
}

// ------------------ Inicialización de DB ------------------

// InitSQLite crea la tabla de outbox si no existe
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS transaction_created_outbox_message (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_on INTEGER NOT NULL,
            type TEXT NOT NULL,
            payload BLOB NOT NULL,
            status INTEGER NOT NULL DEFAULT 0,
            published_on INTEGER NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NULL,
            lease_token TEXT NULL,
            lease_until INTEGER NULL
        )
    `)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS ix_outbox_status_occurred_on
        ON transaction_created_outbox_message (status, occurred_on)
    `)
	return err
}

// Insert guarda un mensaje nuevo. Acepta *sql.DB o *sql.Tx para ir en la transacción de negocio.
func Insert(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, msg *outboxDomain.OutboxMessage) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO transaction_created_outbox_message (occurred_on, type, payload, status, retry_count)
         VALUES (?, ?, ?, ?, ?)`,
		msg.OccurredOn.UnixNano(), msg.Type, msg.Payload, int16(msg.Status), msg.RetryCount,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get LastInsertId: %w", err)
	}
	msg.ID = id
	return id, nil
}

func (r *OutboxRepoSQLite) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	token := uuid.NewString()
	now := r.now()

	rows, err := r.db.QueryContext(ctx, `
        UPDATE transaction_created_outbox_message
        SET lease_token = ?, lease_until = ?
        WHERE id IN (
            SELECT id FROM transaction_created_outbox_message
            WHERE (status = 0 OR (status = 2 AND retry_count < ?))
              AND (lease_until IS NULL OR lease_until < ?)
            ORDER BY occurred_on, id
            LIMIT ?
        )
        RETURNING id, occurred_on, type, payload, status, retry_count, last_error, published_on`,
		token, now.Add(r.lease).UnixNano(), maxRetryCount, now.UnixNano(), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	defer rows.Close()

	var msgs []*outboxDomain.OutboxMessage
	for rows.Next() {
		var (
			msg         outboxDomain.OutboxMessage
			occurredOn  int64
			status      int16
			lastError   sql.NullString
			publishedOn sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &occurredOn, &msg.Type, &msg.Payload, &status, &msg.RetryCount, &lastError, &publishedOn); err != nil {
			return nil, fmt.Errorf("outbox claim scan: %w", err)
		}
		msg.OccurredOn = time.Unix(0, occurredOn).UTC()
		msg.Status = outboxDomain.Status(status)
		if lastError.Valid {
			s := lastError.String
			msg.LastError = &s
		}
		if publishedOn.Valid {
			t := time.Unix(0, publishedOn.Int64).UTC()
			msg.PublishedOn = &t
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox claim rows: %w", err)
	}

	// RETURNING no garantiza el orden.
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].OccurredOn.Equal(msgs[j].OccurredOn) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].OccurredOn.Before(msgs[j].OccurredOn)
	})

	return &sqliteClaim{db: r.db, token: token, msgs: msgs}, nil
}

// Ping se usa en el readiness check.
func (r *OutboxRepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type sqliteClaim struct {
	db       *sql.DB
	token    string
	msgs     []*outboxDomain.OutboxMessage
	released bool
}

func (c *sqliteClaim) Messages() []*outboxDomain.OutboxMessage { return c.msgs }

// Save solo escribe si el lease sigue siendo nuestro.
func (c *sqliteClaim) Save(ctx context.Context, msg *outboxDomain.OutboxMessage) error {
	if c.released {
		return outboxDomain.ErrClaimReleased
	}

	var publishedOn sql.NullInt64
	if msg.PublishedOn != nil {
		publishedOn = sql.NullInt64{Int64: msg.PublishedOn.UnixNano(), Valid: true}
	}
	var lastError sql.NullString
	if msg.LastError != nil {
		lastError = sql.NullString{String: *msg.LastError, Valid: true}
	}

	res, err := c.db.ExecContext(ctx, `
        UPDATE transaction_created_outbox_message
        SET status = ?, retry_count = ?, last_error = ?, published_on = ?
        WHERE id = ? AND lease_token = ? AND status <> 1`,
		int16(msg.Status), msg.RetryCount, lastError, publishedOn, msg.ID, c.token,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return outboxDomain.ErrLeaseLost
	}
	return nil
}

func (c *sqliteClaim) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	if len(c.msgs) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE transaction_created_outbox_message SET lease_token = NULL, lease_until = NULL WHERE lease_token = ?`,
		c.token,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Verificación en tiempo de compilación.
var _ outboxDomain.Store = (*OutboxRepoSQLite)(nil)
