package postgres

import (
	"context"
	"os"
	"testing"

	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requiere una base de datos real: LEDGERRELAY_TEST_POSTGRES_DSN=postgres://...
// La tabla transactions es de la API; aquí se crea una mínima si no existe.
func setupTransactions(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGERRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGERRELAY_TEST_POSTGRES_DSN no definido")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS transactions (
            id                 BIGINT PRIMARY KEY,
            status_id          INTEGER NOT NULL,
            created_by_user_id VARCHAR(255) NULL,
            updated_at         TIMESTAMPTZ NULL
        )`)
	require.NoError(t, err)
	return pool
}

func TestTransactionRepoPostgres_UpdateStatusIsCompareAndSet(t *testing.T) {
	pool := setupTransactions(t)
	ctx := context.Background()
	const id = int64(990001)

	_, err := pool.Exec(ctx, `INSERT INTO transactions (id, status_id, created_by_user_id) VALUES ($1, $2, 'user-7')`, id, txDomain.StatusPending)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM transactions WHERE id = $1`, id) })

	repo := NewTransactionRepoPostgres(pool)

	tx, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, txDomain.StatusPending, tx.StatusID)
	assert.Equal(t, "user-7", tx.CreatedByUserID)

	require.NoError(t, repo.UpdateStatus(ctx, id, txDomain.StatusPending, txDomain.StatusExecuted))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, id, txDomain.StatusPending, txDomain.StatusFailed), txDomain.ErrStatusConflict)

	tx, err = repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, txDomain.StatusExecuted, tx.StatusID)
}

func TestTransactionRepoPostgres_NotFound(t *testing.T) {
	pool := setupTransactions(t)
	repo := NewTransactionRepoPostgres(pool)

	_, err := repo.GetByID(context.Background(), -1)
	assert.ErrorIs(t, err, txDomain.ErrTransactionNotFound)
}
