package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Requiere una base de datos real: LEDGERRELAY_TEST_POSTGRES_DSN=postgres://...
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGERRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGERRELAY_TEST_POSTGRES_DSN no definido")
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dsn, zap.NewNop()))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE transaction_created_outbox_message RESTART IDENTITY`)
	require.NoError(t, err)
	return pool
}

func insertMessage(t *testing.T, pool *pgxpool.Pool, occurredOn time.Time) int64 {
	t.Helper()
	msg, err := outboxDomain.NewOutboxMessage("CoreLedger.Application.Events.TransactionCreatedEvent", []byte{0x08, 0x01}, occurredOn)
	require.NoError(t, err)
	id, err := InsertOutboxMessage(context.Background(), pool, msg)
	require.NoError(t, err)
	return id
}

func TestOutboxRepoPostgres_ClaimSkipsLockedRows(t *testing.T) {
	pool := setupPool(t)
	repo := NewOutboxRepoPostgres(pool)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := insertMessage(t, pool, base)
	second := insertMessage(t, pool, base.Add(time.Second))

	a, err := repo.Claim(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, a.Messages(), 1)
	assert.Equal(t, first, a.Messages()[0].ID)

	b, err := repo.Claim(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, b.Messages(), 1, "la fila bloqueada por el primer claim se salta")
	assert.Equal(t, second, b.Messages()[0].ID)

	require.NoError(t, b.Release(ctx))
	require.NoError(t, a.Release(ctx))
}

func TestOutboxRepoPostgres_SaveAndEligibility(t *testing.T) {
	pool := setupPool(t)
	repo := NewOutboxRepoPostgres(pool)
	ctx := context.Background()

	published := insertMessage(t, pool, time.Now().Add(-2*time.Minute))
	failing := insertMessage(t, pool, time.Now().Add(-time.Minute))

	claim, err := repo.Claim(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, claim.Messages(), 2)

	for _, msg := range claim.Messages() {
		if msg.ID == published {
			require.NoError(t, msg.MarkAsPublished(time.Now()))
		} else {
			require.NoError(t, msg.RecordFailure("broker unavailable"))
		}
		require.NoError(t, claim.Save(ctx, msg))
	}
	require.NoError(t, claim.Release(ctx))

	// max_retry_count=1: la fila fallida ya no es elegible, la publicada nunca.
	next, err := repo.Claim(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, next.Messages())
	require.NoError(t, next.Release(ctx))

	// Con un máximo mayor vuelve a salir la fallida.
	retry, err := repo.Claim(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, retry.Messages(), 1)
	msg := retry.Messages()[0]
	assert.Equal(t, failing, msg.ID)
	assert.Equal(t, outboxDomain.StatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "broker unavailable", *msg.LastError)
	require.NoError(t, retry.Release(ctx))
}
