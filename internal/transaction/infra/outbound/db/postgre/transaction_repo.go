package postgres

import (
	"context"
	"errors"
	"fmt"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionRepoPostgres lee y actualiza el estado de la tabla transactions.
// La tabla pertenece a la API de negocio; aquí solo se toca status_id.
type TransactionRepoPostgres struct {
	pool *pgxpool.Pool
}

func NewTransactionRepoPostgres(pool *pgxpool.Pool) *TransactionRepoPostgres {
	return &TransactionRepoPostgres{pool: pool}
}

func (r *TransactionRepoPostgres) GetByID(ctx context.Context, id int64) (*txDomain.Transaction, error) {
	var tx txDomain.Transaction
	err := r.pool.QueryRow(ctx,
		`SELECT id, status_id, COALESCE(created_by_user_id, '') FROM transactions WHERE id = $1`, id,
	).Scan(&tx.ID, &tx.StatusID, &tx.CreatedByUserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, txDomain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &tx, nil
}

// UpdateStatus es un compare-and-set sobre status_id.
func (r *TransactionRepoPostgres) UpdateStatus(ctx context.Context, id int64, from, to int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET status_id = $3, updated_at = NOW() WHERE id = $1 AND status_id = $2`,
		id, from, to,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == pgerrcode.CheckViolation || pgErr.Code == pgerrcode.ForeignKeyViolation) {
			return sharedDomain.NewDomainValidationError(pgErr.Message)
		}
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return txDomain.ErrStatusConflict
	}
	return nil
}

// Verificación en tiempo de compilación.
var _ txDomain.TransactionRepository = (*TransactionRepoPostgres)(nil)
