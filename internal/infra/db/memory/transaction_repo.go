package memory

import (
	"context"
	"sync"

	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
)

// TransactionRepoMemory simula la tabla transactions para el modo local y los tests.
type TransactionRepoMemory struct {
	mu   sync.Mutex
	rows map[int64]txDomain.Transaction
}

func NewTransactionRepoMemory() *TransactionRepoMemory {
	return &TransactionRepoMemory{rows: make(map[int64]txDomain.Transaction)}
}

// Put inserta o reemplaza una transacción.
func (r *TransactionRepoMemory) Put(tx txDomain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[tx.ID] = tx
}

func (r *TransactionRepoMemory) GetByID(ctx context.Context, id int64) (*txDomain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.rows[id]
	if !ok {
		return nil, txDomain.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *TransactionRepoMemory) UpdateStatus(ctx context.Context, id int64, from, to int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.rows[id]
	if !ok {
		return txDomain.ErrTransactionNotFound
	}
	if tx.StatusID != from {
		return txDomain.ErrStatusConflict
	}
	tx.StatusID = to
	r.rows[id] = tx
	return nil
}

// Verificación en tiempo de compilación.
var _ txDomain.TransactionRepository = (*TransactionRepoMemory)(nil)
