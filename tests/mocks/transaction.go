package mocks

import (
	"context"

	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockProcessor simula el paso de procesamiento
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, cmd txDomain.ProcessTransactionCommand) (txDomain.ProcessTransactionResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(txDomain.ProcessTransactionResult), args.Error(1)
}

// MockNotifier simula el cliente HTTP de notificaciones
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyTransactionProcessed(ctx context.Context, n txDomain.TransactionNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// MockIdempotencyStore simula el store de idempotencia
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Create(ctx context.Context, entry *txDomain.IdempotencyEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockIdempotencyStore) Get(ctx context.Context, key uuid.UUID) (*txDomain.IdempotencyEntry, error) {
	args := m.Called(ctx, key)
	entry, _ := args.Get(0).(*txDomain.IdempotencyEntry)
	return entry, args.Error(1)
}

func (m *MockIdempotencyStore) AttachTransaction(ctx context.Context, key uuid.UUID, transactionID int64) error {
	args := m.Called(ctx, key, transactionID)
	return args.Error(0)
}

// MockTransactionRepository simula la tabla transactions
type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id int64) (*txDomain.Transaction, error) {
	args := m.Called(ctx, id)
	tx, _ := args.Get(0).(*txDomain.Transaction)
	return tx, args.Error(1)
}

func (m *MockTransactionRepository) UpdateStatus(ctx context.Context, id int64, from, to int) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}
