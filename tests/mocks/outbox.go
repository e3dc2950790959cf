package mocks

import (
	"context"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/stretchr/testify/mock"
)

// MockStore simula el store de outbox
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	args := m.Called(ctx, batchSize, maxRetryCount)
	claim, _ := args.Get(0).(outboxDomain.Claim)
	return claim, args.Error(1)
}

// MockClaim simula un lote reclamado
type MockClaim struct {
	mock.Mock
}

func (m *MockClaim) Messages() []*outboxDomain.OutboxMessage {
	args := m.Called()
	return args.Get(0).([]*outboxDomain.OutboxMessage)
}

func (m *MockClaim) Save(ctx context.Context, msg *outboxDomain.OutboxMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockClaim) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
