package relayer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/ledgerrelay/tests/mocks"
)

const testEventType = "CoreLedger.Application.Events.TransactionCreatedEvent"

func testRegistry() outboxDomain.EventRegistry {
	return outboxDomain.EventRegistry{
		testEventType: {
			Queue:         "transaction.created.queue",
			CorrelationID: func(payload []byte) string { return "corr-" + string(payload) },
		},
	}
}

func newMessage(id int64) *outboxDomain.OutboxMessage {
	return &outboxDomain.OutboxMessage{ID: id, Type: testEventType, Payload: []byte{byte('0' + id)}, Status: outboxDomain.StatusPending}
}

func TestOutboxWorker_ProcessBatch_Success(t *testing.T) {
	// ARRANGE
	store := new(mocks.MockStore)
	claim := new(mocks.MockClaim)
	publisher := new(mocks.MockPublisher)

	msg := newMessage(1)
	store.On("Claim", mock.Anything, 10, 3).Return(claim, nil).Once()
	claim.On("Messages").Return([]*outboxDomain.OutboxMessage{msg}).Once()
	publisher.On("Publish", mock.Anything, "transaction.created.queue", msg.Payload, "corr-1").Return(nil).Once()
	claim.On("Save", mock.Anything, msg).Return(nil).Once()
	claim.On("Release", mock.Anything).Return(nil).Once()

	worker := NewOutboxWorker(store, publisher, testRegistry(), Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	// ACT
	res, err := worker.ProcessBatch(context.Background())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Published: 1}, res)
	assert.Equal(t, outboxDomain.StatusPublished, msg.Status)
	assert.NotNil(t, msg.PublishedOn)
	store.AssertExpectations(t)
	claim.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestOutboxWorker_ProcessBatch_PublisherFails(t *testing.T) {
	// ARRANGE: Scenario B, el broker cae y la fila queda Failed con el error guardado
	store := new(mocks.MockStore)
	claim := new(mocks.MockClaim)
	publisher := new(mocks.MockPublisher)

	msg := newMessage(1)
	store.On("Claim", mock.Anything, 10, 3).Return(claim, nil).Once()
	claim.On("Messages").Return([]*outboxDomain.OutboxMessage{msg}).Once()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker unavailable")).Once()
	claim.On("Save", mock.Anything, msg).Return(nil).Once()
	claim.On("Release", mock.Anything).Return(nil).Once()

	worker := NewOutboxWorker(store, publisher, testRegistry(), Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	// ACT
	res, err := worker.ProcessBatch(context.Background())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Failed: 1}, res)
	assert.Equal(t, outboxDomain.StatusFailed, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.LastError)
	assert.Contains(t, *msg.LastError, "broker unavailable")
	assert.Nil(t, msg.PublishedOn)
	claim.AssertExpectations(t)
}

func TestOutboxWorker_ProcessBatch_UnknownEventType(t *testing.T) {
	// ARRANGE
	store := new(mocks.MockStore)
	claim := new(mocks.MockClaim)
	publisher := new(mocks.MockPublisher)

	msg := &outboxDomain.OutboxMessage{ID: 9, Type: "unregistered.event", Payload: []byte("x")}
	store.On("Claim", mock.Anything, 10, 3).Return(claim, nil).Once()
	claim.On("Messages").Return([]*outboxDomain.OutboxMessage{msg}).Once()
	claim.On("Save", mock.Anything, msg).Return(nil).Once()
	claim.On("Release", mock.Anything).Return(nil).Once()

	worker := NewOutboxWorker(store, publisher, outboxDomain.EventRegistry{}, Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	// ACT
	res, err := worker.ProcessBatch(context.Background())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "unknown event type", *msg.LastError)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_SaveFailureDoesNotAbortBatch(t *testing.T) {
	// ARRANGE
	store := new(mocks.MockStore)
	claim := new(mocks.MockClaim)
	publisher := new(mocks.MockPublisher)

	first, second := newMessage(1), newMessage(2)
	store.On("Claim", mock.Anything, 10, 3).Return(claim, nil).Once()
	claim.On("Messages").Return([]*outboxDomain.OutboxMessage{first, second}).Once()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	claim.On("Save", mock.Anything, first).Return(errors.New("deadlock detected")).Once()
	claim.On("Save", mock.Anything, second).Return(nil).Once()
	claim.On("Release", mock.Anything).Return(nil).Once()

	worker := NewOutboxWorker(store, publisher, testRegistry(), Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	// ACT
	res, err := worker.ProcessBatch(context.Background())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
	claim.AssertExpectations(t)
}

func TestOutboxWorker_ProcessBatch_ClaimError(t *testing.T) {
	store := new(mocks.MockStore)
	publisher := new(mocks.MockPublisher)
	store.On("Claim", mock.Anything, 10, 3).Return(nil, errors.New("connection refused")).Once()

	worker := NewOutboxWorker(store, publisher, testRegistry(), Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	_, err := worker.ProcessBatch(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_ReleaseError(t *testing.T) {
	store := new(mocks.MockStore)
	claim := new(mocks.MockClaim)
	store.On("Claim", mock.Anything, 10, 3).Return(claim, nil).Once()
	claim.On("Messages").Return([]*outboxDomain.OutboxMessage{}).Once()
	claim.On("Release", mock.Anything).Return(errors.New("commit failed")).Once()

	worker := NewOutboxWorker(store, new(mocks.MockPublisher), testRegistry(), Config{BatchSize: 10, MaxRetryCount: 3}, zap.NewNop(), nil)

	_, err := worker.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "commit failed")
}

func TestOutboxWorker_MaxRetryCountZeroIsHonored(t *testing.T) {
	cases := []struct {
		name       string
		configured int
		expected   int
	}{
		{"cero desactiva reintentos", 0, 0},
		{"negativo usa el default", -1, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mocks.MockStore)
			claim := new(mocks.MockClaim)
			store.On("Claim", mock.Anything, 10, tc.expected).Return(claim, nil).Once()
			claim.On("Messages").Return([]*outboxDomain.OutboxMessage{}).Once()
			claim.On("Release", mock.Anything).Return(nil).Once()

			worker := NewOutboxWorker(store, new(mocks.MockPublisher), testRegistry(), Config{BatchSize: 10, MaxRetryCount: tc.configured}, zap.NewNop(), nil)

			_, err := worker.ProcessBatch(context.Background())
			require.NoError(t, err)
			store.AssertExpectations(t)
		})
	}
}

// panicStore entra en pánico en el primer claim y después devuelve lotes vacíos.
type panicStore struct {
	calls atomic.Int32
}

func (s *panicStore) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	if s.calls.Add(1) == 1 {
		panic("boom")
	}
	return emptyClaim{}, nil
}

type emptyClaim struct{}

func (emptyClaim) Messages() []*outboxDomain.OutboxMessage                 { return nil }
func (emptyClaim) Save(context.Context, *outboxDomain.OutboxMessage) error { return nil }
func (emptyClaim) Release(context.Context) error                           { return nil }

func TestOutboxWorker_Run_RecoversAndStops(t *testing.T) {
	store := &panicStore{}
	worker := NewOutboxWorker(store, new(mocks.MockPublisher), testRegistry(), Config{Interval: 5 * time.Millisecond}, zap.NewNop(), nil)

	worker.Start(context.Background())
	worker.Start(context.Background()) // idempotente

	assert.Eventually(t, func() bool { return store.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	worker.Stop()
	worker.Stop() // idempotente

	calls := store.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, store.calls.Load(), "no hay ciclos tras Stop")
}

// Verificación estática de que los mocks cumplen las interfaces.
var _ outboxDomain.Store = (*mocks.MockStore)(nil)
var _ outboxDomain.Claim = (*mocks.MockClaim)(nil)
var _ sharedBus.Publisher = (*mocks.MockPublisher)(nil)
