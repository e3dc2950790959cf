package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	sharedCache "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/cache"
	"github.com/davicafu/ledgerrelay/internal/transaction/application"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	txCache "github.com/davicafu/ledgerrelay/internal/transaction/infra/outbound/cache"
	"github.com/davicafu/ledgerrelay/pkg/logger"
	"github.com/davicafu/ledgerrelay/tests/mocks"
)

func encodeEvent(t *testing.T, evt txDomain.TransactionCreatedEvent) []byte {
	t.Helper()
	payload, err := evt.MarshalBinary()
	require.NoError(t, err)
	return payload
}

func executed(id int64) txDomain.ProcessTransactionResult {
	return txDomain.ProcessTransactionResult{Success: true, TransactionID: id, FinalStatusID: txDomain.StatusExecuted, CreatedByUserID: "u1"}
}

func newGuard(t *testing.T) *application.IdempotencyGuard {
	t.Helper()
	c := sharedCache.NewInMemoryCache(time.Hour, time.Minute)
	t.Cleanup(c.Stop)
	return application.NewIdempotencyGuard(txCache.NewIdempotencyCacheStore(c, time.Hour), zap.NewNop())
}

func TestTransactionConsumer_CorrelationFromHeader(t *testing.T) {
	// ARRANGE
	core, observed := observer.New(zapcore.DebugLevel)
	processor := new(mocks.MockProcessor)
	notifier := new(mocks.MockNotifier)

	var ctxLogger *zap.Logger
	processor.On("Process", mock.Anything, txDomain.ProcessTransactionCommand{TransactionID: 42, CorrelationID: "abc-123"}).
		Run(func(args mock.Arguments) {
			ctxLogger = logger.FromContext(args.Get(0).(context.Context), nil)
			ctxLogger.Info("dentro del procesamiento")
		}).
		Return(executed(42), nil).Once()
	notifier.On("NotifyTransactionProcessed", mock.Anything, mock.MatchedBy(func(n txDomain.TransactionNotification) bool {
		return n.TransactionID == 42 && n.CorrelationID == "abc-123" && n.Success && n.ErrorMessage == nil
	})).Return(nil).Once()

	consumer := NewTransactionConsumer(processor, notifier, nil, nil, zap.New(core))
	d := &mocks.FakeDelivery{
		Payload: encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 42}),
		Headers: map[string]string{"X-Correlation-ID": "abc-123"},
	}

	// ACT
	consumer.HandleDelivery(context.Background(), d)

	// ASSERT
	assert.Equal(t, 1, d.Acked())
	nacked, _ := d.Nacked()
	assert.Equal(t, 0, nacked)
	require.NotNil(t, ctxLogger)

	inner := observed.FilterMessage("dentro del procesamiento").All()
	require.Len(t, inner, 1)
	assert.Contains(t, inner[0].ContextMap(), "correlation_id")
	assert.Equal(t, "abc-123", inner[0].ContextMap()["correlation_id"])
	processor.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestTransactionConsumer_CorrelationPrecedence(t *testing.T) {
	withPayload := encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 1, CorrelationID: "from-payload"})

	cases := []struct {
		name string
		d    *mocks.FakeDelivery
		want string
	}{
		{"property", &mocks.FakeDelivery{Payload: withPayload, Correlation: "prop", Headers: map[string]string{"X-Correlation-ID": "hdr"}}, "prop"},
		{"header", &mocks.FakeDelivery{Payload: withPayload, Headers: map[string]string{"X-Correlation-ID": "hdr"}}, "hdr"},
		{"payload", &mocks.FakeDelivery{Payload: withPayload}, "from-payload"},
		{"unknown", &mocks.FakeDelivery{Payload: encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 1})}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveCorrelationID(tc.d))
		})
	}
}

func TestTransactionConsumer_NotificationFailureStillAcks(t *testing.T) {
	processor := new(mocks.MockProcessor)
	notifier := new(mocks.MockNotifier)
	processor.On("Process", mock.Anything, mock.Anything).Return(executed(7), nil).Once()
	notifier.On("NotifyTransactionProcessed", mock.Anything, mock.Anything).Return(errors.New("503 service unavailable")).Once()

	consumer := NewTransactionConsumer(processor, notifier, nil, nil, zap.NewNop())
	d := &mocks.FakeDelivery{Payload: encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 7})}

	consumer.HandleDelivery(context.Background(), d)

	assert.Equal(t, 1, d.Acked())
	nacked, _ := d.Nacked()
	assert.Equal(t, 0, nacked)
	notifier.AssertExpectations(t)
}

func TestTransactionConsumer_DecodeFailureRequeues(t *testing.T) {
	processor := new(mocks.MockProcessor)
	consumer := NewTransactionConsumer(processor, nil, nil, nil, zap.NewNop())
	d := &mocks.FakeDelivery{Payload: []byte{0xff, 0xff, 0xff}}

	consumer.HandleDelivery(context.Background(), d)

	nacked, requeue := d.Nacked()
	assert.Equal(t, 1, nacked)
	assert.True(t, requeue)
	assert.Equal(t, 0, d.Acked())
	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestTransactionConsumer_ProcessErrorRequeues(t *testing.T) {
	processor := new(mocks.MockProcessor)
	notifier := new(mocks.MockNotifier)
	processor.On("Process", mock.Anything, mock.Anything).Return(txDomain.ProcessTransactionResult{}, errors.New("db down")).Once()

	consumer := NewTransactionConsumer(processor, notifier, nil, nil, zap.NewNop())
	d := &mocks.FakeDelivery{Payload: encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 9})}

	consumer.HandleDelivery(context.Background(), d)

	nacked, requeue := d.Nacked()
	assert.Equal(t, 1, nacked)
	assert.True(t, requeue)
	notifier.AssertNotCalled(t, "NotifyTransactionProcessed", mock.Anything, mock.Anything)
}

func TestTransactionConsumer_DuplicateIsAckedWithoutProcessing(t *testing.T) {
	processor := new(mocks.MockProcessor)
	processor.On("Process", mock.Anything, mock.Anything).Return(executed(11), nil).Once()

	consumer := NewTransactionConsumer(processor, nil, newGuard(t), nil, zap.NewNop())
	payload := encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 11})

	first := &mocks.FakeDelivery{Payload: payload}
	consumer.HandleDelivery(context.Background(), first)
	second := &mocks.FakeDelivery{Payload: payload}
	consumer.HandleDelivery(context.Background(), second)

	assert.Equal(t, 1, first.Acked())
	assert.Equal(t, 1, second.Acked())
	processor.AssertNumberOfCalls(t, "Process", 1)
}

func TestTransactionConsumer_RetryAfterProcessErrorIsNotDuplicate(t *testing.T) {
	processor := new(mocks.MockProcessor)
	processor.On("Process", mock.Anything, mock.Anything).Return(txDomain.ProcessTransactionResult{}, errors.New("timeout")).Once()
	processor.On("Process", mock.Anything, mock.Anything).Return(executed(12), nil).Once()

	consumer := NewTransactionConsumer(processor, nil, newGuard(t), nil, zap.NewNop())
	payload := encodeEvent(t, txDomain.TransactionCreatedEvent{TransactionID: 12})

	first := &mocks.FakeDelivery{Payload: payload}
	consumer.HandleDelivery(context.Background(), first)
	redelivered := &mocks.FakeDelivery{Payload: payload}
	consumer.HandleDelivery(context.Background(), redelivered)

	nacked, _ := first.Nacked()
	assert.Equal(t, 1, nacked)
	assert.Equal(t, 1, redelivered.Acked())
	processor.AssertNumberOfCalls(t, "Process", 2)
}
