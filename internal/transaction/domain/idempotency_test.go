package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdempotencyEntry(t *testing.T) {
	_, err := NewIdempotencyEntry(uuid.Nil, nil, time.Now())
	assert.ErrorIs(t, err, ErrEmptyIdempotencyKey)

	key := uuid.Must(uuid.NewV7())
	entry, err := NewIdempotencyEntry(key, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
	assert.Nil(t, entry.TransactionID)
	assert.False(t, entry.Completed())

	entry.AttachTransaction(99)
	require.NotNil(t, entry.TransactionID)
	assert.Equal(t, int64(99), *entry.TransactionID)
	assert.Equal(t, key, entry.Key, "la clave es inmutable")
	assert.True(t, entry.Completed())
}

func TestNewIdempotencyEntry_CopiesTransactionID(t *testing.T) {
	id := int64(5)
	entry, err := NewIdempotencyEntry(uuid.New(), &id, time.Now())
	require.NoError(t, err)

	id = 6
	assert.Equal(t, int64(5), *entry.TransactionID)
}

func TestIdempotencyKeyFor(t *testing.T) {
	explicit := uuid.New()
	assert.Equal(t, explicit, IdempotencyKeyFor(&TransactionCreatedEvent{TransactionID: 1, IdempotencyKey: explicit}))

	a := IdempotencyKeyFor(&TransactionCreatedEvent{TransactionID: 10})
	b := IdempotencyKeyFor(&TransactionCreatedEvent{TransactionID: 10})
	c := IdempotencyKeyFor(&TransactionCreatedEvent{TransactionID: 11})
	assert.Equal(t, a, b, "la clave derivada es determinista")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, uuid.Nil, a)
}

func TestNewTransactionNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := NewTransactionNotification(ProcessTransactionResult{
		Success: false, TransactionID: 3, FinalStatusID: StatusFailed, CreatedByUserID: "u1", ErrorMessage: "not pending",
	}, "corr", now)

	assert.Equal(t, int64(3), n.TransactionID)
	require.NotNil(t, n.ErrorMessage)
	assert.Equal(t, "not pending", *n.ErrorMessage)
	assert.Equal(t, "corr", n.CorrelationID)

	ok := NewTransactionNotification(ProcessTransactionResult{Success: true, TransactionID: 4, FinalStatusID: StatusExecuted}, "c", now)
	assert.Nil(t, ok.ErrorMessage)
}
