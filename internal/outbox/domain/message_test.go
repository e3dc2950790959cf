package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutboxMessage_Valid(t *testing.T) {
	occurred := time.Date(2026, 1, 3, 10, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	payload := []byte{0x08, 0x01}

	msg, err := NewOutboxMessage("  CoreLedger.Application.Events.TransactionCreatedEvent ", payload, occurred)
	require.NoError(t, err)

	assert.Equal(t, "CoreLedger.Application.Events.TransactionCreatedEvent", msg.Type)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, time.UTC, msg.OccurredOn.Location())
	assert.True(t, msg.OccurredOn.Equal(occurred))

	// El payload se copia: mutar el origen no altera el mensaje.
	payload[0] = 0xFF
	assert.Equal(t, byte(0x08), msg.Payload[0])
}

func TestNewOutboxMessage_Invalid(t *testing.T) {
	_, err := NewOutboxMessage("   ", []byte{1}, time.Now())
	assert.ErrorIs(t, err, ErrEmptyEventType)

	_, err = NewOutboxMessage("x", nil, time.Now())
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestMarkAsPublished_IsTerminal(t *testing.T) {
	msg, _ := NewOutboxMessage("x", []byte{1}, time.Time{})
	now := time.Now()

	require.NoError(t, msg.MarkAsPublished(now))
	assert.Equal(t, StatusPublished, msg.Status)
	require.NotNil(t, msg.PublishedOn)
	first := *msg.PublishedOn

	err := msg.MarkAsPublished(now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyPublished)
	assert.Equal(t, first, *msg.PublishedOn, "published_on se fija una sola vez")

	var dv *sharedDomain.DomainValidationError
	assert.True(t, errors.As(err, &dv))

	// Tampoco puede volver a Failed ni a Pending.
	assert.ErrorIs(t, msg.RecordFailure("boom"), ErrAlreadyPublished)
	assert.ErrorIs(t, msg.ResetForRetry(), ErrAlreadyPublished)
	assert.Equal(t, StatusPublished, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
}

func TestRecordFailure_IncrementsAndTruncates(t *testing.T) {
	msg, _ := NewOutboxMessage("x", []byte{1}, time.Time{})

	require.NoError(t, msg.RecordFailure("broker down"))
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, "broker down", *msg.LastError)

	long := strings.Repeat("é", 800)
	require.NoError(t, msg.RecordFailure(long))
	assert.Equal(t, 2, msg.RetryCount)
	assert.Equal(t, MaxLastErrorLength, utf8.RuneCountInString(*msg.LastError))
	assert.True(t, strings.HasSuffix(*msg.LastError, "..."))

	assert.ErrorIs(t, msg.RecordFailure("  "), ErrEmptyErrorDetail)
	assert.Equal(t, 2, msg.RetryCount)
}

func TestTruncateError(t *testing.T) {
	exact := strings.Repeat("a", MaxLastErrorLength)
	assert.Equal(t, exact, TruncateError(exact))

	over := strings.Repeat("a", MaxLastErrorLength+1)
	got := TruncateError(over)
	assert.Len(t, got, MaxLastErrorLength)
	assert.Equal(t, strings.Repeat("a", MaxLastErrorLength-3)+"...", got)
}

func TestIsEligible(t *testing.T) {
	cases := []struct {
		name    string
		status  Status
		retries int
		want    bool
	}{
		{"pending", StatusPending, 0, true},
		{"failed under limit", StatusFailed, 2, true},
		{"failed at limit", StatusFailed, 3, false},
		{"published", StatusPublished, 0, false},
		{"published with retries", StatusPublished, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &OutboxMessage{Status: tc.status, RetryCount: tc.retries}
			assert.Equal(t, tc.want, msg.IsEligible(3))
		})
	}
}

func TestResetForRetry(t *testing.T) {
	msg, _ := NewOutboxMessage("x", []byte{1}, time.Time{})
	require.NoError(t, msg.RecordFailure("boom"))

	require.NoError(t, msg.ResetForRetry())
	assert.Equal(t, StatusPending, msg.Status)
	assert.Nil(t, msg.LastError)
	assert.Equal(t, 1, msg.RetryCount)
}
