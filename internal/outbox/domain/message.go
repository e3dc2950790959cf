package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
)

// Status es el estado de una fila de la outbox. Los valores son los persistidos en la columna status.
type Status int16

const (
	StatusPending   Status = 0
	StatusPublished Status = 1
	StatusFailed    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPublished:
		return "published"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MaxLastErrorLength es el máximo de caracteres que se guardan en last_error.
const MaxLastErrorLength = 500

const truncationMarker = "..."

// ---------- Errores de dominio ----------
var (
	ErrEmptyEventType   = errors.New("outbox: event type cannot be empty")
	ErrEmptyPayload     = errors.New("outbox: payload cannot be empty")
	ErrEmptyErrorDetail = errors.New("outbox: error message cannot be empty")

	// ErrAlreadyPublished protege el estado terminal: una fila publicada no vuelve a cambiar.
	ErrAlreadyPublished = sharedDomain.NewDomainValidationError("outbox: message already published")
)

// OutboxMessage representa una fila de transaction_created_outbox_message.
type OutboxMessage struct {
	ID          int64      `json:"id"`
	OccurredOn  time.Time  `json:"occurred_on"`
	Type        string     `json:"type"`
	Payload     []byte     `json:"payload"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	PublishedOn *time.Time `json:"published_on,omitempty"`
}

// NewOutboxMessage crea un mensaje Pending listo para insertarse junto a la transacción de negocio.
func NewOutboxMessage(eventType string, payload []byte, occurredOn time.Time) (*OutboxMessage, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if occurredOn.IsZero() {
		occurredOn = time.Now()
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	return &OutboxMessage{
		OccurredOn: occurredOn.UTC(),
		Type:       eventType,
		Payload:    body,
		Status:     StatusPending,
	}, nil
}

// MarkAsPublished pasa el mensaje a Published. Falla si ya estaba publicado.
func (m *OutboxMessage) MarkAsPublished(now time.Time) error {
	if m.Status == StatusPublished {
		return ErrAlreadyPublished
	}
	published := now.UTC()
	m.Status = StatusPublished
	m.PublishedOn = &published
	return nil
}

// RecordFailure registra un intento fallido: incrementa retry_count y guarda el error truncado.
func (m *OutboxMessage) RecordFailure(errMsg string) error {
	errMsg = strings.TrimSpace(errMsg)
	if errMsg == "" {
		return ErrEmptyErrorDetail
	}
	if m.Status == StatusPublished {
		return ErrAlreadyPublished
	}
	truncated := TruncateError(errMsg)
	m.RetryCount++
	m.LastError = &truncated
	m.Status = StatusFailed
	return nil
}

// ResetForRetry devuelve un mensaje fallido a Pending. Pensado para operación manual
// de filas que agotaron los reintentos; el poller nunca lo llama.
func (m *OutboxMessage) ResetForRetry() error {
	if m.Status == StatusPublished {
		return ErrAlreadyPublished
	}
	m.Status = StatusPending
	m.LastError = nil
	return nil
}

// IsEligible replica el filtro de la consulta de claim para stores sin SQL.
func (m *OutboxMessage) IsEligible(maxRetryCount int) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return m.RetryCount < maxRetryCount
	default:
		return false
	}
}

// TruncateError limita s a MaxLastErrorLength caracteres, terminando en "..." si se recorta.
func TruncateError(s string) string {
	if utf8.RuneCountInString(s) <= MaxLastErrorLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxLastErrorLength-len(truncationMarker)]) + truncationMarker
}
