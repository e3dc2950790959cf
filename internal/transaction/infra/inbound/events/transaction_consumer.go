package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/ledgerrelay/internal/infra/telemetry"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/davicafu/ledgerrelay/pkg/logger"
)

const unknownCorrelationID = "unknown"

// IdempotencyGuard es lo que el consumidor usa del guard de idempotencia.
type IdempotencyGuard interface {
	KeyFor(evt *txDomain.TransactionCreatedEvent) uuid.UUID
	Begin(ctx context.Context, key uuid.UUID) (bool, error)
	Attach(ctx context.Context, key uuid.UUID, transactionID int64) error
}

// TransactionConsumer procesa los eventos TransactionCreated que llegan del broker.
type TransactionConsumer struct {
	processor txDomain.TransactionProcessor
	notifier  txDomain.Notifier
	guard     IdempotencyGuard
	metrics   *telemetry.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewTransactionConsumer crea el consumidor. guard, notifier y metrics pueden ser nil.
func NewTransactionConsumer(
	processor txDomain.TransactionProcessor,
	notifier txDomain.Notifier,
	guard IdempotencyGuard,
	metrics *telemetry.Metrics,
	log *zap.Logger,
) *TransactionConsumer {
	return &TransactionConsumer{
		processor: processor,
		notifier:  notifier,
		guard:     guard,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// HandleDelivery decide el ack/nack de una entrega.
// Fallo de decode o de procesamiento → nack con requeue; la notificación nunca afecta al ack.
func (c *TransactionConsumer) HandleDelivery(ctx context.Context, d sharedBus.Delivery) {
	correlationID := resolveCorrelationID(d)
	log := c.log.With(zap.String("correlation_id", correlationID))
	ctx = logger.WithContext(ctx, log)

	var evt txDomain.TransactionCreatedEvent
	if err := evt.UnmarshalBinary(d.Body()); err != nil {
		log.Error("❌ No se pudo decodificar el evento", zap.Int("payload_size", len(d.Body())), zap.Error(err))
		c.nack(ctx, d, log)
		return
	}
	log = log.With(zap.Int64("transaction_id", evt.TransactionID))
	ctx = logger.WithContext(ctx, log)

	var key uuid.UUID
	if c.guard != nil {
		key = c.guard.KeyFor(&evt)
		applied, err := c.guard.Begin(ctx, key)
		if err != nil {
			log.Error("Error comprobando idempotencia", zap.Error(err))
			c.nack(ctx, d, log)
			return
		}
		if applied {
			log.Info("Evento duplicado ignorado", zap.String("idempotency_key", key.String()))
			c.metrics.Delivery(ctx, telemetry.OutcomeDuplicate)
			c.ack(ctx, d, log)
			return
		}
	}

	res, err := c.processor.Process(ctx, txDomain.ProcessTransactionCommand{
		TransactionID: evt.TransactionID,
		CorrelationID: correlationID,
	})
	if err != nil {
		log.Error("❌ Error procesando la transacción", zap.Error(err))
		c.nack(ctx, d, log)
		return
	}

	if c.guard != nil {
		if err := c.guard.Attach(ctx, key, res.TransactionID); err != nil {
			log.Warn("No se pudo completar la clave de idempotencia", zap.Error(err))
		}
	}

	log.Info("Transacción procesada",
		zap.Bool("success", res.Success),
		zap.Int("final_status_id", res.FinalStatusID),
	)

	if c.notifier != nil {
		notification := txDomain.NewTransactionNotification(res, correlationID, c.now())
		if err := c.notifier.NotifyTransactionProcessed(ctx, notification); err != nil {
			log.Warn("⚠️ Falló la notificación, se confirma igualmente", zap.Error(err))
		}
	}

	c.metrics.Delivery(ctx, telemetry.OutcomeAcked)
	c.ack(ctx, d, log)
}

func (c *TransactionConsumer) ack(ctx context.Context, d sharedBus.Delivery, log *zap.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Error("Error en ack", zap.Error(err))
	}
}

func (c *TransactionConsumer) nack(ctx context.Context, d sharedBus.Delivery, log *zap.Logger) {
	c.metrics.Delivery(ctx, telemetry.OutcomeRequeued)
	if err := d.Nack(ctx, true); err != nil {
		log.Error("Error en nack", zap.Error(err))
	}
}

// resolveCorrelationID: propiedad, header, campo del payload y por último "unknown".
func resolveCorrelationID(d sharedBus.Delivery) string {
	if id := d.CorrelationID(); id != "" {
		return id
	}
	if id := d.Header(sharedBus.CorrelationHeader); id != "" {
		return id
	}
	if id := txDomain.PeekCorrelationID(d.Body()); id != "" {
		return id
	}
	return unknownCorrelationID
}

// Verificación en tiempo de compilación.
var _ sharedBus.DeliveryHandler = (*TransactionConsumer)(nil)
