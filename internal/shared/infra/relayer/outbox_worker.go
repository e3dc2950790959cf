package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/davicafu/ledgerrelay/internal/infra/telemetry"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Config agrupa los parámetros del poller.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetryCount int
}

// BatchResult resume un ciclo de ProcessBatch.
type BatchResult struct {
	Claimed   int
	Published int
	Failed    int
}

// Worker reclama filas de la outbox, las publica y persiste el resultado de cada una.
// Garantía at-least-once: una fila publicada cuyo estado no se pudo guardar se vuelve a publicar.
type Worker struct {
	store         outboxDomain.Store
	publisher     sharedBus.Publisher
	eventRegistry outboxDomain.EventRegistry
	interval      time.Duration
	batchSize     int
	maxRetryCount int
	log           *zap.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

func NewOutboxWorker(
	store outboxDomain.Store,
	publisher sharedBus.Publisher,
	registry outboxDomain.EventRegistry,
	cfg Config,
	log *zap.Logger,
	metrics *telemetry.Metrics,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	// 0 es válido: las filas Failed no se reintentan.
	if cfg.MaxRetryCount < 0 {
		cfg.MaxRetryCount = 3
	}
	return &Worker{
		store:         store,
		publisher:     publisher,
		eventRegistry: registry,
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		maxRetryCount: cfg.MaxRetryCount,
		log:           log,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Run ejecuta el bucle de polling hasta que ctx se cancele.
// La cancelación solo se observa entre ciclos: el ciclo en curso termina con un contexto desacoplado.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("🚀 Outbox worker iniciado",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
		zap.Int("max_retry_count", w.maxRetryCount),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Outbox worker detenido.")
			return
		case <-timer.C:
		}

		w.runCycle(context.WithoutCancel(ctx))
		timer.Reset(w.interval)
	}
}

// Start lanza Run en background con su propia señal de parada. Llamadas repetidas no hacen nada.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg = conc.NewWaitGroup()
	w.wg.Go(func() { w.Run(runCtx) })
}

// Stop cancela el bucle y espera a que termine el ciclo en curso.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, wg := w.cancel, w.wg
	w.cancel, w.wg = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

func (w *Worker) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("💥 Panic en ciclo de outbox, se reintenta en el siguiente intervalo", zap.Any("panic", r))
		}
	}()

	res, err := w.ProcessBatch(ctx)
	if err != nil {
		w.log.Warn("⚠️ Error en ciclo de outbox", zap.Error(err))
		return
	}
	if res.Claimed > 0 {
		w.log.Info(fmt.Sprintf("📬 %d mensajes procesados", res.Claimed),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
		)
	}
}

// ProcessBatch ejecuta un ciclo: claim, publicación fila a fila y release.
// Un fallo en una fila nunca aborta el resto del lote.
func (w *Worker) ProcessBatch(ctx context.Context) (res BatchResult, err error) {
	claim, err := w.store.Claim(ctx, w.batchSize, w.maxRetryCount)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer func() {
		if relErr := claim.Release(ctx); relErr != nil && err == nil {
			err = fmt.Errorf("release outbox claim: %w", relErr)
		}
	}()

	msgs := claim.Messages()
	res.Claimed = len(msgs)
	for _, msg := range msgs {
		if w.publishAndMark(ctx, claim, msg) {
			res.Published++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func (w *Worker) publishAndMark(ctx context.Context, claim outboxDomain.Claim, msg *outboxDomain.OutboxMessage) bool {
	log := w.log.With(zap.Int64("outbox_id", msg.ID), zap.String("event_type", msg.Type))

	// 1. Resolver la cola con el registro
	var pubErr error
	route, ok := w.eventRegistry[msg.Type]
	if !ok {
		pubErr = outboxDomain.ErrUnknownEventType
		log.Error("Tipo de evento desconocido en registro")
	} else {
		correlationID := ""
		if route.CorrelationID != nil {
			correlationID = route.CorrelationID(msg.Payload)
		}
		// 2. Publicar el payload tal cual
		pubErr = w.publisher.Publish(ctx, route.Queue, msg.Payload, correlationID)
	}

	// 3. Reflejar el resultado en la fila
	published := pubErr == nil
	if published {
		if err := msg.MarkAsPublished(w.now()); err != nil {
			log.Error("No se pudo marcar mensaje como publicado", zap.Error(err))
			return false
		}
		w.metrics.OutboxPublished(ctx, msg.Type)
	} else {
		if !errors.Is(pubErr, outboxDomain.ErrUnknownEventType) {
			log.Warn("⚠️ No se pudo publicar mensaje", zap.Int("retry_count", msg.RetryCount), zap.Error(pubErr))
		}
		if err := msg.RecordFailure(pubErr.Error()); err != nil {
			log.Error("No se pudo registrar el fallo", zap.Error(err))
			return false
		}
		w.metrics.OutboxFailed(ctx, msg.Type)
	}

	// 4. Persistir; si falla, la fila queda como estaba para el siguiente poll
	if err := claim.Save(ctx, msg); err != nil {
		log.Warn("⚠️ No se pudo guardar el estado del mensaje", zap.Error(err))
		return published
	}
	if published {
		log.Info("✅ Mensaje publicado y marcado", zap.String("queue", route.Queue))
	}
	return published
}
