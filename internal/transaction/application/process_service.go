package application

import (
	"context"
	"errors"
	"fmt"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/davicafu/ledgerrelay/pkg/logger"
	"go.uber.org/zap"
)

// ProcessService aplica una transacción recibida: Pending → Executed.
// Solo hace la transición de estado; las reglas de negocio viven en la API.
type ProcessService struct {
	repo txDomain.TransactionRepository
	log  *zap.Logger
}

func NewProcessService(repo txDomain.TransactionRepository, log *zap.Logger) *ProcessService {
	return &ProcessService{repo: repo, log: log}
}

// Process devuelve un error solo ante fallos de infraestructura (el mensaje se reencola).
// Una transacción inexistente o que ya no está Pending es un resultado no exitoso, no un error.
func (s *ProcessService) Process(ctx context.Context, cmd txDomain.ProcessTransactionCommand) (txDomain.ProcessTransactionResult, error) {
	log := logger.FromContext(ctx, s.log).With(zap.Int64("transaction_id", cmd.TransactionID))
	log.Info("Procesando transacción")

	tx, err := s.repo.GetByID(ctx, cmd.TransactionID)
	if errors.Is(err, txDomain.ErrTransactionNotFound) {
		log.Warn("Transacción no encontrada")
		return txDomain.ProcessTransactionResult{
			Success:       false,
			TransactionID: cmd.TransactionID,
			FinalStatusID: txDomain.StatusFailed,
			ErrorMessage:  "transaction not found",
		}, nil
	}
	if err != nil {
		return txDomain.ProcessTransactionResult{}, fmt.Errorf("load transaction %d: %w", cmd.TransactionID, err)
	}

	if tx.StatusID != txDomain.StatusPending {
		log.Warn("Transacción no está en estado Pending", zap.Int("current_status", tx.StatusID))
		return notPending(tx), nil
	}

	err = s.repo.UpdateStatus(ctx, tx.ID, txDomain.StatusPending, txDomain.StatusExecuted)
	switch {
	case err == nil:
		log.Info("✅ Transacción ejecutada")
		return txDomain.ProcessTransactionResult{
			Success:         true,
			TransactionID:   tx.ID,
			FinalStatusID:   txDomain.StatusExecuted,
			CreatedByUserID: tx.CreatedByUserID,
		}, nil

	case errors.Is(err, txDomain.ErrStatusConflict):
		// Otro consumidor la cambió entre la lectura y el update.
		current, getErr := s.repo.GetByID(ctx, tx.ID)
		if getErr != nil {
			return txDomain.ProcessTransactionResult{}, fmt.Errorf("reload transaction %d: %w", tx.ID, getErr)
		}
		log.Warn("Estado cambiado concurrentemente", zap.Int("current_status", current.StatusID))
		return notPending(current), nil

	default:
		var validationErr *sharedDomain.DomainValidationError
		if !errors.As(err, &validationErr) {
			return txDomain.ProcessTransactionResult{}, fmt.Errorf("update transaction %d: %w", tx.ID, err)
		}
		log.Warn("Fallo de validación, se marca como Failed", zap.Error(err))
		if failErr := s.repo.UpdateStatus(ctx, tx.ID, txDomain.StatusPending, txDomain.StatusFailed); failErr != nil {
			return txDomain.ProcessTransactionResult{}, fmt.Errorf("mark transaction %d failed: %w", tx.ID, failErr)
		}
		return txDomain.ProcessTransactionResult{
			Success:         false,
			TransactionID:   tx.ID,
			FinalStatusID:   txDomain.StatusFailed,
			CreatedByUserID: tx.CreatedByUserID,
			ErrorMessage:    validationErr.Error(),
		}, nil
	}
}

func notPending(tx *txDomain.Transaction) txDomain.ProcessTransactionResult {
	return txDomain.ProcessTransactionResult{
		Success:         false,
		TransactionID:   tx.ID,
		FinalStatusID:   tx.StatusID,
		CreatedByUserID: tx.CreatedByUserID,
		ErrorMessage:    fmt.Sprintf("transaction is not pending (current: %d)", tx.StatusID),
	}
}

// Verificación en tiempo de compilación.
var _ txDomain.TransactionProcessor = (*ProcessService)(nil)
