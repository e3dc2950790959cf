package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sharedDomain "github.com/davicafu/ledgerrelay/internal/shared/domain"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/davicafu/ledgerrelay/pkg/logger"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	transactionProcessedPath = "/api/worker-notifications/transaction-processed"
	defaultUserAgent         = "ledgerrelay-worker/1.0"
	defaultTimeout           = 10 * time.Second
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Token     string
	UserAgent string
}

// HTTPNotifier avisa a la API de que una transacción terminó de procesarse.
type HTTPNotifier struct {
	client    *http.Client
	url       string
	token     string
	userAgent string
	log       *zap.Logger
}

func NewHTTPNotifier(cfg Config, log *zap.Logger) *HTTPNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &HTTPNotifier{
		client:    &http.Client{Timeout: cfg.Timeout},
		url:       strings.TrimRight(cfg.BaseURL, "/") + transactionProcessedPath,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		log:       log,
	}
}

func (n *HTTPNotifier) NotifyTransactionProcessed(ctx context.Context, notification txDomain.TransactionNotification) error {
	log := logger.FromContext(ctx, n.log)

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	if notification.CorrelationID != "" {
		req.Header.Set(sharedBus.CorrelationHeader, notification.CorrelationID)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return sharedDomain.NewExternalServiceError("NotificationAPI", "request failed", err)
	}
	defer resp.Body.Close()
	// Se vacía el body para reutilizar la conexión.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sharedDomain.NewExternalServiceError("NotificationAPI",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	log.Debug("Notificación enviada", zap.Int64("transaction_id", notification.TransactionID))
	return nil
}

// Verificación en tiempo de compilación.
var _ txDomain.Notifier = (*HTTPNotifier)(nil)
