package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	config "github.com/davicafu/ledgerrelay/internal/config"
	"github.com/davicafu/ledgerrelay/internal/infra/db/memory"
	"github.com/davicafu/ledgerrelay/internal/infra/db/mongodb"
	"github.com/davicafu/ledgerrelay/internal/infra/db/postgres"
	kafkaEvents "github.com/davicafu/ledgerrelay/internal/infra/events/kafka"
	memoryEvents "github.com/davicafu/ledgerrelay/internal/infra/events/memory"
	"github.com/davicafu/ledgerrelay/internal/infra/events/rabbitmq"
	infraHttp "github.com/davicafu/ledgerrelay/internal/infra/http"
	"github.com/davicafu/ledgerrelay/internal/infra/telemetry"
	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	sharedBus "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/cache"
	"github.com/davicafu/ledgerrelay/internal/shared/infra/platform/db/sqlite"
	"github.com/davicafu/ledgerrelay/internal/shared/infra/relayer"
	txApp "github.com/davicafu/ledgerrelay/internal/transaction/application"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	txEvents "github.com/davicafu/ledgerrelay/internal/transaction/infra/inbound/events"
	txCache "github.com/davicafu/ledgerrelay/internal/transaction/infra/outbound/cache"
	txRepo "github.com/davicafu/ledgerrelay/internal/transaction/infra/outbound/db/postgre"
	"github.com/davicafu/ledgerrelay/internal/transaction/infra/outbound/notify"
	"github.com/davicafu/ledgerrelay/pkg/logger"

	// _ "github.com/mattn/go-sqlite3" // requires gcc
	_ "modernc.org/sqlite"
)

const shutdownTimeout = 15 * time.Second

type closablePublisher interface {
	sharedBus.Publisher
	Close() error
}

type consumerLoop interface {
	Run(ctx context.Context) error
}

// storage agrupa lo que depende del driver de almacenamiento.
type storage struct {
	outbox       outboxDomain.Store
	transactions txDomain.TransactionRepository
	pool         *pgxpool.Pool
	memOutbox    *memory.OutboxRepoMemory
	memTx        *memory.TransactionRepoMemory
	closers      []func()
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// ---------------- Main ----------------
func main() {
	logger.Init()          // inicializa zap
	log := logger.Logger() // obtiene logger estructurado
	defer log.Sync()       // flush buffers al salir

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Telemetry ----------------
	mp, shutdownMetrics, err := telemetry.InitMeterProvider(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		log.Fatal("failed to init metrics", zap.Error(err))
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		log.Fatal("failed to create counters", zap.Error(err))
	}

	// ---------------- DB ----------------
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.close()

	// ---------------- Idempotencia ----------------
	idempotencyStore, closeIdempotency, err := openIdempotencyStore(ctx, cfg, store, log)
	if err != nil {
		log.Fatal("failed to open idempotency store", zap.Error(err))
	}
	defer closeIdempotency()

	// ---------------- Broker ----------------
	publisher, memBus := openPublisher(cfg, log)
	defer publisher.Close()

	// --------------- Servicio --------------
	processor := txApp.NewProcessService(store.transactions, log)
	guard := txApp.NewIdempotencyGuard(idempotencyStore, log)

	var notifier txDomain.Notifier
	if cfg.NotificationBaseURL != "" {
		notifier = notify.NewHTTPNotifier(notify.Config{
			BaseURL: cfg.NotificationBaseURL,
			Timeout: cfg.NotificationTimeout,
			Token:   cfg.NotificationToken,
		}, log)
	} else {
		log.Info("NOTIFICATION_BASE_URL vacío, notificaciones desactivadas")
	}
	consumer := txEvents.NewTransactionConsumer(processor, notifier, guard, metrics, log)

	var wg conc.WaitGroup

	if cfg.ConsumerEnabled {
		loop := newConsumerLoop(cfg, memBus, consumer, log)
		wg.Go(func() {
			if err := loop.Run(ctx); err != nil {
				log.Error("Consumidor terminado con error", zap.Error(err))
			}
		})
	}

	// ------------ Outbox Worker ------------
	var worker *relayer.Worker
	if cfg.OutboxEnabled {
		worker = relayer.NewOutboxWorker(store.outbox, publisher, txDomain.NewEventRegistry(cfg.Queue), relayer.Config{
			Interval:      cfg.OutboxInterval,
			BatchSize:     cfg.OutboxBatchSize,
			MaxRetryCount: cfg.OutboxMaxRetryCount,
		}, log, metrics)
		worker.Start(ctx)
	}

	if store.memOutbox != nil {
		seedLocalDemo(ctx, store, log)
	}

	// ---------------- HTTP ----------------
	router := gin.Default()
	infraHttp.RegisterHealthRoutes(router, infraHttp.NewHealthHandler(cfg.ServiceName, readinessChecks(store, publisher)))
	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	wg.Go(func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	log.Info("🛑 Señal recibida, apagando...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	if worker != nil {
		worker.Stop()
	}
	wg.Wait()
	log.Info("👋 Apagado completo")
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	s := &storage{}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.RunMigrations {
			if err := postgres.Migrate(ctx, cfg.PostgresDSN, log); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s.pool = pool
		s.closers = append(s.closers, pool.Close)
		s.outbox = postgres.NewOutboxRepoPostgres(pool)
		s.transactions = txRepo.NewTransactionRepoPostgres(pool)
		log.Info("✅ Postgres conectado")
		return s, nil

	case config.StoreSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		s.closers = append(s.closers, func() { _ = db.Close() })
		if err := sqlite.InitSQLite(db); err != nil {
			s.close()
			return nil, err
		}
		s.outbox = sqlite.NewOutboxRepoSQLite(db, cfg.OutboxLease)

	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Disconnect(context.Background()) })
		repo := mongodb.NewOutboxRepoMongoDB(client, cfg.MongoDatabase, cfg.OutboxLease)
		if err := repo.EnsureIndexes(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.outbox = repo

	default:
		s.memOutbox = memory.NewOutboxRepoMemory()
		s.outbox = s.memOutbox
	}

	// La tabla transactions solo existe en Postgres; el resto de modos son locales.
	log.Warn("⚠️ Repositorio de transacciones en memoria", zap.String("store_driver", cfg.StoreDriver))
	s.memTx = memory.NewTransactionRepoMemory()
	s.transactions = s.memTx
	return s, nil
}

func openIdempotencyStore(ctx context.Context, cfg *config.Config, store *storage, log *zap.Logger) (txDomain.IdempotencyStore, func(), error) {
	noop := func() {}

	// ---------------- Cache ----------------
	var cacheInstance sharedCache.Cache
	closeCache := noop
	if cfg.IdempotencyDriver != config.IdempotencyMemory {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.IdempotencyDriver == config.IdempotencyRedis {
				_ = rdb.Close()
				return nil, noop, err
			}
			log.Warn("⚠️ Redis no disponible, cache en memoria:", zap.Error(err))
			_ = rdb.Close()
		} else {
			cacheInstance = sharedCache.NewRedisCache(rdb, cfg.IdempotencyTTL)
			closeCache = func() { _ = rdb.Close() }
			log.Info("✅ Redis conectado, cache habilitado")
		}
	}
	if cacheInstance == nil {
		mem := sharedCache.NewInMemoryCache(cfg.IdempotencyTTL, time.Minute)
		cacheInstance = mem
		closeCache = mem.Stop
	}

	switch cfg.IdempotencyDriver {
	case config.IdempotencyPostgres:
		persistent := txRepo.NewIdempotencyRepoPostgres(store.pool)
		return txCache.NewCachedIdempotencyStore(persistent, cacheInstance, cfg.IdempotencyTTL, log), closeCache, nil
	default:
		return txCache.NewIdempotencyCacheStore(cacheInstance, cfg.IdempotencyTTL), closeCache, nil
	}
}

func rabbitConfig(cfg *config.Config) rabbitmq.Config {
	return rabbitmq.Config{
		Host:     cfg.RabbitHost,
		Port:     cfg.RabbitPort,
		User:     cfg.RabbitUser,
		Password: cfg.RabbitPassword,
		VHost:    cfg.RabbitVHost,
		Queue: sharedBus.QueueOptions{
			Durable:    cfg.QueueDurable,
			Exclusive:  cfg.QueueExclusive,
			AutoDelete: cfg.QueueAutoDelete,
		},
		PrefetchCount: cfg.PrefetchCount,
		PrefetchSize:  cfg.PrefetchSize,
	}
}

func kafkaConfig(cfg *config.Config) kafkaEvents.Config {
	return kafkaEvents.Config{
		Brokers:           cfg.KafkaBrokers,
		Queue:             sharedBus.QueueOptions{Durable: cfg.QueueDurable},
		ReplicationFactor: cfg.KafkaReplicationFactor,
		GroupID:           cfg.KafkaGroupID,
	}
}

func openPublisher(cfg *config.Config, log *zap.Logger) (closablePublisher, *memoryEvents.Bus) {
	switch cfg.BrokerDriver {
	case config.BrokerRabbitMQ:
		log.Info("🐇 Usando RabbitMQ como broker")
		return rabbitmq.NewPublisher(rabbitConfig(cfg), log), nil
	case config.BrokerKafka:
		log.Info("🚀 Usando Kafka como broker")
		return kafkaEvents.NewPublisher(kafkaConfig(cfg), log), nil
	default:
		log.Info("⚡️Usando broker en memoria (canales de Go)")
		bus := memoryEvents.NewBus(256)
		return bus, bus
	}
}

func newConsumerLoop(cfg *config.Config, memBus *memoryEvents.Bus, handler sharedBus.DeliveryHandler, log *zap.Logger) consumerLoop {
	switch cfg.BrokerDriver {
	case config.BrokerRabbitMQ:
		return rabbitmq.NewConsumer(rabbitConfig(cfg), cfg.Queue, handler, log)
	case config.BrokerKafka:
		return kafkaEvents.NewConsumerAdapter(kafkaConfig(cfg), cfg.Queue, handler, log)
	default:
		return memoryEvents.NewConsumer(memBus, cfg.Queue, handler, cfg.PrefetchCount, log)
	}
}

func readinessChecks(store *storage, publisher sharedBus.Publisher) map[string]infraHttp.Pinger {
	checks := map[string]infraHttp.Pinger{}
	if p, ok := store.outbox.(infraHttp.Pinger); ok {
		checks["outbox_store"] = p
	}
	if p, ok := publisher.(infraHttp.Pinger); ok {
		checks["broker"] = p
	}
	return checks
}

// seedLocalDemo simula una transacción creada por la API para ver el flujo completo en local.
func seedLocalDemo(ctx context.Context, store *storage, log *zap.Logger) {
	now := time.Now().UTC()
	store.memTx.Put(txDomain.Transaction{ID: 1, StatusID: txDomain.StatusPending, CreatedByUserID: "local-user"})

	evt := txDomain.TransactionCreatedEvent{
		TransactionID:   1,
		CreatedByUserID: "local-user",
		CorrelationID:   "local-demo",
		CreatedAt:       now,
		OccurredOn:      now,
	}
	payload, err := evt.MarshalBinary()
	if err != nil {
		log.Error("Fallo al codificar el evento simulado", zap.Error(err))
		return
	}
	msg, err := outboxDomain.NewOutboxMessage(txDomain.TransactionCreatedEventType, payload, now)
	if err != nil {
		log.Error("Fallo al crear el mensaje simulado", zap.Error(err))
		return
	}
	if _, err := store.memOutbox.Insert(ctx, msg); err != nil {
		log.Error("Fallo al guardar el mensaje simulado", zap.Error(err))
		return
	}
	log.Info("✅ Evento 'TransactionCreated' simulado en la outbox")
}
