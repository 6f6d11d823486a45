package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/config"
	"github.com/royengg/yunami-bot/internal/database"
	"github.com/royengg/yunami-bot/internal/graph"
	"github.com/royengg/yunami-bot/internal/handler"
	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/logger"
	"github.com/royengg/yunami-bot/internal/messaging"
	appMiddleware "github.com/royengg/yunami-bot/internal/middleware"
	"github.com/royengg/yunami-bot/internal/repository"
	"github.com/royengg/yunami-bot/internal/service"
	"github.com/royengg/yunami-bot/pkg/migration"
)

func main() {
	_ = godotenv.Load()
	log.Println("Запуск Narrative Engine...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
	})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	// Граф историй
	stories, err := graph.NewFileStoryProvider(cfg.StoriesDir, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось загрузить истории", zap.Error(err))
	}

	// PostgreSQL опционален: без него движок живёт только в памяти.
	var dbPool *pgxpool.Pool
	var sessionSnapshots interfaces.SessionSnapshotRepository
	var partySnapshots interfaces.PartySnapshotRepository
	if cfg.PersistenceEnabled() {
		dbPool, err = setupDatabase(cfg)
		if err != nil {
			zapLogger.Fatal("Не удалось подключиться к БД", zap.Error(err))
		}
		defer dbPool.Close()
		zapLogger.Info("Успешное подключение к PostgreSQL")

		migrator := migration.NewMigrator(migration.Config{
			MigrationsPath: "migrations",
			MigrationsFS:   database.MigrationsFS(),
		}, dbPool)
		if err := migrator.Up(context.Background()); err != nil {
			zapLogger.Fatal("Не удалось применить миграции", zap.Error(err))
		}

		sessionSnapshots = repository.NewPgSessionSnapshotRepository(dbPool, zapLogger)
		partySnapshots = repository.NewPgPartySnapshotRepository(dbPool, zapLogger)
	} else {
		zapLogger.Info("Persistence disabled, running in-memory only")
	}

	// Redis опционален: без него инвайт-коды живут в памяти процесса.
	var invites interfaces.InviteCodeRepository
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			zapLogger.Fatal("Не удалось подключиться к Redis", zap.Error(err))
		}
		cancel()
		defer redisClient.Close()
		invites = repository.NewRedisInviteRepository(redisClient, zapLogger)
		zapLogger.Info("Успешное подключение к Redis")
	} else {
		invites = repository.NewMemoryInviteRepository()
		zapLogger.Info("Redis not configured, invite codes kept in memory")
	}

	// WebSocket хаб поднимаем всегда: поверхности подписываются на обновления.
	wsManager := handler.NewConnectionManager(zapLogger)

	// RabbitMQ опционален: без него обновления уходят напрямую в ws-хаб,
	// а личные доставки отключены.
	var deliveries messaging.PrivateDeliveryPublisher
	var updates messaging.ClientUpdatePublisher
	var rabbitConn *amqp.Connection
	if cfg.RabbitMQURL != "" {
		rabbitConn, err = connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
		if err != nil {
			zapLogger.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(err))
		}
		defer rabbitConn.Close()
		zapLogger.Info("Успешное подключение к RabbitMQ")

		deliveries, err = messaging.NewRabbitMQPrivateDeliveryPublisher(rabbitConn, cfg.PrivateDeliveryQueue)
		if err != nil {
			zapLogger.Fatal("Не удалось создать PrivateDeliveryPublisher", zap.Error(err))
		}
		updates, err = messaging.NewRabbitMQClientUpdatePublisher(rabbitConn, cfg.ClientUpdatesQueue)
		if err != nil {
			zapLogger.Fatal("Не удалось создать ClientUpdatePublisher", zap.Error(err))
		}
	} else {
		updates = handler.NewWSUpdatePublisher(wsManager, zapLogger)
		zapLogger.Info("RabbitMQ not configured, pushing updates via WebSocket hub")
	}

	// Ядро движка
	sessions := service.NewSessionStore(cfg.ResourceFloor, zapLogger)
	parties := service.NewPartyRegistry(sessions, invites, cfg.PartyMaxSize, cfg.InviteCodeTTL, zapLogger)
	gate := service.NewPreconditionGate(sessions)
	dispatcher := service.NewNodeDispatcher(zapLogger)
	outcomes := service.NewOutcomeEngine(cfg.EarlyResolveMinVoters, zapLogger)
	arcs := service.NewArcManager(zapLogger)
	engine := service.NewEngineService(stories, sessions, parties, gate, dispatcher, outcomes, arcs, deliveries, updates, zapLogger)

	// Восстановление снимков после рестарта
	if sessionSnapshots != nil {
		restoreSnapshots(sessionSnapshots, partySnapshots, sessions, parties, zapLogger)
	}

	// Фоновые процессы: обход таймеров и чистка брошенных групп.
	timerManager := service.NewTimerManager(sessions, engine, cfg.TimerSweepInterval, zapLogger)
	timerManager.Start()

	cleanupQuit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupQuit:
				return
			case <-ticker.C:
				if removed := parties.CleanupStale(cfg.PartyMaxAge); removed > 0 {
					zapLogger.Info("Stale parties cleaned up", zap.Int("count", removed))
				}
			}
		}
	}()

	// Настройка Echo
	e := echo.New()
	e.HideBanner = true
	e.Use(appMiddleware.EchoZapLogger(zapLogger))
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	engineHandler := handler.NewEngineHandler(engine, parties, zapLogger)
	engineHandler.RegisterRoutes(e)
	wsHandler := handler.NewWebSocketHandler(wsManager, zapLogger)
	wsHandler.RegisterRoutes(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("Ошибка запуска HTTP сервера: ", err)
		}
	}()
	zapLogger.Info("Narrative Engine listening", zap.String("port", cfg.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Получен сигнал завершения, начинаем graceful shutdown...")

	close(cleanupQuit)
	timerManager.Stop()

	// Снимки пишутся после остановки таймеров, чтобы зафиксировать
	// согласованное состояние.
	if sessionSnapshots != nil {
		saveSnapshots(sessionSnapshots, partySnapshots, sessions, parties, zapLogger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal("Ошибка при graceful shutdown Echo: ", err)
	}

	log.Println("Narrative Engine успешно остановлен")
}

// setupDatabase инициализирует и возвращает пул соединений с БД
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := cfg.GetDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул соединений: %w", err)
	}
	if err = dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("не удалось подключиться к БД (ping failed): %w", err)
	}
	return dbPool, nil
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("Не удалось подключиться к RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, err
}

// restoreSnapshots загружает сохранённые сессии и группы при старте.
func restoreSnapshots(
	sessionRepo interfaces.SessionSnapshotRepository,
	partyRepo interfaces.PartySnapshotRepository,
	sessions *service.SessionStore,
	parties *service.PartyRegistry,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshots, err := sessionRepo.GetAll(ctx)
	if err != nil {
		logger.Warn("Failed to load session snapshots", zap.Error(err))
	} else if n := sessions.Restore(snapshots); n > 0 {
		logger.Info("Sessions restored from snapshots", zap.Int("count", n))
	}

	partySnaps, err := partyRepo.GetAll(ctx)
	if err != nil {
		logger.Warn("Failed to load party snapshots", zap.Error(err))
	} else if n := parties.Restore(partySnaps); n > 0 {
		logger.Info("Parties restored from snapshots", zap.Int("count", n))
	}
}

// saveSnapshots пишет текущее состояние перед остановкой.
func saveSnapshots(
	sessionRepo interfaces.SessionSnapshotRepository,
	partyRepo interfaces.PartySnapshotRepository,
	sessions *service.SessionStore,
	parties *service.PartyRegistry,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, session := range sessions.Snapshot() {
		if err := sessionRepo.Save(ctx, session); err != nil {
			logger.Warn("Failed to save session snapshot",
				zap.String("participantID", session.ParticipantID), zap.Error(err))
		}
	}
	for _, party := range parties.Snapshot() {
		if err := partyRepo.Save(ctx, party); err != nil {
			logger.Warn("Failed to save party snapshot",
				zap.String("partyID", party.ID.String()), zap.Error(err))
		}
	}
	logger.Info("Snapshots saved")
}
