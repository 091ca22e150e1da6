package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partsflow/advisor"
	"partsflow/api"
	"partsflow/config"
	"partsflow/db"
	"partsflow/escalate"
	"partsflow/evaluate"
	"partsflow/logging"
	"partsflow/notify"
	"partsflow/offer"
	"partsflow/request"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := runMigrations(cfg); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.PostgresConn)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	engine := cfg.Engine

	requestRepo := request.NewRepository(pool)
	offerRepo := offer.NewRepository(pool)
	awardRepo := evaluate.NewAwardRepository(pool)

	outbox := notify.NewOutbox()
	dispatcher := notify.NewOutboxDispatcher(outbox)
	notifiedLog := notify.NewLog(pool)

	recorder := evaluate.NewRecorder(
		evaluate.NewRecordStore(pool),
		engine.RecordAttempts,
		engine.RecordBackoffBase,
		logger,
	).WithFeed(evaluate.NewStreamAuditFeed(redisClient, ""))

	scheduler := escalate.NewScheduler(escalate.Deps{
		Pool:       pool,
		Requests:   requestRepo,
		Offers:     offerRepo,
		Candidates: advisor.NewPoolRepository(pool),
		Scorer:     advisor.NewScorer(engine),
		Evaluator:  evaluate.NewEvaluator(engine),
		Awards:     awardRepo,
		Recorder:   recorder,
		Dispatcher: dispatcher,
		Notified:   notifiedLog,
		Outbox:     outbox,
	}, engine, logger)

	requestService := request.NewService(pool, requestRepo, engine.Version, engine.MinDesiredOffers).
		WithOutbox(outbox).
		WithOpener(scheduler).
		WithAwardReader(awardRepo)

	collector := offer.NewCollector(pool, offerRepo, requestRepo, engine.Bounds, logger).
		WithFastPath(scheduler)

	if err := scheduler.Resume(ctx); err != nil {
		logger.Fatal("resume open requests", zap.Error(err))
	}

	relay := notify.NewRelay(pool, redisClient, engine.NotifyMaxAttempts, logger)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(requestService, collector, scheduler,
		api.NewTokens(cfg.JWTSecret), logger)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ServerAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	scheduler.Shutdown()
}

func runMigrations(cfg config.App) error {
	source := cfg.MigrationURL
	if source == "" {
		source = "file://migrations"
	}
	m, err := migrate.New(source, cfg.PostgresConn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
