package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"schoolgate/internal/arrival"
	"schoolgate/internal/attendance"
	"schoolgate/internal/config"
	"schoolgate/internal/logging"
	"schoolgate/internal/notify"
	"schoolgate/internal/prep"
	"schoolgate/internal/queue"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/store"
	"schoolgate/migrations"
)

// Worker prepares each school day: today's sheets for every class and
// removal of stale guardian passes.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var logger logging.Logger = logging.New(cfg.LogLevel)
	if cfg.RollbarToken != "" {
		rb := logging.NewRollbar(logger, cfg.RollbarToken, cfg.Env, "")
		defer rb.Close()
		logger = rb
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL, store.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := migrations.Up(ctx, db.Client); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	cal, err := schoolday.New(cfg.SchoolTimezone)
	if err != nil {
		log.Fatalf("school timezone: %v", err)
	}

	var broker queue.Broker
	if cfg.BrokerBackend == "memory" {
		broker = queue.NewInMemory(16)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		broker = queue.NewRedis(redisClient.Client, "")
	}

	tx := repository.NewPostgresTxManager(db.Client)
	pub := notify.NewBrokerPublisher(broker, logger)
	ledger := attendance.NewLedger(tx, cal, arrival.NewQueue(tx, cal, pub, logger), pub, logger, cfg.LateAfter)

	logger.Infof("worker started, preparing every %s", cfg.WorkerInterval)
	prep.New(tx, cal, ledger, logger).Run(ctx, cfg.WorkerInterval)
	logger.Infof("worker stopped")
}
