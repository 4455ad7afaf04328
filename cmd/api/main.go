package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolgate/internal/arrival"
	"schoolgate/internal/attendance"
	"schoolgate/internal/config"
	"schoolgate/internal/faceclient"
	"schoolgate/internal/httpapi"
	"schoolgate/internal/httpmiddleware"
	"schoolgate/internal/logging"
	"schoolgate/internal/notify"
	"schoolgate/internal/pass"
	"schoolgate/internal/queue"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/store"
	"schoolgate/internal/transfer"
	"schoolgate/internal/verify"
	"schoolgate/migrations"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var logger logging.Logger = logging.New(cfg.LogLevel)
	if cfg.RollbarToken != "" {
		rb := logging.NewRollbar(logger, cfg.RollbarToken, cfg.Env, "")
		defer rb.Close()
		logger = rb
	}

	health := map[string]httpapi.HealthCheck{}

	var tx repository.TxManager
	switch cfg.StoreBackend {
	case "memory":
		mem := repository.NewMemory()
		if cfg.SeedFile != "" {
			if err := seed(mem, cfg.SeedFile); err != nil {
				return err
			}
		}
		tx = mem
		logger.Warnf("using in-memory store; data is lost on restart")
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL, store.Pool{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Up(ctx, db.Client); err != nil {
			return err
		}
		tx = repository.NewPostgresTxManager(db.Client)
		health["db"] = db.Healthy
	}

	var redisClient *store.Redis
	if cfg.BrokerBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		health["redis"] = redisClient.Healthy
	}

	var broker queue.Broker
	if cfg.BrokerBackend == "memory" {
		broker = queue.NewInMemory(256)
	} else {
		broker = queue.NewRedis(redisClient.Client, "")
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	cal, err := schoolday.New(cfg.SchoolTimezone)
	if err != nil {
		return err
	}

	hub := notify.NewHub(32, logger)
	go func() {
		if err := hub.Run(ctx, broker); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("event hub stopped: %v", err)
		}
	}()

	var face transfer.FaceMatcher
	if cfg.FaceServiceURL != "" && !cfg.FaceSkip {
		fc := faceclient.New(cfg.FaceServiceURL, false)
		if err := fc.Health(ctx); err != nil {
			logger.Warnf("face service not available, reviews will have no similarity hint: %v", err)
		}
		face = fc
	}

	pub := notify.NewBrokerPublisher(broker, logger)
	q := arrival.NewQueue(tx, cal, pub, logger)
	ledger := attendance.NewLedger(tx, cal, q, pub, logger, cfg.LateAfter)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter, logger))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.Register(r, httpapi.Deps{
		Ledger:        ledger,
		Queue:         q,
		Passes:        pass.NewIssuer(tx, cal, cfg.PassTTL),
		Transfers:     transfer.New(tx, cal, verify.New(tx, cal.Now), ledger, q, face, pub, logger),
		Notices:       notify.NewService(tx, pub, cal.Now),
		Hub:           hub,
		Log:           logger,
		JWTSigningKey: cfg.JWTSigningKey,
		JWTIssuer:     cfg.JWTIssuer,
		Health:        health,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the signal context does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http listening on %s (store=%s broker=%s zone=%s)", srv.Addr, cfg.StoreBackend, cfg.BrokerBackend, cfg.SchoolTimezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Infof("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server forced shutdown: %v", err)
	}

	logger.Infof("Server exited")
	return nil
}

func seed(mem *repository.Memory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return repository.LoadSeed(mem, f)
}
