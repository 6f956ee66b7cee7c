package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/config"
	"github.com/Skotchmaster/deed_portal/internal/db"
	"github.com/Skotchmaster/deed_portal/internal/es"
	"github.com/Skotchmaster/deed_portal/internal/handlers/admin"
	"github.com/Skotchmaster/deed_portal/internal/handlers/auth"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/metrics"
	authmw "github.com/Skotchmaster/deed_portal/internal/middleware/auth"
	"github.com/Skotchmaster/deed_portal/internal/middleware/csrf"
	loggingmw "github.com/Skotchmaster/deed_portal/internal/middleware/logging"
	"github.com/Skotchmaster/deed_portal/internal/mykafka"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
	"github.com/Skotchmaster/deed_portal/internal/repo"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
	httpserver "github.com/Skotchmaster/deed_portal/internal/transport/http"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	ctx := logging.IntoContext(context.Background(), logger)

	gdb, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("database: %v", err)
	}
	store := repo.New(gdb)
	if err := store.SeedRoles(ctx, rbac.DefaultRoles()); err != nil {
		log.Fatalf("seed roles: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewAuth(reg)

	var producer *mykafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mykafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
	}

	sinks := audit.MultiSink{audit.LogSink{Logger: logger.With("component", "audit")}}
	if producer != nil {
		sinks = append(sinks, audit.KafkaSink{Publisher: producer, Topic: cfg.AuditTopic, Logger: logger})
	}
	var indexer *es.AuditIndexer
	if cfg.ESURL != "" {
		client, err := es.NewClient(es.Config{URL: cfg.ESURL, User: cfg.ESUser, Password: cfg.ESPassword})
		if err != nil {
			log.Fatalf("elasticsearch: %v", err)
		}
		indexer = es.NewAuditIndexer(client, cfg.AuditIndex, logger)
		sinks = append(sinks, indexer)
	}
	auditor := audit.NewDispatcher(audit.Config{BufferSize: 1024, DropIfFull: true}, sinks)
	auditor.OnDrop = func(audit.Event) { m.AuditDrop() }

	var dispatcher otp.Dispatcher
	if producer != nil {
		dispatcher = otp.NewKafkaDispatcher(producer, cfg.NotifyTopic)
	} else {
		logger.Warn("otp_dispatch_to_stderr", "reason", "KAFKA_BROKERS is empty")
		dispatcher = otp.NewWriterDispatcher(os.Stderr)
	}
	otpManager, err := otp.NewManager(otp.NewRedisStore(rdb), dispatcher, otp.Config{
		Length:             cfg.OTPLength,
		TTL:                cfg.OTPTTL,
		MaxAttempts:        cfg.OTPMaxAttempts,
		RegenerateOnExpiry: cfg.OTPRegenerateOnExpiry,
	})
	if err != nil {
		log.Fatalf("otp: %v", err)
	}

	tokenSvc := service.NewTokenService(store,
		tokens.NewCodec(cfg.JWTAccessSecret, tokens.TypeAccess),
		tokens.NewCodec(cfg.JWTRefreshSecret, tokens.TypeRefresh),
		cfg.AccessTTL, cfg.RefreshTTL,
	)
	tokenSvc.Metrics = m

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		tokenSvc.RunJanitor(janitorCtx, cfg.RefreshPurgeInterval)
	}()

	resolver := rbac.NewResolver(store)
	authSvc := &service.AuthService{
		Users:    store,
		Tokens:   tokenSvc,
		OTP:      otpManager,
		Resolver: resolver,
		Audit:    auditor,
		Metrics:  m,
		StepUp:   cfg.LoginStepUp,
	}
	adminSvc := &service.AdminService{Repo: store, Tokens: tokenSvc, OTP: otpManager, Audit: auditor}

	interceptor := authmw.NewInterceptor(tokenSvc, "/", cfg.CookieSecure)
	csrfCfg := csrf.DefaultConfig()
	csrfCfg.Secure = cfg.CookieSecure

	adminHandler := &admin.AdminHandler{Svc: adminSvc}
	if indexer != nil {
		adminHandler.Audit = indexer
	}

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), loggingmw.RequestLogger(logger), m.Instrument())

	httpserver.Register(e, &httpserver.Deps{
		AuthHandler:      &auth.AuthHandler{Svc: authSvc, Cookies: interceptor},
		AdminHandler:     adminHandler,
		Interceptor:      interceptor,
		Gate:             &authmw.Gate{Users: store, Resolver: resolver, Audit: auditor, Metrics: m},
		CSRF:             csrfCfg,
		OTPRatePerMinute: cfg.OTPRatePerMinute,
		Ready:            readiness(gdb, rdb),
		Gatherer:         reg,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http_server_started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	go func() {
		<-quit
		log.Println("force exit")
		os.Exit(1)
	}()

	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", "err", err)
	}

	stopJanitor()
	<-janitorDone
	auditor.Close()

	if err := db.Close(gdb); err != nil {
		logger.Error("db_close_error", "err", err)
	}
	if err := rdb.Close(); err != nil {
		logger.Error("redis_close_error", "err", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka_close_error", "err", err)
		}
	}

	logger.Info("shutdown_complete")
}

func readiness(gdb *gorm.DB, rdb redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}
