package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-calling/internal/audit"
	"whatsapp-calling/internal/auth"
	"whatsapp-calling/internal/calls"
	"whatsapp-calling/internal/config"
	"whatsapp-calling/internal/database"
	"whatsapp-calling/internal/httpapi"
	"whatsapp-calling/internal/missed"
	"whatsapp-calling/internal/monitoring"
	"whatsapp-calling/internal/notify"
	"whatsapp-calling/internal/outbound"
	"whatsapp-calling/internal/quality"
	"whatsapp-calling/internal/ratelimit"
	"whatsapp-calling/internal/reporting"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/clock"
	"whatsapp-calling/pkg/logger"
	"whatsapp-calling/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFile(".env"); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	if cfg.DB.AutoMigrate {
		if err := database.RunMigrations(cfg.PostgresURL(database.Scheme), log); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	metrics := monitoring.New(prometheus.NewRegistry())

	callRepo := calls.NewPostgresRepo(db)
	scorer := quality.NewScorer(quality.NewPostgresStore(db))
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb, ""), cfg.Calling.RateLimit, cfg.Calling.RateWindow).
		WithMetrics(metrics)
	hub := notify.NewHub(clock.Real(), cfg.Calling.NotifyAutoClose, log).WithMetrics(metrics)
	defer hub.Close()

	machine := calls.NewMachine(calls.MachineDeps{
		Repo:     callRepo,
		Scorer:   scorer,
		Counter:  limiter,
		Notifier: hub,
		Metrics:  metrics,
		Log:      log,
	})

	bs := telephony.DefaultBreakerSettings()
	bs.OnStateChange = metrics.SetCircuitBreakerState
	wa := telephony.NewWhatsAppClient(cfg.WhatsApp.GraphBaseURL, cfg.WhatsApp.AccessToken, log, bs)

	dialer := outbound.NewDialer(limiter, wa, machine)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	deps := routeDeps{
		Auth:    authManager,
		Metrics: metrics,
		Hub:     hub,
		Webhook: telephony.WhatsAppWebhookHandler{
			Sink:        machine,
			VerifyToken: cfg.WhatsApp.VerifyToken,
			AppSecret:   cfg.WhatsApp.AppSecret,
			Metrics:     metrics,
		},
		API: httpapi.Handlers{
			Auth:    authManager,
			Limiter: limiter,
			Dialer:  dialer,
			Missed:  missed.NewManager(callRepo, machine, dialer, wa).WithAudit(auditSvc),
			Quality: scorer,
			Reports: reporting.NewService(callRepo),
			Audit:   auditSvc,

			DevLogin: cfg.DevLoginEnabled(),
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /v1/events holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	if cfg.DevLoginEnabled() {
		log.Warn("development login enabled", "env", cfg.App.Env)
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"whatsapp_mode", cfg.WhatsApp.Mode,
			"rate_limit", cfg.Calling.RateLimit,
			"rate_window", cfg.Calling.RateWindow.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Release SSE streams before Shutdown waits on them.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
