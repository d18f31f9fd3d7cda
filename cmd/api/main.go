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

	"voice-orchestrator/internal/accounts"
	"voice-orchestrator/internal/audit"
	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/billing"
	"voice-orchestrator/internal/calllog"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/config"
	"voice-orchestrator/internal/httpapi"
	"voice-orchestrator/internal/metrics"
	"voice-orchestrator/internal/notify"
	"voice-orchestrator/internal/ratelimit"
	"voice-orchestrator/internal/reporting"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tts"
	"voice-orchestrator/pkg/logger"
	"voice-orchestrator/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	slog.SetDefault(log)
	startedAt := time.Now()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var limiter calls.ConcurrencyLimiter
	if cfg.Redis.Enabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = utils.NewConcurrencyCap(rdb, "calls:active", cfg.Calls.MaxConcurrentPerKey, 0)
	}

	// Persistence
	accountRepo := accounts.NewPostgresRepo(db)
	ledger := billing.NewPostgresLedger(db)
	engine := billing.NewEngine(ledger, logger.Subsystem(log, "billing"))
	callLogs := calllog.NewPostgresRepo(db)
	trunkRepo := routing.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db), logger.Subsystem(log, "audit"))

	// Trunks: optional static file merged with the sip_trunks table.
	var staticTrunks []routing.Trunk
	if cfg.Trunks.File != "" {
		staticTrunks, err = routing.LoadFile(cfg.Trunks.File)
		if err != nil {
			log.Error("trunk file load failed", "path", cfg.Trunks.File, "err", err)
			os.Exit(1)
		}
	}
	pool := routing.NewTrunkPool(nil)
	if err := routing.Reload(rootCtx, pool, trunkRepo, staticTrunks); err != nil {
		log.Error("trunk load failed", "err", err)
		os.Exit(1)
	}
	if pool.Len() == 0 {
		log.Warn("no trunks assigned; originations will be rejected until one is added")
	}
	log.Info("trunks loaded", "count", pool.Len())

	// Event fan-out: per-call webhooks plus an optional MQTT bus.
	var publisher notify.Publisher
	if cfg.MQTT.Enabled() {
		mp, err := notify.NewMQTTPublisher(notify.MQTTOptions{Broker: cfg.MQTT.Broker, ClientID: cfg.MQTT.ClientID})
		if err != nil {
			log.Error("mqtt init failed", "broker", cfg.MQTT.Broker, "err", err)
			os.Exit(1)
		}
		defer mp.Close()
		publisher = mp
	}
	hub := notify.NewHub(notify.HubOptions{
		Webhook:     notify.NewWebhook(notify.WebhookOptions{Timeout: cfg.Webhook.Timeout, UserAgent: cfg.Webhook.UserAgent}),
		Publisher:   publisher,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Timeout:     cfg.Webhook.Timeout,
	}, logger.Subsystem(log, "notify"))

	// Switch control
	ariOpts := telephony.ARIOptions{
		URL:      cfg.ARI.URL,
		Username: cfg.ARI.Username,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.App,
	}
	ari := telephony.NewARIClient(ariOpts)
	stream, err := telephony.NewEventStream(ariOpts, logger.Subsystem(log, "ari"))
	if err != nil {
		log.Error("ari stream init failed", "err", err)
		os.Exit(1)
	}

	registry := calls.NewRegistry()
	collector := metrics.NewCollector(registry, pool, startedAt)
	metricsHandler, err := metrics.Handler(collector)
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}

	lc := calls.NewLifecycle(calls.Deps{
		Client:      ari,
		Registry:    registry,
		Notifier:    hub,
		Billing:     engine,
		CallLog:     callLogs,
		Limiter:     limiter,
		Metrics:     collector,
		Log:         logger.Subsystem(log, "calls"),
		RingTimeout: cfg.Calls.RingTimeout,
	})
	gather := calls.NewGatherMachine(lc)
	dispatcher := calls.NewDispatcher(lc, gather)
	orchestrator := calls.NewOrchestrator(lc, pool, calls.OrchestratorOptions{
		App:             cfg.ARI.App,
		DefaultCallerID: cfg.Calls.DefaultCallerID,
		DefaultVoice:    cfg.Calls.DefaultVoice,
		Context:         cfg.Calls.Context,
		AMDContext:      cfg.Calls.AMDContext,
	})
	synth, err := tts.NewGoogle(rootCtx, tts.GoogleOptions{
		APIKey:    cfg.TTS.GoogleAPIKey,
		SoundsDir: cfg.TTS.SoundsDir,
	}, tts.FFmpeg{Path: cfg.TTS.FFmpegPath}, logger.Subsystem(log, "tts"))
	if err != nil {
		log.Error("tts init failed", "err", err)
		os.Exit(1)
	}
	controller := calls.NewController(lc, gather, synth, cfg.Calls.DefaultVoice)

	// Switch events keep flowing until the HTTP server has drained, so calls
	// that end during shutdown are still billed and logged.
	switchCtx, stopSwitch := context.WithCancel(context.Background())
	defer stopSwitch()
	events := make(chan telephony.Event, 256)
	go func() {
		if err := stream.Run(switchCtx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ari event stream stopped", "err", err)
		}
	}()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(switchCtx, events)
	}()

	rl := ratelimit.New(ratelimit.Config{PerHour: cfg.Calls.DefaultRateLimit})
	rl.Start()
	defer rl.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(audit.CaptureClientIP())

	registerRoutes(r, routeDeps{
		Handlers: httpapi.Handlers{
			Login:         auth.NewLoginService(auth.NewPostgresAdminRepo(db), authManager),
			Accounts:      accountRepo,
			Billing:       engine,
			Audit:         auditSvc,
			Orchestrator:  orchestrator,
			Controller:    controller,
			Trunks:        pool,
			TrunkRepo:     trunkRepo,
			StaticTrunks:  staticTrunks,
			CallLogRepo:   callLogs,
			Reports:       reporting.NewService(callLogs, ledger),
			RecordingsDir: cfg.Calls.RecordingsDir,
			Health: func(ctx context.Context) error {
				if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
					return err
				}
				return ari.Ping(ctx)
			},
		},
		Auth:    authManager,
		Keys:    accountRepo,
		Limiter: rl,
		Metrics: metricsHandler,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "ari_app", cfg.ARI.App)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", registry.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	stopSwitch()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		log.Warn("event dispatcher did not drain", "active_calls", registry.Count())
	}
	if err := hub.Close(shutdownCtx); err != nil {
		log.Warn("pending notifications dropped", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
