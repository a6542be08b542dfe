package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recruit-voice/internal/auth"
	"recruit-voice/internal/callers"
	"recruit-voice/internal/calllog"
	"recruit-voice/internal/capability"
	"recruit-voice/internal/config"
	"recruit-voice/internal/directory"
	"recruit-voice/internal/httpapi"
	"recruit-voice/internal/observability"
	"recruit-voice/internal/voice"
	"recruit-voice/internal/voice/bridge"
	"recruit-voice/pkg/logger"
	"recruit-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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

	log := logger.New("recruit-voice", cfg.App.Env)
	slog.SetDefault(log)

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

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg, "recruit_voice")

	// Missing provider credentials leave the API up; token requests and
	// phone initialization report the configuration error instead.
	issuer, issuerErr := capability.NewIssuer(cfg.Twilio)
	if issuerErr != nil {
		log.Warn("capability tokens disabled", "err", issuerErr)
	}

	store := directory.NewStore(db)
	resolver := callers.NewResolver(store)
	if cfg.Voice.CallerCacheTTL > 0 {
		resolver = resolver.WithCache(callers.NewRedisCache(rdb, cfg.Voice.CallerCacheTTL))
	}
	recorder := calllog.NewRecorder(store)
	recorder.OnFailure = func(error) { metrics.SideEffectFailed("call_log") }

	hub := bridge.NewHub(bridge.Options{
		AllowedOrigins: cfg.App.AllowedOrigins,
		Logger:         log,
		Metrics:        metrics,
	})

	var tokens voice.TokenSource = unconfiguredTokens{err: issuerErr}
	if issuer != nil {
		tokens = issuer
	}

	registry := voice.NewRegistry(func(identity string) (*voice.Manager, error) {
		device := hub.Device(identity)
		m := voice.NewManager(voice.Deps{
			Tokens:   tokens,
			Device:   device,
			Resolver: resolver,
			Recorder: recorder,
		}, voice.Options{
			AutoDial: cfg.Voice.AutoDial,
			Cooldown: cfg.Voice.Cooldown,
			Logger:   log,
			Metrics:  metrics,
		})
		device.SetHandler(m.HandleEvent)
		return m, nil
	}, voice.RegistryOptions{
		Leases:   utils.NewLeases(rdb, "voice:lease:"),
		LeaseTTL: cfg.Voice.LeaseTTL,
		Logger:   log,
		Metrics:  metrics,
	})

	tokenLimiter := httpapi.NewIPRateLimiter(httpapi.TokenRateLimitConfig())
	defer tokenLimiter.Stop()

	h := httpapi.Handlers{
		Auth:            authManager,
		DevLogin:        cfg.App.Env == "local",
		Sessions:        registry,
		Devices:         hub,
		Metrics:         metrics,
		DefaultIdentity: cfg.Twilio.DefaultIdentity,
	}
	if issuer != nil {
		h.Issuer = issuer
	} else {
		h.IssuerErr = issuerErr
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:          cfg,
		handlers:     h,
		authMW:       auth.RequireAccessToken(authManager),
		tokenLimiter: tokenLimiter,
		presence:     registry,
		gatherer:     promReg,
		db:           db,
	})

	// No WriteTimeout: the event stream and device socket are long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Sessions go first so every endpoint is unregistered and every live
	// call is logged before the store closes.
	registry.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// unconfiguredTokens fails every fetch with the issuer's configuration error.
type unconfiguredTokens struct{ err error }

func (u unconfiguredTokens) Token(context.Context, string) (capability.Token, error) {
	return capability.Token{}, u.err
}
