package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"meeshy/internal/auth"
	"meeshy/internal/commands"
	"meeshy/internal/config"
	"meeshy/internal/http"
	"meeshy/internal/metrics"
	"meeshy/internal/orchestrator"
	"meeshy/internal/presence"
	"meeshy/internal/push"
	"meeshy/internal/rooms"
	"meeshy/internal/storage"
	"meeshy/internal/translate"
	"meeshy/internal/typing"
	"meeshy/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, disconnect string) error {
	cfg, err := config.Load(disconnect != "")
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if disconnect != "" {
		return commands.Disconnect(disconnect, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(bbStorage, m)
	roomIndex := rooms.New(bbStorage, registry)
	tracker := typing.NewTracker(roomIndex, cfg.TypingTimeout)

	deps := orchestrator.Deps{
		Store:      bbStorage,
		Rooms:      roomIndex,
		Sender:     registry,
		Translator: translate.NewClient(translate.WithBaseURL(cfg.TranslatorURL)),
		Presence:   registry,
		Metrics:    m,
	}
	if cfg.PushEnabled() {
		notifier, err := push.NewNotifier(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		}, bbStorage)
		if err != nil {
			return err
		}
		deps.Notifier = notifier
	} else {
		slog.Info("web push disabled, VAPID keys not configured")
	}

	orch := orchestrator.New(ctx, orchestrator.Config{
		MaxMessageLength: cfg.MaxMessageLength,
		Concurrency:      cfg.TranslationConcurrency,
		CacheTTL:         cfg.TranslationCacheTTL,
	}, deps)

	hub := ws.NewHub(ws.HubConfig{
		Registry:     registry,
		Rooms:        roomIndex,
		Typing:       tracker,
		Orchestrator: orch,
		Metrics:      m,
	})
	wsServer := ws.NewServer(authService, hub, ws.ServerConfig{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Connection: ws.ConnectionConfig{
			PingInterval: cfg.PingInterval,
			PongTimeout:  cfg.PongTimeout,
			EventRate:    cfg.EventRate,
			EventBurst:   cfg.EventBurst,
		},
	}, m)

	adminServer := http.NewAdminServer(registry, bbStorage, promRegistry, cfg.AdminAddr)
	apiServer := http.NewAPIServer(wsServer, registry, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	g.Go(func() error {
		return registry.RunMaintenance(gCtx, cfg.SweepInterval, cfg.ZombieThreshold)
	})

	// Wait for context cancellation (signal or a failed server)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}

		done := make(chan struct{})
		go func() {
			orch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			slog.Warn("abandoning in-flight translations", "count", orch.InFlight())
		}
		return nil
	})

	return g.Wait()
}

func main() {
	disconnect := flag.String("disconnect", "", "Identity ID whose connections a running server should close")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *disconnect); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
