package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quizmesh/quizmesh/internal/analytics"
	"github.com/quizmesh/quizmesh/internal/config"
	"github.com/quizmesh/quizmesh/internal/coordinator"
	"github.com/quizmesh/quizmesh/internal/hub"
	"github.com/quizmesh/quizmesh/internal/selector"
	"github.com/quizmesh/quizmesh/internal/server"
	"github.com/quizmesh/quizmesh/internal/storage"
	"github.com/quizmesh/quizmesh/internal/tracer"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "./coach.config.json", "path to coach config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadCoachConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	catalog, err := selector.LoadCatalog(cfg.Content.QuestionsPath)
	if err != nil {
		logger.Error("failed to load question catalog", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("question catalog loaded",
		zap.String("path", cfg.Content.QuestionsPath),
		zap.Int("questions", len(catalog.All())),
	)

	store := storage.NewStorage(db)
	knowledge := tracer.New(db, tracer.Params{
		Prior: cfg.Tracer.Prior,
		Learn: cfg.Tracer.Learn,
		Slip:  cfg.Tracer.Slip,
		Guess: cfg.Tracer.Guess,
	}, logger)
	sel := selector.New(catalog, selector.Config{
		ZPDLow:        cfg.Selector.ZPDLow,
		ZPDHigh:       cfg.Selector.ZPDHigh,
		LogisticSlope: cfg.Selector.LogisticSlope,
		PaceTarget:    cfg.Selector.PaceTarget,
	}, logger)

	aggregator := analytics.New(knowledge, store, logger)

	coord, err := coordinator.New(knowledge, sel, catalog, coordinator.Config{
		IdleTimeout:    time.Duration(cfg.Session.IdleTimeoutSec) * time.Second,
		SweepInterval:  time.Duration(cfg.Session.SweepIntervalSec) * time.Second,
		CloseGrace:     time.Duration(cfg.Session.CloseGraceSec) * time.Second,
		ResponseBudget: time.Duration(cfg.Session.ResponseBudgetMS) * time.Millisecond,
	}, aggregator, logger)
	if err != nil {
		logger.Error("failed to build coordinator", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsHub, err := hub.NewHub(ctx, coord, hub.NewStaticTokenAuthenticator(cfg.Auth.Tokens), hub.Config{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MinClientVersion:  cfg.Server.MinClientVersion,
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Burst:             cfg.Limits.Burst,
	}, logger)
	if err != nil {
		logger.Error("failed to build hub", zap.Error(err))
		os.Exit(1)
	}

	var backplane *hub.LocalBackplane
	if cfg.Backplane.BrokerURL != "" {
		backplane = hub.NewLocalBackplane(256)
		wsHub.SetBackplane(backplane)
		logger.Info("backplane enabled", zap.String("broker_url", cfg.Backplane.BrokerURL))
	}

	aggregator.SetPublisher(wsHub)

	var notifier *analytics.DiscordNotifier
	if token := cfg.Channels.Discord.BotToken; token != "" {
		n, notifierErr := analytics.NewDiscordNotifier(token, cfg.Channels.Discord.ChannelID, logger)
		if notifierErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(notifierErr))
		} else if startErr := n.Start(); startErr != nil {
			logger.Error("failed to start discord notifier", zap.Error(startErr))
		} else {
			notifier = n
			aggregator.SetNotifier(n)
			logger.Info("discord notifier started")
		}
	}

	hub.InitMetrics()
	logger.Info("metrics initialized")

	go wsHub.Run()
	go coord.Run(ctx)
	go aggregator.Run(ctx)

	api := server.NewHTTPAPI(coord, wsHub, store, db, cfg.Server.APIToken, logger)
	api.SetHealthChecker(server.NewHealthChecker(db, wsHub, coord))

	shutdown, err := server.StartHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), api.Handler(), logger)
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("coach service started", zap.Int("port", cfg.Server.Port))

	// Optional second listener for the ops surface, without /ws.
	var opsShutdown func(ctx context.Context) error
	if cfg.Server.HTTPPort > 0 && cfg.Server.HTTPPort != cfg.Server.Port {
		opsAPI := server.NewHTTPAPI(coord, nil, store, db, cfg.Server.APIToken, logger)
		opsAPI.SetHealthChecker(server.NewHealthChecker(db, wsHub, coord))
		opsShutdown, err = server.StartHTTPServer(fmt.Sprintf(":%d", cfg.Server.HTTPPort), opsAPI.Handler(), logger)
		if err != nil {
			logger.Error("failed to start ops http server", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("ops http api started", zap.Int("http_port", cfg.Server.HTTPPort))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	if opsShutdown != nil {
		if err := opsShutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down ops http server", zap.Error(err))
		}
	}

	// Stop the hub, coordinator, and aggregator; the aggregator drains
	// its queue before exiting.
	cancel()

	if notifier != nil {
		if stopErr := notifier.Stop(); stopErr != nil {
			logger.Error("error stopping discord notifier", zap.Error(stopErr))
		}
	}
	if backplane != nil {
		if closeErr := backplane.Close(); closeErr != nil {
			logger.Error("error closing backplane", zap.Error(closeErr))
		}
	}

	logger.Info("coach service exited cleanly")
	os.Exit(0)
}
