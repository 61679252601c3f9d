package main

import (
	"context"
	"errors"
	"fmt"
	"hearth/internal/app/dispatcher"
	"hearth/internal/app/gateway"
	"hearth/internal/app/presence"
	"hearth/internal/app/registry"
	"hearth/internal/app/server"
	"hearth/internal/app/server/handlers"
	"hearth/internal/app/session"
	"hearth/internal/app/worker"
	"hearth/internal/config"
	"hearth/internal/core/contracts"
	"hearth/internal/core/services"
	"hearth/internal/platform/logger"
	"hearth/internal/platform/telemetry"
	"hearth/internal/plugins/kafka"
	natsPlugin "hearth/internal/plugins/nats"
	"hearth/internal/plugins/rabbitmq"
	redisPlugin "hearth/internal/plugins/redis"
	"hearth/internal/plugins/sqldb"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const wsWriteTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.NewLogger(cfg)
	log.Info("starting application")

	otelShutdown, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
		otelShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// Infra
	db, err := sqldb.New(ctx, cfg.Storage)
	if err != nil {
		log.Error("storage connection failed", "driver", cfg.Storage.Driver, "err", err)
		return err
	}
	defer db.Close()
	if err := sqldb.Migrate(ctx, db); err != nil {
		log.Error("storage migration failed", "err", err)
		return err
	}
	log.Info("storage connected", "driver", cfg.Storage.Driver)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = redisPlugin.NewRedisClient(ctx, cfg.Redis); err != nil {
			log.Error("redis connection failed", "url", cfg.Redis.URL, "err", err)
			return err
		}
		defer rdb.Close()
		log.Info("redis connected")
	}

	// Adapters
	userRepo := sqldb.NewUserRepository(db)
	guildRepo := sqldb.NewGuildRepo(db)
	msgRepo := sqldb.NewMessageRepo(db)
	blockRepo := sqldb.NewBlockRepo(db)
	txManager := sqldb.NewTxManager(db)

	// Core services
	tokenSvc := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	dirSvc := services.NewDirectoryService(log, userRepo, guildRepo, blockRepo)
	userSvc := services.NewUserService(log, userRepo, blockRepo, tokenSvc)

	// Gateway
	var engine *gateway.Engine
	reg := registry.NewRegistry(cfg.Gateway.ResumeWindow,
		registry.WithLogger(log),
		registry.WithExpiryHook(func(s *session.Session) { engine.SessionExpired(s) }),
	)
	disp := dispatcher.NewDispatcher(reg, dirSvc, log)
	trackerOpts := []presence.Option{presence.WithLogger(log), presence.WithGuildSource(reg.GuildsOf)}
	if rdb != nil {
		trackerOpts = append(trackerOpts, presence.WithStore(redisPlugin.NewRedisPresenceStore(rdb, cfg.Gateway.ResumeWindow)))
	}
	tracker := presence.NewTracker(disp, cfg.Gateway.PresenceDebounce, trackerOpts...)
	disp.Observe(tracker)
	engine = gateway.NewEngine(cfg.Gateway, reg, disp, tracker, tokenSvc, dirSvc, gateway.WithLogger(log))

	// REST producers publish through the bus when one is configured.
	bus, err := openBus(cfg, rdb, log)
	if err != nil {
		log.Error("event bus connection failed", "driver", cfg.Bus.Driver, "err", err)
		return err
	}
	var pub contracts.Publisher = disp
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	workerDone := make(chan struct{})
	if bus != nil {
		pub = bus
		w := worker.NewEventWorker(log, bus, disp)
		go func() {
			defer close(workerDone)
			if err := w.Run(workerCtx); err != nil {
				log.Error("event worker stopped", "driver", cfg.Bus.Driver, "err", err)
			}
		}()
		log.Info("event bus connected", "driver", cfg.Bus.Driver)
	} else {
		close(workerDone)
	}

	guildSvc := services.NewGuildService(log, guildRepo, dirSvc, pub, txManager)
	msgSvc := services.NewMessageService(log, msgRepo, guildRepo, pub)

	// Server
	srv := server.NewServer(log, cfg.Service.Name, cfg.Service.Addr, server.Deps{
		Users:      userSvc,
		Tokens:     tokenSvc,
		Guilds:     guildSvc,
		Messages:   msgSvc,
		Presence:   tracker,
		Sessions:   engine,
		Publisher:  pub,
		Gateway:    handlers.NewWSHandler(engine, cfg.Gateway.MaxFrameBytes, wsWriteTimeout),
		AdminToken: cfg.Auth.AdminToken,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	engine.Shutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("server shutdown failed", "err", shutdownErr)
	}
	stopWorker()
	<-workerDone
	if bus != nil {
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("event bus close failed", "err", closeErr)
		}
	}
	log.Info("shutdown complete")
	return err
}

// openBus returns nil for the in-process driver.
func openBus(cfg config.Config, rdb *redis.Client, log *slog.Logger) (contracts.EventBus, error) {
	host, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", host, os.Getpid())

	switch cfg.Bus.Driver {
	case "memory":
		return nil, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis bus requires redis.enabled")
		}
		return redisPlugin.NewStreamBus(rdb, cfg.Bus.Redis, cfg.Bus.Group, consumer, log), nil
	case "nats":
		b, err := natsPlugin.Connect(cfg.Bus.NATS, cfg.Bus.Group, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "kafka":
		b, err := kafka.NewBus(cfg.Bus.Kafka, cfg.Bus.Group, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "rabbitmq":
		b, err := rabbitmq.Dial(cfg.Bus.RabbitMQ, consumer, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}
