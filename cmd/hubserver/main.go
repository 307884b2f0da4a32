// Package main provides the hub server binary: the WebSocket relay for
// rooms, chat, and peer signaling, plus an optional admin gRPC service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/admin"
	"github.com/cory-johannsen/playhub/internal/config"
	"github.com/cory-johannsen/playhub/internal/frontend/ws"
	"github.com/cory-johannsen/playhub/internal/observability"
	"github.com/cory-johannsen/playhub/internal/relay"
	"github.com/cory-johannsen/playhub/internal/scripting"
	"github.com/cory-johannsen/playhub/internal/server"
	"github.com/cory-johannsen/playhub/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting hub server",
		zap.String("name", cfg.Server.Name),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Bool("database", cfg.Database.Enabled),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	var wsOpts []ws.Option
	wsOpts = append(wsOpts, ws.WithServiceName(cfg.Server.Name))

	// Optional user directory for identify frames that omit a display name.
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		users := postgres.NewUserRepository(pool.DB(), cfg.Database.LookupTimeout)
		wsOpts = append(wsOpts, ws.WithNameResolver(users, cfg.Database.LookupTimeout))

		healthDone := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-healthDone:
						return nil
					case <-ticker.C:
						if err := pool.Health(ctx, 5*time.Second); err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
					}
				}
			},
			StopFn: func() {
				close(healthDone)
				pool.Close()
			},
		})
	}

	relayOpts := relay.Options{
		QueueSize:     cfg.Relay.QueueSize,
		MaxChatLength: cfg.Relay.MaxChatLength,
	}
	if cfg.Scripting.HookDir != "" {
		hooks, err := scripting.LoadHooks(cfg.Scripting.HookDir, cfg.Scripting.InstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading lua hooks", zap.Error(err))
		}
		defer hooks.Close()
		relayOpts.Filter = hooks
		relayOpts.Departures = hooks
	}

	coord := relay.NewCoordinator(relayOpts, logger)
	coordCtx, stopCoord := context.WithCancel(ctx)
	lifecycle.Add("relay", &server.FuncService{
		StartFn: func() error { return coord.Run(coordCtx) },
		StopFn:  stopCoord,
	})

	if cfg.Admin.Enabled {
		grpcServer, healthServer := admin.NewGRPCServer(admin.NewService(coord, logger), logger)
		lifecycle.Add("admin", &server.FuncService{
			StartFn: func() error {
				lis, err := net.Listen("tcp", cfg.Admin.Addr())
				if err != nil {
					return fmt.Errorf("listening on %s: %w", cfg.Admin.Addr(), err)
				}
				logger.Info("admin gRPC listening", zap.String("addr", lis.Addr().String()))
				return grpcServer.Serve(lis)
			},
			StopFn: func() {
				healthServer.Shutdown()
				grpcServer.GracefulStop()
			},
		})
	}

	wsServer := ws.NewServer(cfg.HTTP, cfg.Relay, coord, logger, wsOpts...)
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: wsServer.ListenAndServe,
		StopFn:  wsServer.Stop,
	})

	logger.Info("hub server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
