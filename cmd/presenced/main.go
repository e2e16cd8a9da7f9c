// Package main provides the presence server binary: the socket and
// websocket protocol listeners, the web surface, and the persistence wiring.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/config"
	"github.com/janusvr/presence/internal/hooks"
	"github.com/janusvr/presence/internal/observability"
	"github.com/janusvr/presence/internal/presence"
	"github.com/janusvr/presence/internal/server"
	"github.com/janusvr/presence/internal/storage/postgres"
	"github.com/janusvr/presence/internal/transport"
	"github.com/janusvr/presence/internal/web"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting presence server",
		zap.String("socket_addr", cfg.Server.Addr()),
		zap.String("web_addr", cfg.Web.Addr()),
		zap.Bool("tls", cfg.Server.TLS.Enabled),
	)

	// Connect to PostgreSQL for the user directory and party list.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	userRepo := postgres.NewUserRepository(pool.DB())
	partyRepo := postgres.NewPartyListRepository(pool.DB())

	// Load checkpoint hook scripts when configured.
	var hookMgr *hooks.Manager
	if cfg.Hooks.ScriptDir != "" {
		if info, statErr := os.Stat(cfg.Hooks.ScriptDir); statErr == nil && info.IsDir() {
			hookMgr = hooks.NewManager(logger)
			if err := hookMgr.Load(cfg.Hooks.ScriptDir, 0); err != nil {
				logger.Fatal("loading hook scripts",
					zap.String("dir", cfg.Hooks.ScriptDir), zap.Error(err))
			}
			defer hookMgr.Close()
		} else {
			logger.Warn("hook script dir not found, hooks disabled",
				zap.String("dir", cfg.Hooks.ScriptDir))
		}
	}

	opts := presence.Options{
		Directory:   cfg.Directory,
		Session:     cfg.Session,
		AccessStats: cfg.Server.AccessStats,
		Users:       userRepo,
		PartyList:   partyRepo,
	}
	if hookMgr != nil {
		opts.Hooks = hookMgr
	}
	registry := presence.NewRegistry(opts, logger)

	acceptor := transport.NewAcceptor(cfg.Server, cfg.Session, registry, logger)
	wsUpgrader := transport.NewWSUpgrader(registry, cfg.Session.WriteTimeout, logger)
	webServer := web.NewServer(cfg.Web, registry, wsUpgrader, logger)

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("socket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			acceptor.Stop()
			registry.Teardown()
		},
	})

	lifecycle.Add("web", &server.FuncService{
		StartFn: webServer.Start,
		StopFn: func() {
			if err := webServer.Stop(); err != nil {
				logger.Warn("stopping web server", zap.Error(err))
			}
		},
	})

	lifecycle.Add("directory", &server.FuncService{
		StartFn: registry.RunDirectoryRefresher,
		StopFn:  registry.StopDirectoryRefresher,
	})

	dbHealth := server.NewHealthChecker("postgres", 30*time.Second, func(ctx context.Context) error {
		return pool.Health(ctx, 5*time.Second)
	}, logger)
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: dbHealth.Start,
		StopFn: func() {
			dbHealth.Stop()
			pool.Close()
		},
	})

	logger.Info("presence server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
