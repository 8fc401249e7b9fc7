package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joripage/powerex/config"
	"github.com/joripage/powerex/pkg/coordinator"
	"github.com/joripage/powerex/pkg/eventbus"
	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/metrics"
	"github.com/joripage/powerex/pkg/server"
	"github.com/joripage/powerex/pkg/wallet"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(config.ServiceWallet); err != nil {
		panic(err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres_wrapper.InitPostgresWithBackoff(cfg.WalletDB)
	if err != nil {
		logger.Fatal("connect wallet db", zap.Error(err))
	}
	ledger := wallet.NewLedger(db, logger)

	bus, err := eventbus.Open(cfg.EventBus, logger)
	if err != nil {
		logger.Fatal("open event bus", zap.Error(err))
	}
	defer bus.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	router := coordinator.NewWalletCoordinator(ledger, bus, logger, m).Register(coordinator.NewRouter(logger))

	srv := server.New(cfg.HTTPAddr, logger)
	ledger.RegisterRoutes(srv.API())

	group := cfg.EventBus.Group
	if group == "" {
		group = config.ServiceWallet
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx, bus, group) })
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info("wallet service started", zap.String("group", group), zap.String("http_addr", cfg.HTTPAddr))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("wallet service stopped", zap.Error(err))
		return
	}
	logger.Info("wallet service exited cleanly")
}
