package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joripage/powerex/config"
	"github.com/joripage/powerex/pkg/coordinator"
	"github.com/joripage/powerex/pkg/eventbus"
	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
	redis_wrapper "github.com/joripage/powerex/pkg/infra/redis"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/market"
	"github.com/joripage/powerex/pkg/matching"
	"github.com/joripage/powerex/pkg/metrics"
	"github.com/joripage/powerex/pkg/orderbook"
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
	if err := cfg.Validate(config.ServiceMatchEngine); err != nil {
		panic(err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		book    orderbook.Book
		claimer matching.Claimer
	)
	switch cfg.Matching.BookBackend {
	case config.BookBackendMemory:
		book, claimer = orderbook.NewMemoryBook(), matching.NewMemoryClaimer()
	default:
		rdb, err := redis_wrapper.InitRedisWithBackoff(cfg.Redis)
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer rdb.Close()
		ttl := time.Duration(cfg.Matching.DedupTTLSeconds) * time.Second
		book, claimer = orderbook.NewRedisBook(rdb), matching.NewRedisClaimer(rdb, ttl)
	}

	bus, err := eventbus.Open(cfg.EventBus, logger)
	if err != nil {
		logger.Fatal("open event bus", zap.Error(err))
	}
	defer bus.Close()

	// Everything the matching service emits goes through the outbox first.
	outbox, err := eventbus.OpenOutbox(cfg.Outbox.Dir, logger)
	if err != nil {
		logger.Fatal("open outbox", zap.Error(err))
	}
	defer outbox.Close()
	relay := eventbus.NewRelay(outbox, bus, logger, time.Duration(cfg.Outbox.RelayIntervalMs)*time.Millisecond)

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := matching.NewEngine(book, outbox, logger, matching.WithMetrics(m))
	router := coordinator.NewMatchingCoordinator(engine, book, claimer, outbox, logger, m).
		Register(coordinator.NewRouter(logger))

	var settlements market.SettlementReader = market.NoSettlements{}
	if cfg.WalletDB != nil {
		db, err := postgres_wrapper.InitPostgresWithBackoff(cfg.WalletDB)
		if err != nil {
			logger.Fatal("connect wallet db", zap.Error(err))
		}
		settlements = wallet.NewLedger(db, logger)
	}

	srv := server.New(cfg.HTTPAddr, logger)
	market.NewService(book, settlements, engine, logger).RegisterRoutes(srv.API())

	group := cfg.EventBus.Group
	if group == "" {
		group = config.ServiceMatchEngine
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return router.Run(ctx, bus, group) })
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info("matching service started",
		zap.String("book", cfg.Matching.BookBackend),
		zap.String("group", group),
		zap.String("http_addr", cfg.HTTPAddr),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("matching service stopped", zap.Error(err))
		return
	}
	logger.Info("matching service exited cleanly")
}
