package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joripage/powerex/config"
	"github.com/joripage/powerex/pkg/eventbus"
	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/oms"
	"github.com/joripage/powerex/pkg/oms/repo"
	riskrule "github.com/joripage/powerex/pkg/oms/risk_rule"
	"github.com/joripage/powerex/pkg/oms/worker"
	"github.com/joripage/powerex/pkg/server"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(config.ServiceOMS); err != nil {
		panic(err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres_wrapper.InitPostgresWithBackoff(cfg.OmsDB)
	if err != nil {
		logger.Fatal("connect oms db", zap.Error(err))
	}

	var rules []riskrule.RiskRule
	if cfg.Risk != nil {
		if len(cfg.Risk.LimitPrices) > 0 {
			rules = append(rules, riskrule.NewLimitPriceRule(cfg.Risk.LimitPrices))
		}
		if cfg.Risk.TickSizeFile != "" {
			tick, err := riskrule.NewTickSizeRuleFromFile(cfg.Risk.TickSizeFile)
			if err != nil {
				logger.Fatal("load tick sizes", zap.String("file", cfg.Risk.TickSizeFile), zap.Error(err))
			}
			rules = append(rules, tick)
		}
	}

	bus, err := eventbus.Open(cfg.EventBus, logger)
	if err != nil {
		logger.Fatal("open event bus", zap.Error(err))
	}
	defer bus.Close()

	o := oms.NewOMS(repo.NewRepo(db), bus, logger, rules...)

	srv := server.New(cfg.HTTPAddr, logger)
	o.RegisterRoutes(srv.API())

	group := cfg.EventBus.Group
	if group == "" {
		group = config.ServiceOMS
	}
	w := worker.NewWorker(o, bus, group, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.StartConsumer(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info("oms started", zap.String("group", group), zap.Int("risk_rules", len(rules)), zap.String("http_addr", cfg.HTTPAddr))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("oms stopped", zap.Error(err))
		return
	}
	logger.Info("oms exited cleanly")
}
