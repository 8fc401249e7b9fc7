package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/joripage/powerex/config"
	"github.com/joripage/powerex/pkg/infra"
	postgres_wrapper "github.com/joripage/powerex/pkg/infra/postgres"
	"github.com/joripage/powerex/pkg/logging"
)

func main() {
	var (
		configFile string
		sourceDir  string
	)
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.StringVar(&sourceDir, "source-dir", "migration", "Directory holding the wallet/ and oms/ migrations")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(config.ServiceMigrate); err != nil {
		panic(err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	mgTool := infra.GetMigrateTool()
	for name, db := range map[string]*postgres_wrapper.PostgresConfig{
		"wallet": cfg.WalletDB,
		"oms":    cfg.OmsDB,
	} {
		if db == nil {
			continue
		}
		if err := mgTool.WaitAndMigrate(db, "file://"+sourceDir+"/"+name); err != nil {
			logger.Fatal("migrate", zap.String("db", name), zap.Error(err))
		}
	}
}
