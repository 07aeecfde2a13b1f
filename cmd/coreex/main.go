// Command coreex runs the trading core daemon: storage migration, the ledger,
// and the background workers for deposits and derivative settlement. Order
// flow enters through the matching package, embedded by the deployment that
// fronts this core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quantaex/coreex/internal/config"
	"github.com/quantaex/coreex/internal/deposit"
	"github.com/quantaex/coreex/internal/ledger"
	"github.com/quantaex/coreex/internal/registry"
	"github.com/quantaex/coreex/internal/settlement"
	"github.com/quantaex/coreex/pkg/logger"
	"github.com/quantaex/coreex/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "coreex:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	boot, err := logger.New("info")
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath, boot)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	led := ledger.NewService(log, db, reg, ledger.Options{
		Multiserver:   cfg.Ledger.Multiserver,
		CacheSize:     cfg.Ledger.CacheSize,
		ReplayUpdates: cfg.Ledger.ReplayUpdates,
		JobBuffer:     cfg.Ledger.JobBuffer,
	})
	defer led.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup

	if cfg.Chain.RPCURL != "" {
		chain, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial chain rpc: %w", err)
		}
		defer chain.Close()
		watcher := deposit.NewWatcher(log, db, led, chain,
			cfg.Chain.Confirmations, cfg.Chain.PollInterval)
		workers.Add(1)
		go func() {
			defer workers.Done()
			watcher.Run(ctx)
		}()
		log.Info("deposit watcher started", zap.String("rpc", cfg.Chain.RPCURL))
	} else {
		log.Warn("no chain rpc configured, deposit watcher disabled")
	}

	oracle := settlement.NewPoolOracle(db, reg.SettlementAsset())
	settler := settlement.NewService(log, db, led, reg, oracle,
		cfg.Settlement.Interval, cfg.Settlement.RollPeriod)
	workers.Add(1)
	go func() {
		defer workers.Done()
		settler.Run(ctx)
	}()

	log.Info("trading core up",
		zap.String("database", cfg.Database.Driver),
		zap.Int("assets", len(cfg.Assets)),
		zap.Int("pairs", len(cfg.Pairs)))

	<-ctx.Done()
	log.Info("shutting down")
	workers.Wait()
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	assets := make([]registry.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		min := "0"
		if a.MinOrderSize != "" {
			min = a.MinOrderSize
		}
		scaled, err := registry.ScaleAmount(min)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
		assets = append(assets, registry.Asset{
			Symbol:       a.Symbol,
			MinOrderSize: scaled,
			NonCacheable: a.NonCacheable,
			Derivative:   a.Derivative,
			Oracle:       a.Oracle,
		})
	}
	pairs := make([]registry.Pair, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs = append(pairs, registry.Pair{Primary: p.Primary, Secondary: p.Secondary})
	}
	reg, err := registry.New(assets, pairs, cfg.Settlement.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset registry: %w", err)
	}
	return reg, nil
}
