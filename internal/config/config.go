package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full runtime configuration of the trading core.
type Config struct {
	Log struct {
		Level string
	}
	Database struct {
		Driver string
		DSN    string
	}
	Ledger struct {
		// Multiserver disables the process-local balance cache; in a
		// horizontally scaled deployment correctness rests solely on
		// store-level row locks.
		Multiserver bool
		CacheSize   int `mapstructure:"cache_size"`
		// ReplayUpdates is a test-only mode: commit applies balance deltas
		// in original call order instead of sorted key order. Never enable
		// in production; the sorted order is what prevents lock-ordering
		// deadlocks between concurrent commits.
		ReplayUpdates bool `mapstructure:"replay_updates"`
		JobBuffer     int  `mapstructure:"job_buffer"`
	}
	Chain struct {
		RPCURL        string        `mapstructure:"rpc_url"`
		Confirmations uint64        `mapstructure:"confirmations"`
		PollInterval  time.Duration `mapstructure:"poll_interval"`
	}
	Settlement struct {
		Interval   time.Duration
		RollPeriod time.Duration `mapstructure:"roll_period"`
		Asset      string
	}
	Assets []AssetConfig
	Pairs  []PairConfig
}

// AssetConfig declares one tradeable asset. MinOrderSize is in whole units
// (decimal string) and is scaled to 10^18 minor units by the registry.
type AssetConfig struct {
	Symbol       string
	MinOrderSize string `mapstructure:"min_order_size"`
	NonCacheable bool   `mapstructure:"non_cacheable"`
	Derivative   bool
	Oracle       string
}

// PairConfig declares one trading pair.
type PairConfig struct {
	Primary   string
	Secondary string
}

// Load reads configuration from path (or the default search paths when path
// is empty), applying defaults for anything unset.
func Load(path string, logger *zap.Logger) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("ledger.multiserver", false)
	v.SetDefault("ledger.cache_size", 65536)
	v.SetDefault("ledger.replay_updates", false)
	v.SetDefault("ledger.job_buffer", 256)
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.poll_interval", 10*time.Second)
	v.SetDefault("settlement.interval", 10*time.Second)
	v.SetDefault("settlement.roll_period", 24*time.Hour)
	v.SetDefault("settlement.asset", "DAI")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coreex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/coreex")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("configuration file not found, using defaults")
		} else {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	} else {
		logger.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}
