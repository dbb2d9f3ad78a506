package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TRACKSYNC"

type Config struct {
	Remote   RemoteConfig  `mapstructure:"remote"`
	Local    LocalConfig   `mapstructure:"local"`
	Store    StoreConfig   `mapstructure:"store"`
	Retry    RetryConfig   `mapstructure:"retry"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
	Sync     SyncConfig    `mapstructure:"sync"`
	Watch    WatchConfig   `mapstructure:"watch"`
	Serve    ServeConfig   `mapstructure:"serve"`
	Log      LogConfig     `mapstructure:"log"`
	FileUsed string        `mapstructure:"-"`
}

type RemoteConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	Username    string        `mapstructure:"username"`
	Timeout     time.Duration `mapstructure:"timeout"`
	StatusField string        `mapstructure:"status_field"`
	UserFields  []string      `mapstructure:"user_fields"`
	UserKey     string        `mapstructure:"user_key"`
}

type LocalConfig struct {
	Dir     string `mapstructure:"dir"`
	Mapping string `mapstructure:"mapping"`
}

// StoreConfig holds one DSN per durable store. A bare path is a file store.
type StoreConfig struct {
	Snapshots      string `mapstructure:"snapshots"`
	Breakers       string `mapstructure:"breakers"`
	Deferrals      string `mapstructure:"deferrals"`
	Outbox         string `mapstructure:"outbox"`
	OutboxCapacity int    `mapstructure:"outbox_capacity"`
	Stats          string `mapstructure:"stats"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type SyncConfig struct {
	Strategy         string        `mapstructure:"strategy"`
	ConcurrentWindow time.Duration `mapstructure:"concurrent_window"`
	Concurrency      int           `mapstructure:"concurrency"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Jitter   float64       `mapstructure:"jitter"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type ServeConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// setDefaults registers every key so that TRACKSYNC_* variables are picked
// up by Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://127.0.0.1:8080")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.status_field", "status")
	v.SetDefault("remote.user_fields", []string{"assignee"})
	v.SetDefault("remote.user_key", "name")

	v.SetDefault("local.dir", "")
	v.SetDefault("local.mapping", "")

	v.SetDefault("store.snapshots", "")
	v.SetDefault("store.breakers", "")
	v.SetDefault("store.deferrals", "")
	v.SetDefault("store.outbox", "")
	v.SetDefault("store.outbox_capacity", 1024)
	v.SetDefault("store.stats", "")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 300*time.Second)

	v.SetDefault("sync.strategy", "merge")
	v.SetDefault("sync.concurrent_window", 300*time.Second)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.timeout", 2*time.Minute)

	v.SetDefault("watch.interval", 30*time.Second)
	v.SetDefault("watch.jitter", 0.2)
	v.SetDefault("watch.debounce", 500*time.Millisecond)

	v.SetDefault("serve.addr", ":8090")
	v.SetDefault("serve.jwt_secret", "dev-secret")
	v.SetDefault("serve.rate_limit_max", 0)
	v.SetDefault("serve.rate_limit_window", time.Minute)
	v.SetDefault("serve.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
}

// loadConfig reads an explicit config file when one is named, otherwise the
// first of ./.tracksync.yaml and $HOME/.config/tracksync/config.yaml.
// Environment variables override file values; bound flags override both.
func loadConfig(v *viper.Viper, explicitPath string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", explicitPath, err)
		}
	} else {
		for _, candidate := range defaultConfigPaths() {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			v.SetConfigFile(candidate)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", candidate, err)
			}
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.FileUsed = v.ConfigFileUsed()
	cfg.applyDerivedDefaults()
	if cfg.Watch.Interval <= 0 {
		cfg.Watch.Interval = 30 * time.Second
	}
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = 2 * time.Minute
	}
	cfg.Watch.Jitter = clampJitterRatio(cfg.Watch.Jitter)
	cfg.Retry.Jitter = clampJitterRatio(cfg.Retry.Jitter)
	return cfg, nil
}

func defaultConfigPaths() []string {
	paths := []string{".tracksync.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tracksync", "config.yaml"))
	}
	return paths
}

// applyDerivedDefaults places unset stores under <local.dir>/.tracksync.
func (c *Config) applyDerivedDefaults() {
	if c.Local.Dir == "" {
		return
	}
	stateDir := filepath.Join(c.Local.Dir, ".tracksync")
	if c.Store.Snapshots == "" {
		c.Store.Snapshots = filepath.Join(stateDir, "snapshots")
	}
	if c.Store.Breakers == "" {
		c.Store.Breakers = filepath.Join(stateDir, "breakers.json")
	}
	if c.Store.Deferrals == "" {
		c.Store.Deferrals = filepath.Join(stateDir, "deferrals.json")
	}
	if c.Store.Outbox == "" {
		c.Store.Outbox = filepath.Join(stateDir, "outbox.json")
	}
	if c.Store.Stats == "" {
		c.Store.Stats = filepath.Join(stateDir, "stats.json")
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Local.Dir) == "" {
		return errors.New("local directory is required (--local-dir or TRACKSYNC_LOCAL_DIR)")
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return errors.New("remote base URL is required (--remote-url or TRACKSYNC_REMOTE_BASE_URL)")
	}
	return nil
}
