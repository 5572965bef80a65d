// Package config loads Halo's daemon configuration from defaults, a YAML
// file, HALO_*-prefixed environment variables, and CLI flags, in that
// order of increasing precedence, using viper the way the rest of the
// ecosystem's daemons do.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved set of environment knobs named in the design:
// data directory, global concurrency, dedup TTL/capacity, keep-alive TTL,
// scheduler max-consecutive-errors, and run-log retention.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	Listen  string `mapstructure:"listen"`

	GlobalConcurrency int `mapstructure:"global_concurrency"`

	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`

	KeepAliveTTL      time.Duration `mapstructure:"keep_alive_ttl"`
	SharedResourceTTL time.Duration `mapstructure:"shared_resource_ttl"`
	EscalationTimeout time.Duration `mapstructure:"escalation_timeout"`

	SchedulerMaxConsecutiveErrors int `mapstructure:"scheduler_max_consecutive_errors"`
	RunLogRetention               int `mapstructure:"run_log_retention"`
}

// Default returns Config populated with the values named throughout the
// design (scheduler max-consecutive-errors 5, run-log retention 1000,
// dedup capacity 10000 / TTL 60s, keep-alive TTL 24h, global concurrency 4).
func Default() *Config {
	return &Config{
		DataDir:                       defaultDataDir(),
		Listen:                        "127.0.0.1:7337",
		GlobalConcurrency:             4,
		DedupTTL:                      60 * time.Second,
		DedupCapacity:                 10000,
		KeepAliveTTL:                  24 * time.Hour,
		SharedResourceTTL:             5 * time.Minute,
		EscalationTimeout:             24 * time.Hour,
		SchedulerMaxConsecutiveErrors: 5,
		RunLogRetention:               1000,
	}
}

// Load resolves configuration from (in increasing precedence): built-in
// defaults, a YAML file at configPath (if non-empty and present), then
// HALO_*-prefixed environment variables. Flags are expected to already
// have been bound onto v by the CLI layer before Load is called.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("global_concurrency", d.GlobalConcurrency)
	v.SetDefault("dedup_ttl", d.DedupTTL)
	v.SetDefault("dedup_capacity", d.DedupCapacity)
	v.SetDefault("keep_alive_ttl", d.KeepAliveTTL)
	v.SetDefault("shared_resource_ttl", d.SharedResourceTTL)
	v.SetDefault("escalation_timeout", d.EscalationTimeout)
	v.SetDefault("scheduler_max_consecutive_errors", d.SchedulerMaxConsecutiveErrors)
	v.SetDefault("run_log_retention", d.RunLogRetention)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("halo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := homeDir()
	if err != nil || home == "" {
		return ".halo"
	}
	return home + "/.halo"
}
