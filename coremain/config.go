package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonNS/mlog"
	"github.com/PeerPigeon/PigeonNS/pkg/resolver"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Resolver ResolverConfig `yaml:"resolver"`
	API      APIConfig      `yaml:"api"`
}

type ResolverConfig struct {
	// Timeout is the query wait in milliseconds. Default 5000.
	Timeout int `yaml:"timeout"`

	// TTL is the default cache TTL in seconds for records without
	// one. Default 120.
	TTL int `yaml:"ttl"`

	// CacheSize is the max number of cache entries. Default 1000.
	CacheSize int `yaml:"cache_size"`
}

type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

const (
	defaultAPIHost = "127.0.0.1"
	defaultAPIPort = 5380
)

func (c *ResolverConfig) engineOptions(logger *zap.Logger, reg prometheus.Registerer) resolver.Options {
	return resolver.Options{
		Timeout:    time.Duration(c.Timeout) * time.Millisecond,
		DefaultTTL: time.Duration(c.TTL) * time.Second,
		CacheSize:  c.CacheSize,
		Logger:     logger,
		MetricsReg: reg,
	}
}

// loadConfig loads a config from a file. If filePath is empty, it
// searches the working directory for a file named "config"; running
// without any config file is fine and yields all defaults.
func loadConfig(filePath string) (*Config, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) == 0 && errors.As(err, &notFound) {
			return new(Config), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
