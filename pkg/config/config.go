package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "KNOBOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "knoboor.db"

	// DefaultPipelineWorkers is the number of concurrent pipeline stage workers.
	DefaultPipelineWorkers = 2

	// DefaultPipelineQueueSize bounds the number of queued stage executions.
	DefaultPipelineQueueSize = 64

	// DefaultRankedKnobs is the top-K cut applied to ranked knob artifacts.
	DefaultRankedKnobs = 10

	// DefaultCacheTTL is how long a derived series stays cached.
	DefaultCacheTTL = "5m"

	// DefaultCacheMaxEntries bounds the in-memory series cache.
	DefaultCacheMaxEntries = 4096

	// DefaultRedisKeyPrefix namespaces series cache keys in redis.
	DefaultRedisKeyPrefix = "knoboor:series:"

	// DefaultArchivePrefix is the S3 key prefix for archived uploads.
	DefaultArchivePrefix = "uploads"
)

// Config is the root configuration for knoboor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// CatalogConfig lists the DBMS catalog files describing supported
// knobs and metrics per DBMS version.
type CatalogConfig struct {
	Paths []string `yaml:"paths" mapstructure:"paths"`
}

// PipelineConfig configures the in-process task runner that executes
// the recommendation chain.
type PipelineConfig struct {
	Workers     int `yaml:"workers" mapstructure:"workers"`
	QueueSize   int `yaml:"queue_size" mapstructure:"queue_size"`
	RankedKnobs int `yaml:"ranked_knobs" mapstructure:"ranked_knobs"`
}

// CacheConfig configures the derived-series cache.
type CacheConfig struct {
	Driver     string      `yaml:"driver" mapstructure:"driver"`
	TTL        string      `yaml:"ttl" mapstructure:"ttl"`
	MaxEntries int         `yaml:"max_entries" mapstructure:"max_entries"`
	Redis      RedisConfig `yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	Database  int    `yaml:"database" mapstructure:"database"`
	KeyPrefix string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// Load reads and merges the given configuration files in order. Values
// can be overridden with KNOBOOR_ prefixed environment variables, where
// nested keys are joined with underscores.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values. Registering a key also makes it
// visible to environment overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("api.server.listen", DefaultListen)
	v.SetDefault("api.server.rate_limit.enabled", false)
	v.SetDefault("api.server.rate_limit.upload.requests_per_minute", 60)
	v.SetDefault("api.server.rate_limit.public.requests_per_minute", 600)
	v.SetDefault("api.database.driver", "sqlite")
	v.SetDefault("api.database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("api.database.postgres.port", 5432)
	v.SetDefault("api.database.postgres.ssl_mode", "disable")
	v.SetDefault("api.archive.enabled", false)
	v.SetDefault("api.archive.prefix", DefaultArchivePrefix)

	v.SetDefault("pipeline.workers", DefaultPipelineWorkers)
	v.SetDefault("pipeline.queue_size", DefaultPipelineQueueSize)
	v.SetDefault("pipeline.ranked_knobs", DefaultRankedKnobs)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.max_entries", DefaultCacheMaxEntries)
	v.SetDefault("cache.redis.key_prefix", DefaultRedisKeyPrefix)
}

// CacheTTL returns the parsed series cache TTL.
func (c *CacheConfig) CacheTTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("parsing cache ttl %q: %w", c.TTL, err)
	}

	return ttl, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if len(c.Catalog.Paths) == 0 {
		result = multierror.Append(result,
			fmt.Errorf("catalog: at least one catalog path is required"))
	}

	if c.Pipeline.Workers <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("pipeline: workers must be positive"))
	}

	if c.Pipeline.QueueSize <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("pipeline: queue_size must be positive"))
	}

	if c.Pipeline.RankedKnobs <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("pipeline: ranked_knobs must be positive"))
	}

	switch c.Cache.Driver {
	case "memory":
		if c.Cache.MaxEntries <= 0 {
			result = multierror.Append(result,
				fmt.Errorf("cache: max_entries must be positive"))
		}
	case "redis":
		if c.Cache.Redis.Address == "" {
			result = multierror.Append(result,
				fmt.Errorf("cache: redis.address is required"))
		}
	default:
		result = multierror.Append(result,
			fmt.Errorf("cache: unsupported driver %q", c.Cache.Driver))
	}

	if ttl, err := c.Cache.CacheTTL(); err != nil {
		result = multierror.Append(result, fmt.Errorf("cache: %w", err))
	} else if ttl <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("cache: ttl must be positive"))
	}

	if err := c.API.validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
