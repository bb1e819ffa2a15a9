package klayquery

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// FileConfig is the file/environment form of ConfigureOptions. Sections that
// are absent stay nil so Configure leaves the matching defaults alone.
type FileConfig struct {
	Client   *ClientSection   `mapstructure:"client"`
	Query    *QuerySection    `mapstructure:"query"`
	Fetch    *QuerySection    `mapstructure:"fetch"`
	Paginate *PaginateSection `mapstructure:"paginate"`
	Infinite *InfiniteSection `mapstructure:"infinite"`
	Mutation *MutationSection `mapstructure:"mutation"`
	Persist  *PersistSection  `mapstructure:"persist"`
}

// ClientSection configures the HTTP client.
type ClientSection struct {
	BaseURL       string            `mapstructure:"base_url"`
	GeneralURL    string            `mapstructure:"general_url"`
	VersionFormat string            `mapstructure:"version_format"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes  int64             `mapstructure:"max_body_bytes"`
	Headers       map[string]string `mapstructure:"headers"`
	BearerToken   string            `mapstructure:"bearer_token"`
	Metrics       bool              `mapstructure:"metrics"`
	LogLevel      string            `mapstructure:"log_level"` // "", "debug", "info", "warn", "error"
}

// QuerySection holds query options. Retry is a retry count; 0 disables
// retries and an absent value keeps the default policy.
type QuerySection struct {
	StaleTime  *time.Duration `mapstructure:"stale_time"`
	CacheTime  *time.Duration `mapstructure:"cache_time"`
	Retry      *int           `mapstructure:"retry"`
	RetryDelay *time.Duration `mapstructure:"retry_delay"`
	Enabled    *bool          `mapstructure:"enabled"`
}

// PaginateSection holds paginate options.
type PaginateSection struct {
	QuerySection     `mapstructure:",squash"`
	KeepPreviousData *bool `mapstructure:"keep_previous_data"`
	PageSize         *int  `mapstructure:"page_size"`
}

// InfiniteSection holds infinite query options.
type InfiniteSection struct {
	QuerySection `mapstructure:",squash"`
	MaxPages     *int `mapstructure:"max_pages"`
}

// MutationSection holds mutation options.
type MutationSection struct {
	Retry      *int           `mapstructure:"retry"`
	RetryDelay *time.Duration `mapstructure:"retry_delay"`
}

// PersistSection selects the persist store.
type PersistSection struct {
	MemcacheServers []string      `mapstructure:"memcache_servers"`
	Prefix          string        `mapstructure:"prefix"`
	TTL             time.Duration `mapstructure:"ttl"`
}

var configKeys = []string{
	"client.base_url", "client.general_url", "client.version_format", "client.timeout",
	"client.bearer_token", "client.metrics", "client.log_level",
	"query.stale_time", "query.cache_time", "query.retry", "query.retry_delay", "query.enabled",
	"fetch.stale_time", "fetch.cache_time", "fetch.retry", "fetch.retry_delay", "fetch.enabled",
	"paginate.stale_time", "paginate.cache_time", "paginate.retry", "paginate.retry_delay", "paginate.enabled",
	"paginate.keep_previous_data", "paginate.page_size",
	"infinite.stale_time", "infinite.cache_time", "infinite.retry", "infinite.retry_delay", "infinite.enabled",
	"infinite.max_pages",
	"mutation.retry", "mutation.retry_delay",
	"persist.prefix", "persist.ttl",
}

// LoadConfig reads configuration from configPath, or from config.yaml in the
// working directory when configPath is empty. Every key can be overridden
// from the environment as KLAYQUERY_<SECTION>_<KEY>, e.g.
// KLAYQUERY_CLIENT_BASE_URL. A missing default config file is not an error.
func LoadConfig(configPath string) (*FileConfig, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KLAYQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("klayquery: bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("klayquery: read config: %w", err)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("klayquery: decode config: %w", err)
	}
	if servers := os.Getenv("KLAYQUERY_PERSIST_MEMCACHE_SERVERS"); servers != "" {
		if cfg.Persist == nil {
			cfg.Persist = &PersistSection{}
		}
		cfg.Persist.MemcacheServers = strings.Split(servers, ",")
	}
	return &cfg, nil
}

// ConfigureOptions builds the options to pass to Configure. When metrics are
// enabled the client and the query client share one collector on its own
// registry; expose it with Client().Metrics().GetRegistry().
func (c *FileConfig) ConfigureOptions() ConfigureOptions {
	var opts ConfigureOptions

	if c.Client != nil {
		var clientOpts []Option
		if c.Client.BaseURL != "" {
			clientOpts = append(clientOpts, WithBaseURL(c.Client.BaseURL))
		}
		if c.Client.GeneralURL != "" {
			clientOpts = append(clientOpts, WithGeneralURL(c.Client.GeneralURL))
		}
		if c.Client.VersionFormat != "" {
			clientOpts = append(clientOpts, WithVersionFormat(c.Client.VersionFormat))
		}
		if c.Client.Timeout > 0 {
			clientOpts = append(clientOpts, WithTimeout(c.Client.Timeout))
		}
		if c.Client.MaxBodyBytes > 0 {
			clientOpts = append(clientOpts, WithMaxResponseSize(c.Client.MaxBodyBytes))
		}
		for k, v := range c.Client.Headers {
			clientOpts = append(clientOpts, WithHeader(k, v))
		}
		if c.Client.BearerToken != "" {
			clientOpts = append(clientOpts, WithBearerToken(c.Client.BearerToken))
		}

		var queryOpts []QueryClientOption
		if logger := c.Client.logger(); logger != nil {
			clientOpts = append(clientOpts, WithLogger(logger))
			queryOpts = append(queryOpts, WithQueryLogger(logger))
		}
		if c.Client.Metrics {
			mc := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
			clientOpts = append(clientOpts, WithMetricsCollector(mc))
			queryOpts = append(queryOpts, WithQueryMetrics(mc))
		}
		opts.Client = NewClient(clientOpts...)
		if len(queryOpts) > 0 {
			opts.QueryClient = NewQueryClient(queryOpts...)
		}
	}

	if c.Query != nil {
		q := c.Query.options()
		opts.QueryOptions = &q
	}
	if c.Fetch != nil {
		f := c.Fetch.options()
		opts.FetchQueryOptions = &f
	}
	if c.Paginate != nil {
		opts.PaginateQueryOptions = &PaginateQueryOptions{
			QueryOptions:     c.Paginate.QuerySection.options(),
			KeepPreviousData: c.Paginate.KeepPreviousData,
			PageSize:         c.Paginate.PageSize,
		}
	}
	if c.Infinite != nil {
		opts.InfiniteQueryOptions = &InfiniteQueryOptions{
			QueryOptions: c.Infinite.QuerySection.options(),
			MaxPages:     c.Infinite.MaxPages,
		}
	}
	if c.Mutation != nil {
		m := MutationOptions{}
		if c.Mutation.Retry != nil {
			m.Retry = RetryCount(*c.Mutation.Retry)
		}
		if c.Mutation.RetryDelay != nil {
			m.RetryDelay = ConstantDelay(*c.Mutation.RetryDelay)
		}
		opts.MutationOptions = &m
	}
	if c.Persist != nil && len(c.Persist.MemcacheServers) > 0 {
		var memcacheOpts []MemcacheOption
		if c.Persist.Prefix != "" {
			memcacheOpts = append(memcacheOpts, WithMemcachePrefix(c.Persist.Prefix))
		}
		if c.Persist.TTL > 0 {
			memcacheOpts = append(memcacheOpts, WithMemcacheTTL(c.Persist.TTL))
		}
		opts.PersistStore = NewMemcachePersistStore(c.Persist.MemcacheServers, memcacheOpts...)
	}
	return opts
}

func (s *QuerySection) options() QueryOptions {
	var o QueryOptions
	o.StaleTime = s.StaleTime
	o.CacheTime = s.CacheTime
	o.Enabled = s.Enabled
	if s.Retry != nil {
		o.Retry = RetryCount(*s.Retry)
	}
	if s.RetryDelay != nil {
		o.RetryDelay = ConstantDelay(*s.RetryDelay)
	}
	return o
}

func (s *ClientSection) logger() Logger {
	if s.LogLevel == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out).Level(level).With().Timestamp().Str("component", "klayquery").Logger())
}
