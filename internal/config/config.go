package config

import (
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/diskcache"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/fetch"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/loader"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/mq"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/resolver"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/transform"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/warmer"
	pkgconfig "github.com/weiawesome/wes-io-live/avatar-loader/pkg/config"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	"github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

type Config struct {
	Log     pkglog.Config   `mapstructure:"log"`
	Kafka   mq.Config       `mapstructure:"kafka"`
	Storage storage.Config  `mapstructure:"storage"`
	Cache   CacheConfig     `mapstructure:"cache"`
	Fetch   fetch.Config    `mapstructure:"fetch"`
	Avatar  resolver.Config `mapstructure:"avatar"`
	Loader  loader.Config   `mapstructure:"loader"`
	Theme   ThemeConfig     `mapstructure:"theme"`
	Warmer  warmer.Config   `mapstructure:"warmer"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
}

// CacheConfig configures the persistent HTTP response cache.
type CacheConfig struct {
	diskcache.Config `mapstructure:",squash"`

	Storage   storage.Config `mapstructure:"storage"`
	LegacyDir string         `mapstructure:"legacy_dir"`
}

// ThemeConfig carries display metrics. Dimensions maps style keys such as
// "avatar_xlarge" to pixels.
type ThemeConfig struct {
	Density     float64        `mapstructure:"density"`
	Dimensions  map[string]int `mapstructure:"dimensions"`
	Placeholder string         `mapstructure:"placeholder"`
}

// LookupDimension implements sizing.DimensionLookup.
func (t ThemeConfig) LookupDimension(styleKey string) (int, bool) {
	v, ok := t.Dimensions[styleKey]
	return v, ok
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func Load() (*Config, error) {
	return load("./config")
}

func load(path string) (*Config, error) {
	v, err := pkgconfig.Load(path, "config")
	if err != nil {
		return nil, err
	}

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "avatar-loader")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer.topic", mq.DefaultConsumerTopic)
	v.SetDefault("kafka.consumer.group_id", mq.DefaultConsumerGroupID)
	v.SetDefault("kafka.consumer.offset_reset", mq.DefaultOffsetReset)
	v.SetDefault("kafka.producer.topic", mq.DefaultProducerTopic)
	v.SetDefault("kafka.producer.acks", mq.DefaultAcks)
	v.SetDefault("kafka.producer.linger_ms", mq.DefaultLingerMs)
	v.SetDefault("kafka.producer.compression", mq.DefaultCompression)
	v.SetDefault("kafka.producer.flush_timeout", mq.DefaultFlushTimeout)
	v.SetDefault("kafka.producer.ensure_topic", true)
	v.SetDefault("kafka.producer.partitions", mq.DefaultPartitions)
	v.SetDefault("kafka.producer.replication_factor", mq.DefaultReplication)
	v.SetDefault("kafka.producer.admin_timeout", mq.DefaultAdminTimeout)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)
	v.SetDefault("storage.local.base_path", "./data/storage")
	v.SetDefault("cache.prefix", diskcache.DefaultPrefix)
	v.SetDefault("cache.max_bytes", diskcache.DefaultMaxBytes)
	v.SetDefault("cache.max_entries", diskcache.DefaultMaxEntries)
	v.SetDefault("cache.op_timeout", diskcache.DefaultOpTimeout)
	v.SetDefault("cache.storage.type", "local")
	v.SetDefault("cache.storage.s3.region", "us-east-1")
	v.SetDefault("cache.storage.s3.use_path_style", true)
	v.SetDefault("cache.storage.local.base_path", "./data/cache")
	v.SetDefault("cache.legacy_dir", "./data/image_manager_disk_cache")
	v.SetDefault("fetch.timeout", fetch.DefaultTimeout)
	v.SetDefault("fetch.max_body_bytes", fetch.DefaultMaxBodyBytes)
	v.SetDefault("fetch.user_agent", fetch.DefaultUserAgent)
	v.SetDefault("avatar.fallback_base_url", resolver.DefaultFallbackBaseURL)
	v.SetDefault("avatar.provider_marker", resolver.DefaultProviderMarker)
	v.SetDefault("avatar.missing_param", resolver.DefaultMissingParam)
	v.SetDefault("loader.workers", loader.DefaultWorkers)
	v.SetDefault("loader.memory_entries", loader.DefaultMemoryEntries)
	v.SetDefault("loader.not_found_ttl", loader.DefaultNotFoundTTL)
	v.SetDefault("loader.fetch_timeout", loader.DefaultFetchTimeout)
	v.SetDefault("loader.max_pixels", transform.DefaultMaxPixels)
	v.SetDefault("theme.density", 1.0)
	v.SetDefault("theme.dimensions", map[string]int{"avatar_xlarge": 100})
	v.SetDefault("warmer.public_base_url", "http://localhost:9000")
	v.SetDefault("warmer.variant", warmer.DefaultVariant)
	v.SetDefault("warmer.output_prefix", warmer.DefaultOutputPrefix)
	v.SetDefault("warmer.render_timeout", warmer.DefaultRenderTimeout)
	v.SetDefault("metrics.addr", ":9102")

	// Env bindings
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.pretty", "LOG_PRETTY")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.consumer.topic", "KAFKA_CONSUMER_TOPIC")
	v.BindEnv("kafka.consumer.group_id", "KAFKA_CONSUMER_GROUP_ID")
	v.BindEnv("kafka.producer.topic", "KAFKA_PRODUCER_TOPIC")
	v.BindEnv("kafka.producer.ensure_topic", "KAFKA_ENSURE_TOPIC")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.region", "S3_REGION")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("storage.local.base_path", "STORAGE_LOCAL_BASE_PATH")
	v.BindEnv("cache.max_bytes", "CACHE_MAX_BYTES")
	v.BindEnv("cache.storage.type", "CACHE_STORAGE_TYPE")
	v.BindEnv("cache.storage.s3.endpoint", "CACHE_S3_ENDPOINT")
	v.BindEnv("cache.storage.s3.bucket", "CACHE_S3_BUCKET")
	v.BindEnv("cache.storage.s3.access_key_id", "CACHE_S3_ACCESS_KEY_ID")
	v.BindEnv("cache.storage.s3.secret_access_key", "CACHE_S3_SECRET_ACCESS_KEY")
	v.BindEnv("cache.storage.local.base_path", "CACHE_LOCAL_BASE_PATH")
	v.BindEnv("cache.legacy_dir", "CACHE_LEGACY_DIR")
	v.BindEnv("fetch.user_agent", "FETCH_USER_AGENT")
	v.BindEnv("avatar.fallback_base_url", "AVATAR_FALLBACK_BASE_URL")
	v.BindEnv("loader.workers", "LOADER_WORKERS")
	v.BindEnv("loader.max_pixels", "LOADER_MAX_PIXELS")
	v.BindEnv("theme.density", "THEME_DENSITY")
	v.BindEnv("warmer.public_base_url", "WARMER_PUBLIC_BASE_URL")
	v.BindEnv("warmer.variant", "WARMER_VARIANT")
	v.BindEnv("metrics.addr", "METRICS_ADDR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
