package cloudvfs

import (
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"go.uber.org/zap"
)

type Config struct {
	// Listing and recursive operations
	PageSize          int `env:"CLOUDVFS_PAGE_SIZE,default:1000"`
	PageConcurrency   int `env:"CLOUDVFS_PAGE_CONCURRENCY,default:32"`
	EnrichConcurrency int `env:"CLOUDVFS_ENRICH_CONCURRENCY,default:8"`

	// Collision handling
	SuffixStripLimit int `env:"CLOUDVFS_SUFFIX_STRIP_LIMIT,default:10"`
	MaxRenameProbes  int `env:"CLOUDVFS_MAX_RENAME_PROBES,default:10000"`

	// Uploads
	MultipartThreshold    int64 `env:"CLOUDVFS_MULTIPART_THRESHOLD,default:104857600"` // 100MB
	PartSize              int64 `env:"CLOUDVFS_PART_SIZE,default:8388608"`             // 8MB
	PartConcurrency       int   `env:"CLOUDVFS_PART_CONCURRENCY,default:4"`
	AbortRetryAttempts    int   `env:"CLOUDVFS_ABORT_RETRY_ATTEMPTS,default:3"`
	AbortRetryBaseDelayMS int   `env:"CLOUDVFS_ABORT_RETRY_BASE_DELAY_MS,default:500"`

	// Caches
	DirCacheSize          int `env:"CLOUDVFS_DIR_CACHE_SIZE,default:4096"`
	URLCacheSize          int `env:"CLOUDVFS_URL_CACHE_SIZE,default:8192"`
	URLCacheMaxTTLSeconds int `env:"CLOUDVFS_URL_CACHE_MAX_TTL,default:3600"`

	// Signed URLs
	DefaultSignatureExpiresIn int    `env:"CLOUDVFS_SIGNATURE_EXPIRES_IN,default:3600"`
	ProxyURLPrefix            string `env:"CLOUDVFS_PROXY_URL_PREFIX,default:/api/p"`

	// Credentials are stored encrypted with this secret
	EncryptionSecret string `env:"CLOUDVFS_ENCRYPTION_SECRET"`

	// Stores
	MountsFile  string `env:"CLOUDVFS_MOUNTS_FILE"`
	PostgresDSN string `env:"CLOUDVFS_POSTGRES_DSN"`

	// Observability
	LogLevel         string `env:"CLOUDVFS_LOG_LEVEL,default:info"`
	MetricsNamespace string `env:"CLOUDVFS_METRICS_NAMESPACE,default:cloudvfs"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return (&Config{}).WithDefaults()
}

// WithDefaults fills zero values so hand-built configs behave like loaded ones.
func (c *Config) WithDefaults() *Config {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.PageSize, 1000)
	setInt(&c.PageConcurrency, 32)
	setInt(&c.EnrichConcurrency, 8)
	setInt(&c.SuffixStripLimit, 10)
	setInt(&c.MaxRenameProbes, 10000)
	setInt(&c.PartConcurrency, 4)
	setInt(&c.AbortRetryAttempts, 3)
	setInt(&c.AbortRetryBaseDelayMS, 500)
	setInt(&c.DirCacheSize, 4096)
	setInt(&c.URLCacheSize, 8192)
	setInt(&c.URLCacheMaxTTLSeconds, 3600)
	setInt(&c.DefaultSignatureExpiresIn, 3600)
	if c.PageSize > 1000 {
		c.PageSize = 1000
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = 100 << 20
	}
	if c.PartSize < MinPartSize {
		c.PartSize = 8 << 20
	}
	if c.ProxyURLPrefix == "" {
		c.ProxyURLPrefix = "/api/p"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "cloudvfs"
	}
	return c
}

// MinPartSize is the smallest part S3 accepts for all but the last part.
const MinPartSize = 5 << 20

// MaxParts is the largest part number S3 accepts.
const MaxParts = 10000

// AbortRetryBaseDelay is the first backoff delay for multipart aborts.
func (c *Config) AbortRetryBaseDelay() time.Duration {
	return time.Duration(c.AbortRetryBaseDelayMS) * time.Millisecond
}

// URLCacheMaxTTL bounds how long a signed URL stays cached.
func (c *Config) URLCacheMaxTTL() time.Duration {
	return time.Duration(c.URLCacheMaxTTLSeconds) * time.Second
}

// DefaultSignatureTTL is used when neither caller nor account sets an expiry.
func (c *Config) DefaultSignatureTTL() time.Duration {
	return time.Duration(c.DefaultSignatureExpiresIn) * time.Second
}

// Collision returns the rename policy for copy collisions.
func (c *Config) Collision() CollisionPolicy {
	return CollisionPolicy{StripLimit: c.SuffixStripLimit, MaxProbes: c.MaxRenameProbes}
}

// NewLogger builds a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	return zcfg.Build()
}
