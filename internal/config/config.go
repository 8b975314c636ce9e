package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type PathsConfig struct {
	Import     string
	Storage    string
	Thumbnails string
	Discarded  string
	Videos     string
}

type IngestConfig struct {
	Concurrency      int
	DecodeWorkers    int
	ThumbnailSize    int
	ThumbnailQuality int
	VideoExtensions  []string
}

type BreakerConfig struct {
	Enabled             bool
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type ClassifierConfig struct {
	URL     string
	Timeout time.Duration
	Breaker BreakerConfig
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
	MaxDeliveries int64
	Events        string
	LockTTL       time.Duration
}

type ObjectStoreConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKey       string
	SecretKey       string
	BucketOriginals string
	BucketVariants  string
	UseSSL          bool
	Region          string
}

type ScheduleConfig struct {
	Cron       string
	RunOnStart bool
}

type HTTPConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type SecurityConfig struct {
	AdminSecret string
	AdminTTL    time.Duration
}

type LoggingConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Config is built once at startup and shared read-only by every component.
type Config struct {
	Environment string
	Paths       PathsConfig
	Ingest      IngestConfig
	Classifier  ClassifierConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	Schedule    ScheduleConfig
	HTTP        HTTPConfig
	Security    SecurityConfig
	Logging     LoggingConfig
}

// legacyEnv maps config keys to the variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"database.dsn":     "DATABASE_URL",
	"paths.import":     "IMPORT_DIR",
	"paths.storage":    "STORAGE_DIR",
	"paths.discarded":  "DISCARDED_DIR",
	"paths.thumbnails": "THUMBNAIL_DIR",
	"paths.videos":     "VIDEO_DIR",
	"classifier.url":   "TAG_SERVICE_URL",
}

// Load reads configuration from file (explicit path, or tagmanager.yaml in the
// usual search paths) and the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tagmanager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tagmanager")
	}

	v.SetEnvPrefix("TAGMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "TAGMANAGER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, root := range map[string]string{
		"paths.import":     c.Paths.Import,
		"paths.storage":    c.Paths.Storage,
		"paths.thumbnails": c.Paths.Thumbnails,
		"paths.discarded":  c.Paths.Discarded,
		"paths.videos":     c.Paths.Videos,
	} {
		if strings.TrimSpace(root) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Ingest.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("ingest.concurrency must be positive, got %d", c.Ingest.Concurrency))
	}
	if c.Ingest.DecodeWorkers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.decodeworkers must be positive, got %d", c.Ingest.DecodeWorkers))
	}
	if c.Ingest.ThumbnailSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.thumbnailsize must be positive, got %d", c.Ingest.ThumbnailSize))
	}
	if c.Ingest.ThumbnailQuality < 1 || c.Ingest.ThumbnailQuality > 100 {
		errs = append(errs, fmt.Errorf("ingest.thumbnailquality must be within 1..100, got %d", c.Ingest.ThumbnailQuality))
	}
	if c.Classifier.URL == "" {
		errs = append(errs, errors.New("classifier.url is required"))
	}
	if c.Classifier.Timeout <= 0 {
		errs = append(errs, errors.New("classifier.timeout must be positive"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("ingest.concurrency", 12)
	v.SetDefault("ingest.decodeworkers", runtime.GOMAXPROCS(0))
	v.SetDefault("ingest.thumbnailsize", 512)
	v.SetDefault("ingest.thumbnailquality", 60)
	v.SetDefault("ingest.videoextensions", []string{"webm", "mov", "mp4", "flv", "avi"})

	v.SetDefault("classifier.url", "http://127.0.0.1:8000")
	v.SetDefault("classifier.timeout", "60s")
	v.SetDefault("classifier.breaker.enabled", true)
	v.SetDefault("classifier.breaker.maxrequests", 1)
	v.SetDefault("classifier.breaker.interval", "0s")
	v.SetDefault("classifier.breaker.timeout", "30s")
	v.SetDefault("classifier.breaker.consecutivefailures", 5)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxopen", 16)
	v.SetDefault("database.maxidle", 2)
	v.SetDefault("database.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "tagmanager:triggers")
	v.SetDefault("redis.group", "tagmanager")
	v.SetDefault("redis.consumer", "tagmanager-1")
	v.SetDefault("redis.claiminterval", "30s")
	v.SetDefault("redis.maxdeliveries", 5)
	v.SetDefault("redis.events", "tagmanager:events")
	v.SetDefault("redis.lockttl", "2h")

	v.SetDefault("objectstore.enabled", false)
	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.accesskey", "")
	v.SetDefault("objectstore.secretkey", "")
	v.SetDefault("objectstore.bucketoriginals", "tagmanager-originals")
	v.SetDefault("objectstore.bucketvariants", "tagmanager-variants")
	v.SetDefault("objectstore.usessl", false)
	v.SetDefault("objectstore.region", "us-east-1")

	v.SetDefault("schedule.cron", "0 */15 * * * *")
	v.SetDefault("schedule.runonstart", true)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8090)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("security.adminsecret", "")
	v.SetDefault("security.adminttl", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.maxsizemb", 100)
	v.SetDefault("logging.maxbackups", 5)
	v.SetDefault("logging.maxagedays", 28)
}
