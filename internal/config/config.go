package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maneesh/voicevault/internal/storage"
)

// Engine and backend names accepted by STORE_ENGINE and CHUNK_BACKEND.
const (
	EngineCluster = "cluster"
	EngineBadger  = "badger"

	BackendMinIO = "minio"
	BackendS3    = "s3"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort  string `mapstructure:"service_port"`
	ServiceName  string `mapstructure:"service_name"`
	BaseURL      string `mapstructure:"base_url"`
	ChunkSizeMB  int    `mapstructure:"chunk_size_mb"`
	ChunkSizeKB  int    `mapstructure:"chunk_size_kb"`
	MaxUploadMB  int    `mapstructure:"max_upload_mb"`
	StoreEngine  string `mapstructure:"store_engine"`
	ChunkBackend string `mapstructure:"chunk_backend"`

	// Badger configuration
	BadgerPath     string `mapstructure:"badger_path"`
	BadgerInMemory bool   `mapstructure:"badger_in_memory"`

	// MinIO configuration
	MinIOEndpoint   string `mapstructure:"minio_endpoint"`
	MinIOAccessKey  string `mapstructure:"minio_access_key"`
	MinIOSecretKey  string `mapstructure:"minio_secret_key"`
	MinIOBucketName string `mapstructure:"minio_bucket_name"`
	MinIOUseSSL     bool   `mapstructure:"minio_use_ssl"`

	// S3 configuration
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3ForcePathStyle  bool   `mapstructure:"s3_force_path_style"`

	// TiDB configuration
	TiDBHost     string `mapstructure:"tidb_host"`
	TiDBPort     string `mapstructure:"tidb_port"`
	TiDBUser     string `mapstructure:"tidb_user"`
	TiDBPassword string `mapstructure:"tidb_password"`
	TiDBDatabase string `mapstructure:"tidb_database"`

	// Redis configuration
	CacheEnabled  bool          `mapstructure:"cache_enabled"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RedisHost     string        `mapstructure:"redis_host"`
	RedisPort     string        `mapstructure:"redis_port"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`

	// Sweep configuration
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`

	// Observability configuration
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

var defaults = map[string]any{
	"service_port":  "8080",
	"service_name":  "voicevault",
	"base_url":      "http://localhost:8080",
	"chunk_size_mb": 1,
	"chunk_size_kb": 0,
	"max_upload_mb": 50,
	"store_engine":  EngineCluster,
	"chunk_backend": BackendMinIO,

	"badger_path":      "./data/badger",
	"badger_in_memory": false,

	"minio_endpoint":    "localhost:9000",
	"minio_access_key":  "minioadmin",
	"minio_secret_key":  "minioadmin",
	"minio_bucket_name": "voicevault",
	"minio_use_ssl":     false,

	"s3_bucket":            "",
	"s3_region":            "us-east-1",
	"s3_endpoint":          "",
	"s3_access_key_id":     "",
	"s3_secret_access_key": "",
	"s3_force_path_style":  false,

	"tidb_host":     "localhost",
	"tidb_port":     "4000",
	"tidb_user":     "root",
	"tidb_password": "",
	"tidb_database": "voicevault",

	"cache_enabled":  true,
	"cache_ttl":      "5m",
	"redis_host":     "localhost",
	"redis_port":     "6379",
	"redis_password": "",
	"redis_db":       0,

	"sweep_interval": "15m",
	"sweep_grace":    "1h",

	"log_level":       "info",
	"log_format":      "json",
	"tracing_enabled": true,
	"jaeger_endpoint": "localhost:4318",
	"metrics_enabled": true,
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	return Load(viper.New(), "")
}

// Load reads configuration from v: defaults, then an optional config file,
// then environment variables, then any flags already bound to v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServicePort == "" {
		errs = append(errs, errors.New("SERVICE_PORT is required"))
	}
	if c.GetChunkSizeBytes() <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if c.MaxUploadMB < 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must not be negative"))
	}

	switch c.StoreEngine {
	case EngineBadger:
		if !c.BadgerInMemory && c.BadgerPath == "" {
			errs = append(errs, errors.New("BADGER_PATH is required unless BADGER_IN_MEMORY is set"))
		}
		if c.BadgerInMemory && c.GetChunkSizeBytes() > storage.BadgerInMemoryMaxValue {
			errs = append(errs, fmt.Errorf("in-memory badger stores chunks of at most %d bytes; set CHUNK_SIZE_KB below 1024", storage.BadgerInMemoryMaxValue))
		}
	case EngineCluster:
		switch c.ChunkBackend {
		case BackendMinIO:
			if c.MinIOEndpoint == "" || c.MinIOBucketName == "" {
				errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET_NAME are required"))
			}
		case BackendS3:
			if c.S3Bucket == "" {
				errs = append(errs, errors.New("S3_BUCKET is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown CHUNK_BACKEND %q", c.ChunkBackend))
		}
		if c.TiDBHost == "" || c.TiDBDatabase == "" {
			errs = append(errs, errors.New("TIDB_HOST and TIDB_DATABASE are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_ENGINE %q", c.StoreEngine))
	}

	if c.SweepInterval < 0 || c.SweepGrace < 0 {
		errs = append(errs, errors.New("sweep durations must not be negative"))
	}
	return errors.Join(errs...)
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes. CHUNK_SIZE_KB wins over
// CHUNK_SIZE_MB when set.
func (c *Config) GetChunkSizeBytes() int64 {
	if c.ChunkSizeKB > 0 {
		return int64(c.ChunkSizeKB) * 1024
	}
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// GetMaxUploadBytes returns the upload size limit, zero meaning unlimited.
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}
