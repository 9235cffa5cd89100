package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Host      string `validate:"required"`
	Port      int    `validate:"min=1,max=65535"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json text"`

	BackendURL  string `validate:"required,url"`
	EnginesFile string

	StorageDriver string `validate:"oneof=local s3"`
	UploadDir     string `validate:"required"`
	OutputDir     string `validate:"required"`
	MaxFileSize   int64  `validate:"gt=0"`

	WorkerCount       int           `validate:"min=1"`
	QueueSize         int           `validate:"min=1"`
	ConversionTimeout int           `validate:"min=1"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`

	RetentionHours int           `validate:"min=1"`
	SweepInterval  time.Duration `validate:"gt=0"`

	RedisEnabled    bool
	RedisAddr       string `validate:"required_if=RedisEnabled true"`
	RedisPassword   string
	RedisDB         int `validate:"min=0"`
	RedisPrefix     string
	RateLimit       int           `validate:"min=0"`
	RateLimitWindow time.Duration `validate:"gt=0"`

	S3Bucket       string `validate:"required_if=StorageDriver s3"`
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	S3Prefix       string

	DatabaseEnabled bool
	DatabaseURL     string

	TracingEnabled bool
	ServiceName    string `validate:"required"`
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Retention is how long a job is kept before the sweeper removes it.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ConversionTimeout) * time.Second
}

// envBindings maps config keys to environment variables. When more than one
// name is listed the first one set wins, so the unified S3_* names take
// precedence over the legacy AWS_* ones.
var envBindings = map[string][]string{
	"server.host":                 {"RAS_API_HOST"},
	"server.port":                 {"RAS_API_PORT"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
	"backend.url":                 {"CONVERTX_BACKEND_URL"},
	"engines.file":                {"ENGINES_FILE"},
	"storage.driver":              {"STORAGE_DRIVER"},
	"storage.upload_dir":          {"UPLOAD_DIR"},
	"storage.output_dir":          {"OUTPUT_DIR"},
	"storage.max_file_size":       {"MAX_FILE_SIZE"},
	"conversion.worker_count":     {"CONVERSION_WORKER_COUNT"},
	"conversion.queue_size":       {"CONVERSION_QUEUE_SIZE"},
	"conversion.timeout":          {"CONVERSION_TIMEOUT"},
	"conversion.shutdown_timeout": {"SHUTDOWN_TIMEOUT"},
	"retention.hours":             {"RETENTION_HOURS"},
	"retention.sweep_interval":    {"RETENTION_SWEEP_INTERVAL"},
	"redis.enabled":               {"REDIS_ENABLED"},
	"redis.addr":                  {"REDIS_ADDR"},
	"redis.password":              {"REDIS_PASSWORD"},
	"redis.db":                    {"REDIS_CONVERSION_DB"},
	"redis.prefix":                {"REDIS_PREFIX"},
	"redis.rate_limit":            {"RATE_LIMIT"},
	"redis.rate_limit_window":     {"RATE_LIMIT_WINDOW"},
	"s3.bucket":                   {"AWS_BUCKET"},
	"s3.region":                   {"S3_REGION", "AWS_DEFAULT_REGION"},
	"s3.key":                      {"S3_KEY", "AWS_ACCESS_KEY_ID"},
	"s3.secret":                   {"S3_SECRET", "AWS_SECRET_ACCESS_KEY"},
	"s3.endpoint":                 {"S3_ENDPOINT"},
	"s3.use_path_style_endpoint":  {"S3_USE_PATH_STYLE_ENDPOINT"},
	"s3.prefix":                   {"S3_PREFIX"},
	"database.enabled":            {"DB_ENABLED"},
	"database.host":               {"DB_HOST"},
	"database.port":               {"DB_PORT"},
	"database.name":               {"DB_DATABASE"},
	"database.user":               {"DB_USERNAME"},
	"database.password":           {"DB_PASSWORD"},
	"database.sslmode":            {"DB_SSLMODE"},
	"database.sslcert":            {"DB_SSLCERT"},
	"database.sslkey":             {"DB_SSLKEY"},
	"database.sslrootcert":        {"DB_SSLROOTCERT"},
	"tracing.enabled":             {"TRACING_ENABLED"},
	"tracing.service_name":        {"OTEL_SERVICE_NAME"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7890)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("backend.url", "http://localhost:3000")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.upload_dir", "./data/uploads")
	v.SetDefault("storage.output_dir", "./data/output")
	v.SetDefault("storage.max_file_size", 500<<20)
	v.SetDefault("conversion.worker_count", 3)
	v.SetDefault("conversion.queue_size", 100)
	v.SetDefault("conversion.timeout", 300)
	v.SetDefault("conversion.shutdown_timeout", "30s")
	v.SetDefault("retention.hours", 24)
	v.SetDefault("retention.sweep_interval", "1h")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 3)
	v.SetDefault("redis.rate_limit", 60)
	v.SetDefault("redis.rate_limit_window", "1m")
	v.SetDefault("s3.bucket", "convertx")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.prefix", "convertx")
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "convertx")
	v.SetDefault("database.user", "convertx")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "convertx-api")
}

// Load reads configuration from the environment, an optional .env file and an
// optional YAML file. An empty path searches ./configs and the working
// directory for config.yaml.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Host:      v.GetString("server.host"),
		Port:      v.GetInt("server.port"),
		LogLevel:  strings.ToLower(v.GetString("log.level")),
		LogFormat: strings.ToLower(v.GetString("log.format")),

		BackendURL:  strings.TrimRight(v.GetString("backend.url"), "/"),
		EnginesFile: v.GetString("engines.file"),

		StorageDriver: strings.ToLower(v.GetString("storage.driver")),
		UploadDir:     v.GetString("storage.upload_dir"),
		OutputDir:     v.GetString("storage.output_dir"),
		MaxFileSize:   v.GetInt64("storage.max_file_size"),

		WorkerCount:       v.GetInt("conversion.worker_count"),
		QueueSize:         v.GetInt("conversion.queue_size"),
		ConversionTimeout: v.GetInt("conversion.timeout"),
		ShutdownTimeout:   v.GetDuration("conversion.shutdown_timeout"),

		RetentionHours: v.GetInt("retention.hours"),
		SweepInterval:  v.GetDuration("retention.sweep_interval"),

		RedisEnabled:    v.GetBool("redis.enabled"),
		RedisAddr:       v.GetString("redis.addr"),
		RedisPassword:   v.GetString("redis.password"),
		RedisDB:         v.GetInt("redis.db"),
		RedisPrefix:     v.GetString("redis.prefix"),
		RateLimit:       v.GetInt("redis.rate_limit"),
		RateLimitWindow: v.GetDuration("redis.rate_limit_window"),

		S3Bucket:       v.GetString("s3.bucket"),
		S3Region:       v.GetString("s3.region"),
		AWSS3AccessKey: v.GetString("s3.key"),
		AWSS3SecretKey: v.GetString("s3.secret"),
		S3Endpoint:     v.GetString("s3.endpoint"),
		S3UsePathStyle: v.GetBool("s3.use_path_style_endpoint"),
		S3Prefix:       v.GetString("s3.prefix"),

		DatabaseEnabled: v.GetBool("database.enabled"),
		DatabaseURL:     databaseURL(v),

		TracingEnabled: v.GetBool("tracing.enabled"),
		ServiceName:    v.GetString("tracing.service_name"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func databaseURL(v *viper.Viper) string {
	dbHost := v.GetString("database.host")
	dbPort := v.GetString("database.port")
	dbName := v.GetString("database.name")
	dbUser := v.GetString("database.user")
	dbPassword := v.GetString("database.password")
	dbSSLMode := v.GetString("database.sslmode")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if cert := v.GetString("database.sslcert"); cert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", cert)
	}
	if key := v.GetString("database.sslkey"); key != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", key)
	}
	if root := v.GetString("database.sslrootcert"); root != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", root)
	}
	return dbURL
}

// RedisKey applies the configured key prefix.
func (c *Config) RedisKey(key string) string {
	if c.RedisPrefix == "" {
		return key
	}
	return c.RedisPrefix + key
}
