// Package config loads gateway settings from defaults, an optional config
// file, a .env file and O2Y_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override: upstream.api_key is read
// from O2Y_UPSTREAM_API_KEY.
const EnvPrefix = "O2Y"

const (
	ImageBackendFS     = "fs"
	ImageBackendMemory = "memory"
	ImageBackendRedis  = "redis"
	ImageBackendS3     = "s3"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Images   ImagesConfig   `mapstructure:"images"`
	Redis    RedisConfig    `mapstructure:"redis"`
	S3       S3Config       `mapstructure:"s3"`
	Models   ModelsConfig   `mapstructure:"models"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// TLSEnabled reports whether both certificate and key are configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// APIKey and FolderID are the operator's own credentials, used for
	// registry-authenticated callers.
	APIKey   string        `mapstructure:"api_key"`
	FolderID string        `mapstructure:"folder_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	// BYOK lets callers send "<folderId>:<apiKey>" as their bearer token.
	BYOK       bool   `mapstructure:"byok"`
	TokensFile string `mapstructure:"tokens_file"`
}

type ImagesConfig struct {
	Backend      string        `mapstructure:"backend"`
	Dir          string        `mapstructure:"dir"`
	PublicURL    string        `mapstructure:"public_url"`
	Retention    time.Duration `mapstructure:"retention"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SweepSchedule is a cron spec for removing stale files left behind by a restart.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// Prefix is prepended to object keys.
	Prefix string `mapstructure:"prefix"`
}

type ModelsConfig struct {
	// CatalogFile overrides the embedded /v1/models catalog.
	CatalogFile string `mapstructure:"catalog_file"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", int64(4<<20))

	v.SetDefault("upstream.base_url", "https://llm.api.cloud.yandex.net")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.folder_id", "")
	v.SetDefault("upstream.timeout", 60*time.Second)

	v.SetDefault("auth.byok", false)
	v.SetDefault("auth.tokens_file", "./data/tokens.json")

	v.SetDefault("images.backend", ImageBackendFS)
	v.SetDefault("images.dir", "./data/images")
	v.SetDefault("images.public_url", "http://localhost:8000")
	v.SetDefault("images.retention", time.Hour)
	v.SetDefault("images.poll_interval", time.Second)
	v.SetDefault("images.sweep_schedule", "@every 10m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "o2y")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.bucket", "o2y-images")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("s3.prefix", "images/")

	v.SetDefault("models.catalog_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load merges defaults, the optional config file at path, .env in the working
// directory and O2Y_* environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")
	cfg.Images.PublicURL = strings.TrimRight(cfg.Images.PublicURL, "/")
	cfg.Images.Backend = strings.ToLower(strings.TrimSpace(cfg.Images.Backend))

	return &cfg, nil
}

// Validate checks settings that would otherwise fail on the first request.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	// Without BYOK every caller spends the operator's budget.
	if !c.Auth.BYOK {
		if c.Upstream.APIKey == "" {
			errs = append(errs, errors.New("upstream.api_key is required unless auth.byok is enabled"))
		}
		if c.Upstream.FolderID == "" {
			errs = append(errs, errors.New("upstream.folder_id is required unless auth.byok is enabled"))
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Images.Retention <= 0 {
		errs = append(errs, errors.New("images.retention must be positive"))
	}
	if c.Images.PollInterval <= 0 {
		errs = append(errs, errors.New("images.poll_interval must be positive"))
	}

	switch c.Images.Backend {
	case ImageBackendFS:
		if c.Images.Dir == "" {
			errs = append(errs, errors.New("images.dir is required for the fs backend"))
		}
	case ImageBackendMemory:
	case ImageBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case ImageBackendS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.endpoint and s3.bucket are required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown images.backend %q", c.Images.Backend))
	}

	return errors.Join(errs...)
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
