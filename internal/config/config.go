package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SIGNALHUB"

	StoreDriverRedis  = "redis"
	StoreDriverMemory = "memory"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultIssuer           = "signalhub"
	defaultStoreDriver      = StoreDriverRedis
	defaultRedisAddress     = "127.0.0.1:6379"
	defaultServiceName      = "signalhub"
	defaultDatabasePath     = "signalhub-deadletters.db"
	defaultTokenTTL         = 12 * time.Hour
	defaultCleanupInterval  = 5 * time.Minute
	defaultReplayBatchLimit = 100
)

// AppConfig captures runtime configuration for the signaling service.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration

	StoreDriver   string
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	Buffer buffer.Policy

	WriterURL          string
	WriterServiceName  string
	WriterServiceToken string

	DeadLetterDatabasePath string
	ReplayBatchLimit       int

	VoiceIdleThreshold   time.Duration
	VoiceCleanupInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("buffer.key_prefix", buffer.DefaultKeyPrefix)
	configViper.SetDefault("buffer.batch_size", buffer.DefaultBatchSize)
	configViper.SetDefault("buffer.flush_interval", buffer.DefaultFlushInterval)
	configViper.SetDefault("buffer.max_retry_attempts", buffer.DefaultMaxRetryAttempts)
	configViper.SetDefault("buffer.retry_base_delay", buffer.DefaultRetryBaseDelay)
	configViper.SetDefault("buffer.debounce_delay", buffer.DefaultDebounceDelay)
	configViper.SetDefault("buffer.write_timeout", buffer.DefaultWriteTimeout)
	configViper.SetDefault("buffer.flush_concurrency", buffer.DefaultFlushConcurrency)

	configViper.SetDefault("writer.service_name", defaultServiceName)

	configViper.SetDefault("deadletter.database_path", defaultDatabasePath)
	configViper.SetDefault("deadletter.replay_limit", defaultReplayBatchLimit)

	configViper.SetDefault("voice.idle_threshold", voice.DefaultIdleThreshold)
	configViper.SetDefault("voice.cleanup_interval", defaultCleanupInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),

		StoreDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		Buffer: buffer.Policy{
			KeyPrefix:        configViper.GetString("buffer.key_prefix"),
			BatchSize:        configViper.GetInt("buffer.batch_size"),
			FlushInterval:    configViper.GetDuration("buffer.flush_interval"),
			MaxRetryAttempts: configViper.GetInt("buffer.max_retry_attempts"),
			RetryBaseDelay:   configViper.GetDuration("buffer.retry_base_delay"),
			DebounceDelay:    configViper.GetDuration("buffer.debounce_delay"),
			WriteTimeout:     configViper.GetDuration("buffer.write_timeout"),
			FlushConcurrency: configViper.GetInt("buffer.flush_concurrency"),
		},

		WriterURL:          configViper.GetString("writer.url"),
		WriterServiceName:  configViper.GetString("writer.service_name"),
		WriterServiceToken: configViper.GetString("writer.service_token"),

		DeadLetterDatabasePath: configViper.GetString("deadletter.database_path"),
		ReplayBatchLimit:       configViper.GetInt("deadletter.replay_limit"),

		VoiceIdleThreshold:   configViper.GetDuration("voice.idle_threshold"),
		VoiceCleanupInterval: configViper.GetDuration("voice.cleanup_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.StoreDriver {
	case StoreDriverRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis store driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreDriverRedis, StoreDriverMemory, c.StoreDriver)
	}
	if strings.TrimSpace(c.WriterURL) == "" {
		return fmt.Errorf("writer.url is required")
	}
	if strings.TrimSpace(c.DeadLetterDatabasePath) == "" {
		return fmt.Errorf("deadletter.database_path is required")
	}
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer.batch_size must be positive")
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be positive")
	}
	if c.Buffer.MaxRetryAttempts < 0 {
		return fmt.Errorf("buffer.max_retry_attempts must not be negative")
	}
	if c.VoiceIdleThreshold <= 0 || c.VoiceCleanupInterval <= 0 {
		return fmt.Errorf("voice.idle_threshold and voice.cleanup_interval must be positive")
	}
	return nil
}
