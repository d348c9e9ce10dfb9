package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service. Tags use mapstructure for
// Viper unmarshalling; every key is also bindable from the environment.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// RedisAddr enables the distributed per-connection refresh lock. When
	// empty the service falls back to an in-process lock, which is only safe
	// for single-instance deployments.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// EncryptionKey is either a base64/hex encoded 32-byte key or a passphrase
	// to derive one from. Absence is a fatal startup condition.
	EncryptionKey string `mapstructure:"FINLINK_ENCRYPTION_KEY"`
	// StateSecret keys the HMAC over OAuth state tokens.
	StateSecret string `mapstructure:"FINLINK_STATE_SECRET"`
	// LegacyPlaintextFallback keeps the migration shim alive: unverifiable
	// ciphertext and unsigned state tokens are accepted (and logged). Turn off
	// once every stored credential has been re-encrypted.
	LegacyPlaintextFallback bool `mapstructure:"LEGACY_PLAINTEXT_FALLBACK"`

	ProviderClientID       string `mapstructure:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret   string `mapstructure:"PROVIDER_CLIENT_SECRET"`
	ProviderAuthorizeURL   string `mapstructure:"PROVIDER_AUTHORIZE_URL"`
	ProviderTokenURL       string `mapstructure:"PROVIDER_TOKEN_URL"`
	ProviderConnectionsURL string `mapstructure:"PROVIDER_CONNECTIONS_URL"`
	ProviderRedirectURL    string `mapstructure:"PROVIDER_REDIRECT_URL"`
	ProviderScopes         string `mapstructure:"PROVIDER_SCOPES"`

	// SchedulerSecret guards the batch refresh trigger endpoint. Outside
	// production an empty secret disables the check.
	SchedulerSecret  string `mapstructure:"SCHEDULER_SECRET"`
	SchedulerEnabled bool   `mapstructure:"SCHEDULER_ENABLED"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// IsProduction reports whether the service runs with production guarantees.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks the invariants that must hold before the service starts.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errors.New("FINLINK_ENCRYPTION_KEY is required")
	}
	if c.StateSecret == "" {
		return errors.New("FINLINK_STATE_SECRET is required")
	}
	if c.ProviderClientID == "" || c.ProviderClientSecret == "" {
		return errors.New("PROVIDER_CLIENT_ID and PROVIDER_CLIENT_SECRET are required")
	}
	if c.IsProduction() && c.SchedulerSecret == "" {
		return errors.New("SCHEDULER_SECRET is required in production")
	}
	return nil
}

// LoadConfig reads configuration from file, environment variables, and
// defaults, in that order of increasing precedence for env vars.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/finlink/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/finlink_dev")
	v.SetDefault("MONGO_DB_NAME", "finlink_dev")
	v.SetDefault("LEGACY_PLAINTEXT_FALLBACK", true) // TODO: flip default once credential re-encryption backfill has run
	v.SetDefault("PROVIDER_AUTHORIZE_URL", "https://login.provider.example/identity/connect/authorize")
	v.SetDefault("PROVIDER_TOKEN_URL", "https://identity.provider.example/connect/token")
	v.SetDefault("PROVIDER_CONNECTIONS_URL", "https://api.provider.example/connections")
	v.SetDefault("PROVIDER_SCOPES", "offline_access accounting.reports.read accounting.settings")
	v.SetDefault("SCHEDULER_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "finlink")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, env vars and defaults cover everything.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
