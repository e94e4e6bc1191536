// Package config loads per-binary configuration the way the teacher's
// internal/config/config.go does: Viper with an optional config.yaml,
// explicit env bindings, and defaults for every tunable named in spec.md §6.
package config

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beckn-net/beckn-core/internal/beckncrypto"
)

// Config is shared by all four binaries (registry, gateway, bap, bpp); a
// given binary only reads the fields it needs.
type Config struct {
	Identity IdentityConfig
	Network  NetworkConfig
	Timing   TimingConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Server   ServerConfig
}

type IdentityConfig struct {
	SubscriberID      string `mapstructure:"subscriber_id"`
	SubscriberURL     string `mapstructure:"subscriber_url"`
	UniqueKeyID       string `mapstructure:"unique_key_id"`
	SigningPrivateKey string `mapstructure:"signing_private_key"`
	SigningPublicKey  string `mapstructure:"signing_public_key"`
	EncrPrivateKey    string `mapstructure:"encr_private_key"`
	EncrPublicKey     string `mapstructure:"encr_public_key"`
	BecknCoreVersion  string `mapstructure:"beckn_core_version"`
	BecknCountry      string `mapstructure:"beckn_country"`
	DefaultCity       string `mapstructure:"default_city"`
}

type NetworkConfig struct {
	RegistryURL string `mapstructure:"registry_url"`
	GatewayURL  string `mapstructure:"gateway_url"`
}

type TimingConfig struct {
	MaxResponseTimeMS  int64  `mapstructure:"max_response_time_ms"`
	SignatureTTLSecs   int64  `mapstructure:"signature_ttl_seconds"`
	MessageDedupTTLSec int64  `mapstructure:"message_dedup_ttl_seconds"`
	CatalogDefaultTTL  string `mapstructure:"catalog_default_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MaxResponseTime returns the outbound dispatch deadline.
func (c *Config) MaxResponseTime() time.Duration {
	return time.Duration(c.Timing.MaxResponseTimeMS) * time.Millisecond
}

// SignatureTTL returns the Authorization header validity window.
func (c *Config) SignatureTTL() time.Duration {
	return time.Duration(c.Timing.SignatureTTLSecs) * time.Second
}

// MessageDedupTTL returns the context dedup seen-set TTL.
func (c *Config) MessageDedupTTL() time.Duration {
	return time.Duration(c.Timing.MessageDedupTTLSec) * time.Second
}

// SigningPrivKey decodes Identity.SigningPrivateKey into an ed25519 key.
func (c *Config) SigningPrivKey() (ed25519.PrivateKey, error) {
	return beckncrypto.DecodePrivateKey(c.Identity.SigningPrivateKey)
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("network.registry_url", "http://localhost:9000")
	v.SetDefault("network.gateway_url", "http://localhost:9001")
	v.SetDefault("identity.beckn_core_version", "1.2.0")
	v.SetDefault("identity.beckn_country", "IND")
	v.SetDefault("identity.default_city", "std:011")
	v.SetDefault("timing.max_response_time_ms", 30000)
	v.SetDefault("timing.signature_ttl_seconds", 300)
	v.SetDefault("timing.message_dedup_ttl_seconds", 300)
	v.SetDefault("timing.catalog_default_ttl", "PT1H")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.port", 8080)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"network.registry_url":            "REGISTRY_URL",
		"network.gateway_url":              "GATEWAY_URL",
		"identity.subscriber_id":           "SUBSCRIBER_ID",
		"identity.subscriber_url":          "SUBSCRIBER_URL",
		"identity.unique_key_id":           "UNIQUE_KEY_ID",
		"identity.signing_private_key":     "SIGNING_PRIVATE_KEY",
		"identity.signing_public_key":      "SIGNING_PUBLIC_KEY",
		"identity.encr_private_key":        "ENCR_PRIVATE_KEY",
		"identity.encr_public_key":         "ENCR_PUBLIC_KEY",
		"identity.beckn_core_version":      "BECKN_CORE_VERSION",
		"identity.beckn_country":           "BECKN_COUNTRY",
		"identity.default_city":            "DEFAULT_CITY",
		"timing.max_response_time_ms":      "MAX_RESPONSE_TIME_MS",
		"timing.signature_ttl_seconds":     "SIGNATURE_TTL_SECONDS",
		"timing.message_dedup_ttl_seconds": "MESSAGE_DEDUP_TTL_SECONDS",
		"timing.catalog_default_ttl":       "CATALOG_DEFAULT_TTL",
		"redis.addr":                       "REDIS_ADDR",
		"redis.password":                   "REDIS_PASSWORD",
		"postgres.dsn":                     "POSTGRES_DSN",
		"server.port":                      "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
