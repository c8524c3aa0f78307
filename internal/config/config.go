package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	SSO        SSOConfig        `mapstructure:"sso"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	LogLevel   string           `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	TLSAddr     string `mapstructure:"tls_addr"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type UpstreamConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	AuthPath string        `mapstructure:"auth_path"`
	SSOPath  string        `mapstructure:"sso_path"`
}

type ProxyConfig struct {
	AllowedPrefixes []string                 `mapstructure:"allowed_prefixes"`
	TTLOverrides    map[string]time.Duration `mapstructure:"ttl_overrides"`
	DefaultTTL      time.Duration            `mapstructure:"default_ttl"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type AggregatorConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	PageSize int           `mapstructure:"page_size"`
	MaxPages int           `mapstructure:"max_pages"`
}

type SSOConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	EntryPath string        `mapstructure:"entry_path"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// Load reads configuration from an optional yaml file and SISGPO_GW_*
// environment variables, applying defaults for everything else.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_addr", "")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Required values get an empty default so viper knows the key and can
	// pick it up from the environment; validate rejects them when unset.
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("sso.base_url", "")

	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.auth_path", "/api/auth/delegado")
	v.SetDefault("upstream.sso_path", "/api/auth/sso")

	v.SetDefault("proxy.allowed_prefixes", []string{
		"admin/plantoes",
		"viaturas",
		"militares",
		"civis",
		"aeronaves",
		"obms",
		"metadados",
	})
	v.SetDefault("proxy.ttl_overrides", map[string]string{
		"admin/plantoes": "15s",
		"viaturas":       "15s",
		"militares":      "300s",
		"civis":          "300s",
		"obms":           "300s",
	})
	v.SetDefault("proxy.default_ttl", "60s")

	v.SetDefault("cache.default_ttl", "60s")
	v.SetDefault("cache.sweep_interval", "120s")

	v.SetDefault("aggregator.ttl", "60s")
	v.SetDefault("aggregator.page_size", 200)
	v.SetDefault("aggregator.max_pages", 50)

	v.SetDefault("sso.entry_path", "/externo/acesso")
	v.SetDefault("sso.token_ttl", "300s")

	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("postgres.user", "sisgpo_gateway")
	v.SetDefault("postgres.password", "password")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.database", "sisgpo_gateway")
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SISGPO_GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (SISGPO_GW_UPSTREAM_BASE_URL)")
	}
	if c.SSO.BaseURL == "" {
		return fmt.Errorf("sso.base_url is required (SISGPO_GW_SSO_BASE_URL)")
	}
	if len(c.Proxy.AllowedPrefixes) == 0 {
		return fmt.Errorf("proxy.allowed_prefixes must not be empty")
	}
	if c.Aggregator.PageSize <= 0 || c.Aggregator.MaxPages <= 0 {
		return fmt.Errorf("aggregator.page_size and aggregator.max_pages must be positive")
	}
	return nil
}

// RouteTTL returns the cache TTL for a proxied sub-path, preferring the
// longest matching prefix override and falling back to the proxy default.
func (c *Config) RouteTTL(subpath string) time.Duration {
	var (
		best    time.Duration
		bestLen = -1
	)
	for prefix, ttl := range c.Proxy.TTLOverrides {
		if strings.HasPrefix(subpath, prefix) && len(prefix) > bestLen {
			best = ttl
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return c.Proxy.DefaultTTL
}
