// Package config loads server configuration from defaults, an optional YAML
// file, NAJDENO_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. NAJDENO_QUOTA_LIMIT.
const EnvPrefix = "NAJDENO"

type Config struct {
	Addr         string        `mapstructure:"addr"`
	DB           string        `mapstructure:"db"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	Log       LogConfig       `mapstructure:"log"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Nearby    NearbyConfig    `mapstructure:"nearby"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"`
}

type QuotaConfig struct {
	Limit         int           `mapstructure:"limit"`
	Timezone      string        `mapstructure:"timezone"`
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`

	// Location is Timezone resolved by Validate.
	Location *time.Location `mapstructure:"-"`
}

type NearbyConfig struct {
	DefaultRadius float64 `mapstructure:"default_radius"`
	MaxRadius     float64 `mapstructure:"max_radius"`
}

type JWTConfig struct {
	// Secret signs session tokens. When empty a secret is generated once and
	// kept in the database.
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
}

// SMTPConfig configures contact message delivery. An empty Host logs
// messages instead of sending them.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type RateLimitConfig struct {
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
	ContactPerMinute int     `mapstructure:"contact_per_minute"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"addr":                         ":8080",
	"db":                           "najdeno.sqlite3",
	"store_timeout":                "5s",
	"log.file":                     "",
	"log.format":                   "text",
	"quota.limit":                  5,
	"quota.timezone":               "UTC",
	"quota.retention":              "1344h",
	"quota.purge_interval":         "24h",
	"nearby.default_radius":        1000.0,
	"nearby.max_radius":            50000.0,
	"jwt.secret":                   "",
	"jwt.expiry":                   "168h",
	"smtp.host":                    "",
	"smtp.port":                    587,
	"smtp.username":                "",
	"smtp.password":                "",
	"smtp.from":                    "Lost and Found <noreply@lostandfound.com>",
	"ratelimit.rps":                2.0,
	"ratelimit.burst":              60,
	"ratelimit.contact_per_minute": 5,
	"metrics.enabled":              true,
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr": "addr",
	"db":   "db",
	"log":  "log.file",
}

// Load reads the configuration. path may be empty, in which case only
// defaults, environment and flags apply; a named file that cannot be read is
// an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and resolves the quota time zone.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr must not be empty")
	check(c.DB != "", "db must not be empty")
	check(c.StoreTimeout > 0, "store_timeout must be positive")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)
	check(c.Quota.Limit > 0, "quota.limit must be positive")
	check(c.Quota.Retention >= 7*24*time.Hour, "quota.retention must be at least one week")
	check(c.Quota.PurgeInterval > 0, "quota.purge_interval must be positive")
	check(c.Nearby.DefaultRadius > 0, "nearby.default_radius must be positive")
	check(c.Nearby.MaxRadius > 0, "nearby.max_radius must be positive")
	check(c.Nearby.DefaultRadius <= c.Nearby.MaxRadius, "nearby.default_radius must not exceed nearby.max_radius")
	check(c.JWT.Expiry > 0, "jwt.expiry must be positive")
	check(c.RateLimit.RPS > 0, "ratelimit.rps must be positive")
	check(c.RateLimit.Burst > 0, "ratelimit.burst must be positive")
	check(c.RateLimit.ContactPerMinute > 0, "ratelimit.contact_per_minute must be positive")
	if c.SMTP.Host != "" {
		check(c.SMTP.Port > 0 && c.SMTP.Port < 65536, "smtp.port out of range")
	}

	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("quota.timezone: %w", err))
	}
	c.Quota.Location = loc

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
