// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for creamd. Every field is read from the
// environment variable named in its mapstructure tag.
type Config struct {
	HTTPAddr         string `mapstructure:"HTTP_ADDR"`
	PublicURL        string `mapstructure:"PUBLIC_URL"`
	WalletPathPrefix string `mapstructure:"WALLET_PATH_PREFIX"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`

	PassTypeID        string `mapstructure:"PASS_TYPE_ID"`
	TeamID            string `mapstructure:"TEAM_ID"`
	OrganizationName  string `mapstructure:"ORGANIZATION_NAME"`
	PassAuthSecret    string `mapstructure:"PASS_AUTH_SECRET"`
	PassCertPath      string `mapstructure:"PASS_CERT_PATH"`
	PassKeyPath       string `mapstructure:"PASS_KEY_PATH"`
	PassKeyPassphrase string `mapstructure:"PASS_KEY_PASSPHRASE"`
	PassP12Path       string `mapstructure:"PASS_P12_PATH"`
	WWDRCertPath      string `mapstructure:"WWDR_CERT_PATH"`
	PassTemplateDir   string `mapstructure:"PASS_TEMPLATE_DIR"`

	APNsCertPath      string        `mapstructure:"APNS_CERT_PATH"`
	APNsKeyPath       string        `mapstructure:"APNS_KEY_PATH"`
	APNsKeyPassphrase string        `mapstructure:"APNS_KEY_PASSPHRASE"`
	APNsProduction    bool          `mapstructure:"APNS_PRODUCTION"`
	PushTimeout       time.Duration `mapstructure:"PUSH_TIMEOUT"`
	PushConcurrency   int           `mapstructure:"PUSH_CONCURRENCY"`
	PushRatePerSecond float64       `mapstructure:"PUSH_RATE_PER_SECOND"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	StaffJWTSecret            string `mapstructure:"STAFF_JWT_SECRET"`
	RegistrationRatePerMinute int    `mapstructure:"REGISTRATION_RATE_PER_MINUTE"`

	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	ChaosPushFailureRate float64       `mapstructure:"CHAOS_PUSH_FAILURE_RATE"`
	ChaosPushLatency     time.Duration `mapstructure:"CHAOS_PUSH_LATENCY"`
}

var defaults = map[string]any{
	"HTTP_ADDR":                    ":3000",
	"PUBLIC_URL":                   "http://localhost:3000",
	"WALLET_PATH_PREFIX":           "/wallet",
	"DATABASE_URL":                 "",
	"PASS_TYPE_ID":                 "",
	"TEAM_ID":                      "",
	"ORGANIZATION_NAME":            "C.R.E.A.M. Coffee",
	"PASS_AUTH_SECRET":             "",
	"PASS_CERT_PATH":               "certs/signerCert.pem",
	"PASS_KEY_PATH":                "certs/signerKey.pem",
	"PASS_KEY_PASSPHRASE":          "",
	"PASS_P12_PATH":                "",
	"WWDR_CERT_PATH":               "certs/wwdr.pem",
	"PASS_TEMPLATE_DIR":            "pass-template",
	"APNS_CERT_PATH":               "",
	"APNS_KEY_PATH":                "",
	"APNS_KEY_PASSPHRASE":          "",
	"APNS_PRODUCTION":              true,
	"PUSH_TIMEOUT":                 "30s",
	"PUSH_CONCURRENCY":             8,
	"PUSH_RATE_PER_SECOND":         50.0,
	"REQUEST_TIMEOUT":              "15s",
	"SHUTDOWN_TIMEOUT":             "20s",
	"STAFF_JWT_SECRET":             "",
	"REGISTRATION_RATE_PER_MINUTE": 30,
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "json",
	"OTEL_EXPORTER_OTLP_ENDPOINT":  "",
	"CHAOS_PUSH_FAILURE_RATE":      0.0,
	"CHAOS_PUSH_LATENCY":           "0s",
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.WalletPathPrefix = normalizePrefix(cfg.WalletPathPrefix)
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &cfg, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Validate reports every missing value creamd cannot start without.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	require(c.PassTypeID, "PASS_TYPE_ID")
	require(c.TeamID, "TEAM_ID")
	require(c.PassAuthSecret, "PASS_AUTH_SECRET")
	require(c.WWDRCertPath, "WWDR_CERT_PATH")
	if c.PassP12Path == "" {
		require(c.PassCertPath, "PASS_CERT_PATH")
		require(c.PassKeyPath, "PASS_KEY_PATH")
	}
	if len(c.PassAuthSecret) > 0 && len(c.PassAuthSecret) < 16 {
		errs = append(errs, errors.New("PASS_AUTH_SECRET must be at least 16 characters"))
	}
	if c.ChaosPushFailureRate < 0 || c.ChaosPushFailureRate > 1 {
		errs = append(errs, errors.New("CHAOS_PUSH_FAILURE_RATE must be between 0 and 1"))
	}
	if c.PushConcurrency < 1 {
		errs = append(errs, errors.New("PUSH_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

// WebServiceURL is the absolute wallet web service URL written into passes.
func (c *Config) WebServiceURL() string {
	return c.PublicURL + c.WalletPathPrefix
}

// APNsCredentials falls back to the pass signer material when no dedicated
// APNs certificate is configured; Apple accepts the pass type certificate for
// pass update pushes.
func (c *Config) APNsCredentials() (certPath, keyPath, p12Path, passphrase string) {
	if c.APNsCertPath != "" {
		return c.APNsCertPath, c.APNsKeyPath, "", c.APNsKeyPassphrase
	}
	return c.PassCertPath, c.PassKeyPath, c.PassP12Path, c.PassKeyPassphrase
}
