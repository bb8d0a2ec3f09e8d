// Package config resolves bot settings from environment, an optional
// YAML/JSON file and built-in defaults, in that order of precedence.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment keys.
const (
	EnvAPIURL       = "TRADELOCKER_API_URL"
	EnvEmail        = "TRADELOCKER_EMAIL"
	EnvPassword     = "TRADELOCKER_PASSWORD"
	EnvServer       = "TRADELOCKER_SERVER"
	EnvPort         = "PORT"
	EnvListen       = "BOT_LISTEN"
	EnvSecretDB     = "BOT_SECRET_DB"
	EnvSecretKey    = "BOT_SECRET_KEY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFile      = "LOG_FILE"
	EnvLedgerPath   = "LEDGER_PATH"
	EnvLedgerDriver = "LEDGER_BACKEND"
)

// CredentialKeys are the names looked up in the secret store.
var CredentialKeys = []string{EnvEmail, EnvPassword, EnvServer}

type Credentials struct {
	Email    string
	Password string
	Server   string
}

func (c Credentials) complete() bool {
	return c.Email != "" && c.Password != "" && c.Server != ""
}

type LedgerConfig struct {
	Backend string
	Path    string
}

type Config struct {
	APIURL      string
	Listen      string
	Credentials Credentials

	RiskPercent float64
	PipValue    float64
	PipScale    float64

	RefreshThreshold  time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	SessionFile         string
	InstrumentsFile     string
	InstrumentsCacheTTL time.Duration

	DedupeWindow         time.Duration
	ReconcileInterval    time.Duration
	MaxConsecutiveErrors int64
	ShutdownGrace        time.Duration

	Ledger LedgerConfig

	SecretDB  string
	SecretKey string

	LogLevel string
	LogFile  string

	// MetricsListen enables the expvar/pprof endpoint when set.
	MetricsListen string
}

// ConfigFile is the on-disk shape. Zero values mean "not set".
type ConfigFile struct {
	APIURL               string  `yaml:"api_url" json:"api_url"`
	Listen               string  `yaml:"listen" json:"listen"`
	RiskPercent          float64 `yaml:"risk_percent" json:"risk_percent"`
	PipValue             float64 `yaml:"pip_value" json:"pip_value"`
	PipScale             float64 `yaml:"pip_scale" json:"pip_scale"`
	RefreshThreshold     string  `yaml:"refresh_threshold" json:"refresh_threshold"`
	RequestTimeout       string  `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" json:"requests_per_second"`
	SessionFile          string  `yaml:"session_file" json:"session_file"`
	InstrumentsFile      string  `yaml:"instruments_file" json:"instruments_file"`
	InstrumentsCacheTTL  string  `yaml:"instruments_cache_ttl" json:"instruments_cache_ttl"`
	DedupeWindow         string  `yaml:"dedupe_window" json:"dedupe_window"`
	ReconcileInterval    string  `yaml:"reconcile_interval" json:"reconcile_interval"`
	MaxConsecutiveErrors int64   `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	ShutdownGrace        string  `yaml:"shutdown_grace" json:"shutdown_grace"`
	Ledger               struct {
		Backend string `yaml:"backend" json:"backend"`
		Path    string `yaml:"path" json:"path"`
	} `yaml:"ledger" json:"ledger"`
	SecretDB string `yaml:"secret_db" json:"secret_db"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`
}

// Load resolves configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	var cf ConfigFile
	if path != "" {
		f, err := loadConfigFile(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "load config %s", path)
		}
		cf = *f
	}

	c := &Config{
		APIURL: getEnv(EnvAPIURL, cf.APIURL),
		Listen: listenAddr(cf.Listen),
		Credentials: Credentials{
			Email:    strings.TrimSpace(os.Getenv(EnvEmail)),
			Password: os.Getenv(EnvPassword),
			Server:   strings.TrimSpace(os.Getenv(EnvServer)),
		},

		RiskPercent: parseFloatEnv("RISK_PERCENT", orFloat(cf.RiskPercent, 1)),
		PipValue:    parseFloatEnv("PIP_VALUE", orFloat(cf.PipValue, 10)),
		PipScale:    parseFloatEnv("PIP_SCALE", orFloat(cf.PipScale, 10000)),

		RequestsPerSecond: parseFloatEnv("REQUESTS_PER_SECOND", orFloat(cf.RequestsPerSecond, 5)),

		SessionFile:     getEnv("SESSION_FILE", orString(cf.SessionFile, "tokens.json")),
		InstrumentsFile: getEnv("INSTRUMENTS_FILE", orString(cf.InstrumentsFile, "instruments.json")),

		MaxConsecutiveErrors: int64(parseIntEnv("MAX_CONSECUTIVE_ERRORS", int(orInt(cf.MaxConsecutiveErrors, 5)))),

		Ledger: LedgerConfig{
			Backend: getEnv(EnvLedgerDriver, orString(cf.Ledger.Backend, "file")),
			Path:    getEnv(EnvLedgerPath, orString(cf.Ledger.Path, "tradeIds.json")),
		},

		SecretDB:  getEnv(EnvSecretDB, cf.SecretDB),
		SecretKey: os.Getenv(EnvSecretKey),

		LogLevel: getEnv(EnvLogLevel, orString(cf.LogLevel, "info")),
		LogFile:  getEnv(EnvLogFile, cf.LogFile),

		MetricsListen: getEnv("METRICS_LISTEN", cf.MetricsListen),
	}

	durations := []struct {
		dst  *time.Duration
		env  string
		file string
		def  time.Duration
	}{
		{&c.RefreshThreshold, "REFRESH_THRESHOLD", cf.RefreshThreshold, 5 * time.Minute},
		{&c.RequestTimeout, "REQUEST_TIMEOUT", cf.RequestTimeout, 30 * time.Second},
		{&c.InstrumentsCacheTTL, "INSTRUMENTS_CACHE_TTL", cf.InstrumentsCacheTTL, 5 * time.Minute},
		{&c.DedupeWindow, "DEDUPE_WINDOW", cf.DedupeWindow, 10 * time.Second},
		{&c.ReconcileInterval, "RECONCILE_INTERVAL", cf.ReconcileInterval, 0},
		{&c.ShutdownGrace, "SHUTDOWN_GRACE", cf.ShutdownGrace, 10 * time.Second},
	}
	for _, d := range durations {
		v, err := durationFromSources(d.env, d.file, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	return c, nil
}

// SecretLookup is satisfied by *secretstore.Store.
type SecretLookup interface {
	Lookup(prefix string, names ...string) (map[string]string, error)
}

// FillCredentials completes missing credentials from the secret store.
// Values already taken from the environment win.
func (c *Config) FillCredentials(src SecretLookup, prefix string) error {
	if c.Credentials.complete() {
		return nil
	}
	vals, err := src.Lookup(prefix, CredentialKeys...)
	if err != nil {
		return errors.WithMessage(err, "read credentials from secret store")
	}
	if c.Credentials.Email == "" {
		c.Credentials.Email = vals[EnvEmail]
	}
	if c.Credentials.Password == "" {
		c.Credentials.Password = vals[EnvPassword]
	}
	if c.Credentials.Server == "" {
		c.Credentials.Server = vals[EnvServer]
	}
	return nil
}

// Validate checks everything the bot needs before it can talk to the broker.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.Errorf("%s is not set", EnvAPIURL)
	}
	if !c.Credentials.complete() {
		return errors.Errorf("%s, %s and %s must all be set", EnvEmail, EnvPassword, EnvServer)
	}
	if c.RiskPercent <= 0 || c.RiskPercent > 100 {
		return errors.Errorf("risk_percent must be in (0, 100], got %v", c.RiskPercent)
	}
	if c.PipValue <= 0 || c.PipScale <= 0 {
		return errors.New("pip_value and pip_scale must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.RefreshThreshold < 0 || c.DedupeWindow < 0 || c.ReconcileInterval < 0 {
		return errors.New("durations must not be negative")
	}
	switch c.Ledger.Backend {
	case "file", "badger", "sqlite":
	default:
		return errors.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Path == "" {
		return errors.New("ledger path is empty")
	}
	return nil
}

// loadConfigFile accepts .yaml, .yml and .json.
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cf ConfigFile
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, errors.Wrap(err, "parse yaml config")
		}
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, errors.Wrap(err, "parse json config")
		}
	default:
		return nil, errors.Errorf("unsupported config format %s (want .yaml, .yml or .json)", ext)
	}
	return &cf, nil
}

// listenAddr honours PORT the way hosted platforms set it.
func listenAddr(fromFile string) string {
	if v := os.Getenv(EnvListen); v != "" {
		return v
	}
	if p := os.Getenv(EnvPort); p != "" {
		if strings.HasPrefix(p, ":") {
			return p
		}
		return ":" + p
	}
	return orString(fromFile, ":3000")
}

func durationFromSources(envKey, fromFile string, def time.Duration) (time.Duration, error) {
	raw := getEnv(envKey, fromFile)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", strings.ToLower(envKey))
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

func orInt(v, def int64) int64 {
	if v != 0 {
		return v
	}
	return def
}
