// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/keyrent/internal/api"
	"github.com/coachpo/keyrent/internal/poller"
	"github.com/coachpo/keyrent/internal/realtime"
	"github.com/coachpo/keyrent/internal/storage"
	"github.com/coachpo/keyrent/internal/telemetry"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DefaultPath is where the CLI looks for its config file.
const DefaultPath = "config/app.yaml"

// RealtimeConfig configures the push connection.
type RealtimeConfig struct {
	Endpoint             string        `yaml:"endpoint"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	ReconnectMultiplier  float64       `yaml:"reconnectMultiplier"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	DialTimeout          time.Duration `yaml:"dialTimeout"`
	RequestTimeout       time.Duration `yaml:"requestTimeout"`
}

// APIConfig configures the REST backend client.
type APIConfig struct {
	BaseURL   string        `yaml:"baseUrl"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	Burst     int           `yaml:"burst"`
}

// PollerConfig sets poll session defaults.
type PollerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	Burst     int           `yaml:"burst"`
}

// StorageConfig selects the client key/value backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	ExportInterval time.Duration `yaml:"exportInterval"` // zero keeps the exporter default
}

// StatusServerConfig configures the local status API.
type StatusServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified keyrent configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment        `yaml:"environment"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	API          APIConfig          `yaml:"api"`
	Poller       PollerConfig       `yaml:"poller"`
	Storage      StorageConfig      `yaml:"storage"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	StatusServer StatusServerConfig `yaml:"statusServer"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	rt := realtime.DefaultConfig()
	return AppConfig{
		Environment: EnvDev,
		Realtime: RealtimeConfig{
			Endpoint:             rt.Endpoint,
			ReconnectInterval:    rt.ReconnectInterval,
			MaxReconnectInterval: rt.MaxReconnectInterval,
			ReconnectMultiplier:  rt.ReconnectMultiplier,
			MaxReconnectAttempts: rt.MaxReconnectAttempts,
			DialTimeout:          rt.DialTimeout,
			RequestTimeout:       rt.RequestTimeout,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 15 * time.Second,
			Burst:   1,
		},
		Poller: PollerConfig{
			Interval: poller.DefaultInterval,
			Timeout:  poller.DefaultTimeout,
			Burst:    1,
		},
		Storage: StorageConfig{
			Backend:   storage.BackendSQLite,
			DSN:       "keyrent.db",
			KeyPrefix: "keyrent:",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "keyrent",
			OTLPInsecure:  true,
			EnableMetrics: false,
		},
		StatusServer: StatusServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// missing from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("KEYRENT_ENV")); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv("KEYRENT_REALTIME_ENDPOINT")); v != "" {
		c.Realtime.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYRENT_API_BASE_URL")); v != "" {
		c.API.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYRENT_STORAGE_DSN")); v != "" {
		c.Storage.DSN = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Realtime.Endpoint = strings.TrimSpace(c.Realtime.Endpoint)
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.StatusServer.Addr = strings.TrimSpace(c.StatusServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.API.Burst <= 0 {
		c.API.Burst = 1
	}
	if c.Poller.Burst <= 0 {
		c.Poller.Burst = 1
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendMemory
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := validateURL(c.Realtime.Endpoint, "ws", "wss"); err != nil {
		return fmt.Errorf("realtime endpoint: %w", err)
	}
	if c.Realtime.ReconnectInterval <= 0 {
		return fmt.Errorf("realtime reconnectInterval must be >0")
	}
	if c.Realtime.MaxReconnectInterval < c.Realtime.ReconnectInterval {
		return fmt.Errorf("realtime maxReconnectInterval must be >= reconnectInterval")
	}
	if c.Realtime.ReconnectMultiplier < 1 {
		return fmt.Errorf("realtime reconnectMultiplier must be >= 1")
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime maxReconnectAttempts must be >= 0")
	}

	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api baseUrl: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be >0")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api rateLimit must be >= 0")
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be >0")
	}
	if c.Poller.Timeout < c.Poller.Interval {
		return fmt.Errorf("poller timeout must be >= interval")
	}
	if c.Poller.RateLimit < 0 {
		return fmt.Errorf("poller rateLimit must be >= 0")
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendSQLite, storage.BackendPostgres, storage.BackendRedis:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage backend must be one of memory, sqlite, postgres, redis")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Telemetry.ExportInterval < 0 {
		return fmt.Errorf("telemetry exportInterval must not be negative")
	}
	if c.StatusServer.Addr == "" {
		return fmt.Errorf("statusServer addr required")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s url", raw, strings.Join(schemes, "/"))
}

// RealtimeClientConfig converts the realtime section for realtime.NewClient.
func (c AppConfig) RealtimeClientConfig() realtime.Config {
	cfg := realtime.DefaultConfig()
	cfg.Endpoint = c.Realtime.Endpoint
	cfg.ReconnectInterval = c.Realtime.ReconnectInterval
	cfg.MaxReconnectInterval = c.Realtime.MaxReconnectInterval
	cfg.ReconnectMultiplier = c.Realtime.ReconnectMultiplier
	cfg.MaxReconnectAttempts = c.Realtime.MaxReconnectAttempts
	if c.Realtime.DialTimeout > 0 {
		cfg.DialTimeout = c.Realtime.DialTimeout
	}
	if c.Realtime.RequestTimeout > 0 {
		cfg.RequestTimeout = c.Realtime.RequestTimeout
	}
	return cfg
}

// APIOptions converts the api section for api.NewClient.
func (c AppConfig) APIOptions(tokens api.TokenSource) api.Options {
	return api.Options{
		BaseURL:   c.API.BaseURL,
		Timeout:   c.API.Timeout,
		Tokens:    tokens,
		RateLimit: rate.Limit(c.API.RateLimit),
		Burst:     c.API.Burst,
	}
}

// PollerOptions converts the poller section into a Poller and its session defaults.
func (c AppConfig) PollerOptions() ([]poller.PollerOption, []poller.Option) {
	var popts []poller.PollerOption
	if c.Poller.RateLimit > 0 {
		popts = append(popts, poller.WithRateLimit(rate.Limit(c.Poller.RateLimit), c.Poller.Burst))
	}
	return popts, []poller.Option{poller.WithInterval(c.Poller.Interval), poller.WithTimeout(c.Poller.Timeout)}
}

// StorageConfig converts the storage section for storage.Open.
func (c AppConfig) StorageConfig() storage.Config {
	return storage.Config{Backend: c.Storage.Backend, DSN: c.Storage.DSN, KeyPrefix: c.Storage.KeyPrefix}
}

// TelemetryConfig overlays the telemetry section onto the OTEL_* environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if c.Telemetry.OTLPEndpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" && os.Getenv("OTEL_SERVICE_NAME") == "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.OTLPInsecure = cfg.OTLPInsecure || c.Telemetry.OTLPInsecure
	cfg.EnableMetrics = cfg.EnableMetrics && c.Telemetry.EnableMetrics
	if c.Telemetry.ExportInterval > 0 && os.Getenv("OTEL_METRIC_EXPORT_INTERVAL") == "" {
		cfg.MetricInterval = c.Telemetry.ExportInterval
	}
	cfg.Environment = string(c.Environment)
	return cfg
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = DefaultPath
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
