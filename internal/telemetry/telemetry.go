// Package telemetry exports keyrent client metrics over OTLP/HTTP.
//
// Components obtain their meters through Meter so every instrument carries the
// keyrent instrumentation scope; NewProvider decides where those metrics go.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	// ScopePrefix prefixes the instrumentation scope of every component meter.
	ScopePrefix = "github.com/coachpo/keyrent/"

	defaultServiceName    = "keyrent"
	serviceVersion        = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultEnvironment    = "development"
	defaultExportInterval = 30 * time.Second
)

// latencyBuckets lists the millisecond boundaries for each duration histogram.
// A poll fetch is one REST round trip; a connect covers dial plus handshake.
var latencyBuckets = map[string][]float64{
	"poller.fetch.duration":     {5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	"realtime.connect.duration": {10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
}

var (
	envMu       sync.RWMutex
	environment = defaultEnvironment
)

// Config controls metric export.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables. KEYRENT_ENV names the
// environment when OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	return Config{
		Enabled:          envFlag("OTEL_ENABLED", true),
		OTLPEndpoint:     envString("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint),
		OTLPInsecure:     envFlag("OTEL_EXPORTER_OTLP_INSECURE", false),
		EnableMetrics:    envFlag("OTEL_METRICS_ENABLED", true),
		MetricInterval:   envMillis("OTEL_METRIC_EXPORT_INTERVAL", defaultExportInterval),
		ServiceName:      envString("OTEL_SERVICE_NAME", defaultServiceName),
		ServiceVersion:   serviceVersion,
		ServiceNamespace: envString("OTEL_SERVICE_NAMESPACE", ""),
		Environment: envString("OTEL_RESOURCE_ENVIRONMENT",
			envString("KEYRENT_ENV", defaultEnvironment)),
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envFlag(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}

// envMillis parses key as milliseconds, the unit OTEL_METRIC_EXPORT_INTERVAL uses.
func envMillis(key string, fallback time.Duration) time.Duration {
	ms, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Meter returns the meter for a keyrent component, such as "poller" or
// "realtime", from the global provider installed by NewProvider.
func Meter(component string) metric.Meter {
	return otel.Meter(ScopePrefix+component, metric.WithInstrumentationVersion(serviceVersion))
}

// Provider owns the SDK meter provider. A disabled Provider leaves the
// global no-op provider in place and every method stays safe to call.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider installs the OTLP meter provider described by cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	if !cfg.Enabled || !cfg.EnableMetrics {
		return &Provider{}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	mp := newMeterProvider(res, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp}, nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Meter returns a meter from this provider, or the global one when disabled.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace))
	}
	if env := strings.ToLower(strings.TrimSpace(cfg.Environment)); env != "" {
		attrs = append(attrs, AttrEnvironment.String(env))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return exporter, nil
}

func newMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(histogramViews()...),
	)
}

// histogramViews applies latencyBuckets, in instrument name order.
func histogramViews() []sdkmetric.View {
	names := make([]string, 0, len(latencyBuckets))
	for name := range latencyBuckets {
		names = append(names, name)
	}
	slices.Sort(names)

	views := make([]sdkmetric.View, 0, len(names))
	for _, name := range names {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: latencyBuckets[name],
			}},
		))
	}
	return views
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// SetEnvironment records the environment label attached to metrics. Blank is ignored.
func SetEnvironment(env string) {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return
	}
	envMu.Lock()
	environment = env
	envMu.Unlock()
}

// Environment returns the current environment label.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	return environment
}
