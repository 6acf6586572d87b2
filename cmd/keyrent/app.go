package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/coachpo/keyrent/internal/api"
	"github.com/coachpo/keyrent/internal/config"
	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/poller"
	"github.com/coachpo/keyrent/internal/realtime"
	"github.com/coachpo/keyrent/internal/storage"
	"github.com/coachpo/keyrent/internal/telemetry"
)

const (
	loggerPrefix             = "keyrent "
	telemetryShutdownTimeout = 5 * time.Second
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	debug      bool
	out        io.Writer
	logger     *log.Logger

	cfg       config.AppConfig
	telemetry *telemetry.Provider
	store     storage.Store
	poller    *poller.Poller
	realtime  *realtime.Client
}

func newApp(out io.Writer) *app {
	return &app{out: out, configPath: config.DefaultPath}
}

// init loads configuration and installs logging and telemetry.
func (a *app) init(ctx context.Context) error {
	a.logger = log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(a.logger, a.debug))

	path := filepath.Clean(a.configPath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		a.logger.Printf("configuration file %s not found, using defaults", path)
	}
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	if a.debug {
		a.logger.Printf("configuration initialised: env=%s storage=%s realtime=%s",
			cfg.Environment, cfg.Storage.Backend, cfg.Realtime.Endpoint)
	}

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.telemetry = provider
	return nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := storage.Open(ctx, a.cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.cfg.Storage.Backend, err)
	}
	a.store = store
	return store, nil
}

func (a *app) tokens(ctx context.Context) (*storage.TokenSource, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewTokenSource(store), nil
}

func (a *app) apiClient(ctx context.Context) (*api.Client, error) {
	tokens, err := a.tokens(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewClient(a.cfg.APIOptions(tokens)), nil
}

func (a *app) statusPoller() *poller.Poller {
	if a.poller == nil {
		opts, _ := a.cfg.PollerOptions()
		a.poller = poller.New(opts...)
	}
	return a.poller
}

func (a *app) sessionOptions() []poller.Option {
	_, opts := a.cfg.PollerOptions()
	return opts
}

func (a *app) realtimeClient() *realtime.Client {
	if a.realtime == nil {
		a.realtime = realtime.NewClient(a.cfg.RealtimeClientConfig())
		realtime.SetDefault(a.realtime)
	}
	return a.realtime
}

func (a *app) paymentFlow(ctx context.Context) (*payment.Flow, error) {
	client, err := a.apiClient(ctx)
	if err != nil {
		return nil, err
	}
	return payment.NewFlow(a.statusPoller(), payment.Providers(client),
		payment.WithPollOptions(a.sessionOptions()...)), nil
}

// close releases everything init and the accessors opened.
func (a *app) close() error {
	var errs []error
	if a.poller != nil {
		a.poller.StopAll()
	}
	if a.realtime != nil {
		a.realtime.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.store = nil
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return observability.AggregateErrors("shutdown", errs)
}
