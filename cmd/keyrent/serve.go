package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	httpserver "github.com/coachpo/keyrent/internal/server/http"
)

const (
	shutdownTimeout             = 15 * time.Second
	statusServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout    = 10 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [event types...]",
		Short: "Run the local status API while watching realtime events",
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			types := args
			if len(types) == 0 {
				types = defaultWatchTypes
			}
			if addr == "" {
				addr = a.cfg.StatusServer.Addr
			}
			return a.serve(cmd.Context(), addr, types)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status API listen address (default from config)")
	return cmd
}

func (a *app) serve(parent context.Context, addr string, types []string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := a.realtimeClient()
	server := httpserver.NewServer(addr, httpserver.Sources{
		Environment:   string(a.cfg.Environment),
		Connection:    client,
		Subscriptions: client.Registry(),
		Sessions:      a.statusPoller(),
	})

	var (
		lifecycle conc.WaitGroup
		errMu     sync.Mutex
		runErrs   []error
	)
	fail := func(err error) {
		errMu.Lock()
		runErrs = append(runErrs, err)
		errMu.Unlock()
		cancel()
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(fmt.Errorf("status server: %w", err))
		}
	})
	a.logger.Printf("status API listening on %s", addr)

	// The client never retries a failed initial connect; serve stops with it.
	pr := newPrinter(a.out)
	lifecycle.Go(func() {
		if err := a.watch(ctx, types, "", pr); err != nil {
			fail(err)
		}
	})

	<-ctx.Done()
	a.logger.Print("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	a.shutdown(shutdownCtx, server, cancel, &lifecycle)

	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(runErrs...)
}

func (a *app) shutdown(ctx context.Context, server *http.Server, mainCancel context.CancelFunc, lifecycle *conc.WaitGroup) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.logger.Printf("shutdown: %s failed: %v", name, err)
			return
		}
		a.logger.Printf("shutdown: %s completed", name)
	}

	step("stopping status server", statusServerShutdownTimeout, server.Shutdown)
	mainCancel()
	step("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
}
