package storage

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/keyrent/internal/telemetry"
)

var (
	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

func recordMigration(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := telemetry.Meter("storage")
		counter, err := meter.Int64Counter("storage.migrations",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := append(telemetry.OperationResultAttributes("migrate", result),
		telemetry.AttrStorageBackend.String(BackendPostgres))
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
