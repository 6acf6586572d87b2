package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("container-backed test skipped in -short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, req.ExposedPorts[0])
	require.NoError(t, err)
	return host, port.Port()
}

func TestPostgresStoreIntegration(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "keyrent"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	})
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/keyrent?sslmode=disable", host, port)

	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	require.NoError(t, MigratePostgres(ctx, dsn), "re-running migrations is a no-op")

	require.NoError(t, RollbackPostgres(ctx, dsn, 1))
	require.NoError(t, MigratePostgres(ctx, dsn))
	require.Error(t, RollbackPostgres(ctx, dsn, 0))
}

func TestRedisStoreIntegration(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	})

	s, err := OpenRedis(context.Background(), fmt.Sprintf("redis://%s:%s/0", host, port), "test:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
