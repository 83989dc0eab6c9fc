// Package testutils holds shared helpers for integration tests.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres runs a throwaway PostgreSQL container and returns its DSN.
// The container is terminated through t.Cleanup when the test finishes.
func StartPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(1).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("certforge_test"),
		postgres.WithUsername("certforge"),
		postgres.WithPassword("certforge"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	})

	// Disable SSL; the container does not ship certificates.
	connStrCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connStr, err := container.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %s", err)
	}
	return connStr
}
