//go:build integration

// Package database provides the shared PostgreSQL harness for
// repository integration tests (run with -tags integration).
package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noir-madlax/segmentation-engine/pkg/database"
)

// NewTestDB returns a migrated *sql.DB for integration tests.
// In CI (when CI_DATABASE_URL is set): connects to an external
// PostgreSQL service container. In local dev: spins up a testcontainer.
// The container/connection is cleaned up when the test ends.
func NewTestDB(t *testing.T) *stdsql.DB {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.RunMigrations(db, "test"))

	// The engine reads product titles from this upstream table; it is not
	// part of our migrations.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS amazon_products (
			id BIGINT PRIMARY KEY,
			title TEXT
		)`)
	require.NoError(t, err)

	return db
}
