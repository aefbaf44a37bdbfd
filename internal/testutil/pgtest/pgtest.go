// Package pgtest locates the PostgreSQL instance used by integration tests.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// EnvVar names the environment variable holding the test database connection string.
const EnvVar = "TEST_DATABASE"

// ConnString returns the test database connection string, skipping the test when it is not set.
func ConnString(t testing.TB) string {
	t.Helper()
	connString := os.Getenv(EnvVar)
	if connString == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", EnvVar)
	}
	return connString
}

// Pool opens a pool to the test database that is closed when the test ends.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, ConnString(t))
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)
	return pool
}
