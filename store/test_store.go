package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStore provides testcontainers-based PostgreSQL for integration tests
type TestStore struct {
	container testcontainers.Container
	Pool      *pgxpool.Pool
	URL       string
	cleanup   func()
}

// testStoreConfig holds configuration for the test store
type testStoreConfig struct {
	postgresVersion string
	database        string
	startTimeout    time.Duration
}

// TestStoreOption for configuring the test store
type TestStoreOption func(*testStoreConfig)

// WithPostgresVersion specifies a specific PostgreSQL version to use
func WithPostgresVersion(version string) TestStoreOption {
	return func(cfg *testStoreConfig) {
		cfg.postgresVersion = version
	}
}

// WithDatabase sets the database name
func WithDatabase(name string) TestStoreOption {
	return func(cfg *testStoreConfig) {
		cfg.database = name
	}
}

// NewTestStore starts a PostgreSQL container and connects a pool to it.
// Accepts testing.TB so it works with both *testing.T and *testing.B.
func NewTestStore(t testing.TB, opts ...TestStoreOption) *TestStore {
	t.Helper()

	cfg := &testStoreConfig{
		postgresVersion: "16-alpine",
		database:        "edgesink_test",
		startTimeout:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:" + cfg.postgresVersion,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "edgesink",
			"POSTGRES_PASSWORD": "edgesink",
			"POSTGRES_DB":       cfg.database,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://edgesink:edgesink@%s:%s/%s?sslmode=disable",
		host, port.Port(), cfg.database)

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("PostgreSQL not ready: %v", err)
	}

	ts := &TestStore{
		container: container,
		Pool:      pool,
		URL:       url,
		cleanup: func() {
			pool.Close()
			_ = container.Terminate(context.Background()) // Best effort test cleanup
		},
	}

	t.Cleanup(ts.cleanup)
	return ts
}

// Terminate manually terminates the container and pool (usually handled by
// t.Cleanup)
func (ts *TestStore) Terminate() error {
	if ts.cleanup != nil {
		ts.cleanup()
		ts.cleanup = nil
	}
	return nil
}

// CountRows returns the row count of a table, for assertions
func (ts *TestStore) CountRows(ctx context.Context, table string) (int, error) {
	var count int
	err := ts.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	return count, err
}
