package pgutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/config"
)

const (
	testImage    = "postgres:15-alpine"
	testDatabase = "revenue_test"
	testUser     = "revenue"
	testPassword = "revenue"
)

// RequireDockerAccess skips the test when no docker daemon socket answers
func RequireDockerAccess(t *testing.T) {
	t.Helper()

	for _, sock := range []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
	} {
		if _, err := os.Stat(sock); err != nil {
			continue
		}
		conn, err := (&net.Dialer{}).DialContext(context.Background(), "unix", sock)
		if err == nil {
			_ = conn.Close()
			return
		}
	}
	t.Skip("docker daemon socket is not accessible; skipping testcontainer-backed tests")
}

// SetupTestDB starts a Postgres container and returns a connection to it
// together with the cleanup func
func SetupTestDB(t *testing.T) (*bun.DB, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		t.Fatalf("failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		SSLMode:  "disable",
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	db, err := backoff.RetryWithData[*bun.DB](func() (*bun.DB, error) {
		return ConnectDB(ctx, cfg, zap.NewNop())
	}, backoff.WithContext(b, ctx))
	if err != nil {
		terminate()
		t.Fatalf("failed to connect to test database: %v", err)
	}

	return db, func() {
		_ = db.Close()
		terminate()
	}
}

func queryExists(t *testing.T, db *bun.DB, expr string, args ...any) bool {
	t.Helper()
	var exists bool
	if err := db.NewSelect().ColumnExpr("EXISTS ("+expr+")", args...).Scan(context.Background(), &exists); err != nil {
		t.Fatalf("existence query failed: %v", err)
	}
	return exists
}

func tableExists(t *testing.T, db *bun.DB, table string) bool {
	t.Helper()
	return queryExists(t, db,
		"SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?", "public", table)
}

// AssertTableExists fails the test when table is missing
func AssertTableExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	if !tableExists(t, db, table) {
		t.Errorf("table %s does not exist", table)
	}
}

// AssertTableNotExists fails the test when table is present
func AssertTableNotExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	if tableExists(t, db, table) {
		t.Errorf("table %s should not exist but it does", table)
	}
}

// AssertIndexExists fails the test when index is missing
func AssertIndexExists(t *testing.T, db *bun.DB, index string) {
	t.Helper()
	if !queryExists(t, db, "SELECT 1 FROM pg_indexes WHERE schemaname = ? AND indexname = ?", "public", index) {
		t.Errorf("index %s does not exist", index)
	}
}
