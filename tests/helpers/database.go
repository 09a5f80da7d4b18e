package helpers

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/database"
)

const postgresImage = "postgres:17-alpine"

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool *pgxpool.Pool
	URL  string
	ctx  context.Context
}

// NewTestDatabase connects to TEST_DATABASE_URL, or starts a disposable
// Postgres container when it is unset, and applies every migration.
// Everything is released through t.Cleanup.
func NewTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		container, err := postgres.Run(ctx,
			postgresImage,
			postgres.WithDatabase("collab_test"),
			postgres.WithUsername("test_user"),
			postgres.WithPassword("test_password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Fatalf("Failed to start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate postgres container: %v", err)
			}
		})

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("Failed to get postgres connection string: %v", err)
		}
	}

	if err := database.Migrate(ctx, MigrationsURL(), url, zap.NewNop()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}
	t.Cleanup(pool.Close)

	db := &TestDatabase{Pool: pool, URL: url, ctx: ctx}
	db.CleanupTables(t)
	return db
}

// MigrationsURL locates the repository migrations directory independent of
// the working directory of the test binary
func MigrationsURL() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// CleanupTables empties every table so tests sharing a database start clean
func (db *TestDatabase) CleanupTables(t *testing.T) {
	t.Helper()
	_, err := db.Pool.Exec(db.ctx, `TRUNCATE outbox_events, messages, channels, workspaces CASCADE`)
	if err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}

// CreateTestWorkspace inserts a workspace and returns its ID
func (db *TestDatabase) CreateTestWorkspace(t *testing.T, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := db.Pool.QueryRow(db.ctx,
		`INSERT INTO workspaces (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test workspace: %v", err)
	}
	return id
}

// CreateTestChannel inserts a channel in workspaceID and returns its ID
func (db *TestDatabase) CreateTestChannel(t *testing.T, workspaceID uuid.UUID, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := db.Pool.QueryRow(db.ctx,
		`INSERT INTO channels (workspace_id, name) VALUES ($1, $2) RETURNING id`, workspaceID, name,
	).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test channel: %v", err)
	}
	return id
}

// CreateTestMessages inserts n messages into the channel
func (db *TestDatabase) CreateTestMessages(t *testing.T, workspaceID, channelID uuid.UUID, n int) {
	t.Helper()
	_, err := db.Pool.Exec(db.ctx, `
		INSERT INTO messages (workspace_id, channel_id, sender_id, body, seq)
		SELECT $1, $2, 'user-1', 'message ' || g, g
		FROM generate_series(1, $3::int) AS g
	`, workspaceID, channelID, n)
	if err != nil {
		t.Fatalf("Failed to create test messages: %v", err)
	}
}

// CountMessages returns the number of messages left in a channel
func (db *TestDatabase) CountMessages(t *testing.T, channelID uuid.UUID) int {
	t.Helper()
	return db.count(t, `SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID)
}

// CountOutboxEvents returns the number of outbox rows in status
func (db *TestDatabase) CountOutboxEvents(t *testing.T, status string) int {
	t.Helper()
	return db.count(t, `SELECT COUNT(*) FROM outbox_events WHERE status = $1`, status)
}

func (db *TestDatabase) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.Pool.QueryRow(db.ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	return n
}
