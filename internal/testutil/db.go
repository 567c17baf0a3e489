package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	internal_storage "github.com/naok1207/workflow-visualizer/internal/storage"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds a migrated store and, for postgres, its container.
type TestDB struct {
	Store     *internal_storage.SQLStore
	ConnStr   string
	container testcontainers.Container
}

// SetupSQLiteDB creates a migrated sqlite database in a temporary directory.
func SetupSQLiteDB(t *testing.T) *TestDB {
	t.Helper()
	connStr := filepath.Join(t.TempDir(), "workflow.db")
	store, err := internal_storage.NewSQLStore(internal_storage.DriverSQLite, connStr)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return &TestDB{Store: store, ConnStr: connStr}
}

// SetupTestDB starts a PostgreSQL container and returns a migrated store.
// The test is skipped in -short mode or when the DB_* variables are missing.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbHost := os.Getenv("DB_HOST")
	if dbUsername == "" || dbPassword == "" || dbName == "" || dbHost == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD, DB_NAME and DB_HOST are required for postgres tests")
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		terminate(t, pgContainer)
		t.Fatal(err)
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	store, err := internal_storage.InitStore(ctx, internal_storage.DriverPostgres, connStr, 10*time.Second)
	if err != nil {
		terminate(t, pgContainer)
		t.Fatalf("Failed to open migrated test DB: %v", err)
	}

	return &TestDB{Store: store, ConnStr: connStr, container: pgContainer}
}

func terminate(t *testing.T, c testcontainers.Container) {
	if err := c.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
}

// Teardown closes the store and terminates the container, if any.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.Store.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if td.container != nil {
		terminate(t, td.container)
	}
}
