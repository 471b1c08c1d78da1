// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// The target comes from STORE_DRIVER: postgres uses DATABASE_URL, sqlite
// uses SQLITE_PATH.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mbd888/sentinelgate/internal/config"
	"github.com/mbd888/sentinelgate/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var driver, dsn, dialect string
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		driver, dsn, dialect = "postgres", cfg.DatabaseURL, migrations.Postgres
	case config.DriverSQLite:
		driver, dsn, dialect = "sqlite", cfg.SQLitePath, migrations.SQLite
	default:
		log.Fatalf("STORE_DRIVER=%s has nothing to migrate", cfg.StoreDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := migrations.Run(context.Background(), db, dialect, command, args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
