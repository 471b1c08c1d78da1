// Package migrations embeds the goose migrations for each supported
// database and applies them.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

// Supported dialects; each is also the embedded directory name.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Run executes a goose command ("up", "down", "status", ...) against db
// using the embedded migrations for dialect.
func Run(ctx context.Context, db *sql.DB, dialect, command string, args ...string) error {
	gooseDialect, err := gooseDialectFor(dialect)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, dialect, args...); err != nil {
		return fmt.Errorf("migrations: %s: %w", command, err)
	}
	return nil
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	return Run(ctx, db, dialect, "up")
}

func gooseDialectFor(dialect string) (string, error) {
	switch dialect {
	case Postgres:
		return "postgres", nil
	case SQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
}
