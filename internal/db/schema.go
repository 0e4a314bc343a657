package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// InitSchema applies every embedded migration in filename order. The
// statements are written to be re-runnable, so calling this on an already
// initialized database is safe.
func InitSchema(ctx context.Context, db *sql.DB) error {
	entries, err := migrationFiles.ReadDir("migration")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, entry := range entries {
		name := path.Join("migration", entry.Name())
		stmts, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(stmts)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
