// Package sqlite persists download history and users in a single sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// Open opens (or creates) the database at path, creating its directory.
// Telemetry is written once per tick by every running download, so a single
// connection serializes writers.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

type columnMigration struct {
	column    string
	statement string
}

// addMissingColumns runs the statement of every migration whose column the
// table does not have yet.
func addMissingColumns(ctx context.Context, db *sql.DB, table string, migrations []columnMigration) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("describe %s table: %w", table, err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s columns: %w", table, err)
	}
	rows.Close()

	for _, m := range migrations {
		if _, exists := columns[m.column]; exists {
			continue
		}
		if _, err := db.ExecContext(ctx, m.statement); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, m.column, err)
		}
	}
	return nil
}
