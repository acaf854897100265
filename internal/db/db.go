package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "cqlstudio.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .cqlstudio directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".cqlstudio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace SQLite database. WAL keeps the journal readable
// while the server holds the write connection; busy_timeout covers the CLI
// racing a running server for the same file.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(dir, dbName))
	return sql.Open("sqlite", dsn)
}

// Path returns the database path for a workspace.
func Path(workspace string) string {
	ws := workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, ".cqlstudio", dbName)
}
