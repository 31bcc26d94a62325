// Package dbtest opens migrated SQLite databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/birdtag/birdtag/internal/db"
)

// New returns a fresh, fully migrated SQLite database in t's temp dir.
func New(t testing.TB) *sqlx.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "birdtag.db")
	conn, err := db.Init("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })

	if err := db.RunMigrations(context.Background(), conn.DB, "sqlite"); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return conn
}
