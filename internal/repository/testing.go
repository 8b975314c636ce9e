package repository

import (
	"context"
	"testing"

	"tagmanager/internal/config"
	"tagmanager/internal/database"
)

// SetupTestDB returns an in-memory SQLite gateway that is closed with the test.
func SetupTestDB(t testing.TB) *SQLite {
	t.Helper()

	db, err := database.OpenSQLite(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	gw, err := NewSQLite(context.Background(), db)
	if err != nil {
		db.Close()
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

// MustExec executes a SQL statement and fails the test if it errors.
func MustExec(t testing.TB, gw *SQLite, query string, args ...any) {
	t.Helper()
	if _, err := gw.DB().ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("failed to exec query: %v", err)
	}
}
