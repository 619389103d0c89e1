package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
	"github.com/toolsascode/sqlmigrate/internal/discovery"
)

// openTestDB opens a throwaway file-backed sqlite database. A file, not
// :memory:, because the pool may open more than one connection and each
// in-memory connection gets its own database.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExecuteSQLSuccess(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	result := e.ExecuteSQL(context.Background(),
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);\nINSERT INTO widgets (name) VALUES ('sprocket');",
		DefaultOptions())

	if !result.Success {
		t.Fatalf("expected success, got error: %v", result.Err)
	}
	if result.StatementsExecuted != 2 {
		t.Errorf("expected 2 statements executed, got %d", result.StatementsExecuted)
	}
	if result.FailedStatement != -1 {
		t.Errorf("expected no failed statement, got index %d", result.FailedStatement)
	}

	var count int
	if err := e.db.Get(&count, "SELECT COUNT(*) FROM widgets"); err != nil {
		t.Fatalf("failed to query widgets: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestExecuteSQLTransactionalRollback(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	result := e.ExecuteSQL(context.Background(),
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY);\nINSERT INTO nonexistent VALUES (1);",
		DefaultOptions())

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.FailedStatement != 1 {
		t.Errorf("expected failure at statement 1, got %d", result.FailedStatement)
	}
	var execErr *ExecutionError
	if !errors.As(result.Err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", result.Err)
	}
	if execErr.StatementIndex != 1 {
		t.Errorf("expected statement index 1 in error, got %d", execErr.StatementIndex)
	}

	// The CREATE from the same migration must have rolled back with it.
	var name string
	err := e.db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name='widgets'")
	if err == nil {
		t.Error("expected widgets table rolled back, but it exists")
	}
}

func TestExecuteSQLSequentialKeepsPrefix(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	result := e.ExecuteSQL(context.Background(),
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY);\nINSERT INTO nonexistent VALUES (1);",
		Options{Transactional: false})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.StatementsExecuted != 1 {
		t.Errorf("expected 1 committed statement before the failure, got %d", result.StatementsExecuted)
	}

	// Outside a transaction the first statement stays committed.
	var name string
	if err := e.db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name='widgets'"); err != nil {
		t.Errorf("expected widgets table to survive: %v", err)
	}
}

func TestExecuteSQLSyntaxError(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	result := e.ExecuteSQL(context.Background(), "SELECT 'unterminated", DefaultOptions())
	if result.Success {
		t.Fatal("expected failure")
	}
	var syntaxErr *SyntaxError
	if !errors.As(result.Err, &syntaxErr) {
		t.Fatalf("expected SyntaxError, got %v", result.Err)
	}
}

func TestExecuteSQLEmptyInput(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	result := e.ExecuteSQL(context.Background(), "-- only a comment\n", DefaultOptions())
	if result.Success {
		t.Fatal("expected failure for a migration with no statements")
	}
	var syntaxErr *SyntaxError
	if !errors.As(result.Err, &syntaxErr) {
		t.Fatalf("expected SyntaxError, got %v", result.Err)
	}
}

func TestExecuteSQLCancelledContext(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.ExecuteSQL(ctx, "SELECT 1;", DefaultOptions())
	if result.Success {
		t.Fatal("expected failure under a cancelled context")
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestExecuteMigration(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	file := &discovery.MigrationFile{
		Version:   "20250101120000",
		Module:    "core",
		Name:      "create_widgets",
		Direction: discovery.DirectionUp,
		Content:   "CREATE TABLE widgets (id INTEGER PRIMARY KEY);",
	}
	result := e.ExecuteMigration(context.Background(), file, DefaultOptions())
	if !result.Success {
		t.Fatalf("expected success, got: %v", result.Err)
	}
	if result.ExecutionTimeMs < 0 {
		t.Errorf("expected non-negative execution time, got %d", result.ExecutionTimeMs)
	}
}

func TestValidateSQL(t *testing.T) {
	e := New(openTestDB(t), dialect.SQLite)

	if err := e.ValidateSQL("SELECT 1;"); err != nil {
		t.Errorf("expected valid SQL accepted: %v", err)
	}
	if err := e.ValidateSQL("SELECT 'unterminated"); err == nil {
		t.Error("expected unterminated literal rejected")
	}
	if err := e.ValidateSQL("-- nothing\n"); err == nil {
		t.Error("expected statement-free SQL rejected")
	}
}

func TestSupportsTransactions(t *testing.T) {
	db := openTestDB(t)
	if !New(db, dialect.SQLite).SupportsTransactions() {
		t.Error("expected sqlite to support transactional DDL")
	}
	if !New(db, dialect.Postgres).SupportsTransactions() {
		t.Error("expected postgres to support transactional DDL")
	}
	if New(db, dialect.MySQL).SupportsTransactions() {
		t.Error("expected mysql not to support transactional DDL")
	}
}
