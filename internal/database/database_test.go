package database

import (
	"path/filepath"
	"testing"
)

func TestNew_SQLiteMemory(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if db.Driver != DriverSQLite {
		t.Errorf("Expected driver %s, got %s", DriverSQLite, db.Driver)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}
}

func TestNew_UnsupportedDSN(t *testing.T) {
	_, err := New("postgres://localhost/courier")
	if err == nil {
		t.Fatal("Expected error for unsupported DSN, got nil")
	}
}

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mysql://user:pass@db:3306/courier?parseTime=true", "user:pass@tcp(db:3306)/courier?parseTime=true"},
		{"mysql://root@localhost:3306/courier", "root@tcp(localhost:3306)/courier"},
	}

	for _, tt := range tests {
		if got := mysqlDSN(tt.in); got != tt.want {
			t.Errorf("mysqlDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.db")

	db, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	// Running twice must be a no-op
	if err := db.Initialize(); err != nil {
		t.Fatalf("Second initialize failed: %v", err)
	}

	for _, table := range []string{"correlations", "learnings"} {
		var name string
		query := "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
		if err := db.QueryRow(query, table).Scan(&name); err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}

	for _, index := range []string{"idx_user_status", "idx_status_created", "idx_expires"} {
		var name string
		query := "SELECT name FROM sqlite_master WHERE type='index' AND name=?"
		if err := db.QueryRow(query, index).Scan(&name); err != nil {
			t.Errorf("Index %s was not created: %v", index, err)
		}
	}
}
