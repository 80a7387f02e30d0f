package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed schema.sql
var schema string

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection
// connectionString should be in the format: "host=localhost port=5432 user=postgres password=postgres dbname=convertflow sslmode=disable"
func NewDB(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Check pings the database for health reporting
func (db *DB) Check(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Name identifies the database in health reports
func (db *DB) Name() string {
	return "postgres"
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func parseDecimal(raw, column string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s: %w", column, err)
	}
	return d, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}
