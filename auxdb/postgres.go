package auxdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etienne-leroy/FTILlite/protocol"
	_ "github.com/lib/pq"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// PostgresSource reads a peer's relations from PostgreSQL.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource opens and pings the database and makes sure the
// account and transaction relations exist.
func NewPostgresSource(config *PostgresConfig) (*PostgresSource, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	src := &PostgresSource{db: db}
	if err := src.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return src, nil
}

func (s *PostgresSource) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id BIGINT PRIMARY KEY,
		bank_id BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		origin_account BIGINT NOT NULL,
		destination_account BIGINT NOT NULL,
		amount DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_origin ON transactions(origin_account);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Read runs query and scans one column per typecode.
func (s *PostgresSource) Read(ctx context.Context, query string, tcs []protocol.TypeCode) ([]Column, error) {
	cols, err := newColumns(tcs)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := make([]any, len(tcs))
		ptrs := make([]any, len(tcs))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := appendRow(cols, row); err != nil {
			return nil, err
		}
	}
	return cols, rows.Err()
}

// Close closes the database connection.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}
