// Package store is the durable SQLite implementation of the pipeline's
// persistence contracts: tasks, execution records, defects, approval
// requests and decisions, and bootstrap metrics.
//
// Records, defects, decisions and metric snapshots are append-only. Approval
// transitions are a conditional UPDATE on the current status, so the first
// decision wins even across processes sharing the file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config selects the persistence backend.
type Config struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// DefaultConfig keeps everything in memory.
func DefaultConfig() Config {
	return Config{Driver: DriverMemory}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return errors.New("store path is required for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// DB implements every store contract on one SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" a single database.
	conn.SetMaxOpenConns(1)

	if _, err := Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &DB{db: conn}, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var (
	_ orchestrator.TaskStore = (*DB)(nil)
	_ stage.RecordStore      = (*DB)(nil)
	_ defects.Store          = (*DB)(nil)
	_ approval.Store         = (*DB)(nil)
	_ bootstrap.Store        = (*DB)(nil)
)
