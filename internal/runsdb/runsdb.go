// Package runsdb records finished runs in an external runs database.
package runsdb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config selects and locates the runs database.
type Config struct {
	Driver   string `mapstructure:"driver"` // "", "none", "mysql" or "clickhouse"
	DSN      string `mapstructure:"dsn"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
	Runtime   float64   `db:"runtime"` // seconds
	Events    int       `db:"events"`
	RawStatus string    `db:"raw_status"`
	Source    string    `db:"source"`
	RawSize   string    `db:"raw_size"`
	Comment   string    `db:"comment"`
}

// StatusAcquired is the raw_status of a run that was just written to disk.
const StatusAcquired = "acquired"

// Recorder stores run records.
type Recorder interface {
	RecordRun(ctx context.Context, r *RunRecord) error
	Close() error
}

// Open connects to the database named by cfg. A connection that cannot be
// established, or whose insert statement cannot be prepared, is an error:
// the caller is expected to treat it as fatal at startup.
func Open(cfg Config) (Recorder, error) {
	cfg.fillFromEnv()
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return NoDB{}, nil
	case "mysql":
		db, err := openMySQL(cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "clickhouse":
		db, err := openClickHouse(cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown runs database driver %q", cfg.Driver)
}

// fillFromEnv takes credentials from the environment when the config file
// leaves them out.
func (cfg *Config) fillFromEnv() {
	if cfg.User == "" {
		cfg.User = os.Getenv("OBELIX_DB_USER")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("OBELIX_DB_PASSWORD")
	}
}

// NoDB is a Recorder that records nothing.
type NoDB struct{}

// RecordRun does nothing.
func (NoDB) RecordRun(context.Context, *RunRecord) error { return nil }

// Close does nothing.
func (NoDB) Close() error { return nil }

// HumanSize formats a byte count with a binary-prefixed unit, e.g. "1.5 GiB".
func HumanSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit && exp < 5; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
