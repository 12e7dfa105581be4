package runsdb

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

const mysqlInsert = `INSERT INTO runs
	(id, name, start_time, end_time, runtime, events, raw_status, source, raw_size, comment)
	VALUES (:id, :name, :start_time, :end_time, :runtime, :events, :raw_status, :source, :raw_size, :comment)`

// MySQL records runs in a MySQL or MariaDB runs table.
type MySQL struct {
	db     *sqlx.DB
	insert *sqlx.NamedStmt
}

func mysqlDSN(cfg Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:3306"
	}
	database := cfg.Database
	if database == "" {
		database = "runs"
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", cfg.User, cfg.Password, addr, database)
}

func openMySQL(cfg Config) (*MySQL, error) {
	db, err := sqlx.Connect("mysql", mysqlDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("could not connect to runs database: %w", err)
	}
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	stmt, err := db.PrepareNamed(mysqlInsert)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not prepare runs insert: %w", err)
	}
	return &MySQL{db: db, insert: stmt}, nil
}

// RecordRun inserts r into the runs table.
func (m *MySQL) RecordRun(ctx context.Context, r *RunRecord) error {
	if _, err := m.insert.ExecContext(ctx, r); err != nil {
		return fmt.Errorf("could not add run %s to runs database: %w", r.Name, err)
	}
	return nil
}

// Close releases the prepared statement and the connection pool.
func (m *MySQL) Close() error {
	m.insert.Close()
	return m.db.Close()
}
