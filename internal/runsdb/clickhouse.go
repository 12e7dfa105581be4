package runsdb

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouse records runs in a ClickHouse runs table.
type ClickHouse struct {
	conn clickhouse.Conn
}

const clickhouseTimeFormat = "2006-01-02 15:04:05.000000"

func openClickHouse(cfg Config) (*ClickHouse, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:9000"
	}
	database := cfg.Database
	if database == "" {
		database = "obelix"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "obelix", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		return nil, fmt.Errorf("could not open runs database: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		if exception, ok := err.(*clickhouse.Exception); ok {
			return nil, fmt.Errorf("runs database ping: exception [%d] %s", exception.Code, exception.Message)
		}
		return nil, fmt.Errorf("runs database ping: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

// RecordRun inserts r into the runs table, waiting for the insert to land.
func (c *ClickHouse) RecordRun(ctx context.Context, r *RunRecord) error {
	const wait = true
	if err := c.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, wait,
		r.ID, r.Name, r.StartTime.Format(clickhouseTimeFormat), r.EndTime.Format(clickhouseTimeFormat),
		r.Runtime, r.Events, r.RawStatus, r.Source, r.RawSize, r.Comment,
	); err != nil {
		return fmt.Errorf("could not add run %s to runs database: %w", r.Name, err)
	}
	return nil
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
