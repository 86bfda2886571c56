// Package schema owns the audit_log relation. The table keeps the log's
// native column layout: timestamp stays a string in the file's
// "YYYYMMDD HH:MM:SS" format, log_date is the partition key added at
// import time.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Table is the relation every importer and analysis query targets.
const Table = "audit_log"

// Columns is the authoritative column order, matching the importer's
// normalized row layout.
var Columns = []string{
	"log_date",
	"timestamp",
	"server_host",
	"username",
	"host",
	"connection_id",
	"query_id",
	"operation",
	"dbname",
	"query",
	"retcode",
}

const createTable = `CREATE TABLE IF NOT EXISTS audit_log (
	log_date      date NOT NULL,
	timestamp     text NOT NULL,
	server_host   text NOT NULL DEFAULT '',
	username      text NOT NULL DEFAULT '',
	host          text NOT NULL DEFAULT '',
	connection_id text NOT NULL DEFAULT '',
	query_id      text NOT NULL DEFAULT '',
	operation     text NOT NULL DEFAULT '',
	dbname        text NOT NULL DEFAULT '',
	query         text NOT NULL DEFAULT '',
	retcode       integer NOT NULL DEFAULT 0
)`

// Covering indexes for the analysis catalogue plus the import path's
// per-day delete.
var indexes = []struct {
	name    string
	columns string
}{
	{"audit_log_timestamp_idx", "(timestamp)"},
	{"audit_log_op_ret_ts_idx", "(operation, retcode, timestamp)"},
	{"audit_log_op_ts_idx", "(operation, timestamp)"},
	{"audit_log_user_ts_idx", "(username, timestamp)"},
	{"audit_log_host_op_ts_idx", "(host, operation, timestamp)"},
	{"audit_log_ret_op_ts_idx", "(retcode, operation, timestamp)"},
	{"audit_log_log_date_idx", "(log_date)"},
}

// Execer is the slice of a connection Ensure needs. Both *pgx.Conn and
// the pool's Conn satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ensure creates the audit_log table and its indexes if they do not
// exist. Safe to run repeatedly.
func Ensure(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", Table, err)
	}
	for _, idx := range indexes {
		sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s %s", idx.name, Table, idx.columns)
		if _, err := db.Exec(ctx, sql); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
