package txbuffer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog is a Postgres-backed LogStore for deployments that already run a
// shared database rather than an embedded file store, grounded on the
// pgx/v5 connection-pool pattern the pack's other services use for
// durable external storage.
type PGLog struct {
	pool *pgxpool.Pool
}

// OpenPGLog connects to Postgres and ensures the log table exists.
func OpenPGLog(ctx context.Context, connString string) (*PGLog, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("txbuffer: connect postgres log: %w", err)
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS txbuffer_log (
	tx_id        BIGINT PRIMARY KEY,
	started_at   TIMESTAMPTZ NOT NULL,
	activity     TEXT NOT NULL,
	hook_name    TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	entry        JSONB NOT NULL
)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("txbuffer: ensure postgres log table: %w", err)
	}
	return &PGLog{pool: pool}, nil
}

func (l *PGLog) Append(ctx context.Context, entry LogEntry) error {
	enc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("txbuffer: encode log entry: %w", err)
	}
	const stmt = `
INSERT INTO txbuffer_log (tx_id, started_at, activity, hook_name, success, error_message, entry)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tx_id) DO NOTHING`
	_, err = l.pool.Exec(ctx, stmt, entry.TxID, entry.StartedAt, entry.Activity, entry.HookName, entry.Success, entry.ErrorMessage, enc)
	return err
}

func (l *PGLog) List(ctx context.Context) ([]LogEntry, error) {
	rows, err := l.pool.Query(ctx, `SELECT entry FROM txbuffer_log ORDER BY started_at ASC, tx_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("txbuffer: decode log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *PGLog) Close() error {
	l.pool.Close()
	return nil
}
