package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists SchedulerState in Postgres for relational deployments
// that already run a shared database, the same pooled-connection idiom
// as pkg/txbuffer.PGLog.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPGStore connects to Postgres and ensures the state table exists.
func OpenPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("scheduler: connect postgres store: %w", err)
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS scheduler_state (
	id    INT PRIMARY KEY DEFAULT 1,
	state JSONB NOT NULL
)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("scheduler: ensure postgres state table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) SaveState(ctx context.Context, state SchedulerState) error {
	enc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("scheduler: encode state: %w", err)
	}
	const stmt = `
INSERT INTO scheduler_state (id, state) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`
	_, err = s.pool.Exec(ctx, stmt, enc)
	return err
}

func (s *PGStore) LoadState(ctx context.Context) (SchedulerState, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM scheduler_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return SchedulerState{}, false, nil
	}
	if err != nil {
		return SchedulerState{}, false, fmt.Errorf("scheduler: load state: %w", err)
	}
	var state SchedulerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return SchedulerState{}, false, fmt.Errorf("scheduler: decode state: %w", err)
	}
	return state, true, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
