package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var schedulerStateBucket = []byte("scheduler_state")
var schedulerStateKey = []byte("state")

// BoltStore persists SchedulerState in a single bbolt key, grounded on
// services/orchestrator/persistence.go's bucketSchedules (the teacher
// persists one JSON-encoded ScheduleConfig per workflow name; this
// generalizes to one JSON-encoded snapshot of the whole scheduler, since
// saveState/loadState here are a single debounced round-trip rather than
// per-schedule CRUD).
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed scheduler store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(schedulerStateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scheduler: init bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveState(ctx context.Context, state SchedulerState) error {
	enc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("scheduler: encode state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schedulerStateBucket).Put(schedulerStateKey, enc)
	})
}

func (s *BoltStore) LoadState(ctx context.Context) (SchedulerState, bool, error) {
	var state SchedulerState
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(schedulerStateBucket).Get(schedulerStateKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return SchedulerState{}, false, fmt.Errorf("scheduler: decode state: %w", err)
	}
	return state, found, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
