package txbuffer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var txLogBucket = []byte("txlog")

// BoltLog is the default LogStore, grounded on the teacher's bbolt usage
// in services/orchestrator (the same embedded, single-file store used
// there for scheduler persistence) generalized to an append-only
// transaction log keyed by an auto-incrementing bucket sequence.
type BoltLog struct {
	db *bolt.DB
}

// OpenBoltLog opens (creating if absent) a bbolt-backed log at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("txbuffer: open bolt log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(txLogBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("txbuffer: init bolt log bucket: %w", err)
	}
	return &BoltLog{db: db}, nil
}

func (l *BoltLog) Append(ctx context.Context, entry LogEntry) error {
	enc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("txbuffer: encode log entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(txLogBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(encodeSeq(seq), enc)
	})
}

func (l *BoltLog) List(ctx context.Context) ([]LogEntry, error) {
	var out []LogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(txLogBucket)
		return b.ForEach(func(k, v []byte) error {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("txbuffer: decode log entry: %w", err)
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
