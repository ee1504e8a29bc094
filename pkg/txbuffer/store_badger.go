package txbuffer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerLog is an alternative LogStore backend, grounded on
// services/blockchain/store/kv_store.go's Store (badger.DefaultOptions,
// txn.Update/txn.Get, big-endian ordered keys for natural iteration
// order) generalized from block records to transaction log entries.
type BadgerLog struct {
	db  *badger.DB
	seq uint64
}

// OpenBadgerLog opens (creating if absent) a badger-backed log at path.
func OpenBadgerLog(path string) (*BadgerLog, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("txbuffer: open badger log: %w", err)
	}
	l := &BadgerLog{db: db}
	if err := l.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *BadgerLog) loadSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		it := txn.NewIterator(opt)
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			k := it.Item().KeyCopy(nil)
			if len(k) == 8 {
				l.seq = binary.BigEndian.Uint64(k)
			}
		}
		return nil
	})
}

func (l *BadgerLog) Append(ctx context.Context, entry LogEntry) error {
	enc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("txbuffer: encode log entry: %w", err)
	}
	seq := atomic.AddUint64(&l.seq, 1)
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, enc)
	})
}

func (l *BadgerLog) List(ctx context.Context) ([]LogEntry, error) {
	var out []LogEntry
	err := l.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = true
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry LogEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("txbuffer: decode log entry: %w", err)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (l *BadgerLog) Close() error {
	return l.db.Close()
}
