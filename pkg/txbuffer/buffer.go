// Package txbuffer implements TxBuffer (spec component C3): the system's
// sole source of serializable shared mutable state, with an append-only
// transaction log and deterministic replay.
package txbuffer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the buffer's string-keyed value mapping (spec.md §3).
type State map[string]any

// Clone produces a defensive deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopyValue(vv)
		}
		return out
	default:
		// Primitives and immutable types (string, numbers, bool, time.Time,
		// etc.) are safe to share by value.
		return v
	}
}

// LogEntry mirrors spec.md §3/§6's transaction log record exactly.
type LogEntry struct {
	TxID             int64
	QueuedAt         time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	DurationMs       int64
	QueueWaitMs      int64
	Activity         string
	HookName         string
	StateBefore      State
	StateAfter       State
	Success          bool
	ErrorMessage     string
	ExecutionContext map[string]any
}

// LogStore is the persistence contract for the transaction log (spec.md §6:
// "a caller may supply {load, store, transaction} over a named key").
// pkg/txbuffer ships three interchangeable implementations: BoltLog (bbolt,
// default), BadgerLog (badger), PGLog (pgx/postgres).
type LogStore interface {
	Append(ctx context.Context, entry LogEntry) error
	List(ctx context.Context) ([]LogEntry, error)
	Close() error
}

// RunOpts names the mutation for logging purposes.
type RunOpts struct {
	Activity         string
	HookName         string
	ExecutionContext map[string]any
}

// Buffer is the serialized, logged key-value store described by spec.md
// §4.3. Grounded on design note §9 ("make TxBuffer the only writer
// interface... FIFO queue of pending mutations and one-at-a-time
// dispatch... never expose the underlying map outside run except via
// defensive copy") and on services/orchestrator/persistence.go's mutex
// discipline around shared state. Writers serialize on mu; there is no
// separate queue, so waiting writers are not guaranteed FIFO order.
type Buffer struct {
	mu    sync.Mutex
	state State
	seq   int64
	store LogStore
	log   []LogEntry // in-memory mirror, always populated even with a store
}

// New constructs a buffer with optional initial state and an optional
// persistent log store.
func New(initial State, store LogStore) *Buffer {
	if initial == nil {
		initial = State{}
	}
	return &Buffer{state: initial.Clone(), store: store}
}

// Run acquires the single-writer lock, snapshots the current state, invokes
// mutator against the snapshot, and on success replaces the buffer's state
// and appends a success log entry; on error the state is left unchanged and
// a failure log entry is appended (spec.md §4.3 "Contract of run").
func Run[T any](ctx context.Context, b *Buffer, opts RunOpts, mutator func(state State) (State, T, error)) (T, error) {
	var zero T
	queuedAt := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	startedAt := time.Now()

	snapshot := b.state.Clone()
	newState, result, err := mutator(snapshot)
	finishedAt := time.Now()

	txID := atomic.AddInt64(&b.seq, 1)
	entry := LogEntry{
		TxID:             txID,
		QueuedAt:         queuedAt,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		DurationMs:       finishedAt.Sub(startedAt).Milliseconds(),
		QueueWaitMs:      startedAt.Sub(queuedAt).Milliseconds(),
		Activity:         opts.Activity,
		HookName:         opts.HookName,
		StateBefore:      snapshot,
		ExecutionContext: opts.ExecutionContext,
	}

	if err != nil {
		entry.Success = false
		entry.ErrorMessage = err.Error()
		entry.StateAfter = snapshot
		b.appendLog(ctx, entry)
		return zero, err
	}

	b.state = newState.Clone()
	entry.Success = true
	entry.StateAfter = b.state
	b.appendLog(ctx, entry)
	return result, nil
}

func (b *Buffer) appendLog(ctx context.Context, entry LogEntry) {
	b.log = append(b.log, entry)
	if b.store != nil {
		// Persistence failures degrade silently per spec.md §4.1 "Cache
		// write failures degrade silently" — the same posture applies to
		// log persistence: the in-memory log and state remain the source
		// of truth for the running process.
		_ = b.store.Append(ctx, entry)
	}
}

// Read returns a defensive copy of a single key.
func (b *Buffer) Read(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.state[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// GetState returns a defensive copy of the whole state.
func (b *Buffer) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

// SetState bulk-replaces the state through the same serialized, logged path
// as Run (spec.md §4.3: "Mutation outside run is permitted only through
// setState").
func (b *Buffer) SetState(ctx context.Context, newState State) error {
	_, err := Run(ctx, b, RunOpts{Activity: "setState"}, func(State) (State, struct{}, error) {
		return newState.Clone(), struct{}{}, nil
	})
	return err
}

// Log returns a copy of the in-memory transaction log, ordered by
// StartedAt then TxID per spec.md §3.
func (b *Buffer) Log() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.log))
	copy(out, b.log)
	return out
}

// Close releases the optional log store.
func (b *Buffer) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// ReplayHandler applies one log entry's recorded mutation to the evolving
// state, returning the next state.
type ReplayHandler func(state State, entry LogEntry) (State, error)

// ReplayOptions configures Replay (spec.md §4.3).
type ReplayOptions struct {
	Handlers          map[string]ReplayHandler
	AllowUnknownHooks bool
	ActivityFilter    func(activity string) bool
	OnApply           func(entry LogEntry)
	OnSkip            func(entry LogEntry, reason string)
	OnError           func(entry LogEntry, err error)
}

// Replay reconstructs a buffer's state by applying log entries, in order of
// StartedAt, deduplicated by TxID, to an initial state via the matching
// hookName → ReplayHandler. Unknown hooks skip (if AllowUnknownHooks) or
// error. Replay of a deterministic log reproduces the original final state
// exactly (spec.md §4.3 invariant).
func Replay(ctx context.Context, initial State, log []LogEntry, opts ReplayOptions) (State, error) {
	ordered := make([]LogEntry, len(log))
	copy(ordered, log)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})

	seen := make(map[int64]bool, len(ordered))
	state := initial.Clone()

	for _, entry := range ordered {
		if seen[entry.TxID] {
			continue
		}
		seen[entry.TxID] = true

		if opts.ActivityFilter != nil && !opts.ActivityFilter(entry.Activity) {
			if opts.OnSkip != nil {
				opts.OnSkip(entry, "filtered by activity")
			}
			continue
		}

		handler, ok := opts.Handlers[entry.HookName]
		if !ok {
			if opts.AllowUnknownHooks {
				if opts.OnSkip != nil {
					opts.OnSkip(entry, "unknown hook")
				}
				continue
			}
			err := fmt.Errorf("txbuffer: replay has no handler for hook %q (txId %d)", entry.HookName, entry.TxID)
			if opts.OnError != nil {
				opts.OnError(entry, err)
			}
			return state, err
		}

		next, err := handler(state, entry)
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(entry, err)
			}
			return state, err
		}
		state = next.Clone()
		if opts.OnApply != nil {
			opts.OnApply(entry)
		}
	}

	return state, nil
}
