package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryAdapter is an in-process Adapter for single-node deployments and
// tests, matching every RedisAdapter semantic (fencing tokens, versioned
// CAS, lease-scoped heartbeat/resign) without an external dependency.
// Stdlib-only is intentional here: it stands in for a real backend, so
// it specifically must not share RedisAdapter's client (see DESIGN.md).
type MemoryAdapter struct {
	mu       sync.Mutex
	locks    map[string]memLock
	fences   map[string]int64
	kv       map[string]KVEntry
	counters map[string]int64
	leaders  map[string]memLeader
	subs     map[string][]*memSub
	subSeq   int
}

type memLock struct {
	token     string
	expiresAt time.Time
}

type memLeader struct {
	leaseID   string
	expiresAt time.Time
}

type memSub struct {
	id      int
	handler Handler
}

// NewMemoryAdapter returns a ready-to-use in-memory Adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		locks:    make(map[string]memLock),
		fences:   make(map[string]int64),
		kv:       make(map[string]KVEntry),
		counters: make(map[string]int64),
		leaders:  make(map[string]memLeader),
		subs:     make(map[string][]*memSub),
	}
}

func (a *MemoryAdapter) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.locks[key]; ok && time.Now().Before(existing.expiresAt) {
		return nil, fmt.Errorf("distributed: lock %q already held", key)
	}

	a.fences[key]++
	fence := a.fences[key]
	a.locks[key] = memLock{token: fmt.Sprintf("%d", fence), expiresAt: time.Now().Add(ttl)}
	return &Lock{Key: key, FencingToken: fence, ExpiresAt: a.locks[key].expiresAt}, nil
}

func (a *MemoryAdapter) ReleaseLock(ctx context.Context, lock *Lock) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locks, lock.Key)
	return nil
}

func (a *MemoryAdapter) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.locks[lock.Key]
	if !ok || time.Now().After(existing.expiresAt) {
		return nil, errLockNotHeld
	}
	existing.expiresAt = time.Now().Add(ttl)
	a.locks[lock.Key] = existing
	extended := *lock
	extended.ExpiresAt = existing.expiresAt
	return &extended, nil
}

func (a *MemoryAdapter) GetKV(ctx context.Context, key string) (KVEntry, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.kv[key]
	return entry, ok, nil
}

func (a *MemoryAdapter) SetKV(ctx context.Context, key string, value []byte) (KVEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.kv[key]
	entry.Key = key
	entry.Value = value
	entry.Version++
	a.kv[key] = entry
	return entry, nil
}

func (a *MemoryAdapter) DeleteKV(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.kv, key)
	return nil
}

func (a *MemoryAdapter) CompareAndSwapKV(ctx context.Context, key string, expectedVersion int64, value []byte) (KVEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.kv[key]
	if entry.Version != expectedVersion {
		return KVEntry{}, fmt.Errorf("distributed: cas kv %q: version mismatch", key)
	}
	entry.Key = key
	entry.Value = value
	entry.Version++
	a.kv[key] = entry
	return entry, nil
}

func (a *MemoryAdapter) IncrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters[key] += delta
	return a.counters[key], nil
}

func (a *MemoryAdapter) DecrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return a.IncrCounter(ctx, key, -delta)
}

func (a *MemoryAdapter) Campaign(ctx context.Context, role string, ttl time.Duration, quorum int) (LeaderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.leaders[role]; ok && time.Now().Before(existing.expiresAt) {
		return LeaderStatus{IsLeader: false}, nil
	}
	leaseID := fmt.Sprintf("%s-%d", role, time.Now().UnixNano())
	a.leaders[role] = memLeader{leaseID: leaseID, expiresAt: time.Now().Add(ttl)}
	return LeaderStatus{IsLeader: true, LeaseID: leaseID, ExpiresAt: a.leaders[role].expiresAt}, nil
}

func (a *MemoryAdapter) Heartbeat(ctx context.Context, role string, leaseID string, ttl time.Duration) (LeaderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.leaders[role]
	if !ok || existing.leaseID != leaseID || time.Now().After(existing.expiresAt) {
		return LeaderStatus{IsLeader: false}, nil
	}
	existing.expiresAt = time.Now().Add(ttl)
	a.leaders[role] = existing
	return LeaderStatus{IsLeader: true, LeaseID: leaseID, ExpiresAt: existing.expiresAt}, nil
}

func (a *MemoryAdapter) Resign(ctx context.Context, role string, leaseID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.leaders[role]; ok && existing.leaseID == leaseID {
		delete(a.leaders, role)
	}
	return nil
}

func (a *MemoryAdapter) Publish(ctx context.Context, subject string, data []byte, mode DeliveryMode) error {
	a.mu.Lock()
	subs := append([]*memSub(nil), a.subs[subject]...)
	a.mu.Unlock()

	for _, s := range subs {
		if err := s.handler(ctx, Message{Subject: subject, Data: data}); err != nil && mode == ExactlyOnce {
			return err
		}
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, subject string, mode DeliveryMode, handler Handler) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subSeq++
	s := &memSub{id: a.subSeq, handler: handler}
	a.subs[subject] = append(a.subs[subject], s)
	return &memSubscription{adapter: a, subject: subject, id: s.id}, nil
}

type memSubscription struct {
	adapter *MemoryAdapter
	subject string
	id      int
}

func (s *memSubscription) Unsubscribe() error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	kept := s.adapter.subs[s.subject][:0]
	for _, sub := range s.adapter.subs[s.subject] {
		if sub.id != s.id {
			kept = append(kept, sub)
		}
	}
	s.adapter.subs[s.subject] = kept
	return nil
}

func (a *MemoryAdapter) RunTransaction(ctx context.Context, ops []TxOp) error {
	return RunTwoPhase(ctx, ops)
}
