package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter implements Adapter over a single Redis instance, grounded
// on the SET NX PX lock idiom common across the pack's Redis-backed
// services: locks use SET key token NX PX ttl, fencing tokens come from
// a per-key INCR counter bumped on every successful acquire, and CAS is a
// Lua script so the version check and the write stay atomic.
type RedisAdapter struct {
	client *redis.Client
	pubsub PubSub
}

// PubSub lets RedisAdapter delegate publish/subscribe to an alternate
// transport (e.g. NatsPubSub) while keeping lock/kv/counter/leader on
// Redis. A nil PubSub makes RedisAdapter use Redis channels directly.
type PubSub interface {
	Publish(ctx context.Context, subject string, data []byte, mode DeliveryMode) error
	Subscribe(ctx context.Context, subject string, mode DeliveryMode, handler Handler) (Subscription, error)
}

// NewRedisAdapter wraps an already-configured *redis.Client.
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// WithPubSub swaps the pub/sub leg for an alternate implementation (e.g.
// NatsPubSub), keeping lock/kv/counter/leader on Redis.
func (a *RedisAdapter) WithPubSub(ps PubSub) *RedisAdapter {
	a.pubsub = ps
	return a
}

var errLockNotHeld = errors.New("distributed: lock not held or already expired")

const lockKeyPrefix = "orch:lock:"
const fencingKeyPrefix = "orch:fence:"
const kvKeyPrefix = "orch:kv:"
const kvVersionSuffix = ":version"
const leaderKeyPrefix = "orch:leader:"

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (a *RedisAdapter) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := lockToken()
	if err != nil {
		return nil, fmt.Errorf("distributed: generate lock token: %w", err)
	}
	fence, err := a.client.Incr(ctx, fencingKeyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("distributed: bump fencing token: %w", err)
	}

	ok, err := a.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("distributed: acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("distributed: lock %q already held", key)
	}

	return &Lock{Key: key, FencingToken: fence, ExpiresAt: time.Now().Add(ttl)}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (a *RedisAdapter) ReleaseLock(ctx context.Context, lock *Lock) error {
	_, err := releaseScript.Run(ctx, a.client, []string{lockKeyPrefix + lock.Key}).Result()
	return err
}

func (a *RedisAdapter) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error) {
	ok, err := a.client.Expire(ctx, lockKeyPrefix+lock.Key, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("distributed: extend lock: %w", err)
	}
	if !ok {
		return nil, errLockNotHeld
	}
	extended := *lock
	extended.ExpiresAt = time.Now().Add(ttl)
	return &extended, nil
}

func (a *RedisAdapter) GetKV(ctx context.Context, key string) (KVEntry, bool, error) {
	val, err := a.client.Get(ctx, kvKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return KVEntry{}, false, nil
	}
	if err != nil {
		return KVEntry{}, false, err
	}
	version, err := a.client.Get(ctx, kvKeyPrefix+key+kvVersionSuffix).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return KVEntry{}, false, err
	}
	return KVEntry{Key: key, Value: val, Version: version}, true, nil
}

func (a *RedisAdapter) SetKV(ctx context.Context, key string, value []byte) (KVEntry, error) {
	version, err := a.client.Incr(ctx, kvKeyPrefix+key+kvVersionSuffix).Result()
	if err != nil {
		return KVEntry{}, fmt.Errorf("distributed: bump kv version: %w", err)
	}
	if err := a.client.Set(ctx, kvKeyPrefix+key, value, 0).Err(); err != nil {
		return KVEntry{}, fmt.Errorf("distributed: set kv: %w", err)
	}
	return KVEntry{Key: key, Value: value, Version: version}, nil
}

func (a *RedisAdapter) DeleteKV(ctx context.Context, key string) error {
	return a.client.Del(ctx, kvKeyPrefix+key, kvKeyPrefix+key+kvVersionSuffix).Err()
}

var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if (current == false and ARGV[1] == "0") or (current ~= false and current == ARGV[1]) then
	local newVersion = redis.call("INCR", KEYS[2])
	redis.call("SET", KEYS[1], ARGV[2])
	return newVersion
end
return -1
`)

// CompareAndSwapKV swaps key's value only if its current version equals
// expectedVersion, atomically via a Lua script so the read-modify-write
// cannot race with a concurrent writer.
func (a *RedisAdapter) CompareAndSwapKV(ctx context.Context, key string, expectedVersion int64, value []byte) (KVEntry, error) {
	res, err := casScript.Run(ctx, a.client,
		[]string{kvKeyPrefix + key, kvKeyPrefix + key + kvVersionSuffix},
		fmt.Sprintf("%d", expectedVersion), value,
	).Result()
	if err != nil {
		return KVEntry{}, fmt.Errorf("distributed: cas kv: %w", err)
	}
	newVersion, ok := res.(int64)
	if !ok || newVersion < 0 {
		return KVEntry{}, fmt.Errorf("distributed: cas kv %q: version mismatch", key)
	}
	return KVEntry{Key: key, Value: value, Version: newVersion}, nil
}

func (a *RedisAdapter) IncrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return a.client.IncrBy(ctx, kvKeyPrefix+"counter:"+key, delta).Result()
}

func (a *RedisAdapter) DecrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	return a.client.DecrBy(ctx, kvKeyPrefix+"counter:"+key, delta).Result()
}

// Campaign attempts to become leader for role via the same SET NX PX
// lock primitive AcquireLock uses; quorum is accepted for interface
// symmetry with multi-node adapters but a single Redis instance is
// itself the quorum of one.
func (a *RedisAdapter) Campaign(ctx context.Context, role string, ttl time.Duration, quorum int) (LeaderStatus, error) {
	leaseID, err := lockToken()
	if err != nil {
		return LeaderStatus{}, err
	}
	ok, err := a.client.SetNX(ctx, leaderKeyPrefix+role, leaseID, ttl).Result()
	if err != nil {
		return LeaderStatus{}, fmt.Errorf("distributed: campaign: %w", err)
	}
	if !ok {
		return LeaderStatus{IsLeader: false}, nil
	}
	return LeaderStatus{IsLeader: true, LeaseID: leaseID, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Heartbeat renews the leader lease if leaseID still matches what's
// stored, so a follower that won a campaign after this leader's lease
// expired cannot be clobbered by a late heartbeat.
func (a *RedisAdapter) Heartbeat(ctx context.Context, role string, leaseID string, ttl time.Duration) (LeaderStatus, error) {
	current, err := a.client.Get(ctx, leaderKeyPrefix+role).Result()
	if errors.Is(err, redis.Nil) || current != leaseID {
		return LeaderStatus{IsLeader: false}, nil
	}
	if err != nil {
		return LeaderStatus{}, fmt.Errorf("distributed: heartbeat: %w", err)
	}
	if err := a.client.Expire(ctx, leaderKeyPrefix+role, ttl).Err(); err != nil {
		return LeaderStatus{}, fmt.Errorf("distributed: extend leader lease: %w", err)
	}
	return LeaderStatus{IsLeader: true, LeaseID: leaseID, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (a *RedisAdapter) Resign(ctx context.Context, role string, leaseID string) error {
	current, err := a.client.Get(ctx, leaderKeyPrefix+role).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != leaseID {
		return nil
	}
	return a.client.Del(ctx, leaderKeyPrefix+role).Err()
}

func (a *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, mode DeliveryMode) error {
	if a.pubsub != nil {
		return a.pubsub.Publish(ctx, subject, data, mode)
	}
	return a.client.Publish(ctx, subject, data).Err()
}

func (a *RedisAdapter) Subscribe(ctx context.Context, subject string, mode DeliveryMode, handler Handler) (Subscription, error) {
	if a.pubsub != nil {
		return a.pubsub.Subscribe(ctx, subject, mode, handler)
	}
	sub := a.client.Subscribe(ctx, subject)
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			_ = handler(ctx, Message{Subject: msg.Channel, Data: []byte(msg.Payload)})
		}
	}()
	return redisSubscription{sub}, nil
}

type redisSubscription struct {
	sub *redis.PubSub
}

func (s redisSubscription) Unsubscribe() error {
	return s.sub.Close()
}

// RunTransaction delegates to RunTwoPhase: Redis has no native
// multi-key-with-side-effects 2PC primitive, so correctness rests on
// each op's own Prepare/Rollback being idempotent and side-effect-safe.
func (a *RedisAdapter) RunTransaction(ctx context.Context, ops []TxOp) error {
	return RunTwoPhase(ctx, ops)
}
