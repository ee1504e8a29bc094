package resilience

import (
	"container/list"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CacheEntry mirrors spec.md's ContentCache entry.
type CacheEntry struct {
	Key        string
	Body       []byte
	Status     int
	Headers    http.Header
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// CacheConfig controls ContentCache behavior.
type CacheConfig struct {
	MaxSize              int
	DefaultTTL           time.Duration
	RespectCacheControl  bool // Cache-Control/Expires win over DefaultTTL when true
	CacheableStatuses     map[int]bool
	ExcludedMethods       map[string]bool // bypass on both read and write
}

// DefaultCacheConfig returns spec.md's defaults: 2xx + 304 cacheable,
// POST/PUT/PATCH/DELETE excluded.
func DefaultCacheConfig() CacheConfig {
	cacheable := map[int]bool{304: true}
	for s := 200; s < 300; s++ {
		cacheable[s] = true
	}
	return CacheConfig{
		MaxSize:             1000,
		DefaultTTL:          30 * time.Second,
		RespectCacheControl: true,
		CacheableStatuses:    cacheable,
		ExcludedMethods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
	}
}

// ContentCache is an LRU+TTL cache keyed by a deterministic fingerprint of
// the request shape, grounded on services/orchestrator/dag_engine.go's
// ResultCache (LRU+TTL with background eviction) generalized to honor
// Cache-Control/Expires per spec.md §4.2. Keys are fingerprinted with
// murmur3 (grounded on services/blockchain/store/kv_store.go) rather than a
// cryptographic hash, since cache keys need speed and uniform distribution,
// not collision resistance against an adversary.
type ContentCache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	stopOnce sync.Once
	stopCh   chan struct{}

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
}

type cacheElem struct {
	entry CacheEntry
}

// NewContentCache constructs a cache and starts its background eviction
// sweep.
func NewContentCache(cfg CacheConfig) *ContentCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	meter := otel.GetMeterProvider().Meter("orchestrator")
	hit, _ := meter.Int64Counter("orch_cache_hits_total")
	miss, _ := meter.Int64Counter("orch_cache_misses_total")
	c := &ContentCache{
		cfg:         cfg,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		stopCh:      make(chan struct{}),
		hitCounter:  hit,
		missCounter: miss,
	}
	go c.evictionLoop()
	return c
}

// Key computes the deterministic cache key for a request shape (spec.md
// §4.1 step 1: "{method, host+path+query (ordered), authorization header,
// body hash}").
func Key(method, host, path string, query map[string]string, authorization string, body []byte) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('|')
	sb.WriteString(host)
	sb.WriteString(path)
	sb.WriteByte('?')
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(query[k])
		sb.WriteByte('&')
	}
	sb.WriteByte('|')
	sb.WriteString(authorization)
	sb.WriteByte('|')
	bodyHash := murmur3.Sum64(body)
	sb.WriteString(strconv.FormatUint(bodyHash, 16))
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(sb.String())))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Bypasses reports whether method is excluded from both cache read and
// write.
func (c *ContentCache) Bypasses(method string) bool {
	return c.cfg.ExcludedMethods[strings.ToUpper(method)]
}

// Get returns the stored entry if present and unexpired, promoting it to
// most-recently-used.
func (c *ContentCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.missCounter.Add(context.Background(), 1)
		return CacheEntry{}, false
	}
	entry := el.Value.(*cacheElem).entry
	if time.Now().After(entry.ExpiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.missCounter.Add(context.Background(), 1)
		return CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	c.hitCounter.Add(context.Background(), 1)
	return entry, true
}

// Set stores an entry if its status is cacheable, honoring Cache-Control /
// Expires over the configured default TTL when RespectCacheControl is true.
func (c *ContentCache) Set(key string, status int, body []byte, headers http.Header) {
	if !c.cfg.CacheableStatuses[status] {
		return
	}
	ttl := c.cfg.DefaultTTL
	if c.cfg.RespectCacheControl {
		if directive := headers.Get("Cache-Control"); directive != "" {
			lower := strings.ToLower(directive)
			if strings.Contains(lower, "no-store") || strings.Contains(lower, "no-cache") {
				return
			}
			if idx := strings.Index(lower, "max-age="); idx >= 0 {
				rest := lower[idx+len("max-age="):]
				end := strings.IndexAny(rest, ", ")
				if end >= 0 {
					rest = rest[:end]
				}
				if secs, err := strconv.Atoi(rest); err == nil {
					ttl = time.Duration(secs) * time.Second
				}
			}
		} else if exp := headers.Get("Expires"); exp != "" {
			if t, err := http.ParseTime(exp); err == nil {
				ttl = time.Until(t)
			}
		}
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	entry := CacheEntry{Key: key, Body: body, Status: status, Headers: headers.Clone(), InsertedAt: now, ExpiresAt: now.Add(ttl)}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheElem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheElem{entry: entry})
	c.entries[key] = el
	for c.order.Len() > c.cfg.MaxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*cacheElem).entry
		c.order.Remove(back)
		delete(c.entries, evicted.Key)
	}
}

func (c *ContentCache) evictionLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *ContentCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*cacheElem).entry
		if now.After(entry.ExpiresAt) {
			c.order.Remove(el)
			delete(c.entries, entry.Key)
		}
		el = prev
	}
}

// Stop releases the background sweep goroutine.
func (c *ContentCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Len reports the number of entries currently held.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
