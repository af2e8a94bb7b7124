// Package cache implements the two-tier historical bar cache: a small hot
// tier with a sliding TTL and a larger warm tier with period-specific TTLs,
// plus secondary indexes for invalidation and an optional Redis tier behind
// the warm tier.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/domain"
)

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key          string
	Value        any
	DataType     string
	Period       domain.Period
	Symbol       string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration
	SizeBytes    int64
}

// KlineKey builds the canonical cache key for a bar range.
func KlineKey(symbol string, period domain.Period, start, end time.Time) string {
	return fmt.Sprintf("kline:%s:%s:%s:%s", symbol, period, domain.FormatDate(start), domain.FormatDate(end))
}

// QualityKey builds the cache key for a quality summary.
func QualityKey(symbol string, period domain.Period) string {
	return fmt.Sprintf("quality:%s:%s", symbol, period)
}

// Observer is notified of every lookup outcome. The intelligent strategy
// implements it to track hot patterns.
type Observer interface {
	Observe(symbol string, period domain.Period, hit bool)
}

// TTLAdjuster scales a period's base TTL; the adaptive strategy implements
// it. Nil means factor 1.
type TTLAdjuster interface {
	TTLFactor(period domain.Period) float64
}

// Config tunes tier sizes and sweep cadence. Zero values take the
// documented defaults.
type Config struct {
	L1MaxEntries  int           // default 10000
	L1TTL         time.Duration // sliding, default 1h
	L2MaxEntries  int           // default 50000
	MemoryCeiling int64         // bytes, default 512 MiB
	SweepInterval time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.L1MaxEntries <= 0 {
		c.L1MaxEntries = 10000
	}
	if c.L1TTL <= 0 {
		c.L1TTL = time.Hour
	}
	if c.L2MaxEntries <= 0 {
		c.L2MaxEntries = 50000
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = 512 << 20
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// Stats is a point-in-time snapshot of cache health.
type Stats struct {
	Requests  int64   `json:"requests"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	MemoryMB  float64 `json:"memory_mb"`
	L1Size    int     `json:"l1_size"`
	L2Size    int     `json:"l2_size"`
	Symbols   int     `json:"symbols"`
	Periods   int     `json:"periods"`
}

// tier is one bounded LRU map. Callers hold mu for every access.
type tier struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent, values are *Entry
	max     int
}

func newTier(max int) *tier {
	return &tier{entries: make(map[string]*list.Element), lru: list.New(), max: max}
}

// TieredCache is the L1/L2 bar cache. All methods are safe for concurrent
// use; no lock is held across external calls.
type TieredCache struct {
	cfg Config

	l1 *tier
	l2 *tier

	// secondary indexes, guarded separately from the tiers
	idxMu     sync.Mutex
	bySymbol  map[string]map[string]struct{}
	byPeriod  map[domain.Period]map[string]struct{}
	byType    map[string]map[string]struct{}
	keySizes  map[string]int64
	totalSize int64

	statsMu   sync.Mutex
	requests  int64
	hits      int64
	misses    int64
	evictions int64

	observer Observer
	adjuster TTLAdjuster
	rdb      *redis.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a TieredCache. Start must be called to run the sweeper.
func New(cfg Config) *TieredCache {
	cfg = cfg.withDefaults()
	return &TieredCache{
		cfg:      cfg,
		l1:       newTier(cfg.L1MaxEntries),
		l2:       newTier(cfg.L2MaxEntries),
		bySymbol: make(map[string]map[string]struct{}),
		byPeriod: make(map[domain.Period]map[string]struct{}),
		byType:   make(map[string]map[string]struct{}),
		keySizes: make(map[string]int64),
		stopCh:   make(chan struct{}),
	}
}

// SetObserver registers the lookup observer. Call before Start.
func (c *TieredCache) SetObserver(o Observer) { c.observer = o }

// SetTTLAdjuster registers the adaptive TTL source. Call before Start.
func (c *TieredCache) SetTTLAdjuster(a TTLAdjuster) { c.adjuster = a }

// SetRedis attaches an optional shared tier consulted after an L2 miss.
// Best effort only; Redis being down never fails a lookup.
func (c *TieredCache) SetRedis(rdb *redis.Client) { c.rdb = rdb }

// Start launches the background sweeper.
func (c *TieredCache) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop terminates the sweeper and waits for it.
func (c *TieredCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get looks a key up through L1 then L2 (promoting on an L2 hit) then the
// optional Redis tier.
func (c *TieredCache) Get(key string) (any, bool) {
	now := time.Now()

	if e, ok := c.l1get(key, now); ok {
		c.record(e, true)
		return e.Value, true
	}
	if e, ok := c.l2get(key, now); ok {
		c.promote(e, now)
		c.record(e, true)
		return e.Value, true
	}
	if e, ok := c.redisGet(key); ok {
		c.promote(e, now)
		c.record(e, true)
		return e.Value, true
	}

	c.statsMu.Lock()
	c.requests++
	c.misses++
	c.statsMu.Unlock()
	if c.observer != nil {
		if sym, per, ok := splitKey(key); ok {
			c.observer.Observe(sym, per, false)
		}
	}
	return nil, false
}

// Put writes an entry through both tiers (and Redis when configured). TTL
// is the period default scaled by the adaptive factor unless e.TTL is set.
func (c *TieredCache) Put(e Entry) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccessed = now
	if e.TTL <= 0 {
		e.TTL = c.ttlFor(e.Period)
	}
	if e.SizeBytes <= 0 {
		if bars, ok := e.Value.([]domain.Bar); ok {
			e.SizeBytes = domain.ApproxSizeBytes(len(bars))
		}
	}

	c.insert(c.l1, &e)
	l2Copy := e
	c.insert(c.l2, &l2Copy)
	c.indexAdd(&e)
	c.redisPut(&e)
	c.enforceMemory()
}

// Delete removes key from all tiers and indexes.
func (c *TieredCache) Delete(key string) {
	removed := false
	if e := c.remove(c.l1, key); e != nil {
		removed = true
		c.indexRemove(e)
	}
	if e := c.remove(c.l2, key); e != nil {
		if !removed {
			c.indexRemove(e)
		}
	}
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = c.rdb.Del(ctx, redisKey(key)).Err()
	}
}

// InvalidateSymbol purges every entry for symbol from both tiers.
func (c *TieredCache) InvalidateSymbol(symbol string) int {
	return c.invalidate(func() []string {
		c.idxMu.Lock()
		defer c.idxMu.Unlock()
		return keysOf(c.bySymbol[symbol])
	})
}

// InvalidatePeriod purges every entry at period from both tiers.
func (c *TieredCache) InvalidatePeriod(period domain.Period) int {
	return c.invalidate(func() []string {
		c.idxMu.Lock()
		defer c.idxMu.Unlock()
		return keysOf(c.byPeriod[period])
	})
}

// InvalidateType purges every entry with the given data type.
func (c *TieredCache) InvalidateType(dataType string) int {
	return c.invalidate(func() []string {
		c.idxMu.Lock()
		defer c.idxMu.Unlock()
		return keysOf(c.byType[dataType])
	})
}

func (c *TieredCache) invalidate(snapshot func() []string) int {
	keys := snapshot()
	for _, k := range keys {
		c.Delete(k)
	}
	return len(keys)
}

// Stats returns a snapshot of counters and sizes.
func (c *TieredCache) Stats() Stats {
	c.statsMu.Lock()
	s := Stats{
		Requests:  c.requests,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	c.statsMu.Unlock()
	if s.Requests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Requests)
	}

	c.l1.mu.Lock()
	s.L1Size = len(c.l1.entries)
	c.l1.mu.Unlock()
	c.l2.mu.Lock()
	s.L2Size = len(c.l2.entries)
	c.l2.mu.Unlock()

	c.idxMu.Lock()
	s.Symbols = len(c.bySymbol)
	s.Periods = len(c.byPeriod)
	s.MemoryMB = float64(c.totalSize) / (1 << 20)
	c.idxMu.Unlock()
	return s
}

func (c *TieredCache) record(e *Entry, hit bool) {
	c.statsMu.Lock()
	c.requests++
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
	if c.observer != nil && e != nil {
		c.observer.Observe(e.Symbol, e.Period, hit)
	}
}

func (c *TieredCache) ttlFor(p domain.Period) time.Duration {
	ttl := p.CacheTTL()
	if ttl <= 0 {
		ttl = time.Hour
	}
	if c.adjuster != nil {
		if f := c.adjuster.TTLFactor(p); f > 0 {
			ttl = time.Duration(float64(ttl) * f)
		}
	}
	return ttl
}

// l1get returns a live L1 entry, refreshing its sliding expiry.
func (c *TieredCache) l1get(key string, now time.Time) (*Entry, bool) {
	c.l1.mu.Lock()
	defer c.l1.mu.Unlock()
	el, ok := c.l1.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if now.Sub(e.LastAccessed) > c.cfg.L1TTL {
		c.l1.lru.Remove(el)
		delete(c.l1.entries, key)
		return nil, false
	}
	e.LastAccessed = now
	e.AccessCount++
	c.l1.lru.MoveToFront(el)
	return e, true
}

// l2get returns a live L2 entry; expiry is created_at + ttl.
func (c *TieredCache) l2get(key string, now time.Time) (*Entry, bool) {
	c.l2.mu.Lock()
	defer c.l2.mu.Unlock()
	el, ok := c.l2.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if now.Sub(e.CreatedAt) > e.TTL {
		c.l2.lru.Remove(el)
		delete(c.l2.entries, key)
		return nil, false
	}
	e.LastAccessed = now
	e.AccessCount++
	c.l2.lru.MoveToFront(el)
	return e, true
}

// promote copies an entry into L1 after an outer-tier hit.
func (c *TieredCache) promote(e *Entry, now time.Time) {
	cp := *e
	cp.LastAccessed = now
	c.insert(c.l1, &cp)
}

// insert adds an entry to a tier, evicting LRU tails past capacity.
func (c *TieredCache) insert(t *tier, e *Entry) {
	var evicted []*Entry
	t.mu.Lock()
	if el, ok := t.entries[e.Key]; ok {
		t.lru.Remove(el)
		delete(t.entries, e.Key)
	}
	el := t.lru.PushFront(e)
	t.entries[e.Key] = el
	for len(t.entries) > t.max {
		tail := t.lru.Back()
		if tail == nil {
			break
		}
		old := tail.Value.(*Entry)
		t.lru.Remove(tail)
		delete(t.entries, old.Key)
		evicted = append(evicted, old)
	}
	t.mu.Unlock()

	if len(evicted) > 0 {
		c.statsMu.Lock()
		c.evictions += int64(len(evicted))
		c.statsMu.Unlock()
		for _, old := range evicted {
			c.dropIfOrphaned(old.Key)
		}
	}
}

func (c *TieredCache) remove(t *tier, key string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*Entry)
	t.lru.Remove(el)
	delete(t.entries, key)
	return e
}

// dropIfOrphaned reconciles indexes for a key evicted from one tier: the
// index entry survives while either tier still holds the key.
func (c *TieredCache) dropIfOrphaned(key string) {
	if c.contains(c.l1, key) || c.contains(c.l2, key) {
		return
	}
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	c.indexRemoveLocked(key)
}

func (c *TieredCache) contains(t *tier, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (c *TieredCache) indexAdd(e *Entry) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	addIndex(c.bySymbol, e.Symbol, e.Key)
	addIndex(c.byPeriod, e.Period, e.Key)
	addIndex(c.byType, e.DataType, e.Key)
	if old, ok := c.keySizes[e.Key]; ok {
		c.totalSize -= old
	}
	c.totalSize += e.SizeBytes
	c.keySizes[e.Key] = e.SizeBytes
}

func (c *TieredCache) indexRemove(e *Entry) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	c.indexRemoveLocked(e.Key)
}

func (c *TieredCache) indexRemoveLocked(key string) {
	for sym, keys := range c.bySymbol {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.bySymbol, sym)
			}
		}
	}
	for per, keys := range c.byPeriod {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byPeriod, per)
			}
		}
	}
	for dt, keys := range c.byType {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byType, dt)
			}
		}
	}
	if sz, ok := c.keySizes[key]; ok {
		c.totalSize -= sz
		delete(c.keySizes, key)
	}
}

// enforceMemory evicts LRU entries (L2 first, then L1) while accounted
// bytes exceed the ceiling.
func (c *TieredCache) enforceMemory() {
	for {
		c.idxMu.Lock()
		over := c.totalSize > c.cfg.MemoryCeiling
		c.idxMu.Unlock()
		if !over {
			return
		}
		if !c.evictOldest(c.l2) && !c.evictOldest(c.l1) {
			return
		}
	}
}

func (c *TieredCache) evictOldest(t *tier) bool {
	t.mu.Lock()
	tail := t.lru.Back()
	if tail == nil {
		t.mu.Unlock()
		return false
	}
	e := tail.Value.(*Entry)
	t.lru.Remove(tail)
	delete(t.entries, e.Key)
	t.mu.Unlock()

	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
	c.dropIfOrphaned(e.Key)
	return true
}

func (c *TieredCache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			n := c.Sweep(time.Now())
			if n > 0 {
				log.Debug().Int("expired", n).Msg("cache sweep")
			}
		}
	}
}

// Sweep removes expired entries from both tiers and reconciles indexes.
// Exported for tests and for manual triggering.
func (c *TieredCache) Sweep(now time.Time) int {
	expired := make(map[string]struct{})

	c.l1.mu.Lock()
	for key, el := range c.l1.entries {
		e := el.Value.(*Entry)
		if now.Sub(e.LastAccessed) > c.cfg.L1TTL {
			c.l1.lru.Remove(el)
			delete(c.l1.entries, key)
			expired[key] = struct{}{}
		}
	}
	c.l1.mu.Unlock()

	c.l2.mu.Lock()
	for key, el := range c.l2.entries {
		e := el.Value.(*Entry)
		if now.Sub(e.CreatedAt) > e.TTL {
			c.l2.lru.Remove(el)
			delete(c.l2.entries, key)
			expired[key] = struct{}{}
		}
	}
	c.l2.mu.Unlock()

	for key := range expired {
		c.dropIfOrphaned(key)
	}
	return len(expired)
}

// redisEnvelope is the shared-tier wire form. Only kline values cross the
// process boundary.
type redisEnvelope struct {
	Symbol   string        `json:"symbol"`
	Period   domain.Period `json:"period"`
	DataType string        `json:"data_type"`
	Bars     []domain.Bar  `json:"bars"`
}

func redisKey(key string) string { return "klinehub:" + key }

func (c *TieredCache) redisGet(key string) (*Entry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("shared cache entry unreadable")
		return nil, false
	}
	return &Entry{
		Key:       key,
		Value:     env.Bars,
		DataType:  env.DataType,
		Period:    env.Period,
		Symbol:    env.Symbol,
		CreatedAt: time.Now(),
		TTL:       c.ttlFor(env.Period),
		SizeBytes: domain.ApproxSizeBytes(len(env.Bars)),
	}, true
}

func (c *TieredCache) redisPut(e *Entry) {
	if c.rdb == nil {
		return
	}
	bars, ok := e.Value.([]domain.Bar)
	if !ok {
		return
	}
	raw, err := json.Marshal(redisEnvelope{
		Symbol: e.Symbol, Period: e.Period, DataType: e.DataType, Bars: bars,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.rdb.Set(ctx, redisKey(e.Key), raw, e.TTL).Err(); err != nil {
		log.Debug().Err(err).Str("key", e.Key).Msg("shared cache write failed")
	}
}

func addIndex[K comparable](idx map[K]map[string]struct{}, k K, key string) {
	var zero K
	if k == zero {
		return
	}
	set, ok := idx[k]
	if !ok {
		set = make(map[string]struct{})
		idx[k] = set
	}
	set[key] = struct{}{}
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// splitKey recovers (symbol, period) from a cache key for observer
// callbacks on misses.
func splitKey(key string) (string, domain.Period, bool) {
	var kind, sym, per string
	rest := key
	next := func() (string, bool) {
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				tok := rest[:i]
				rest = rest[i+1:]
				return tok, true
			}
		}
		tok := rest
		rest = ""
		return tok, tok != ""
	}
	kind, _ = next()
	sym, _ = next()
	per, _ = next()
	if kind == "" || sym == "" || per == "" {
		return "", "", false
	}
	p := domain.Period(per)
	if !p.Valid() {
		return "", "", false
	}
	return sym, p, true
}
