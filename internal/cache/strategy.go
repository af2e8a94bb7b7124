package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/domain"
)

// HotPattern tracks observed demand for one (symbol, period) pair.
type HotPattern struct {
	Symbol         string        `json:"symbol"`
	Period         domain.Period `json:"period"`
	AccessCount    int64         `json:"access_count"`
	FirstAccess    time.Time     `json:"first_access"`
	LastAccess     time.Time     `json:"last_access"`
	FrequencyPerHr float64       `json:"access_frequency_per_hour"`
	PriorityScore  float64       `json:"priority_score"`
}

// score recomputes frequency and priority as of now. Priority is frequency
// weighted up for recently touched patterns, decaying to plain frequency
// after 24 h idle.
func (h *HotPattern) score(now time.Time) {
	hours := now.Sub(h.FirstAccess).Hours()
	if hours < 1 {
		hours = 1
	}
	h.FrequencyPerHr = float64(h.AccessCount) / hours
	idle := now.Sub(h.LastAccess).Hours()
	recency := 1 - idle/24
	if recency < 0 {
		recency = 0
	}
	h.PriorityScore = h.FrequencyPerHr * (1 + recency)
}

// Prewarmer fetches one (symbol, period, range) ahead of demand. The query
// engine implements it.
type Prewarmer interface {
	Prewarm(ctx context.Context, symbol string, period domain.Period, start, end time.Time) error
}

// StrategyConfig tunes the access-pattern tracker.
type StrategyConfig struct {
	Interval      time.Duration // scheduler tick, default 10m
	PatternMaxAge time.Duration // prune horizon, default 7d
	HotThreshold  int64         // min accesses to qualify, default 10
	TopN          int           // patterns prewarmed per tick, default 20
	PrewarmDays   int           // history depth fetched per prewarm, default 30
	Concurrency   int           // prewarm semaphore, default 5
	HistoryLimit  int           // rolling access history bound, default 10000
}

func (c StrategyConfig) withDefaults() StrategyConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.PatternMaxAge <= 0 {
		c.PatternMaxAge = 7 * 24 * time.Hour
	}
	if c.HotThreshold <= 0 {
		c.HotThreshold = 10
	}
	if c.TopN <= 0 {
		c.TopN = 20
	}
	if c.PrewarmDays <= 0 {
		c.PrewarmDays = 30
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	return c
}

type accessRecord struct {
	symbol string
	period domain.Period
	hit    bool
	at     time.Time
}

// Strategy observes cache lookups, detects hot keys, schedules prewarms and
// adapts per-period TTL factors from recent hit rates. Implements Observer
// and TTLAdjuster.
type Strategy struct {
	cfg      StrategyConfig
	prewarm  Prewarmer
	degraded func() bool // non-critical work is skipped while degraded

	mu       sync.Mutex
	patterns map[string]*HotPattern
	history  []accessRecord

	// per-period hit/miss counts since the last adaptation pass
	windowHits   map[domain.Period]int64
	windowMisses map[domain.Period]int64

	factorMu sync.RWMutex
	factors  map[domain.Period]float64

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewStrategy builds a Strategy. A nil prewarmer disables prewarm
// scheduling; a nil degraded check means never degraded.
func NewStrategy(cfg StrategyConfig, prewarm Prewarmer, degraded func() bool) *Strategy {
	cfg = cfg.withDefaults()
	if degraded == nil {
		degraded = func() bool { return false }
	}
	return &Strategy{
		cfg:          cfg,
		prewarm:      prewarm,
		degraded:     degraded,
		patterns:     make(map[string]*HotPattern),
		windowHits:   make(map[domain.Period]int64),
		windowMisses: make(map[domain.Period]int64),
		factors:      make(map[domain.Period]float64),
		sem:          make(chan struct{}, cfg.Concurrency),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Strategy) WithClock(now func() time.Time) *Strategy {
	s.now = now
	return s
}

// Observe implements Observer: records one lookup outcome.
func (s *Strategy) Observe(symbol string, period domain.Period, hit bool) {
	if symbol == "" || !period.Valid() {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := symbol + "|" + string(period)
	p, ok := s.patterns[key]
	if !ok {
		p = &HotPattern{Symbol: symbol, Period: period, FirstAccess: now}
		s.patterns[key] = p
	}
	p.AccessCount++
	p.LastAccess = now
	p.score(now)

	if hit {
		s.windowHits[period]++
	} else {
		s.windowMisses[period]++
	}

	s.history = append(s.history, accessRecord{symbol: symbol, period: period, hit: hit, at: now})
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}

// TTLFactor implements TTLAdjuster.
func (s *Strategy) TTLFactor(period domain.Period) float64 {
	s.factorMu.RLock()
	defer s.factorMu.RUnlock()
	if f, ok := s.factors[period]; ok {
		return f
	}
	return 1
}

// Patterns returns the current hot patterns ordered by priority.
func (s *Strategy) Patterns() []HotPattern {
	now := s.now()
	s.mu.Lock()
	out := make([]HotPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		p.score(now)
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PriorityScore > out[j].PriorityScore })
	return out
}

// Start launches the 10-minute scheduler.
func (s *Strategy) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(context.Background())
			}
		}
	}()
}

// Stop terminates the scheduler.
func (s *Strategy) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Tick runs one scheduler pass: prune, adapt TTLs, prewarm. Exported so
// tests and operators can force a pass.
func (s *Strategy) Tick(ctx context.Context) {
	now := s.now()
	s.prune(now)
	s.adaptTTL()
	if s.degraded() {
		log.Debug().Msg("prewarm skipped while degraded")
		return
	}
	s.schedulePrewarm(ctx, now)
}

func (s *Strategy) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.patterns {
		if now.Sub(p.LastAccess) > s.cfg.PatternMaxAge {
			delete(s.patterns, key)
		}
	}
}

// adaptTTL folds the hit/miss window into per-period TTL factors: sustained
// hot periods earn longer TTLs, cold ones shorter.
func (s *Strategy) adaptTTL() {
	s.mu.Lock()
	type window struct{ hits, misses int64 }
	windows := make(map[domain.Period]window)
	for p, h := range s.windowHits {
		windows[p] = window{hits: h}
	}
	for p, m := range s.windowMisses {
		w := windows[p]
		w.misses = m
		windows[p] = w
	}
	s.windowHits = make(map[domain.Period]int64)
	s.windowMisses = make(map[domain.Period]int64)
	s.mu.Unlock()

	s.factorMu.Lock()
	defer s.factorMu.Unlock()
	for p, w := range windows {
		total := w.hits + w.misses
		if total == 0 {
			continue
		}
		rate := float64(w.hits) / float64(total)
		f, ok := s.factors[p]
		if !ok {
			f = 1
		}
		switch {
		case rate > 0.9:
			f *= 1.1
			if f > 2.0 {
				f = 2.0
			}
		case rate < 0.5:
			f *= 0.9
			if f < 0.5 {
				f = 0.5
			}
		}
		s.factors[p] = f
	}
}

func (s *Strategy) schedulePrewarm(ctx context.Context, now time.Time) {
	if s.prewarm == nil {
		return
	}
	candidates := s.hotCandidates(now)
	for _, p := range candidates {
		p := p
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			end := now
			start := now.AddDate(0, 0, -s.cfg.PrewarmDays)
			if err := s.prewarm.Prewarm(ctx, p.Symbol, p.Period, start, end); err != nil {
				log.Debug().Err(err).Str("symbol", p.Symbol).Str("period", string(p.Period)).
					Msg("prewarm failed")
			}
		}()
	}
	if len(candidates) > 0 {
		log.Debug().Int("count", len(candidates)).Msg("prewarm scheduled")
	}
}

func (s *Strategy) hotCandidates(now time.Time) []HotPattern {
	s.mu.Lock()
	out := make([]HotPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if p.AccessCount >= s.cfg.HotThreshold {
			p.score(now)
			out = append(out, *p)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PriorityScore > out[j].PriorityScore })
	if len(out) > s.cfg.TopN {
		out = out[:s.cfg.TopN]
	}
	return out
}
