package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while a (category, scope) breaker is open.
var ErrCircuitOpen = errors.New("recovery: circuit open")

// ScopeGlobal is the scope used when an operation is not charged to a
// specific client.
const ScopeGlobal = "global"

// ErrorRecord is one entry in the bounded error log.
type ErrorRecord struct {
	ID       string    `json:"error_id"`
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Scope    string    `json:"scope"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Escalator receives critical alerts; telemetry implements it.
type Escalator interface {
	Escalate(cat Category, scope, message string)
}

// Config tunes the handler.
type Config struct {
	MaxLogEntries int           // bounded error log, default 10000
	DegradeFor    time.Duration // degraded-flag cooldown, default 5m
	SystemAlertN  int           // system errors within window to escalate, default 3
	SystemWindow  time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = 10000
	}
	if c.DegradeFor <= 0 {
		c.DegradeFor = 5 * time.Minute
	}
	if c.SystemAlertN <= 0 {
		c.SystemAlertN = 3
	}
	if c.SystemWindow <= 0 {
		c.SystemWindow = 5 * time.Minute
	}
	return c
}

// Handler owns the recovery machinery: the strategy table, one breaker per
// (category, scope), the bounded error log, and the degradation flag.
type Handler struct {
	cfg        Config
	strategies map[Category]Strategy

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	logMu   sync.Mutex
	records []ErrorRecord
	logHead int // ring cursor once records is full
	sink    *LogWriter

	degradedUntil atomic.Int64 // unix nanos, zero when healthy

	sysMu    sync.Mutex
	sysTimes []time.Time

	escalator Escalator
	sleep     func(context.Context, time.Duration) error
}

// NewHandler builds a Handler with the default strategy table.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		cfg:        cfg.withDefaults(),
		strategies: DefaultStrategies,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		sleep:      sleepCtx,
	}
}

// SetEscalator wires the critical-alert receiver. Call before serving.
func (h *Handler) SetEscalator(e Escalator) { h.escalator = e }

// SetStrategies replaces the strategy table. Call before serving; existing
// breakers keep the thresholds they were built with.
func (h *Handler) SetStrategies(table map[Category]Strategy) { h.strategies = table }

// SetLogWriter attaches the optional NDJSON error-log file.
func (h *Handler) SetLogWriter(w *LogWriter) { h.sink = w }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// strategyFor consults the handler's table, falling back to unknown.
func (h *Handler) strategyFor(cat Category) Strategy {
	if s, ok := h.strategies[cat]; ok {
		return s
	}
	if s, ok := h.strategies[CatUnknown]; ok {
		return s
	}
	return StrategyFor(cat)
}

// breaker returns (creating on first use) the breaker for one
// (category, scope) pair.
func (h *Handler) breaker(cat Category, scope string) *gobreaker.CircuitBreaker {
	key := string(cat) + "|" + scope
	h.mu.RLock()
	cb, ok := h.breakers[key]
	h.mu.RUnlock()
	if ok {
		return cb
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[key]; ok {
		return cb
	}

	strat := h.strategyFor(cat)
	threshold := strat.CircuitThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := strat.CircuitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // half-open admits exactly one trial
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state change")
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	h.breakers[key] = cb
	return cb
}

// Execute runs op under the category's breaker and retry budget. The
// breaker is consulted before every attempt; an open circuit fails fast
// with ErrCircuitOpen and consumes no retries.
func (h *Handler) Execute(ctx context.Context, cat Category, scope string, op func(ctx context.Context) error) error {
	if scope == "" {
		scope = ScopeGlobal
	}
	strat := h.strategyFor(cat)
	cb := h.breaker(cat, scope)

	var lastErr error
	for attempt := 0; ; attempt++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			h.Record(cat, scope, SevHigh, ErrCircuitOpen.Error())
			return ErrCircuitOpen
		}
		lastErr = err
		h.Record(cat, scope, strat.Severity, err.Error())

		if attempt >= strat.MaxRetries {
			break
		}
		delay := defaultDelays[len(defaultDelays)-1]
		if attempt < len(strat.RetryDelays) {
			delay = strat.RetryDelays[attempt]
		} else if n := len(strat.RetryDelays); n > 0 {
			delay = strat.RetryDelays[n-1]
		}
		if err := h.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Record appends one error to the bounded log, applies category side
// effects (degradation, escalation), and mirrors to the NDJSON sink.
func (h *Handler) Record(cat Category, scope string, sev Severity, message string) ErrorRecord {
	rec := ErrorRecord{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Category: cat,
		Scope:    scope,
		Severity: sev,
		Message:  message,
	}

	h.logMu.Lock()
	if len(h.records) < h.cfg.MaxLogEntries {
		h.records = append(h.records, rec)
	} else {
		h.records[h.logHead] = rec
		h.logHead = (h.logHead + 1) % h.cfg.MaxLogEntries
	}
	sink := h.sink
	h.logMu.Unlock()

	if sink != nil {
		sink.Write(rec)
	}

	switch cat {
	case CatResource:
		h.degradedUntil.Store(time.Now().Add(h.cfg.DegradeFor).UnixNano())
		log.Warn().Str("scope", scope).Msg("service degraded on resource pressure")
	case CatSystem:
		h.noteSystemError(rec)
	}
	return rec
}

func (h *Handler) noteSystemError(rec ErrorRecord) {
	now := time.Now()
	h.sysMu.Lock()
	h.sysTimes = append(h.sysTimes, now)
	cutoff := now.Add(-h.cfg.SystemWindow)
	for len(h.sysTimes) > 0 && h.sysTimes[0].Before(cutoff) {
		h.sysTimes = h.sysTimes[1:]
	}
	n := len(h.sysTimes)
	h.sysMu.Unlock()

	if n >= h.cfg.SystemAlertN && h.escalator != nil {
		h.escalator.Escalate(CatSystem, rec.Scope,
			fmt.Sprintf("%d system errors within %s", n, h.cfg.SystemWindow))
	}
}

// Degraded reports whether the service is in degraded mode; non-critical
// work (prewarm, quality analysis, batching optimizations) is skipped
// while true.
func (h *Handler) Degraded() bool {
	until := h.degradedUntil.Load()
	return until != 0 && time.Now().UnixNano() < until
}

// ClearDegraded ends degraded mode immediately.
func (h *Handler) ClearDegraded() { h.degradedUntil.Store(0) }

// Recent returns up to n newest error records, newest first.
func (h *Handler) Recent(n int) []ErrorRecord {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	total := len(h.records)
	if n > total {
		n = total
	}
	out := make([]ErrorRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.logHead + total - 1 - i) % total
		out = append(out, h.records[idx])
	}
	return out
}

// CountSince returns per-category error counts newer than cutoff, for the
// telemetry pattern detector.
func (h *Handler) CountSince(cutoff time.Time) map[Category]int {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	out := make(map[Category]int)
	for _, rec := range h.records {
		if rec.Time.After(cutoff) {
			out[rec.Category]++
		}
	}
	return out
}

// BreakerState describes one breaker for status surfaces.
type BreakerState struct {
	Key          string `json:"key"`
	State        string `json:"state"`
	Requests     uint32 `json:"requests"`
	Failures     uint32 `json:"failures"`
	Consecutive  uint32 `json:"consecutive_failures"`
}

// BreakerStates snapshots every live breaker.
func (h *Handler) BreakerStates() []BreakerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]BreakerState, 0, len(h.breakers))
	for key, cb := range h.breakers {
		counts := cb.Counts()
		out = append(out, BreakerState{
			Key:         key,
			State:       cb.State().String(),
			Requests:    counts.Requests,
			Failures:    counts.TotalFailures,
			Consecutive: counts.ConsecutiveFailures,
		})
	}
	return out
}
