// Package engine orchestrates the historical pipeline: cache check, source
// fetch under the recovery policy, normalization, quality scoring and
// write-through. The policy wrapper (retry + breaker + deadline) is applied
// once here, at the entry point, never re-wrapped downstream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/cache"
	"github.com/sawpanic/klinehub/internal/domain"
	"github.com/sawpanic/klinehub/internal/normalize"
	"github.com/sawpanic/klinehub/internal/quality"
	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/resample"
	"github.com/sawpanic/klinehub/internal/sink"
	"github.com/sawpanic/klinehub/internal/source"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Request describes one historical query.
type Request struct {
	Symbol     string
	StartDate  string // YYYY-MM-DD
	EndDate    string // YYYY-MM-DD
	Period     domain.Period
	Normalize  bool
	Quality    bool
	UseCache   bool
	MaxRecords int
	// ResampleFrom, when set, fetches the range at that finer period and
	// aggregates it up to Period instead of fetching Period directly.
	ResampleFrom domain.Period
}

// Metadata rides along with every response.
type Metadata struct {
	Cached    bool   `json:"cached"`
	TraceID   string `json:"trace_id"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Response is the unit result of GetBars.
type Response struct {
	Symbol        string          `json:"symbol"`
	Period        domain.Period   `json:"period"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	TotalRecords  int             `json:"total_records"`
	Bars          []domain.Bar    `json:"data"`
	QualityReport *quality.Report `json:"quality_report,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// Recorder receives per-query telemetry; nil disables it.
type Recorder interface {
	RecordQuery(elapsed time.Duration, cached bool, err error)
}

// Runner offloads per-symbol batch work onto a shared worker pool; nil
// runs batches on plain goroutines.
type Runner interface {
	Submit(task func()) error
}

// Config tunes the engine.
type Config struct {
	FetchTimeout      time.Duration // per-fetch deadline, default 30s
	BatchConcurrency  int           // GetBatch cap, default 5
	DropInvalidBars   bool          // drop (not flag) bars failing OHLC
	QualityEventBelow float64       // sink threshold, default 80
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 5
	}
	if c.QualityEventBelow <= 0 {
		c.QualityEventBelow = 80
	}
	return c
}

// Engine is the historical query orchestrator.
type Engine struct {
	cfg     Config
	src     source.BarSource
	cache   *cache.TieredCache
	norm    *normalize.Normalizer
	monitor *quality.Monitor
	recov   *recovery.Handler
	events  sink.Sink
	rec     Recorder
	pool    Runner

	resampler *resample.Resampler
}

// New wires the engine. cache, events and rec may be nil; src, norm,
// monitor and recov are required.
func New(cfg Config, src source.BarSource, c *cache.TieredCache, norm *normalize.Normalizer,
	monitor *quality.Monitor, recov *recovery.Handler) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		src:       src,
		cache:     c,
		norm:      norm,
		monitor:   monitor,
		recov:     recov,
		resampler: resample.New(resample.Options{}),
	}
}

// SetEventSink attaches the quality-issue sink.
func (e *Engine) SetEventSink(s sink.Sink) { e.events = s }

// SetRecorder attaches the telemetry recorder.
func (e *Engine) SetRecorder(r Recorder) { e.rec = r }

// SetPool attaches the worker pool used for batch fetches.
func (e *Engine) SetPool(p Runner) { e.pool = p }

func (e *Engine) validate(req Request) (start, end time.Time, err error) {
	if req.Symbol == "" {
		return start, end, fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	}
	if !req.Period.Valid() {
		return start, end, fmt.Errorf("%w: unsupported period %q", ErrInvalidRequest, req.Period)
	}
	if start, err = domain.ParseDate(req.StartDate); err != nil {
		return start, end, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if end, err = domain.ParseDate(req.EndDate); err != nil {
		return start, end, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("%w: start after end", ErrInvalidRequest)
	}
	return start, end, nil
}

// GetBars runs the full pipeline for one (symbol, period, range).
func (e *Engine) GetBars(ctx context.Context, req Request) (*Response, error) {
	began := time.Now()
	resp, err := e.getBars(ctx, req)
	elapsed := time.Since(began)
	if e.rec != nil {
		cached := resp != nil && resp.Metadata.Cached
		e.rec.RecordQuery(elapsed, cached, err)
		if resp != nil && resp.QualityReport != nil {
			if obs, ok := e.rec.(interface{ ObserveQualityScore(score float64) }); ok {
				obs.ObserveQualityScore(resp.QualityReport.Score)
			}
		}
	}
	if resp != nil {
		resp.Metadata.ElapsedMS = elapsed.Milliseconds()
	}
	return resp, err
}

func (e *Engine) getBars(ctx context.Context, req Request) (*Response, error) {
	start, end, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Symbol:    req.Symbol,
		Period:    req.Period,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Metadata:  Metadata{TraceID: uuid.NewString()},
	}

	key := cache.KlineKey(req.Symbol, req.Period, start, end)
	if req.UseCache && e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if bars, ok := v.([]domain.Bar); ok {
				resp.Bars = bars
				resp.TotalRecords = len(bars)
				resp.Metadata.Cached = true
				// A hit still owes the caller a report when one was asked for.
				if req.Quality && !(e.recov != nil && e.recov.Degraded()) {
					resp.QualityReport = e.monitor.Analyze(req.Symbol, req.Period, bars)
				}
				return resp, nil
			}
		}
	}

	fetchPeriod := req.Period
	if req.ResampleFrom != "" && req.ResampleFrom != req.Period {
		if _, err := resample.Path(req.ResampleFrom, req.Period); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		fetchPeriod = req.ResampleFrom
	}

	bars, err := e.fetch(ctx, req.Symbol, fetchPeriod, start, end)
	if err != nil {
		if errors.Is(err, source.ErrNoData) {
			resp.Bars = []domain.Bar{}
			return resp, nil
		}
		return nil, err
	}
	if fetchPeriod != req.Period {
		bars, err = e.resampler.Resample(bars, fetchPeriod, req.Period)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if req.Normalize {
		bars = e.norm.Clean(bars)
	}

	invalid := quality.FlagBars(bars)
	if invalid > 0 && e.cfg.DropInvalidBars {
		kept := bars[:0]
		for _, b := range bars {
			if b.CheckOHLC() == nil {
				kept = append(kept, b)
			}
		}
		bars = kept
	}

	degraded := e.recov != nil && e.recov.Degraded()
	resp.Metadata.Degraded = degraded
	if req.Quality && !degraded {
		resp.QualityReport = e.monitor.Analyze(req.Symbol, req.Period, bars)
	}

	if req.MaxRecords > 0 && len(bars) > req.MaxRecords {
		bars = bars[len(bars)-req.MaxRecords:]
	}

	resp.Bars = bars
	resp.TotalRecords = len(bars)

	if req.UseCache && e.cache != nil {
		e.cache.Put(cache.Entry{
			Key:      key,
			Value:    bars,
			DataType: "kline",
			Period:   req.Period,
			Symbol:   req.Symbol,
		})
	}

	if rep := resp.QualityReport; rep != nil && rep.Score < e.cfg.QualityEventBelow && e.events != nil {
		e.emitQualityEvent(rep)
	}
	return resp, nil
}

// fetch pulls raw bars from the source under the recovery policy: the
// source category's retry budget and the per-symbol breaker, with a
// deadline on every attempt.
func (e *Engine) fetch(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := e.recov.Execute(ctx, recovery.CatSource, symbol, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		got, err := e.src.FetchBars(fetchCtx, symbol, period, start, end)
		if err != nil {
			return err
		}
		bars = got
		return nil
	})
	return bars, err
}

// emitQualityEvent fires the background sink without blocking the response.
func (e *Engine) emitQualityEvent(rep *quality.Report) {
	sev := "medium"
	if rep.Score < 50 {
		sev = "high"
	}
	ev := sink.Event{
		Time:     time.Now().UTC(),
		Symbol:   rep.Symbol,
		Period:   rep.Period,
		Score:    rep.Score,
		Issues:   len(rep.Issues),
		Severity: sev,
		Message:  fmt.Sprintf("quality score %.1f below threshold", rep.Score),
	}
	go func() {
		if err := e.events.Emit(context.Background(), ev); err != nil {
			log.Debug().Err(err).Str("symbol", rep.Symbol).Msg("quality event emit failed")
		}
	}()
}

// MultiPeriodResult carries one period's outcome inside a multi-period
// response; failures are per-period, never fatal to the set.
type MultiPeriodResult struct {
	Response *Response
	Err      error
}

// GetMultiPeriod runs GetBars for each period in parallel. One period
// failing leaves its entry with Err set and the others untouched.
func (e *Engine) GetMultiPeriod(ctx context.Context, req Request, periods []domain.Period) map[domain.Period]MultiPeriodResult {
	out := make(map[domain.Period]MultiPeriodResult, len(periods))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range periods {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := req
			sub.Period = p
			resp, err := e.GetBars(ctx, sub)
			mu.Lock()
			out[p] = MultiPeriodResult{Response: resp, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// BatchResult carries one symbol's outcome inside a batch response.
type BatchResult struct {
	Response *Response
	Err      error
}

// GetBatch runs GetBars for up to concurrency symbols at a time. Errors are
// per-symbol; the batch itself always succeeds.
func (e *Engine) GetBatch(ctx context.Context, symbols []string, req Request, concurrency int) map[string]BatchResult {
	if concurrency <= 0 {
		concurrency = e.cfg.BatchConcurrency
	}
	out := make(map[string]BatchResult, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		task := func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			sub := req
			sub.Symbol = sym
			resp, err := e.GetBars(ctx, sub)
			mu.Lock()
			out[sym] = BatchResult{Response: resp, Err: err}
			mu.Unlock()
		}
		// A saturated or absent pool falls back to a plain goroutine so a
		// batch never stalls behind unrelated work.
		if e.pool == nil || e.pool.Submit(task) != nil {
			go task()
		}
	}
	wg.Wait()
	return out
}

// Prewarm implements cache.Prewarmer: a cache-refreshing fetch with quality
// analysis disabled.
func (e *Engine) Prewarm(ctx context.Context, symbol string, period domain.Period, start, end time.Time) error {
	_, err := e.GetBars(ctx, Request{
		Symbol:    symbol,
		StartDate: domain.FormatDate(start),
		EndDate:   domain.FormatDate(end),
		Period:    period,
		Normalize: true,
		UseCache:  true,
	})
	return err
}
