package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/cache"
	"github.com/sawpanic/klinehub/internal/domain"
	"github.com/sawpanic/klinehub/internal/normalize"
	"github.com/sawpanic/klinehub/internal/perf"
	"github.com/sawpanic/klinehub/internal/quality"
	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/sink"
	"github.com/sawpanic/klinehub/internal/source"
)

// countingSource wraps another source and counts fetches.
type countingSource struct {
	mu    sync.Mutex
	inner source.BarSource
	calls int
}

func (c *countingSource) FetchBars(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.FetchBars(ctx, symbol, period, start, end)
}

func (c *countingSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// noRetry makes source failures count against the breaker immediately, with
// no sleeping retry loop, so tests stay fast.
func noRetry(threshold uint32) map[recovery.Category]recovery.Strategy {
	table := make(map[recovery.Category]recovery.Strategy, len(recovery.DefaultStrategies))
	for cat, s := range recovery.DefaultStrategies {
		s.MaxRetries = 0
		s.RetryDelays = nil
		s.CircuitThreshold = threshold
		table[cat] = s
	}
	return table
}

func newTestEngine(t *testing.T, src source.BarSource) (*Engine, *countingSource, *cache.TieredCache) {
	t.Helper()
	cs := &countingSource{inner: src}
	tc := cache.New(cache.Config{})
	recov := recovery.NewHandler(recovery.Config{})
	recov.SetStrategies(noRetry(3))
	eng := New(Config{}, cs, tc, normalize.New(normalize.Config{}), quality.NewMonitor(quality.Config{}), recov)
	return eng, cs, tc
}

func baseRequest() Request {
	return Request{
		Symbol:    "600000",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		Period:    domain.Period1d,
		Normalize: true,
		UseCache:  true,
	}
}

func TestGetBarsValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())

	cases := []Request{
		{Symbol: "", StartDate: "2024-01-01", EndDate: "2024-01-02", Period: domain.Period1d},
		{Symbol: "600000", StartDate: "bogus", EndDate: "2024-01-02", Period: domain.Period1d},
		{Symbol: "600000", StartDate: "2024-01-01", EndDate: "2024-01-02", Period: "17m"},
		{Symbol: "600000", StartDate: "2024-02-01", EndDate: "2024-01-01", Period: domain.Period1d},
	}
	for _, req := range cases {
		_, err := eng.GetBars(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestGetBarsMissThenHit(t *testing.T) {
	eng, cs, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()

	first, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.Cached)
	assert.NotEmpty(t, first.Bars)
	assert.Equal(t, len(first.Bars), first.TotalRecords)
	assert.NotEmpty(t, first.Metadata.TraceID)
	assert.Equal(t, 1, cs.count())

	second, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, first.TotalRecords, second.TotalRecords)
	assert.Equal(t, 1, cs.count(), "hit must not refetch")
	assert.NotEqual(t, first.Metadata.TraceID, second.Metadata.TraceID)
}

func TestGetBarsBypassCache(t *testing.T) {
	eng, cs, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	req.UseCache = false

	for i := 0; i < 2; i++ {
		_, err := eng.GetBars(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cs.count())
}

func TestGetBarsQualityReport(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	req.Quality = true

	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.QualityReport)
	assert.Equal(t, req.Symbol, resp.QualityReport.Symbol)
	assert.Equal(t, len(resp.Bars), resp.QualityReport.TotalRecords)

	req.Quality = false
	req.UseCache = false
	resp, err = eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp.QualityReport)
}

func TestGetBarsMaxRecordsKeepsTail(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	full, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.Greater(t, full.TotalRecords, 5)

	req.UseCache = false
	req.MaxRecords = 5
	trimmed, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 5, trimmed.TotalRecords)
	// Truncation keeps the most recent bars.
	assert.Equal(t, full.Bars[len(full.Bars)-1].Timestamp, trimmed.Bars[4].Timestamp)
	assert.Equal(t, full.Bars[len(full.Bars)-5].Timestamp, trimmed.Bars[0].Timestamp)
}

func TestGetBarsNoDataIsEmptyNotError(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	// Weekend-only daily range on the mock still yields bars, so force the
	// sentinel through a failing source instead.
	failing := &countingSource{inner: &source.MockSource{Fail: source.ErrNoData}}
	eng.src = failing

	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Bars)
	assert.Zero(t, resp.TotalRecords)
}

func TestGetBarsBreakerTrips(t *testing.T) {
	failing := &source.MockSource{Fail: source.ErrSourceUnavailable}
	eng, cs, _ := newTestEngine(t, failing)
	req := baseRequest()
	req.UseCache = false

	for i := 0; i < 3; i++ {
		_, err := eng.GetBars(context.Background(), req)
		require.Error(t, err)
	}
	before := cs.count()

	_, err := eng.GetBars(context.Background(), req)
	require.ErrorIs(t, err, recovery.ErrCircuitOpen)
	assert.Equal(t, before, cs.count(), "open breaker must not touch the source")

	// Breakers are scoped per symbol; another symbol still fetches.
	other := req
	other.Symbol = "000001"
	_, err = eng.GetBars(context.Background(), other)
	require.NotErrorIs(t, err, recovery.ErrCircuitOpen)
	assert.Greater(t, cs.count(), before)
}

func TestGetMultiPeriodIsolation(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	periods := []domain.Period{domain.Period1d, domain.Period1w, "13m"}

	out := eng.GetMultiPeriod(context.Background(), req, periods)
	require.Len(t, out, 3)

	require.NoError(t, out[domain.Period1d].Err)
	require.NoError(t, out[domain.Period1w].Err)
	assert.NotEmpty(t, out[domain.Period1d].Response.Bars)
	assert.NotEmpty(t, out[domain.Period1w].Response.Bars)
	assert.Greater(t, out[domain.Period1d].Response.TotalRecords, out[domain.Period1w].Response.TotalRecords)

	// The bad period fails alone.
	assert.ErrorIs(t, out["13m"].Err, ErrInvalidRequest)
}

func TestGetBatchPerSymbolErrors(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	symbols := []string{"600000", "000001", ""}

	out := eng.GetBatch(context.Background(), symbols, req, 2)
	require.Len(t, out, 3)
	require.NoError(t, out["600000"].Err)
	require.NoError(t, out["000001"].Err)
	assert.ErrorIs(t, out[""].Err, ErrInvalidRequest)
	assert.NotEqual(t,
		out["600000"].Response.Bars[0].Close,
		out["000001"].Response.Bars[0].Close,
		"different symbols must not share data")
}

func TestPrewarmPopulatesCache(t *testing.T) {
	eng, cs, _ := newTestEngine(t, source.NewMockSource())
	start, _ := domain.ParseDate("2024-01-01")
	end, _ := domain.ParseDate("2024-01-31")

	require.NoError(t, eng.Prewarm(context.Background(), "600000", domain.Period1d, start, end))
	require.Equal(t, 1, cs.count())

	resp, err := eng.GetBars(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Cached)
	assert.Equal(t, 1, cs.count())
}

type capturingSink struct {
	mu     sync.Mutex
	events []sink.Event
}

func (c *capturingSink) Emit(_ context.Context, ev sink.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capturingSink) Close() error { return nil }

func (c *capturingSink) snapshot() []sink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sink.Event(nil), c.events...)
}

// badSource emits bars violating the OHLC ordering so the score collapses.
type badSource struct{}

func (badSource) FetchBars(_ context.Context, symbol string, period domain.Period, start, _ time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	ts := period.Align(start.Add(24*time.Hour), time.UTC)
	for i := 0; i < 10; i++ {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      100 * domain.PriceScale,
			High:      90 * domain.PriceScale, // high below open
			Low:       95 * domain.PriceScale,
			Close:     99 * domain.PriceScale,
			Volume:    1000,
		})
		ts = period.Next(ts, time.UTC)
	}
	return bars, nil
}

func TestLowQualityEmitsEvent(t *testing.T) {
	eng, _, _ := newTestEngine(t, badSource{})
	sunk := &capturingSink{}
	eng.SetEventSink(sunk)

	req := baseRequest()
	req.Quality = true
	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.QualityReport)
	require.Less(t, resp.QualityReport.Score, 80.0)

	// The emit is fired on a goroutine.
	assert.Eventually(t, func() bool { return len(sunk.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	ev := sunk.snapshot()[0]
	assert.Equal(t, "600000", ev.Symbol)
	assert.Equal(t, domain.Period1d, ev.Period)
	assert.InDelta(t, resp.QualityReport.Score, ev.Score, 0.001)
}

func TestInvalidBarsFlaggedOrDropped(t *testing.T) {
	eng, _, _ := newTestEngine(t, badSource{})
	req := baseRequest()
	req.UseCache = false

	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Bars)
	for _, b := range resp.Bars {
		assert.InDelta(t, quality.InvalidOHLCScore, b.QualityScore, 0.001)
	}

	eng.cfg.DropInvalidBars = true
	resp, err = eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Bars)
}

func TestDegradedSkipsQuality(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	eng.recov.Record(recovery.CatResource, "mem", recovery.SevHigh, "rss over ceiling")
	require.True(t, eng.recov.Degraded())

	req := baseRequest()
	req.Quality = true
	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp.QualityReport)
	assert.True(t, resp.Metadata.Degraded)
}

type recordedQuery struct {
	cached bool
	err    error
}

type captureRecorder struct {
	mu      sync.Mutex
	queries []recordedQuery
}

func (c *captureRecorder) RecordQuery(_ time.Duration, cached bool, err error) {
	c.mu.Lock()
	c.queries = append(c.queries, recordedQuery{cached: cached, err: err})
	c.mu.Unlock()
}

func TestRecorderSeesOutcomes(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	rec := &captureRecorder{}
	eng.SetRecorder(rec)

	req := baseRequest()
	_, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	_, err = eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	_, err = eng.GetBars(context.Background(), Request{})
	require.Error(t, err)

	require.Len(t, rec.queries, 3)
	assert.False(t, rec.queries[0].cached)
	assert.True(t, rec.queries[1].cached)
	assert.Error(t, rec.queries[2].err)
}

func TestFetchErrorSurfaces(t *testing.T) {
	boom := errors.New("wire severed")
	eng, _, _ := newTestEngine(t, &source.MockSource{Fail: boom})
	req := baseRequest()

	_, err := eng.GetBars(context.Background(), req)
	assert.ErrorIs(t, err, boom)
}

// recordingSource remembers the period of every fetch.
type recordingSource struct {
	inner   source.BarSource
	periods []domain.Period
}

func (r *recordingSource) FetchBars(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error) {
	r.periods = append(r.periods, period)
	return r.inner.FetchBars(ctx, symbol, period, start, end)
}

func TestGetBarsResampleFrom(t *testing.T) {
	rs := &recordingSource{inner: source.NewMockSource()}
	eng, _, _ := newTestEngine(t, rs)

	daily, err := eng.GetBars(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, daily.Bars)

	req := baseRequest()
	req.Period = domain.Period1w
	req.ResampleFrom = domain.Period1d
	req.UseCache = false
	weekly, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, weekly.Bars)

	assert.Contains(t, rs.periods, domain.Period1d)
	assert.NotContains(t, rs.periods, domain.Period1w, "derived series never hits the source at the target period")
	assert.Less(t, len(weekly.Bars), len(daily.Bars))

	var dailyVol, weeklyVol uint64
	for _, b := range daily.Bars {
		dailyVol += b.Volume
	}
	for _, b := range weekly.Bars {
		weeklyVol += b.Volume
	}
	assert.Equal(t, dailyVol, weeklyVol, "aggregation conserves volume")
}

func TestGetBarsResampleInadmissible(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()
	req.Period = domain.Period1m
	req.ResampleFrom = domain.Period1d
	_, err := eng.GetBars(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetBarsQualityReportOnCacheHit(t *testing.T) {
	eng, cs, _ := newTestEngine(t, source.NewMockSource())
	req := baseRequest()

	_, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)

	req.Quality = true
	resp, err := eng.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Cached)
	require.NotNil(t, resp.QualityReport, "a hit still owes a report when asked")
	assert.Equal(t, resp.TotalRecords, resp.QualityReport.TotalRecords)
	assert.Equal(t, 1, cs.count(), "the report must come from cached bars, not a refetch")
}

// busyRunner refuses every task, forcing the goroutine fallback.
type busyRunner struct{ submitted atomic.Int64 }

func (b *busyRunner) Submit(func()) error {
	b.submitted.Add(1)
	return errors.New("queue full")
}

func TestGetBatchRunsOnPool(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	pool := perf.NewPool(2, 8)
	pool.Start()
	defer pool.Stop()
	eng.SetPool(pool)

	out := eng.GetBatch(context.Background(), []string{"600000", "000001", "600519"}, baseRequest(), 2)
	require.Len(t, out, 3)
	for _, sym := range []string{"600000", "000001", "600519"} {
		require.NoError(t, out[sym].Err)
		assert.NotEmpty(t, out[sym].Response.Bars)
	}
}

func TestGetBatchFallsBackWhenPoolBusy(t *testing.T) {
	eng, _, _ := newTestEngine(t, source.NewMockSource())
	busy := &busyRunner{}
	eng.SetPool(busy)

	out := eng.GetBatch(context.Background(), []string{"600000", "000001"}, baseRequest(), 2)
	require.Len(t, out, 2)
	require.NoError(t, out["600000"].Err)
	require.NoError(t, out["000001"].Err)
	assert.EqualValues(t, 2, busy.submitted.Load(), "every symbol is offered to the pool first")
}
