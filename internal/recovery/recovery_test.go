package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/source"
)

// fastHandler disables retry sleeps.
func fastHandler(cfg Config) *Handler {
	h := NewHandler(cfg)
	h.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CatTimeout, Classify(source.ErrSourceTimeout))
	assert.Equal(t, CatTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, CatSource, Classify(source.ErrSourceUnavailable))
	assert.Equal(t, CatSource, Classify(source.ErrNoData))
	assert.Equal(t, CatProtocol, Classify(source.ErrSourceProtocol))
	assert.Equal(t, CatUnknown, Classify(errors.New("who knows")))
}

func TestStrategyTableCoversAllCategories(t *testing.T) {
	for _, cat := range Categories() {
		strat := StrategyFor(cat)
		assert.NotEmpty(t, strat.Action, string(cat))
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	h := fastHandler(Config{})
	calls := 0
	err := h.Execute(context.Background(), CatNetwork, "", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	h := fastHandler(Config{})
	calls := 0
	boom := errors.New("down")
	err := h.Execute(context.Background(), CatNetwork, "", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls) // 1 + MaxRetries(3)
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	h := fastHandler(Config{})
	boom := errors.New("down")
	calls := 0
	op := func(context.Context) error {
		calls++
		return boom
	}

	// CatSource threshold is 5 consecutive failures; one Execute burns
	// 4 attempts, the second trips the breaker mid-flight.
	_ = h.Execute(context.Background(), CatSource, "AAA.SH", op)
	_ = h.Execute(context.Background(), CatSource, "AAA.SH", op)
	callsWhenOpen := calls

	err := h.Execute(context.Background(), CatSource, "AAA.SH", op)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsWhenOpen, calls, "open breaker must not invoke the operation")
}

func TestBreakerScopesAreIndependent(t *testing.T) {
	h := fastHandler(Config{})
	boom := errors.New("down")
	op := func(context.Context) error { return boom }

	_ = h.Execute(context.Background(), CatSource, "AAA.SH", op)
	_ = h.Execute(context.Background(), CatSource, "AAA.SH", op)
	err := h.Execute(context.Background(), CatSource, "AAA.SH", op)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A different scope still reaches the operation.
	calls := 0
	_ = h.Execute(context.Background(), CatSource, "BBB.SZ", func(context.Context) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, calls)
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	h := fastHandler(Config{})
	// Shrink the timeout so the test can cross the open window.
	short := StrategyFor(CatSource)
	short.CircuitTimeout = 50 * time.Millisecond
	short.MaxRetries = 0
	h.strategies = map[Category]Strategy{
		CatSource:  short,
		CatUnknown: StrategyFor(CatUnknown),
	}

	boom := errors.New("down")
	for i := 0; i < 5; i++ {
		_ = h.Execute(context.Background(), CatSource, "trial", func(context.Context) error { return boom })
	}
	err := h.Execute(context.Background(), CatSource, "trial", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(100 * time.Millisecond)
	calls := 0
	err = h.Execute(context.Background(), CatSource, "trial", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "half-open admits one trial")
}

func TestResourceErrorFlipsDegraded(t *testing.T) {
	h := fastHandler(Config{})
	assert.False(t, h.Degraded())
	h.Record(CatResource, ScopeGlobal, SevHigh, "memory pressure")
	assert.True(t, h.Degraded())
	h.ClearDegraded()
	assert.False(t, h.Degraded())
}

type captureEscalator struct {
	mu    sync.Mutex
	calls int
}

func (c *captureEscalator) Escalate(Category, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func TestSystemErrorsEscalate(t *testing.T) {
	h := fastHandler(Config{SystemAlertN: 3})
	esc := &captureEscalator{}
	h.SetEscalator(esc)

	for i := 0; i < 3; i++ {
		h.Record(CatSystem, ScopeGlobal, SevCritical, "panic recovered")
	}
	esc.mu.Lock()
	defer esc.mu.Unlock()
	assert.GreaterOrEqual(t, esc.calls, 1)
}

func TestErrorLogBounded(t *testing.T) {
	h := fastHandler(Config{MaxLogEntries: 5})
	for i := 0; i < 12; i++ {
		h.Record(CatValidation, ScopeGlobal, SevLow, "bad input")
	}
	recent := h.Recent(100)
	assert.Len(t, recent, 5)
}

func TestRecentNewestFirst(t *testing.T) {
	h := fastHandler(Config{})
	h.Record(CatValidation, ScopeGlobal, SevLow, "first")
	h.Record(CatValidation, ScopeGlobal, SevLow, "second")
	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Message)
}

func TestCountSince(t *testing.T) {
	h := fastHandler(Config{})
	h.Record(CatNetwork, ScopeGlobal, SevMedium, "x")
	h.Record(CatNetwork, ScopeGlobal, SevMedium, "y")
	h.Record(CatAuth, ScopeGlobal, SevHigh, "z")

	counts := h.CountSince(time.Now().Add(-time.Minute))
	assert.Equal(t, 2, counts[CatNetwork])
	assert.Equal(t, 1, counts[CatAuth])
}

func TestLogWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "errors.ndjson")
	w, err := NewLogWriter(path, 300)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		w.Write(ErrorRecord{ID: "x", Category: CatNetwork, Severity: SevLow, Message: strings.Repeat("m", 50)})
	}

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated predecessor should exist")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		assert.True(t, strings.HasPrefix(line, "{"), "each line is one JSON record")
	}
}
