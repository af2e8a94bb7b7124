package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/domain"
)

func sampleEvent(symbol string) Event {
	return Event{
		Time:     time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC),
		Symbol:   symbol,
		Period:   domain.Period1d,
		Score:    61.5,
		Issues:   3,
		Severity: "medium",
		Message:  "quality score 61.5 below threshold",
	}
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, s.Emit(context.Background(), sampleEvent("600000")))
	require.NoError(t, s.Emit(context.Background(), sampleEvent("000001")))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(raw)
	require.Len(t, lines, 2)

	var got Event
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, "600000", got.Symbol)
	assert.Equal(t, domain.Period1d, got.Period)
	assert.InDelta(t, 61.5, got.Score, 0.001)
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	for i := 0; i < 2; i++ {
		s, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, s.Emit(context.Background(), sampleEvent("600000")))
		require.NoError(t, s.Close())
	}
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, splitLines(raw), 2)
}

// memSink records deliveries and can block to simulate a slow backend.
type memSink struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
}

func (m *memSink) Emit(_ context.Context, ev Event) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestAsyncDeliversAndDrainsOnClose(t *testing.T) {
	inner := &memSink{}
	a := NewAsync(inner, 8)
	a.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Emit(context.Background(), sampleEvent("600000")))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, 5, inner.count())
}

func TestAsyncEmitNeverBlocks(t *testing.T) {
	inner := &memSink{gate: make(chan struct{})}
	a := NewAsync(inner, 2)
	a.Start()

	// Backend is stuck; the queue fills and the rest are shed, but Emit
	// must return promptly every time.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = a.Emit(context.Background(), sampleEvent("600000"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(inner.gate)
	require.NoError(t, a.Close())
	assert.LessOrEqual(t, inner.count(), 4, "shed events must not be delivered")
	assert.Greater(t, inner.count(), 0)
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
