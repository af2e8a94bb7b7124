package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/domain"
	"github.com/sawpanic/klinehub/internal/normalize"
)

func TestMockSourceDeterministic(t *testing.T) {
	m := NewMockSource()
	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 5, 0, 0, 0, 0, time.UTC)

	a, err := m.FetchBars(context.Background(), "600519.SH", domain.Period1d, start, end)
	require.NoError(t, err)
	b, err := m.FetchBars(context.Background(), "600519.SH", domain.Period1d, start, end)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 5)

	for _, bar := range a {
		assert.NoError(t, bar.CheckOHLC())
		assert.Equal(t, time.UTC, bar.Timestamp.Location())
	}
}

func TestMockSourceSymbolsDiffer(t *testing.T) {
	m := NewMockSource()
	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	end := start

	a, err := m.FetchBars(context.Background(), "600519.SH", domain.Period1d, start, end)
	require.NoError(t, err)
	b, err := m.FetchBars(context.Background(), "000001.SZ", domain.Period1d, start, end)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Close, b[0].Close)
}

func TestMockSourceEmptyRange(t *testing.T) {
	m := NewMockSource()
	start := time.Date(2023, 12, 5, 0, 0, 0, 0, time.UTC)
	_, err := m.FetchBars(context.Background(), "600519.SH", domain.Period1d, start, start.AddDate(0, 0, -3))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestMockSourceFailInjection(t *testing.T) {
	m := NewMockSource()
	m.Fail = ErrSourceTimeout
	_, err := m.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrSourceTimeout)
}

type fakeBridge struct {
	available     bool
	primaryErr    error
	fallbackErr   error
	records       []normalize.Record
	primaryCalls  int
	fallbackCalls int
	gotStart      string
}

func (f *fakeBridge) Available() bool { return f.available }

func (f *fakeBridge) QueryBars(_ context.Context, _, _, start, _ string) ([]normalize.Record, error) {
	f.primaryCalls++
	f.gotStart = start
	if f.primaryErr != nil {
		return nil, f.primaryErr
	}
	return f.records, nil
}

func (f *fakeBridge) QueryBarsSimple(_ context.Context, _, _, _, _ string) ([]normalize.Record, error) {
	f.fallbackCalls++
	if f.fallbackErr != nil {
		return nil, f.fallbackErr
	}
	return f.records, nil
}

func bridgeRecords() []normalize.Record {
	return []normalize.Record{
		{"time": "2023-12-01", "open": 10.0, "high": 11.0, "low": 9.0, "close": 10.5, "volume": 100.0, "amount": 1050.0},
		{"time": "2023-12-04", "open": 10.5, "high": 11.5, "low": 10.0, "close": 11.0, "volume": 200.0, "amount": 2200.0},
	}
}

func newBridgeSource(b NativeBridge) *BridgeSource {
	return NewBridgeSource(b, normalize.New(normalize.Config{Exchange: time.UTC}))
}

func TestBridgeUnavailable(t *testing.T) {
	s := newBridgeSource(&fakeBridge{available: false})
	_, err := s.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestBridgePrimaryPath(t *testing.T) {
	b := &fakeBridge{available: true, records: bridgeRecords()}
	s := newBridgeSource(b)

	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	bars, err := s.FetchBars(context.Background(), "600519.SH", domain.Period1d, start, start.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, 1, b.primaryCalls)
	assert.Zero(t, b.fallbackCalls)
	assert.Equal(t, "20231201", b.gotStart, "native date format")
}

func TestBridgeFallbackPath(t *testing.T) {
	b := &fakeBridge{available: true, primaryErr: errors.New("boom"), records: bridgeRecords()}
	s := newBridgeSource(b)

	bars, err := s.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, 1, b.primaryCalls)
	assert.Equal(t, 1, b.fallbackCalls)
}

func TestBridgeErrorMapping(t *testing.T) {
	b := &fakeBridge{
		available:   true,
		primaryErr:  errors.New("garbled"),
		fallbackErr: errors.New("still garbled"),
	}
	s := newBridgeSource(b)
	_, err := s.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrSourceProtocol)

	b.fallbackErr = context.DeadlineExceeded
	_, err = s.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrSourceTimeout)
}

func TestBridgeEmptyIsNoData(t *testing.T) {
	b := &fakeBridge{available: true}
	s := newBridgeSource(b)
	_, err := s.FetchBars(context.Background(), "600519.SH", domain.Period1d, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestKnownDataType(t *testing.T) {
	assert.True(t, KnownDataType(TypeQuote))
	assert.True(t, KnownDataType(TypeOrderbook))
	assert.False(t, KnownDataType(DataType("candles")))
}
