package resample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/domain"
)

func minuteBars(n int, start time.Time) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		p := domain.Price(1000000 + i*100)
		bars[i] = domain.Bar{
			Symbol:    "000001.SZ",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      p, High: p + 300, Low: p - 300, Close: p + 100,
			Volume: uint64(10 + i), Amount: domain.Amount(1000 + i),
			QualityScore: 1,
		}
	}
	return bars
}

func TestPath(t *testing.T) {
	p, err := Path(domain.Period1m, domain.Period5m)
	require.NoError(t, err)
	assert.Equal(t, []domain.Period{domain.Period5m}, p)

	// 1m -> 1w chains through 1d.
	p, err = Path(domain.Period1m, domain.Period1w)
	require.NoError(t, err)
	assert.Equal(t, []domain.Period{domain.Period1d, domain.Period1w}, p)

	// Identity.
	p, err = Path(domain.Period1d, domain.Period1d)
	require.NoError(t, err)
	assert.Empty(t, p)

	// Downsampling direction is inadmissible.
	_, err = Path(domain.Period1d, domain.Period1m)
	assert.ErrorIs(t, err, ErrInadmissiblePair)
}

func TestResampleMinutesToFive(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := minuteBars(15, start)

	r := New(Options{Location: time.UTC})
	out, err := r.Resample(bars, domain.Period1m, domain.Period5m)
	require.NoError(t, err)
	require.Len(t, out, 3)

	first := out[0]
	assert.Equal(t, start, first.Timestamp)
	assert.Equal(t, bars[0].Open, first.Open)
	assert.Equal(t, bars[4].Close, first.Close)
	assert.Equal(t, bars[4].High, first.High) // highs increase monotonically
	assert.Equal(t, bars[0].Low, first.Low)
}

func TestResampleConservation(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := minuteBars(60, start)

	r := New(Options{Location: time.UTC})
	out, err := r.Resample(bars, domain.Period1m, domain.Period15m)
	require.NoError(t, err)

	var inVol, outVol uint64
	var inAmt, outAmt domain.Amount
	for _, b := range bars {
		inVol += b.Volume
		inAmt += b.Amount
	}
	for _, b := range out {
		outVol += b.Volume
		outAmt += b.Amount
	}
	assert.Equal(t, inVol, outVol)
	assert.Equal(t, inAmt, outAmt)
}

func TestResampleDropsEmptyBoundaries(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := minuteBars(5, start)
	// A second clump 30 minutes later leaves empty 5m boundaries between.
	bars = append(bars, minuteBars(5, start.Add(30*time.Minute))...)

	r := New(Options{Location: time.UTC})
	out, err := r.Resample(bars, domain.Period1m, domain.Period5m)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestResampleGapFill(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := minuteBars(5, start)
	bars = append(bars, minuteBars(5, start.Add(30*time.Minute))...)

	r := New(Options{Location: time.UTC, GapFill: true})
	out, err := r.Resample(bars, domain.Period1m, domain.Period5m)
	require.NoError(t, err)
	require.Len(t, out, 7)

	filler := out[1]
	assert.Zero(t, filler.Volume)
	assert.Equal(t, out[0].Close, filler.Open)
	assert.Equal(t, out[0].Close, filler.Close)
}

func TestResampleDailyToMonthlyCalendarAligned(t *testing.T) {
	// Daily closes across a month boundary.
	var bars []domain.Bar
	day := time.Date(2024, 1, 29, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p := domain.Price(1000000 + i*10000)
		bars = append(bars, domain.Bar{
			Timestamp: day.AddDate(0, 0, i),
			Open:      p, High: p + 5000, Low: p - 5000, Close: p + 1000,
			Volume: 10, QualityScore: 1,
		})
	}

	r := New(Options{Location: time.UTC})
	out, err := r.Resample(bars, domain.Period1d, domain.Period1M)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, time.January, out[0].Timestamp.Month())
	assert.Equal(t, 31, out[0].Timestamp.Day())
	assert.Equal(t, time.February, out[1].Timestamp.Month())
	assert.Equal(t, 29, out[1].Timestamp.Day())
}

func TestInadmissibleResample(t *testing.T) {
	r := New(Options{})
	_, err := r.Resample(nil, domain.Period1w, domain.Period1d)
	assert.ErrorIs(t, err, ErrInadmissiblePair)
}
