package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	cases := []struct {
		in   string
		want Period
		ok   bool
	}{
		{"1m", Period1m, true},
		{"1M", Period1M, true},
		{"1d", Period1d, true},
		{"DAILY", Period1d, true},
		{"HOURLY", Period1h, true},
		{"WEEKLY", Period1w, true},
		{"MONTHLY", Period1M, true},
		{"2h", Period2h, true},
		{"3m", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParsePeriod(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}

func TestPeriodTTLTable(t *testing.T) {
	assert.Equal(t, 300*time.Second, Period1m.CacheTTL())
	assert.Equal(t, 86400*time.Second, Period1d.CacheTTL())
	assert.Equal(t, 2592000*time.Second, Period1M.CacheTTL())
	for _, p := range AllPeriods() {
		assert.Positive(t, p.CacheTTL(), string(p))
	}
}

func TestAlignDailyToExchangeClose(t *testing.T) {
	sh, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	// 2023-12-01 10:31 Shanghai trades align to the 15:00 close that day.
	ts := time.Date(2023, 12, 1, 10, 31, 0, 0, sh)
	got := Period1d.Align(ts, sh)
	want := time.Date(2023, 12, 1, 15, 0, 0, 0, sh).UTC()
	assert.Equal(t, want, got)
}

func TestAlignWeeklyToFriday(t *testing.T) {
	// 2024-01-03 is a Wednesday; the week closes Friday 2024-01-05.
	ts := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	got := Period1w.Align(ts, time.UTC)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.Equal(t, 5, got.Day())
}

func TestAlignMonthlyToMonthEnd(t *testing.T) {
	ts := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	got := Period1M.Align(ts, time.UTC)
	assert.Equal(t, 29, got.Day()) // leap February
	assert.Equal(t, time.February, got.Month())
}

func TestNextCalendarMonth(t *testing.T) {
	boundary := Period1M.Align(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.UTC)
	next := Period1M.Next(boundary, time.UTC)
	assert.Equal(t, time.February, next.In(time.UTC).Month())
	assert.Equal(t, 29, next.In(time.UTC).Day())
}

func TestExpectedBars(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 61, Period1m.ExpectedBars(start, start.Add(time.Hour)))
	assert.Equal(t, 3, Period1M.ExpectedBars(start, start.AddDate(0, 2, 0)))
	assert.Equal(t, 0, Period1d.ExpectedBars(start, start.Add(-time.Hour)))
}

func TestCheckOHLC(t *testing.T) {
	ok := Bar{Open: 100000, High: 110000, Low: 90000, Close: 105000}
	assert.NoError(t, ok.CheckOHLC())

	// high below the body high
	broken := Bar{Open: 100000, High: 90000, Low: 80000, Close: 95000}
	assert.Error(t, broken.CheckOHLC())

	negative := Bar{Open: -1, High: 110000, Low: 90000, Close: 105000}
	assert.Error(t, negative.CheckOHLC())
}

func TestPriceFixedPointRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1234.56785")
	p := PriceFromDecimal(d)
	// banker's rounding: .56785 -> .5678 (even)
	assert.Equal(t, Price(12345678), p)
	assert.Equal(t, "1234.5678", p.String())

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, "1234.5678", string(b))

	var back Price
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)
}

func TestBarJSONShape(t *testing.T) {
	bar := Bar{
		Symbol:       "600519.SH",
		Timestamp:    time.Date(2023, 12, 1, 7, 0, 0, 0, time.UTC),
		Open:         17000000,
		High:         17100000,
		Low:          16900000,
		Close:        17050000,
		Volume:       12345,
		Amount:       210042,
		QualityScore: 1,
	}
	b, err := json.Marshal(bar)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"open":1700.0000`)
	assert.Contains(t, string(b), `"amount":2100.42`)
	assert.Contains(t, string(b), `"2023-12-01T07:00:00Z"`)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2023-12-01")
	require.NoError(t, err)
	assert.Equal(t, "2023-12-01", FormatDate(d))

	_, err = ParseDate("12/01/2023")
	assert.Error(t, err)
}
