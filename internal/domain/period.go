package domain

import (
	"fmt"
	"strings"
	"time"
)

// Period identifies a bar aggregation cadence.
type Period string

const (
	Period1m  Period = "1m"
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period30m Period = "30m"
	Period1h  Period = "1h"
	Period2h  Period = "2h"
	Period4h  Period = "4h"
	Period1d  Period = "1d"
	Period1w  Period = "1w"
	Period1M  Period = "1M"
)

// PeriodSpec holds the static properties of one period: its cadence, the
// default cache TTL for entries keyed at that period, and its boundary
// alignment rule.
type PeriodSpec struct {
	Cadence   time.Duration // zero for month-stepped periods
	MonthStep int           // 1 for 1M, zero otherwise
	CacheTTL  time.Duration
}

// periodSpecs is the closed registry of supported periods. Intraday periods
// step by a fixed duration; 1M steps by calendar month (month-end aligned).
var periodSpecs = map[Period]PeriodSpec{
	Period1m:  {Cadence: time.Minute, CacheTTL: 300 * time.Second},
	Period5m:  {Cadence: 5 * time.Minute, CacheTTL: 900 * time.Second},
	Period15m: {Cadence: 15 * time.Minute, CacheTTL: 1800 * time.Second},
	Period30m: {Cadence: 30 * time.Minute, CacheTTL: 3600 * time.Second},
	Period1h:  {Cadence: time.Hour, CacheTTL: 7200 * time.Second},
	Period2h:  {Cadence: 2 * time.Hour, CacheTTL: 10800 * time.Second},
	Period4h:  {Cadence: 4 * time.Hour, CacheTTL: 14400 * time.Second},
	Period1d:  {Cadence: 24 * time.Hour, CacheTTL: 86400 * time.Second},
	Period1w:  {Cadence: 7 * 24 * time.Hour, CacheTTL: 604800 * time.Second},
	Period1M:  {MonthStep: 1, CacheTTL: 2592000 * time.Second},
}

// periodAliases maps legacy upper-case names onto canonical periods.
var periodAliases = map[string]Period{
	"DAILY":   Period1d,
	"HOURLY":  Period1h,
	"WEEKLY":  Period1w,
	"MONTHLY": Period1M,
}

// AllPeriods returns the supported periods in ascending cadence order.
func AllPeriods() []Period {
	return []Period{
		Period1m, Period5m, Period15m, Period30m,
		Period1h, Period2h, Period4h, Period1d, Period1w, Period1M,
	}
}

// ParsePeriod resolves a period string or alias to a canonical Period.
func ParsePeriod(s string) (Period, error) {
	if p, ok := periodAliases[strings.ToUpper(s)]; ok {
		return p, nil
	}
	p := Period(s)
	if _, ok := periodSpecs[p]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unsupported period %q", s)
}

// Valid reports whether p is a member of the supported set.
func (p Period) Valid() bool {
	_, ok := periodSpecs[p]
	return ok
}

// Spec returns the registry entry for p. Unknown periods return the zero spec.
func (p Period) Spec() PeriodSpec {
	return periodSpecs[p]
}

// Duration returns the nominal cadence of p. Month-stepped periods report
// 30 days; callers that need calendar-exact stepping use Next.
func (p Period) Duration() time.Duration {
	spec := periodSpecs[p]
	if spec.MonthStep > 0 {
		return 30 * 24 * time.Hour
	}
	return spec.Cadence
}

// CacheTTL returns the default cache lifetime for entries at this period.
func (p Period) CacheTTL() time.Duration {
	return periodSpecs[p].CacheTTL
}

// exchangeClose is the local close-of-session hour used when aligning daily
// and coarser boundaries.
const exchangeCloseHour = 15

// Align snaps t to the canonical boundary of p in the exchange timezone loc,
// returning a UTC instant. Intraday periods truncate to the cadence; 1d
// aligns to the 15:00 session close, 1w to the Friday close, 1M to the
// month-end close.
func (p Period) Align(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	switch p {
	case Period1d:
		return dayClose(local, loc)
	case Period1w:
		// Walk forward to Friday of the current week.
		d := local
		for d.Weekday() != time.Friday {
			if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
				d = d.AddDate(0, 0, -1)
				continue
			}
			d = d.AddDate(0, 0, 1)
		}
		return dayClose(d, loc)
	case Period1M:
		firstNext := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
		return dayClose(firstNext.AddDate(0, 0, -1), loc)
	default:
		return t.Truncate(p.Spec().Cadence).UTC()
	}
}

func dayClose(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), exchangeCloseHour, 0, 0, 0, loc).UTC()
}

// Next returns the boundary following t. Calendar-month stepping for 1M,
// fixed cadence otherwise.
func (p Period) Next(t time.Time, loc *time.Location) time.Time {
	if p.Spec().MonthStep > 0 {
		if loc == nil {
			loc = time.UTC
		}
		return p.Align(t.In(loc).AddDate(0, 0, 1), loc)
	}
	return t.Add(p.Spec().Cadence)
}

// ExpectedBars estimates how many bars the range [start, end] should contain
// at period p, used by quality completeness scoring.
func (p Period) ExpectedBars(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	spec := periodSpecs[p]
	if spec.MonthStep > 0 {
		months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
		return months + 1
	}
	if spec.Cadence <= 0 {
		return 0
	}
	return int(end.Sub(start)/spec.Cadence) + 1
}
