package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/klinehub/internal/domain"
)

// Severity grades one detected issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Dimension names the check family an issue belongs to.
type Dimension string

const (
	DimCompleteness Dimension = "completeness"
	DimAccuracy     Dimension = "accuracy"
	DimConsistency  Dimension = "consistency"
	DimValidity     Dimension = "validity"
	DimTimeliness   Dimension = "timeliness"
)

// Issue is one finding from a check family.
type Issue struct {
	Dimension Dimension `json:"dimension"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

// Report summarizes the quality of one bar sequence. Dimensions are in
// [0,1]; Score is the penalized overall in [0,100].
type Report struct {
	Symbol           string        `json:"symbol"`
	Period           domain.Period `json:"period"`
	Completeness     float64       `json:"completeness"`
	Accuracy         float64       `json:"accuracy"`
	Consistency      float64       `json:"consistency"`
	Timeliness       float64       `json:"timeliness"`
	AnomalyCount     int           `json:"anomaly_count"`
	InvalidOHLCCount int           `json:"invalid_ohlc_count"`
	TotalRecords     int           `json:"total_records"`
	MissingRecords   int           `json:"missing_records"`
	Score            float64       `json:"score"`
	Issues           []Issue       `json:"issues,omitempty"`
}

// Config tunes the check thresholds. Zero values take the documented
// defaults.
type Config struct {
	SanityCeiling    float64 // max plausible price, default 10000
	ZScoreThreshold  float64 // |z| beyond which a close is an outlier, default 3
	VolumeSpikeK     float64 // spike when volume > mean + k*sigma, default 5
	RollingWindow    int     // z-score window, default 20
	FreshnessHorizon time.Duration // full-decay horizon for timeliness, default 24h
}

func (c Config) withDefaults() Config {
	if c.SanityCeiling <= 0 {
		c.SanityCeiling = 10000
	}
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = 3
	}
	if c.VolumeSpikeK <= 0 {
		c.VolumeSpikeK = 5
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 20
	}
	if c.FreshnessHorizon <= 0 {
		c.FreshnessHorizon = 24 * time.Hour
	}
	return c
}

// Monitor runs the five check families over ordered bar sequences. Pure: no
// I/O, no retained state between calls.
type Monitor struct {
	cfg Config
	now func() time.Time
}

// NewMonitor builds a Monitor with the given thresholds.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock overrides the freshness clock, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// InvalidOHLCScore is the quality-score ceiling applied to bars whose OHLC
// invariant is broken. Such bars are retained but flagged.
const InvalidOHLCScore = 0.7

// FlagBars stamps per-bar quality scores in place: bars failing the OHLC
// invariant are capped at InvalidOHLCScore. Returns the invalid count.
func FlagBars(bars []domain.Bar) int {
	invalid := 0
	for i := range bars {
		if err := bars[i].CheckOHLC(); err != nil {
			invalid++
			if bars[i].QualityScore > InvalidOHLCScore {
				bars[i].QualityScore = InvalidOHLCScore
			}
		} else if bars[i].QualityScore == 0 {
			bars[i].QualityScore = 1
		}
	}
	return invalid
}

// Analyze runs all check families over bars, which must be ordered by
// timestamp ascending.
func (m *Monitor) Analyze(symbol string, period domain.Period, bars []domain.Bar) *Report {
	rep := &Report{
		Symbol:       symbol,
		Period:       period,
		TotalRecords: len(bars),
	}
	if len(bars) == 0 {
		rep.Issues = append(rep.Issues, Issue{
			Dimension: DimCompleteness,
			Severity:  SeverityCritical,
			Message:   "empty bar sequence",
		})
		rep.Score = 0
		return rep
	}

	m.checkCompleteness(rep, period, bars)
	m.checkAccuracy(rep, bars)
	m.checkConsistency(rep, bars)
	m.checkValidity(rep, bars)
	m.checkTimeliness(rep, bars)

	base := (rep.Completeness + rep.Accuracy + rep.Consistency + rep.Timeliness) / 4 * 100
	rep.Score = Penalize(base, rep.Issues)
	return rep
}

// Penalize applies the severity penalties to a base score: 20 per critical
// issue, 10 per high, clamped to [0,100].
func Penalize(base float64, issues []Issue) float64 {
	score := base
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			score -= 20
		case SeverityHigh:
			score -= 10
		}
	}
	return math.Min(100, math.Max(0, score))
}

func (m *Monitor) checkCompleteness(rep *Report, period domain.Period, bars []domain.Bar) {
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	expected := period.ExpectedBars(first, last)
	if expected < len(bars) {
		expected = len(bars)
	}
	rep.MissingRecords = expected - len(bars)
	rep.Completeness = 1
	if expected > 0 {
		rep.Completeness = 1 - float64(rep.MissingRecords)/float64(expected)
	}
	if rep.MissingRecords > 0 {
		sev := SeverityLow
		if rep.Completeness < 0.9 {
			sev = SeverityMedium
		}
		rep.Issues = append(rep.Issues, Issue{
			Dimension: DimCompleteness,
			Severity:  sev,
			Message:   fmt.Sprintf("%d of %d expected bars missing", rep.MissingRecords, expected),
		})
	}
}

func (m *Monitor) checkAccuracy(rep *Report, bars []domain.Bar) {
	violations := 0
	for i := range bars {
		b := &bars[i]
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			violations++
			rep.Issues = append(rep.Issues, Issue{
				Dimension: DimAccuracy,
				Severity:  SeverityCritical,
				Message:   fmt.Sprintf("non-positive price at %s", b.Timestamp.Format(time.RFC3339)),
			})
			continue
		}
		if b.High.Float() > m.cfg.SanityCeiling {
			violations++
			rep.Issues = append(rep.Issues, Issue{
				Dimension: DimAccuracy,
				Severity:  SeverityHigh,
				Message:   fmt.Sprintf("price %s above sanity ceiling %.0f at %s", b.High, m.cfg.SanityCeiling, b.Timestamp.Format(time.RFC3339)),
			})
		}
	}
	rep.Accuracy = 1 - float64(violations)/float64(len(bars))
}

func (m *Monitor) checkConsistency(rep *Report, bars []domain.Bar) {
	violations := 0
	seen := make(map[int64]bool, len(bars))
	for i := range bars {
		b := &bars[i]
		if err := b.CheckOHLC(); err != nil {
			violations++
			rep.InvalidOHLCCount++
			rep.Issues = append(rep.Issues, Issue{
				Dimension: DimConsistency,
				Severity:  SeverityHigh,
				Message:   err.Error(),
			})
		}
		ts := b.Timestamp.UnixNano()
		if seen[ts] {
			violations++
			rep.Issues = append(rep.Issues, Issue{
				Dimension: DimConsistency,
				Severity:  SeverityMedium,
				Message:   fmt.Sprintf("duplicate timestamp %s", b.Timestamp.Format(time.RFC3339)),
			})
		}
		seen[ts] = true
	}
	rep.Consistency = 1 - float64(violations)/float64(len(bars))
	if rep.Consistency < 0 {
		rep.Consistency = 0
	}
}

func (m *Monitor) checkValidity(rep *Report, bars []domain.Bar) {
	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i := range bars {
		closes[i] = bars[i].Close.Float()
		volumes[i] = float64(bars[i].Volume)
	}

	// Rolling z-score over close.
	w := m.cfg.RollingWindow
	for i := range closes {
		lo := i - w
		if lo < 0 {
			lo = 0
		}
		window := closes[lo:i]
		if len(window) < 3 {
			continue
		}
		mean, sigma := meanStd(window)
		if sigma == 0 {
			continue
		}
		z := (closes[i] - mean) / sigma
		if math.Abs(z) > m.cfg.ZScoreThreshold {
			rep.AnomalyCount++
			rep.Issues = append(rep.Issues, Issue{
				Dimension: DimValidity,
				Severity:  SeverityMedium,
				Message:   fmt.Sprintf("close z-score %.1f at %s", z, bars[i].Timestamp.Format(time.RFC3339)),
			})
		}
	}

	// Volume spike: above mean + k*sigma over the whole sequence.
	if len(volumes) >= 3 {
		mean, sigma := meanStd(volumes)
		if sigma > 0 {
			limit := mean + m.cfg.VolumeSpikeK*sigma
			for i, v := range volumes {
				if v > limit {
					rep.AnomalyCount++
					rep.Issues = append(rep.Issues, Issue{
						Dimension: DimValidity,
						Severity:  SeverityMedium,
						Message:   fmt.Sprintf("volume spike %.0f at %s", v, bars[i].Timestamp.Format(time.RFC3339)),
					})
				}
			}
		}
	}
}

func (m *Monitor) checkTimeliness(rep *Report, bars []domain.Bar) {
	age := m.now().Sub(bars[len(bars)-1].Timestamp)
	rep.Timeliness = math.Max(0, 1-age.Hours()/m.cfg.FreshnessHorizon.Hours())
	if rep.Timeliness == 0 {
		rep.Issues = append(rep.Issues, Issue{
			Dimension: DimTimeliness,
			Severity:  SeverityLow,
			Message:   fmt.Sprintf("last bar is %.0fh old", age.Hours()),
		})
	}
}

func meanStd(xs []float64) (mean, sigma float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	sigma = math.Sqrt(ss / float64(len(xs)))
	return mean, sigma
}
