package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/klinehub/internal/recovery"
)

func TestRecordQueryRates(t *testing.T) {
	m := NewMetricsRegistry()

	assert.Equal(t, float64(-1), m.hitRate(), "no traffic yet")
	assert.Zero(t, m.errorRate())
	assert.Zero(t, m.avgResponse())

	m.RecordQuery(10*time.Millisecond, true, nil)
	m.RecordQuery(10*time.Millisecond, true, nil)
	m.RecordQuery(30*time.Millisecond, false, nil)
	m.RecordQuery(30*time.Millisecond, false, errors.New("boom"))

	assert.InDelta(t, 2.0/3.0, m.hitRate(), 1e-9, "errored miss does not count as a miss")
	assert.InDelta(t, 0.25, m.errorRate(), 1e-9)
	assert.Equal(t, 20*time.Millisecond, m.avgResponse())
}

func TestMetricsHandlerServes(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordError("network")
	assert.NotNil(t, m.Handler())
}

func healthyChecker(m *MetricsRegistry) *HealthChecker {
	h := NewHealthChecker(m, nil, func() int { return 3 }, Thresholds{})
	h.rss = func() (uint64, error) { return 100 << 20, nil }
	return h
}

func TestEvaluateHealthy(t *testing.T) {
	m := NewMetricsRegistry()
	for i := 0; i < 20; i++ {
		m.RecordQuery(5*time.Millisecond, true, nil)
	}
	m.RecordQuery(5*time.Millisecond, false, nil)

	report := healthyChecker(m).Evaluate()

	assert.Equal(t, StatusExcellent, report.Status)
	assert.GreaterOrEqual(t, report.Score, 0.9)
	assert.Len(t, report.Checks, 10)
}

func TestEvaluateCriticalOverridesScore(t *testing.T) {
	m := NewMetricsRegistry()
	for i := 0; i < 10; i++ {
		m.RecordQuery(5*time.Millisecond, true, nil)
	}

	h := healthyChecker(m)
	// Memory far over the limit turns one check critical.
	h.rss = func() (uint64, error) { return 4 << 30, nil }

	report := h.Evaluate()
	assert.Equal(t, StatusCritical, report.Status)

	var mem CheckResult
	for _, c := range report.Checks {
		if c.Name == "memory" {
			mem = c
		}
	}
	assert.Equal(t, StatusCritical, mem.Status)
	assert.NotEmpty(t, mem.Recommendations)
}

func TestEvaluateWarningsAccumulate(t *testing.T) {
	m := NewMetricsRegistry()
	// Poor hit rate, slow responses, elevated errors: three warnings.
	for i := 0; i < 7; i++ {
		m.RecordQuery(1500*time.Millisecond, false, nil)
	}
	m.RecordQuery(1500*time.Millisecond, false, errors.New("boom"))
	for i := 0; i < 3; i++ {
		m.RecordQuery(1500*time.Millisecond, true, nil)
	}

	report := healthyChecker(m).Evaluate()
	assert.Equal(t, StatusWarning, report.Status)
}

func TestEvaluateUnknownChecksWithoutTraffic(t *testing.T) {
	m := NewMetricsRegistry()
	h := NewHealthChecker(m, nil, nil, Thresholds{})
	h.rss = func() (uint64, error) { return 0, errors.New("probe failed") }

	report := h.Evaluate()
	byName := map[string]HealthStatus{}
	for _, c := range report.Checks {
		byName[c.Name] = c.Status
	}
	assert.Equal(t, StatusUnknown, byName["hit_rate"])
	assert.Equal(t, StatusUnknown, byName["memory"])
	assert.Equal(t, StatusUnknown, byName["response"])
	assert.Equal(t, StatusUnknown, byName["evictions"])
	assert.Equal(t, StatusUnknown, byName["connectivity"])
	assert.Equal(t, StatusUnknown, byName["consistency"])
	assert.Equal(t, StatusUnknown, byName["trend"])
	assert.Equal(t, StatusUnknown, byName["capacity"])
}

func checkByName(rep HealthReport, name string) CheckResult {
	for _, c := range rep.Checks {
		if c.Name == name {
			return c
		}
	}
	return CheckResult{}
}

func TestConsistencyCheckTracksQualityScores(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordQuery(5*time.Millisecond, true, nil)
	h := healthyChecker(m)

	m.ObserveQualityScore(95)
	m.ObserveQualityScore(93)
	c := checkByName(h.Evaluate(), "consistency")
	assert.Equal(t, StatusExcellent, c.Status)
	assert.InDelta(t, 94, c.Metrics["mean_quality_score"], 1e-9)

	for i := 0; i < 10; i++ {
		m.ObserveQualityScore(20)
	}
	c = checkByName(h.Evaluate(), "consistency")
	assert.Equal(t, StatusWarning, c.Status)
	assert.NotEmpty(t, c.Recommendations)
}

func TestTrendCheckFlagsRisingLatency(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordQuery(10*time.Millisecond, true, nil)
	h := healthyChecker(m)

	assert.Equal(t, StatusUnknown, checkByName(h.Evaluate(), "trend").Status)
	assert.Equal(t, StatusExcellent, checkByName(h.Evaluate(), "trend").Status)

	// Slow queries push the running average well past the last snapshot.
	for i := 0; i < 20; i++ {
		m.RecordQuery(2*time.Second, false, nil)
	}
	trend := checkByName(h.Evaluate(), "trend")
	assert.Equal(t, StatusWarning, trend.Status)
	assert.Greater(t, trend.Metrics["latency_ratio"], 1.5)
}

func TestCapacityProjectsMemoryGrowth(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordQuery(5*time.Millisecond, true, nil)
	h := healthyChecker(m)

	rss := uint64(100 << 20)
	h.rss = func() (uint64, error) { return rss, nil }

	assert.Equal(t, StatusUnknown, checkByName(h.Evaluate(), "capacity").Status)

	// Growth of 600 MiB per check projects past the 1 GiB limit.
	rss = 700 << 20
	c := checkByName(h.Evaluate(), "capacity")
	assert.Equal(t, StatusWarning, c.Status)
	assert.Greater(t, c.Metrics["projected_usage"], 1.0)
}

func TestPatternDetectorFiresOnThreshold(t *testing.T) {
	recov := recovery.NewHandler(recovery.Config{})
	for i := 0; i < 5; i++ {
		recov.Record(recovery.CatNetwork, "feed", recovery.SevMedium, "read failed")
	}
	recov.Record(recovery.CatTimeout, "feed", recovery.SevMedium, "slow fetch")

	d := NewPatternDetector(PatternConfig{
		Thresholds: map[recovery.Category]int{
			recovery.CatNetwork: 5,
			recovery.CatTimeout: 5,
		},
	}, recov, NewMetricsRegistry())

	fired := d.Scan()
	require.Len(t, fired, 1)
	assert.Equal(t, "pattern", fired[0].Kind)
	assert.Equal(t, recovery.CatNetwork, fired[0].Category)
	assert.Equal(t, 5, fired[0].Count)
}

func TestPatternDetectorIgnoresOldErrors(t *testing.T) {
	recov := recovery.NewHandler(recovery.Config{})
	for i := 0; i < 5; i++ {
		recov.Record(recovery.CatNetwork, "feed", recovery.SevMedium, "read failed")
	}

	d := NewPatternDetector(PatternConfig{
		Thresholds: map[recovery.Category]int{recovery.CatNetwork: 5},
	}, recov, NewMetricsRegistry())
	d.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	assert.Empty(t, d.Scan(), "errors outside the window do not count")
}

func TestEscalateRetainsAlert(t *testing.T) {
	recov := recovery.NewHandler(recovery.Config{})
	d := NewPatternDetector(PatternConfig{MaxAlerts: 2}, recov, NewMetricsRegistry())

	d.Escalate(recovery.CatSystem, "engine", "panic recovered")
	d.Escalate(recovery.CatSystem, "engine", "panic recovered again")
	d.Escalate(recovery.CatResource, "cache", "memory exhausted")

	alerts := d.Alerts()
	require.Len(t, alerts, 2, "ring keeps the newest alerts")
	assert.Equal(t, recovery.CatResource, alerts[0].Category)
	assert.Equal(t, "escalation", alerts[0].Kind)
	assert.Equal(t, recovery.CatSystem, alerts[1].Category)
}
