package telemetry

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sawpanic/klinehub/internal/cache"
)

// HealthStatus is the state of one check or the whole system.
type HealthStatus string

const (
	StatusExcellent HealthStatus = "excellent"
	StatusGood      HealthStatus = "good"
	StatusWarning   HealthStatus = "warning"
	StatusCritical  HealthStatus = "critical"
	StatusUnknown   HealthStatus = "unknown"
)

// CheckResult is one health check's verdict.
type CheckResult struct {
	Name            string             `json:"name"`
	Status          HealthStatus       `json:"status"`
	Message         string             `json:"message"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// HealthReport is the aggregate answer served on the health endpoint.
type HealthReport struct {
	Status HealthStatus  `json:"status"`
	Score  float64       `json:"score"`
	Checks []CheckResult `json:"checks"`
	Time   time.Time     `json:"time"`
}

// Thresholds are the configurable alert limits.
type Thresholds struct {
	HitRateMin      float64       // default 0.5
	MemoryUsageMax  float64       // fraction of the limit, default 0.85
	ResponseTimeMax time.Duration // default 1s
	ErrorRateMax    float64       // default 0.05
	EvictionRateMax float64       // evictions per request, default 0.2
	MemoryLimit     uint64        // bytes, default 1GiB
}

func (t Thresholds) withDefaults() Thresholds {
	if t.HitRateMin <= 0 {
		t.HitRateMin = 0.5
	}
	if t.MemoryUsageMax <= 0 {
		t.MemoryUsageMax = 0.85
	}
	if t.ResponseTimeMax <= 0 {
		t.ResponseTimeMax = time.Second
	}
	if t.ErrorRateMax <= 0 {
		t.ErrorRateMax = 0.05
	}
	if t.EvictionRateMax <= 0 {
		t.EvictionRateMax = 0.2
	}
	if t.MemoryLimit == 0 {
		t.MemoryLimit = 1 << 30
	}
	return t
}

// Weighted contribution of each check to the overall score.
var healthWeights = map[string]float64{
	"hit_rate":     0.25,
	"memory":       0.20,
	"response":     0.20,
	"errors":       0.15,
	"evictions":    0.10,
	"connectivity": 0.05,
	"monitoring":   0.05,
}

var statusScores = map[HealthStatus]float64{
	StatusExcellent: 1.0,
	StatusGood:      0.8,
	StatusWarning:   0.5,
	StatusCritical:  0.0,
	StatusUnknown:   0.5,
}

// HealthChecker evaluates the platform's health from live counters.
type HealthChecker struct {
	metrics    *MetricsRegistry
	cache      *cache.TieredCache
	thresholds Thresholds

	connCount func() int
	rss       func() (uint64, error)

	// Snapshots from the previous Evaluate, backing the trend checks.
	lastAvgNS atomic.Int64
	lastRSS   atomic.Uint64
}

// NewHealthChecker wires the checker. cache and connCount may be nil.
func NewHealthChecker(m *MetricsRegistry, c *cache.TieredCache, connCount func() int, t Thresholds) *HealthChecker {
	return &HealthChecker{
		metrics:    m,
		cache:      c,
		thresholds: t.withDefaults(),
		connCount:  connCount,
		rss:        selfRSS,
	}
}

// Evaluate runs every check and folds them into the weighted score. Any
// critical check makes the whole report critical; three or more warnings
// make it a warning.
func (h *HealthChecker) Evaluate() HealthReport {
	checks := []CheckResult{
		h.checkHitRate(),
		h.checkMemory(),
		h.checkResponse(),
		h.checkErrors(),
		h.checkEvictions(),
		h.checkConnectivity(),
		h.checkMonitoring(),
		h.checkConsistency(),
		h.checkTrend(),
		h.checkCapacity(),
	}

	score, weightSum := 0.0, 0.0
	criticals, warnings := 0, 0
	for _, c := range checks {
		w := healthWeights[c.Name]
		score += statusScores[c.Status] * w
		weightSum += w
		switch c.Status {
		case StatusCritical:
			criticals++
		case StatusWarning:
			warnings++
		}
	}
	if weightSum > 0 {
		score /= weightSum
	}

	overall := StatusExcellent
	switch {
	case criticals > 0:
		overall = StatusCritical
	case warnings >= 3:
		overall = StatusWarning
	case score >= 0.9:
		overall = StatusExcellent
	case score >= 0.7:
		overall = StatusGood
	default:
		overall = StatusWarning
	}

	h.metrics.HealthScore.Set(score)
	return HealthReport{Status: overall, Score: score, Checks: checks, Time: time.Now().UTC()}
}

func (h *HealthChecker) checkHitRate() CheckResult {
	rate := h.metrics.hitRate()
	if rate < 0 {
		return CheckResult{Name: "hit_rate", Status: StatusUnknown, Message: "no cache traffic yet"}
	}
	res := CheckResult{
		Name:    "hit_rate",
		Metrics: map[string]float64{"hit_rate": rate},
		Message: fmt.Sprintf("cache hit rate %.2f", rate),
	}
	switch {
	case rate >= 0.9:
		res.Status = StatusExcellent
	case rate >= h.thresholds.HitRateMin:
		res.Status = StatusGood
	case rate >= h.thresholds.HitRateMin/2:
		res.Status = StatusWarning
		res.Recommendations = []string{"consider enabling prewarm or raising TTLs"}
	default:
		res.Status = StatusCritical
		res.Recommendations = []string{"cache is barely effective, check key shapes and TTLs"}
	}
	return res
}

func (h *HealthChecker) checkMemory() CheckResult {
	rss, err := h.rss()
	if err != nil {
		return CheckResult{Name: "memory", Status: StatusUnknown, Message: "rss probe failed: " + err.Error()}
	}
	usage := float64(rss) / float64(h.thresholds.MemoryLimit)
	res := CheckResult{
		Name:    "memory",
		Metrics: map[string]float64{"rss_bytes": float64(rss), "usage": usage},
		Message: fmt.Sprintf("memory at %.0f%% of limit", usage*100),
	}
	switch {
	case usage < h.thresholds.MemoryUsageMax/2:
		res.Status = StatusExcellent
	case usage < h.thresholds.MemoryUsageMax:
		res.Status = StatusGood
	case usage < 1:
		res.Status = StatusWarning
		res.Recommendations = []string{"memory nearing the limit, expect evictions"}
	default:
		res.Status = StatusCritical
		res.Recommendations = []string{"memory over the limit, shrink cache budgets"}
	}
	return res
}

func (h *HealthChecker) checkResponse() CheckResult {
	avg := h.metrics.avgResponse()
	if avg == 0 {
		return CheckResult{Name: "response", Status: StatusUnknown, Message: "no queries yet"}
	}
	res := CheckResult{
		Name:    "response",
		Metrics: map[string]float64{"avg_ms": float64(avg.Milliseconds())},
		Message: fmt.Sprintf("average response %s", avg),
	}
	switch {
	case avg < h.thresholds.ResponseTimeMax/10:
		res.Status = StatusExcellent
	case avg < h.thresholds.ResponseTimeMax:
		res.Status = StatusGood
	case avg < 2*h.thresholds.ResponseTimeMax:
		res.Status = StatusWarning
	default:
		res.Status = StatusCritical
	}
	return res
}

func (h *HealthChecker) checkErrors() CheckResult {
	rate := h.metrics.errorRate()
	res := CheckResult{
		Name:    "errors",
		Metrics: map[string]float64{"error_rate": rate},
		Message: fmt.Sprintf("error rate %.3f", rate),
	}
	switch {
	case rate == 0:
		res.Status = StatusExcellent
	case rate < h.thresholds.ErrorRateMax:
		res.Status = StatusGood
	case rate < 2*h.thresholds.ErrorRateMax:
		res.Status = StatusWarning
	default:
		res.Status = StatusCritical
		res.Recommendations = []string{"inspect the error log for the dominant category"}
	}
	return res
}

func (h *HealthChecker) checkEvictions() CheckResult {
	if h.cache == nil {
		return CheckResult{Name: "evictions", Status: StatusUnknown, Message: "no cache attached"}
	}
	stats := h.cache.Stats()
	if stats.Requests == 0 {
		return CheckResult{Name: "evictions", Status: StatusUnknown, Message: "no cache traffic yet"}
	}
	rate := float64(stats.Evictions) / float64(stats.Requests)
	res := CheckResult{
		Name:    "evictions",
		Metrics: map[string]float64{"eviction_rate": rate, "memory_mb": stats.MemoryMB},
		Message: fmt.Sprintf("eviction rate %.3f", rate),
	}
	switch {
	case rate < h.thresholds.EvictionRateMax/2:
		res.Status = StatusExcellent
	case rate < h.thresholds.EvictionRateMax:
		res.Status = StatusGood
	default:
		res.Status = StatusWarning
		res.Recommendations = []string{"cache churns too fast, raise the memory budget"}
	}
	return res
}

func (h *HealthChecker) checkConnectivity() CheckResult {
	if h.connCount == nil {
		return CheckResult{Name: "connectivity", Status: StatusUnknown, Message: "no connection registry attached"}
	}
	n := h.connCount()
	return CheckResult{
		Name:    "connectivity",
		Status:  StatusExcellent,
		Metrics: map[string]float64{"connections": float64(n)},
		Message: fmt.Sprintf("%d live connections", n),
	}
}

func (h *HealthChecker) checkMonitoring() CheckResult {
	// The check existing and running is itself the liveness signal.
	return CheckResult{Name: "monitoring", Status: StatusExcellent, Message: "telemetry loop alive"}
}

// The three checks below carry no score weight; they surface in the check
// list and count toward the warning tally.

func (h *HealthChecker) checkConsistency() CheckResult {
	mean, n := h.metrics.qualityMean()
	if n == 0 {
		return CheckResult{Name: "consistency", Status: StatusUnknown, Message: "no quality reports yet"}
	}
	res := CheckResult{
		Name:    "consistency",
		Metrics: map[string]float64{"mean_quality_score": mean, "reports": float64(n)},
		Message: fmt.Sprintf("mean quality score %.1f over %d reports", mean, n),
	}
	switch {
	case mean >= 90:
		res.Status = StatusExcellent
	case mean >= 70:
		res.Status = StatusGood
	default:
		res.Status = StatusWarning
		res.Recommendations = []string{"served data scores poorly, inspect the source feed"}
	}
	return res
}

func (h *HealthChecker) checkTrend() CheckResult {
	avg := h.metrics.avgResponse()
	prev := time.Duration(h.lastAvgNS.Swap(int64(avg)))
	if prev == 0 || avg == 0 {
		return CheckResult{Name: "trend", Status: StatusUnknown, Message: "not enough latency samples yet"}
	}
	ratio := float64(avg) / float64(prev)
	res := CheckResult{
		Name:    "trend",
		Metrics: map[string]float64{"latency_ratio": ratio, "avg_ms": float64(avg.Milliseconds())},
		Message: fmt.Sprintf("latency %.2fx of previous check", ratio),
	}
	switch {
	case ratio <= 1.05:
		res.Status = StatusExcellent
	case ratio <= 1.5:
		res.Status = StatusGood
	default:
		res.Status = StatusWarning
		res.Recommendations = []string{"latency climbing between checks, watch the source and cache"}
	}
	return res
}

func (h *HealthChecker) checkCapacity() CheckResult {
	rss, err := h.rss()
	if err != nil {
		return CheckResult{Name: "capacity", Status: StatusUnknown, Message: "rss probe failed: " + err.Error()}
	}
	prev := h.lastRSS.Swap(rss)
	if prev == 0 {
		return CheckResult{Name: "capacity", Status: StatusUnknown, Message: "no baseline sample yet"}
	}
	// Linear projection one check interval ahead.
	projected := 2*float64(rss) - float64(prev)
	usage := projected / float64(h.thresholds.MemoryLimit)
	res := CheckResult{
		Name:    "capacity",
		Metrics: map[string]float64{"projected_bytes": projected, "projected_usage": usage},
		Message: fmt.Sprintf("projected memory at %.0f%% of limit", usage*100),
	}
	switch {
	case usage < h.thresholds.MemoryUsageMax:
		res.Status = StatusExcellent
	case usage < 1:
		res.Status = StatusGood
	default:
		res.Status = StatusWarning
		res.Recommendations = []string{"projected to cross the memory limit, scale or shed cache"}
	}
	return res
}

func selfRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
