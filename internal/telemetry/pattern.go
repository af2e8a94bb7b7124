package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/recovery"
)

// Alert is one operator-facing signal, either an error pattern or an
// escalated critical error.
type Alert struct {
	Kind     string            `json:"kind"` // "pattern" or "escalation"
	Category recovery.Category `json:"category"`
	Scope    string            `json:"scope,omitempty"`
	Count    int               `json:"count,omitempty"`
	Message  string            `json:"message"`
	Time     time.Time         `json:"time"`
}

// PatternConfig tunes the sliding-window detector.
type PatternConfig struct {
	Window     time.Duration             // default 5m
	Interval   time.Duration             // check cadence, default 1m
	Thresholds map[recovery.Category]int // per-category counts, defaulted below
	MaxAlerts  int                       // retained alert ring, default 100
}

func (c PatternConfig) withDefaults() PatternConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = 100
	}
	if c.Thresholds == nil {
		c.Thresholds = map[recovery.Category]int{
			recovery.CatConnection:  50,
			recovery.CatNetwork:     30,
			recovery.CatSource:      20,
			recovery.CatTimeout:     20,
			recovery.CatDataPublish: 50,
			recovery.CatSystem:      5,
			recovery.CatResource:    5,
			recovery.CatAuth:        20,
		}
	}
	return c
}

// PatternDetector watches the recovery log for repeating categories and
// receives escalations. It implements recovery.Escalator.
type PatternDetector struct {
	cfg   PatternConfig
	recov *recovery.Handler
	m     *MetricsRegistry

	mu     sync.Mutex
	alerts []Alert

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewPatternDetector builds the detector without starting its loop.
func NewPatternDetector(cfg PatternConfig, recov *recovery.Handler, m *MetricsRegistry) *PatternDetector {
	return &PatternDetector{
		cfg:    cfg.withDefaults(),
		recov:  recov,
		m:      m,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Escalate implements recovery.Escalator for critical alerts.
func (d *PatternDetector) Escalate(cat recovery.Category, scope, message string) {
	log.Error().Str("category", string(cat)).Str("scope", scope).Str("message", message).Msg("critical escalation")
	if d.m != nil {
		d.m.RecordError(string(cat))
	}
	d.append(Alert{
		Kind:     "escalation",
		Category: cat,
		Scope:    scope,
		Message:  message,
		Time:     d.now(),
	})
}

// Start launches the periodic window scan.
func (d *PatternDetector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.Scan()
			}
		}
	}()
}

// Stop halts the loop.
func (d *PatternDetector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Scan runs one sliding-window pass, emitting a pattern alert for every
// category whose recent count crossed its threshold.
func (d *PatternDetector) Scan() []Alert {
	counts := d.recov.CountSince(d.now().Add(-d.cfg.Window))
	var fired []Alert
	for cat, n := range counts {
		threshold, ok := d.cfg.Thresholds[cat]
		if !ok || n < threshold {
			continue
		}
		a := Alert{
			Kind:     "pattern",
			Category: cat,
			Count:    n,
			Message:  "error pattern detected",
			Time:     d.now(),
		}
		log.Warn().Str("category", string(cat)).Int("count", n).Int("threshold", threshold).Msg("error pattern detected")
		d.append(a)
		fired = append(fired, a)
	}
	return fired
}

// Alerts returns the retained alert history, newest first.
func (d *PatternDetector) Alerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, len(d.alerts))
	for i, a := range d.alerts {
		out[len(d.alerts)-1-i] = a
	}
	return out
}

func (d *PatternDetector) append(a Alert) {
	d.mu.Lock()
	d.alerts = append(d.alerts, a)
	if len(d.alerts) > d.cfg.MaxAlerts {
		d.alerts = d.alerts[len(d.alerts)-d.cfg.MaxAlerts:]
	}
	d.mu.Unlock()
}
