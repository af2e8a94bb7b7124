// Package recovery implements the error taxonomy, the table-driven recovery
// strategies, and the per-(category, scope) circuit breakers in front of
// fallible operations.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/klinehub/internal/source"
)

// Category is the closed set of error classes.
type Category string

const (
	CatConnection   Category = "connection"
	CatSubscription Category = "subscription"
	CatDataPublish  Category = "data_publish"
	CatAuth         Category = "auth"
	CatValidation   Category = "validation"
	CatNetwork      Category = "network"
	CatSystem       Category = "system"
	CatResource     Category = "resource"
	CatTimeout      Category = "timeout"
	CatProtocol     Category = "protocol"
	CatRateLimit    Category = "rate_limit"
	CatSource       Category = "source"
	CatUnknown      Category = "unknown"
)

// Categories lists every known category, for telemetry registration.
func Categories() []Category {
	return []Category{
		CatConnection, CatSubscription, CatDataPublish, CatAuth,
		CatValidation, CatNetwork, CatSystem, CatResource, CatTimeout,
		CatProtocol, CatRateLimit, CatSource, CatUnknown,
	}
}

// Severity grades a recorded error.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// Action is the recovery move a strategy prescribes.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionReconnect      Action = "reconnect"
	ActionDisconnect     Action = "disconnect"
	ActionNotify         Action = "notify"
	ActionBufferAndRetry Action = "buffer_and_retry"
	ActionFailover       Action = "failover"
	ActionDegrade        Action = "degrade"
	ActionIgnore         Action = "ignore"
	ActionEscalate       Action = "escalate"
)

// Strategy is one row of the recovery table.
type Strategy struct {
	Action           Action
	MaxRetries       int
	RetryDelays      []time.Duration
	CircuitThreshold uint32
	CircuitTimeout   time.Duration
	Severity         Severity
}

var defaultDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// DefaultStrategies is the taxonomy-driven recovery table. Categories not
// present fall back to the unknown row.
var DefaultStrategies = map[Category]Strategy{
	CatConnection:   {Action: ActionReconnect, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second, Severity: SevMedium},
	CatSubscription: {Action: ActionRetry, MaxRetries: 2, RetryDelays: defaultDelays, CircuitThreshold: 10, CircuitTimeout: 30 * time.Second, Severity: SevLow},
	CatDataPublish:  {Action: ActionRetry, MaxRetries: 1, RetryDelays: []time.Duration{500 * time.Millisecond}, CircuitThreshold: 20, CircuitTimeout: 15 * time.Second, Severity: SevLow},
	CatAuth:         {Action: ActionDisconnect, CircuitThreshold: 5, CircuitTimeout: 60 * time.Second, Severity: SevHigh},
	CatValidation:   {Action: ActionNotify, Severity: SevLow},
	CatNetwork:      {Action: ActionRetry, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second, Severity: SevMedium},
	CatSystem:       {Action: ActionEscalate, CircuitThreshold: 3, CircuitTimeout: 60 * time.Second, Severity: SevCritical},
	CatResource:     {Action: ActionDegrade, CircuitThreshold: 3, CircuitTimeout: 60 * time.Second, Severity: SevHigh},
	CatTimeout:      {Action: ActionRetry, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 30 * time.Second, Severity: SevMedium},
	CatProtocol:     {Action: ActionNotify, Severity: SevMedium},
	CatRateLimit:    {Action: ActionBufferAndRetry, MaxRetries: 3, RetryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, CircuitThreshold: 10, CircuitTimeout: 60 * time.Second, Severity: SevLow},
	CatSource:       {Action: ActionFailover, MaxRetries: 3, RetryDelays: defaultDelays, CircuitThreshold: 5, CircuitTimeout: 60 * time.Second, Severity: SevMedium},
	CatUnknown:      {Action: ActionNotify, MaxRetries: 1, RetryDelays: defaultDelays[:1], CircuitThreshold: 10, CircuitTimeout: 60 * time.Second, Severity: SevMedium},
}

// StrategyFor returns the table row for cat, falling back to unknown.
func StrategyFor(cat Category) Strategy {
	if s, ok := DefaultStrategies[cat]; ok {
		return s
	}
	return DefaultStrategies[CatUnknown]
}

// Classify maps an error onto its taxonomy category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CatUnknown
	case errors.Is(err, source.ErrSourceTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CatTimeout
	case errors.Is(err, source.ErrSourceUnavailable),
		errors.Is(err, source.ErrNoData):
		return CatSource
	case errors.Is(err, source.ErrSourceProtocol):
		return CatProtocol
	default:
		return CatUnknown
	}
}
