package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/klinehub/internal/domain"
)

// Errors reported during record coercion.
var (
	ErrMissingRequiredField = errors.New("normalize: missing required field")
	ErrMalformedValue       = errors.New("normalize: malformed value")
)

// Record is one loose upstream row: column name to raw value. Upstream
// shapes vary per venue, so lookup goes through an explicit synonym table
// rather than reflection.
type Record map[string]any

// canonical column names.
const (
	colTimestamp = "timestamp"
	colOpen      = "open"
	colHigh      = "high"
	colLow       = "low"
	colClose     = "close"
	colVolume    = "volume"
	colAmount    = "amount"
)

// synonyms maps lower-cased upstream column names onto canonical ones.
// Lookup lower-cases the incoming key once, so mixed-case variants
// (OPEN, Open) need no separate rows.
var synonyms = map[string]string{
	"timestamp": colTimestamp, "time": colTimestamp, "date": colTimestamp,
	"datetime": colTimestamp, "trade_date": colTimestamp, "bob": colTimestamp,

	"open": colOpen, "o": colOpen, "opening_price": colOpen, "open_price": colOpen,
	"high": colHigh, "h": colHigh, "highest_price": colHigh, "high_price": colHigh,
	"low": colLow, "l": colLow, "lowest_price": colLow, "low_price": colLow,
	"close": colClose, "c": colClose, "closing_price": colClose, "close_price": colClose,

	"volume": colVolume, "v": colVolume, "vol": colVolume, "trade_volume": colVolume,
	"amount": colAmount, "a": colAmount, "turnover": colAmount, "trade_amount": colAmount,
}

var requiredColumns = []string{colOpen, colHigh, colLow, colClose, colVolume}

// Config controls coercion behavior.
type Config struct {
	// Exchange is the timezone applied to naive upstream timestamps before
	// converting to UTC. Defaults to Asia/Shanghai.
	Exchange *time.Location
}

// Normalizer converts loose upstream records into canonical bars.
type Normalizer struct {
	exchange *time.Location
}

// New builds a Normalizer. A nil location falls back to Asia/Shanghai, the
// primary exchange calendar.
func New(cfg Config) *Normalizer {
	loc := cfg.Exchange
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("Asia/Shanghai")
		if err != nil {
			log.Warn().Err(err).Msg("exchange tz unavailable, using UTC")
			loc = time.UTC
		}
	}
	return &Normalizer{exchange: loc}
}

// Exchange returns the configured exchange timezone.
func (n *Normalizer) Exchange() *time.Location { return n.exchange }

// Bar coerces one record into a canonical bar. Missing amount defaults to
// zero; a NaN volume coerces to zero. Prices use banker's rounding at four
// decimals, amount at two.
func (n *Normalizer) Bar(symbol string, rec Record) (domain.Bar, error) {
	cols := make(map[string]any, len(rec))
	for k, v := range rec {
		if canon, ok := synonyms[strings.ToLower(k)]; ok {
			cols[canon] = v
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return domain.Bar{}, fmt.Errorf("%w: %s", ErrMissingRequiredField, strings.Join(missing, ", "))
	}

	bar := domain.Bar{Symbol: symbol, QualityScore: 1}

	var err error
	if bar.Open, err = n.price(cols[colOpen]); err != nil {
		return domain.Bar{}, fmt.Errorf("open: %w", err)
	}
	if bar.High, err = n.price(cols[colHigh]); err != nil {
		return domain.Bar{}, fmt.Errorf("high: %w", err)
	}
	if bar.Low, err = n.price(cols[colLow]); err != nil {
		return domain.Bar{}, fmt.Errorf("low: %w", err)
	}
	if bar.Close, err = n.price(cols[colClose]); err != nil {
		return domain.Bar{}, fmt.Errorf("close: %w", err)
	}
	if bar.Volume, err = n.volume(cols[colVolume]); err != nil {
		return domain.Bar{}, fmt.Errorf("volume: %w", err)
	}
	if raw, ok := cols[colAmount]; ok {
		if bar.Amount, err = n.amount(raw); err != nil {
			return domain.Bar{}, fmt.Errorf("amount: %w", err)
		}
	}
	if raw, ok := cols[colTimestamp]; ok {
		if bar.Timestamp, err = n.timestamp(raw); err != nil {
			return domain.Bar{}, fmt.Errorf("timestamp: %w", err)
		}
	}
	return bar, nil
}

// Bars coerces a record slice, preserving order. The first malformed record
// aborts the batch; partial upstream pages are retried whole by the caller.
func (n *Normalizer) Bars(symbol string, recs []Record) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(recs))
	for i, rec := range recs {
		bar, err := n.Bar(symbol, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// Clean sorts bars by timestamp, drops exact duplicate timestamps (keeping
// the last occurrence), and forces timestamps to UTC. Used as the
// post-fetch normalization pass on already-canonical bars.
func (n *Normalizer) Clean(bars []domain.Bar) []domain.Bar {
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	dedup := out[:0]
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
		if len(dedup) > 0 && dedup[len(dedup)-1].Timestamp.Equal(out[i].Timestamp) {
			dedup[len(dedup)-1] = out[i]
			continue
		}
		dedup = append(dedup, out[i])
	}
	return dedup
}

func (n *Normalizer) decimalValue(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, fmt.Errorf("%w: non-finite number", ErrMalformedValue)
		}
		return decimal.NewFromFloat(v), nil
	case float32:
		return n.decimalValue(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedValue, v)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unsupported type %T", ErrMalformedValue, raw)
	}
}

func (n *Normalizer) price(raw any) (domain.Price, error) {
	d, err := n.decimalValue(raw)
	if err != nil {
		return 0, err
	}
	return domain.PriceFromDecimal(d), nil
}

func (n *Normalizer) amount(raw any) (domain.Amount, error) {
	d, err := n.decimalValue(raw)
	if err != nil {
		return 0, err
	}
	return domain.AmountFromDecimal(d), nil
}

func (n *Normalizer) volume(raw any) (uint64, error) {
	// NaN volume is a known upstream artifact, coerced to zero rather than
	// rejected.
	if f, ok := raw.(float64); ok && math.IsNaN(f) {
		return 0, nil
	}
	d, err := n.decimalValue(raw)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, nil
	}
	return uint64(d.RoundBank(0).IntPart()), nil
}

func (n *Normalizer) timestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.Location() == time.Local || v.Location() == nil {
			return n.localize(v), nil
		}
		return v.UTC(), nil
	case string:
		return n.parseTimeString(strings.TrimSpace(v))
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported timestamp type %T", ErrMalformedValue, raw)
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
	"20060102150405",
}

func (n *Normalizer) parseTimeString(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
			continue
		}
		// Layouts without an offset are naive exchange-local times.
		if t, err := time.ParseInLocation(layout, s, n.exchange); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedValue, s)
}

func (n *Normalizer) localize(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), n.exchange).UTC()
}
