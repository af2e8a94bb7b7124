package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Price is a fixed-point price with four fractional decimals. Arithmetic on
// bars stays in integer space; conversion to decimal text happens only at
// the JSON boundary.
type Price int64

// PriceScale is the fixed-point multiplier for Price.
const PriceScale = 10000

// Amount is a fixed-point turnover value with two fractional decimals.
type Amount int64

// AmountScale is the fixed-point multiplier for Amount.
const AmountScale = 100

// PriceFromDecimal converts d to fixed-point using banker's rounding.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price(d.Mul(decimal.NewFromInt(PriceScale)).RoundBank(0).IntPart())
}

// AmountFromDecimal converts d to fixed-point using banker's rounding.
func AmountFromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Mul(decimal.NewFromInt(AmountScale)).RoundBank(0).IntPart())
}

// Decimal returns the exact decimal value of p.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -4)
}

// Float returns p as a float64, for statistics where drift is acceptable.
func (p Price) Float() float64 {
	return float64(p) / PriceScale
}

func (p Price) String() string { return p.Decimal().StringFixed(4) }

// MarshalJSON emits the price as a plain JSON number with four decimals.
func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(p.Decimal().StringFixed(4)), nil
}

// UnmarshalJSON accepts any JSON number and coerces to fixed-point.
func (p *Price) UnmarshalJSON(b []byte) error {
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	*p = PriceFromDecimal(d)
	return nil
}

// Decimal returns the exact decimal value of a.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

func (a Amount) Float() float64 { return float64(a) / AmountScale }

func (a Amount) String() string { return a.Decimal().StringFixed(2) }

// MarshalJSON emits the amount as a plain JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal().StringFixed(2)), nil
}

// UnmarshalJSON accepts any JSON number and coerces to fixed-point.
func (a *Amount) UnmarshalJSON(b []byte) error {
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = AmountFromDecimal(d)
	return nil
}

// Bar is the canonical OHLCV record. Timestamps are UTC instants aligned to
// the owning period's boundary.
type Bar struct {
	Symbol       string    `json:"symbol,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Open         Price     `json:"open"`
	High         Price     `json:"high"`
	Low          Price     `json:"low"`
	Close        Price     `json:"close"`
	Volume       uint64    `json:"volume"`
	Amount       Amount    `json:"amount"`
	QualityScore float64   `json:"quality_score"`
}

// CheckOHLC verifies the bar's logical invariant:
// low <= min(open, close) <= max(open, close) <= high, all prices positive.
func (b *Bar) CheckOHLC() error {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("bar %s@%s: non-positive price", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo {
		return fmt.Errorf("bar %s@%s: low %s above body low %s",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("bar %s@%s: high %s below body high %s",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.High, hi)
	}
	return nil
}

// ApproxSizeBytes estimates the in-memory footprint of n bars for cache
// accounting.
func ApproxSizeBytes(n int) int64 {
	const perBar = 200
	return int64(n) * perBar
}

// ParseDate parses a YYYY-MM-DD date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// FormatDate renders t as YYYY-MM-DD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
