package source

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/sawpanic/klinehub/internal/domain"
)

// MockSource generates deterministic synthetic bars. It is a first-class
// adapter selected by configuration, not an import-failure fallback: demos,
// tests and load rigs all run against it.
type MockSource struct {
	// BasePrice anchors the random walk; defaults to 100.
	BasePrice float64
	// Fail, when set, is returned from every call. Lets tests exercise the
	// retry and breaker paths.
	Fail error
}

// NewMockSource returns a MockSource with defaults.
func NewMockSource() *MockSource {
	return &MockSource{BasePrice: 100}
}

// FetchBars implements BarSource with a seeded random walk so the same
// (symbol, period, range) always yields the same bars.
func (m *MockSource) FetchBars(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, ErrNoData
	}

	rng := rand.New(rand.NewSource(seed(symbol, period)))
	base := m.BasePrice
	if base <= 0 {
		base = 100
	}
	// Symbol-specific price level so different symbols are tellable apart.
	base *= 1 + float64(seed(symbol, period)%1000)/1000

	var bars []domain.Bar
	cursor := period.Align(start, time.UTC)
	if cursor.Before(start) {
		cursor = period.Next(cursor, time.UTC)
	}
	price := base
	for !cursor.After(end.Add(24*time.Hour - time.Second)) {
		if len(bars) >= 100000 {
			break
		}
		drift := (rng.Float64() - 0.5) * 0.04
		open := price
		close := open * (1 + drift)
		high := math.Max(open, close) * (1 + rng.Float64()*0.01)
		low := math.Min(open, close) * (1 - rng.Float64()*0.01)
		volume := uint64(1000 + rng.Intn(9000))

		bars = append(bars, domain.Bar{
			Symbol:       symbol,
			Timestamp:    cursor,
			Open:         fixedPrice(open),
			High:         fixedPrice(high),
			Low:          fixedPrice(low),
			Close:        fixedPrice(close),
			Volume:       volume,
			Amount:       domain.Amount(int64(close * float64(volume) * domain.AmountScale)),
			QualityScore: 1,
		})
		price = close
		cursor = period.Next(cursor, time.UTC)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// Latest implements QuoteSource with a jittered synthetic quote.
func (m *MockSource) Latest(ctx context.Context, symbol string, dataType DataType) (*Quote, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rng := rand.New(rand.NewSource(seed(symbol, domain.Period1m) ^ now.UnixNano()))
	price := 100 * (1 + float64(seed(symbol, domain.Period1m)%1000)/1000)
	price *= 1 + (rng.Float64()-0.5)*0.002
	return &Quote{
		Symbol:    symbol,
		DataType:  dataType,
		Timestamp: now,
		Payload: map[string]any{
			"price":  math.Round(price*10000) / 10000,
			"volume": 100 + rng.Intn(900),
		},
	}, nil
}

func fixedPrice(f float64) domain.Price {
	return domain.Price(math.Round(f * domain.PriceScale))
}

func seed(symbol string, period domain.Period) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = h.Write([]byte(period))
	return int64(h.Sum64() & math.MaxInt64)
}
