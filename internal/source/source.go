package source

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/klinehub/internal/domain"
)

// Sentinel errors surfaced by bar sources. The query engine's recovery
// policy branches on these, so adapters must wrap their library errors into
// exactly one of them.
var (
	ErrSourceUnavailable = errors.New("source: upstream library unavailable")
	ErrNoData            = errors.New("source: no data for range")
	ErrSourceTimeout     = errors.New("source: upstream timeout")
	ErrSourceProtocol    = errors.New("source: unparseable upstream response")
)

// BarSource fetches historical bars for a symbol over [start, end] at day
// precision. Implementations return UTC-aware timestamps and never retry on
// their own; retries and circuit breaking are imposed by the caller.
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error)
}

// DataType identifies a realtime stream kind.
type DataType string

const (
	TypeQuote     DataType = "quote"
	TypeKline     DataType = "kline"
	TypeTrade     DataType = "trade"
	TypeDepth     DataType = "depth"
	TypeTick      DataType = "tick"
	TypeOrderbook DataType = "orderbook"
)

// KnownDataType reports whether t is a member of the supported set.
func KnownDataType(t DataType) bool {
	switch t {
	case TypeQuote, TypeKline, TypeTrade, TypeDepth, TypeTick, TypeOrderbook:
		return true
	}
	return false
}

// Quote is one realtime record produced for publisher fan-out. Payload is
// already JSON-shaped; the publisher does not interpret it.
type Quote struct {
	Symbol    string         `json:"symbol"`
	DataType  DataType       `json:"data_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// QuoteSource produces the latest realtime record for (symbol, dataType).
// Same contract discipline as BarSource: no internal retries.
type QuoteSource interface {
	Latest(ctx context.Context, symbol string, dataType DataType) (*Quote, error)
}
