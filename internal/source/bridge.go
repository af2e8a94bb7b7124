package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/domain"
	"github.com/sawpanic/klinehub/internal/normalize"
)

// NativeBridge is the edge contract over the upstream native market-data
// library. Both calls return loose records; the richer QueryBars carries
// amount and extended columns, QueryBarsSimple is the degraded surface some
// library builds expose.
type NativeBridge interface {
	// Available reports whether the native library loaded.
	Available() bool
	QueryBars(ctx context.Context, symbol, period, startDate, endDate string) ([]normalize.Record, error)
	QueryBarsSimple(ctx context.Context, symbol, period, startDate, endDate string) ([]normalize.Record, error)
}

// BridgeSource adapts a NativeBridge to BarSource. It normalizes the
// heterogeneous upstream shapes into canonical bars before handing off, so
// callers never see raw records. Retries and breakers belong to the caller.
type BridgeSource struct {
	bridge NativeBridge
	norm   *normalize.Normalizer
}

// NewBridgeSource wraps bridge with the given normalizer.
func NewBridgeSource(bridge NativeBridge, norm *normalize.Normalizer) *BridgeSource {
	return &BridgeSource{bridge: bridge, norm: norm}
}

// nativeDate renders a date in the upstream's native YYYYMMDD form.
func nativeDate(t time.Time) string {
	return t.UTC().Format("20060102")
}

// FetchBars implements BarSource: primary call path first, then the
// simple fallback, with upstream errors mapped onto the source sentinels.
func (s *BridgeSource) FetchBars(ctx context.Context, symbol string, period domain.Period, start, end time.Time) ([]domain.Bar, error) {
	if !s.bridge.Available() {
		return nil, ErrSourceUnavailable
	}

	startStr, endStr := nativeDate(start), nativeDate(end)
	recs, err := s.bridge.QueryBars(ctx, symbol, string(period), startStr, endStr)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("primary bar query failed, trying fallback")
		recs, err = s.bridge.QueryBarsSimple(ctx, symbol, string(period), startStr, endStr)
	}
	if err != nil {
		return nil, mapBridgeError(err)
	}
	if len(recs) == 0 {
		return nil, ErrNoData
	}

	bars, err := s.norm.Bars(symbol, recs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceProtocol, err)
	}
	return s.norm.Clean(bars), nil
}

func mapBridgeError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrSourceTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrNoData),
		errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrSourceTimeout),
		errors.Is(err, ErrSourceProtocol):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrSourceProtocol, err)
	}
}
