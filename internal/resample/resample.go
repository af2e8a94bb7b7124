// Package resample converts bar sequences between periods. Only pairs where
// the target cadence is a direct multiple of the source are aggregated in
// one pass; other pairs chain through the shortest admissible path.
package resample

import (
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/klinehub/internal/domain"
)

// ErrInadmissiblePair reports a (from, to) pair with no aggregation path.
var ErrInadmissiblePair = errors.New("resample: no aggregation path between periods")

// directPairs enumerates source -> admissible direct targets, in preference
// order. Chained paths are discovered over this table.
var directPairs = map[domain.Period][]domain.Period{
	domain.Period1m:  {domain.Period5m, domain.Period15m, domain.Period30m, domain.Period1h, domain.Period2h, domain.Period4h, domain.Period1d},
	domain.Period5m:  {domain.Period15m, domain.Period30m, domain.Period1h, domain.Period2h, domain.Period4h, domain.Period1d},
	domain.Period15m: {domain.Period30m, domain.Period1h, domain.Period2h, domain.Period4h, domain.Period1d},
	domain.Period30m: {domain.Period1h, domain.Period2h, domain.Period4h, domain.Period1d},
	domain.Period1h:  {domain.Period2h, domain.Period4h, domain.Period1d},
	domain.Period2h:  {domain.Period4h, domain.Period1d},
	domain.Period4h:  {domain.Period1d},
	domain.Period1d:  {domain.Period1w, domain.Period1M},
	domain.Period1w:  {},
	domain.Period1M:  {},
}

// Options controls a resampling pass.
type Options struct {
	// Exchange calendar for boundary alignment; nil means UTC.
	Location *time.Location
	// GapFill inserts zero-volume bars for empty boundaries between the
	// first and last produced bars.
	GapFill bool
}

// Resampler aggregates bars across periods.
type Resampler struct {
	opts Options
}

// New builds a Resampler.
func New(opts Options) *Resampler {
	return &Resampler{opts: opts}
}

// Path returns the admissible chain from -> ... -> to, excluding from
// itself. Identity pairs return an empty path.
func Path(from, to domain.Period) ([]domain.Period, error) {
	if from == to {
		return nil, nil
	}
	// BFS over the direct-pair table; the table is tiny, shortest path wins.
	type node struct {
		p    domain.Period
		path []domain.Period
	}
	queue := []node{{p: from}}
	visited := map[domain.Period]bool{from: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range directPairs[cur.p] {
			if visited[next] {
				continue
			}
			path := append(append([]domain.Period{}, cur.path...), next)
			if next == to {
				return path, nil
			}
			visited[next] = true
			queue = append(queue, node{p: next, path: path})
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInadmissiblePair, from, to)
}

// Resample converts bars at period from into bars at period to. Input must
// be sorted by timestamp ascending. Boundaries with no input bars are
// dropped unless GapFill is set.
func (r *Resampler) Resample(bars []domain.Bar, from, to domain.Period) ([]domain.Bar, error) {
	path, err := Path(from, to)
	if err != nil {
		return nil, err
	}
	out := bars
	for _, step := range path {
		out = r.aggregate(out, step)
	}
	if r.opts.GapFill && to != from {
		out = r.fillGaps(out, to)
	}
	return out, nil
}

// aggregate folds bars into the boundaries of period p. Aggregation rule:
// open=first, high=max, low=min, close=last, volume=sum, amount=sum.
func (r *Resampler) aggregate(bars []domain.Bar, p domain.Period) []domain.Bar {
	loc := r.opts.Location
	var out []domain.Bar
	var cur *domain.Bar
	for i := range bars {
		b := &bars[i]
		boundary := p.Align(b.Timestamp, loc)
		if cur == nil || !cur.Timestamp.Equal(boundary) {
			if cur != nil {
				out = append(out, *cur)
			}
			agg := *b
			agg.Timestamp = boundary
			cur = &agg
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
		cur.Amount += b.Amount
		if b.QualityScore < cur.QualityScore {
			cur.QualityScore = b.QualityScore
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// fillGaps inserts zero-filled bars for boundaries with no data between the
// first and last produced bars. Filled bars carry the previous close as all
// four prices and zero volume.
func (r *Resampler) fillGaps(bars []domain.Bar, p domain.Period) []domain.Bar {
	if len(bars) < 2 {
		return bars
	}
	loc := r.opts.Location
	out := make([]domain.Bar, 0, len(bars))
	out = append(out, bars[0])
	for i := 1; i < len(bars); i++ {
		prev := out[len(out)-1]
		next := p.Next(prev.Timestamp, loc)
		for next.Before(bars[i].Timestamp) {
			filler := domain.Bar{
				Symbol:       prev.Symbol,
				Timestamp:    next,
				Open:         prev.Close,
				High:         prev.Close,
				Low:          prev.Close,
				Close:        prev.Close,
				QualityScore: prev.QualityScore,
			}
			out = append(out, filler)
			next = p.Next(next, loc)
		}
		out = append(out, bars[i])
	}
	return out
}
