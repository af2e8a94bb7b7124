package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/perf"
	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/source"
	"github.com/sawpanic/klinehub/internal/subs"
)

// PublisherConfig tunes the realtime tick loop.
type PublisherConfig struct {
	Interval       time.Duration // tick cadence, default 1s
	Grace          time.Duration // last-known data retention after the last subscriber leaves, default 10m
	CoalesceWindow time.Duration // per-client batch window, default 100ms
	CoalesceMax    int           // per-client batch size cap, default 100
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Minute
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 100 * time.Millisecond
	}
	if c.CoalesceMax <= 0 {
		c.CoalesceMax = 100
	}
	return c
}

type lastRecord struct {
	quote  *source.Quote
	active time.Time
}

// Publisher drives the realtime side: each tick it pulls the latest record
// for every stream with subscribers and fans it out. Delivery is
// at-most-once per tick; a shed frame is simply superseded next tick.
type Publisher struct {
	cfg   PublisherConfig
	index *subs.Index
	src   source.QuoteSource
	mgr   *Manager
	recov *recovery.Handler

	co *perf.KeyedCoalescer

	mu   sync.Mutex
	last map[string]lastRecord // "symbol|type" -> last published record

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewPublisher wires the loop without starting it. recov may be nil.
func NewPublisher(cfg PublisherConfig, index *subs.Index, src source.QuoteSource, mgr *Manager, recov *recovery.Handler) *Publisher {
	p := &Publisher{
		cfg:    cfg.withDefaults(),
		index:  index,
		src:    src,
		mgr:    mgr,
		recov:  recov,
		last:   make(map[string]lastRecord),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	p.co = perf.NewKeyedCoalescer(p.cfg.CoalesceWindow, p.cfg.CoalesceMax, p.deliver)
	return p
}

// Start launches the tick loop.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and flushes pending batches.
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.co.Close()
}

// Tick runs one publish pass. Exported so tests and the loop share it.
func (p *Publisher) Tick(ctx context.Context) {
	streams := p.index.ActiveStreams()
	now := p.now()

	for symbol, types := range streams {
		for _, dt := range types {
			quote, err := p.src.Latest(ctx, symbol, dt)
			if err != nil {
				if p.recov != nil {
					p.recov.Record(recovery.CatDataPublish, symbol, recovery.SevLow, err.Error())
				}
				log.Debug().Err(err).Str("symbol", symbol).Str("data_type", string(dt)).Msg("fetch for publish failed")
				continue
			}
			p.remember(symbol, dt, quote, now)

			raw, err := json.Marshal(newOutbound(dataFrameType(dt), quote))
			if err != nil {
				continue
			}
			for _, clientID := range p.index.Subscribers(symbol, dt) {
				p.co.Add(clientID, raw)
			}
		}
	}
	p.purge(streams, now)
}

// deliver is the coalescer flush: one pending frame goes out alone, several
// are wrapped into a batch envelope. Failures are dropped by contract.
func (p *Publisher) deliver(clientID string, frames [][]byte) {
	if len(frames) == 1 {
		_ = p.mgr.SendFrame(clientID, frame{data: frames[0]})
		return
	}
	batch, err := p.mgr.codec.EncodeBatch(frames)
	if err != nil {
		log.Error().Err(err).Msg("batch encode failed")
		return
	}
	_ = p.mgr.SendFrame(clientID, batch)
}

func (p *Publisher) remember(symbol string, dt source.DataType, q *source.Quote, now time.Time) {
	p.mu.Lock()
	p.last[streamID(symbol, dt)] = lastRecord{quote: q, active: now}
	p.mu.Unlock()
}

// LastKnown returns the most recent published record for a stream, if it
// has not been purged.
func (p *Publisher) LastKnown(symbol string, dt source.DataType) (*source.Quote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.last[streamID(symbol, dt)]
	if !ok {
		return nil, false
	}
	return rec.quote, true
}

// purge drops last-known data for streams that have had no subscribers for
// longer than the grace period.
func (p *Publisher) purge(active map[string][]source.DataType, now time.Time) {
	activeIDs := make(map[string]struct{})
	for symbol, types := range active {
		for _, dt := range types {
			activeIDs[streamID(symbol, dt)] = struct{}{}
		}
	}

	p.mu.Lock()
	for id, rec := range p.last {
		if _, ok := activeIDs[id]; ok {
			rec.active = now
			p.last[id] = rec
			continue
		}
		if now.Sub(rec.active) > p.cfg.Grace {
			delete(p.last, id)
		}
	}
	p.mu.Unlock()
}

func streamID(symbol string, dt source.DataType) string {
	return symbol + "|" + string(dt)
}
