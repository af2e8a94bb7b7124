// Package perf holds the shared performance plumbing: a bounded worker pool
// for CPU-heavy batch work, a keyed coalescer for small-frame batching, and
// a GC hint ticker that returns memory to the OS under pressure.
package perf

import (
	"errors"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrPoolBusy is returned by Submit when the task queue is full.
var ErrPoolBusy = errors.New("perf: worker pool queue full")

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("perf: worker pool stopped")

// Pool is a fixed-size worker pool with a bounded task queue. Submit never
// blocks; callers decide what to do with shed work.
type Pool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	workers int

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool sizes the pool. workers <= 0 defaults to 4, queue <= 0 to 256.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	return &Pool{tasks: make(chan func(), queue), workers: workers}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
}

// Submit queues one task without blocking.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Stop closes the queue and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}

// KeyedCoalescer batches small frames per key, flushing when a key reaches
// maxBatch frames or its window elapses, whichever comes first. Flush runs
// on a timer goroutine; the callback must not block.
type KeyedCoalescer struct {
	window   time.Duration
	maxBatch int
	flush    func(key string, frames [][]byte)

	mu     sync.Mutex
	bufs   map[string][][]byte
	timers map[string]*time.Timer
	closed bool
}

// NewKeyedCoalescer builds a coalescer. window <= 0 defaults to 100ms,
// maxBatch <= 0 to 100.
func NewKeyedCoalescer(window time.Duration, maxBatch int, flush func(key string, frames [][]byte)) *KeyedCoalescer {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 100
	}
	return &KeyedCoalescer{
		window:   window,
		maxBatch: maxBatch,
		flush:    flush,
		bufs:     make(map[string][][]byte),
		timers:   make(map[string]*time.Timer),
	}
}

// Add buffers one frame for key.
func (c *KeyedCoalescer) Add(key string, frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bufs[key] = append(c.bufs[key], frame)
	if len(c.bufs[key]) >= c.maxBatch {
		frames := c.takeLocked(key)
		c.mu.Unlock()
		c.flush(key, frames)
		return
	}
	if _, ok := c.timers[key]; !ok {
		c.timers[key] = time.AfterFunc(c.window, func() { c.flushKey(key) })
	}
	c.mu.Unlock()
}

func (c *KeyedCoalescer) flushKey(key string) {
	c.mu.Lock()
	frames := c.takeLocked(key)
	c.mu.Unlock()
	if len(frames) > 0 {
		c.flush(key, frames)
	}
}

// takeLocked removes and returns key's buffer; caller holds the mutex.
func (c *KeyedCoalescer) takeLocked(key string) [][]byte {
	frames := c.bufs[key]
	delete(c.bufs, key)
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
	return frames
}

// Close flushes every pending buffer and stops accepting frames.
func (c *KeyedCoalescer) Close() {
	c.mu.Lock()
	c.closed = true
	keys := make([]string, 0, len(c.bufs))
	for k := range c.bufs {
		keys = append(keys, k)
	}
	pending := make(map[string][][]byte, len(keys))
	for _, k := range keys {
		pending[k] = c.takeLocked(k)
	}
	c.mu.Unlock()
	for k, frames := range pending {
		if len(frames) > 0 {
			c.flush(k, frames)
		}
	}
}

// GCConfig tunes the GC hint ticker.
type GCConfig struct {
	Interval  time.Duration // default 60s
	Threshold uint64        // RSS bytes that trigger a hint, default 1GiB
}

// GCTicker periodically checks process RSS and asks the runtime to return
// memory to the OS when it exceeds the threshold.
type GCTicker struct {
	cfg    GCConfig
	stopCh chan struct{}
	wg     sync.WaitGroup

	rss func() (uint64, error) // swapped in tests
}

// NewGCTicker builds the ticker without starting it.
func NewGCTicker(cfg GCConfig) *GCTicker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 1 << 30
	}
	return &GCTicker{cfg: cfg, stopCh: make(chan struct{}), rss: processRSS}
}

// Start launches the hint loop.
func (g *GCTicker) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.tick()
			}
		}
	}()
}

// Stop halts the loop.
func (g *GCTicker) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *GCTicker) tick() {
	rss, err := g.rss()
	if err != nil {
		log.Debug().Err(err).Msg("rss probe failed")
		return
	}
	if rss <= g.cfg.Threshold {
		return
	}
	log.Info().Uint64("rss_bytes", rss).Uint64("threshold", g.cfg.Threshold).Msg("memory over threshold, forcing gc")
	debug.FreeOSMemory()
}

func processRSS() (uint64, error) {
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
