// Package sink delivers quality-issue events to an operator-facing
// destination. Events are fire-and-forget: emission never blocks or fails
// the response that triggered it.
package sink

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	// Postgres driver, registered for sqlx.Open("postgres", ...).
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/domain"
)

// Event is one quality finding worth surfacing to operators.
type Event struct {
	Time     time.Time     `json:"time" db:"event_time"`
	Symbol   string        `json:"symbol" db:"symbol"`
	Period   domain.Period `json:"period" db:"period"`
	Score    float64       `json:"score" db:"score"`
	Issues   int           `json:"issues" db:"issues"`
	Severity string        `json:"severity" db:"severity"`
	Message  string        `json:"message" db:"message"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long; the engine emits on a goroutine.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// FileSink appends events as newline-delimited JSON.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (appending) the NDJSON event file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// Emit implements Sink.
func (s *FileSink) Emit(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// PGSink writes events to Postgres. Table is created on first use.
type PGSink struct {
	db *sqlx.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS quality_events (
	event_time TIMESTAMPTZ NOT NULL,
	symbol     TEXT        NOT NULL,
	period     TEXT        NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	issues     INT         NOT NULL,
	severity   TEXT        NOT NULL,
	message    TEXT        NOT NULL
)`

// NewPGSink connects to dsn and ensures the events table exists.
func NewPGSink(dsn string) (*PGSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &PGSink{db: db}, nil
}

// Emit implements Sink.
func (s *PGSink) Emit(ctx context.Context, ev Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO quality_events
			(event_time, symbol, period, score, issues, severity, message)
		VALUES
			(:event_time, :symbol, :period, :score, :issues, :severity, :message)`, ev)
	return err
}

// Close implements Sink.
func (s *PGSink) Close() error { return s.db.Close() }

// Async wraps a sink with a bounded queue and a single drain goroutine so
// emitters never block. Overflow drops the event with a debug log.
type Async struct {
	inner  Sink
	ch     chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAsync builds the wrapper; depth <= 0 defaults to 256.
func NewAsync(inner Sink, depth int) *Async {
	if depth <= 0 {
		depth = 256
	}
	return &Async{inner: inner, ch: make(chan Event, depth), stopCh: make(chan struct{})}
}

// Start launches the drain goroutine.
func (a *Async) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stopCh:
				// Drain what is already queued, then stop.
				for {
					select {
					case ev := <-a.ch:
						a.deliver(ev)
					default:
						return
					}
				}
			case ev := <-a.ch:
				a.deliver(ev)
			}
		}
	}()
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.inner.Emit(ctx, ev); err != nil {
		log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("quality event delivery failed")
	}
}

// Emit implements Sink without blocking; full queues shed the event.
func (a *Async) Emit(_ context.Context, ev Event) error {
	select {
	case a.ch <- ev:
	default:
		log.Debug().Str("symbol", ev.Symbol).Msg("quality event queue full, dropped")
	}
	return nil
}

// Close stops the drain goroutine and closes the inner sink.
func (a *Async) Close() error {
	close(a.stopCh)
	a.wg.Wait()
	return a.inner.Close()
}
