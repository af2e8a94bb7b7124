package ws

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/subs"
)

// SupervisorConfig tunes liveness tracking.
type SupervisorConfig struct {
	Interval        time.Duration // check cadence, default 30s
	Timeout         time.Duration // silence tolerated per check, default 60s
	MaxMissed       int           // consecutive stale checks before reaping, default 3
	ReconnectWindow time.Duration // subscription retention, default 5m; 0 disables
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = 3
	}
	return c
}

type liveness struct {
	lastSeen time.Time
	missed   int
}

type retained struct {
	subs  []subs.Subscription
	until time.Time
}

// Supervisor tracks per-connection liveness, reaps silent connections and
// retains subscription lists across short reconnects.
type Supervisor struct {
	cfg    SupervisorConfig
	onLost func(clientID string)

	mu       sync.Mutex
	states   map[string]*liveness
	retained map[string]retained

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewSupervisor builds the supervisor; onLost fires outside the lock when a
// connection is declared dead. Start launches the check loop.
func NewSupervisor(cfg SupervisorConfig, onLost func(clientID string)) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		onLost:   onLost,
		states:   make(map[string]*liveness),
		retained: make(map[string]retained),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Track begins watching a connection.
func (s *Supervisor) Track(clientID string) {
	s.mu.Lock()
	s.states[clientID] = &liveness{lastSeen: s.now()}
	s.mu.Unlock()
}

// Touch records inbound activity.
func (s *Supervisor) Touch(clientID string) {
	s.mu.Lock()
	if st, ok := s.states[clientID]; ok {
		st.lastSeen = s.now()
		st.missed = 0
	}
	s.mu.Unlock()
}

// Forget stops watching a connection.
func (s *Supervisor) Forget(clientID string) {
	s.mu.Lock()
	delete(s.states, clientID)
	s.mu.Unlock()
}

// Retain stores a disconnected client's subscriptions for the reconnect
// window. A zero window discards them immediately.
func (s *Supervisor) Retain(clientID string, list []subs.Subscription) {
	if s.cfg.ReconnectWindow <= 0 || len(list) == 0 {
		return
	}
	s.mu.Lock()
	s.retained[clientID] = retained{subs: list, until: s.now().Add(s.cfg.ReconnectWindow)}
	s.mu.Unlock()
}

// TakeRetained hands back (and clears) retained subscriptions if the client
// returned within the window.
func (s *Supervisor) TakeRetained(clientID string) []subs.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retained[clientID]
	if !ok {
		return nil
	}
	delete(s.retained, clientID)
	if s.now().After(r.until) {
		return nil
	}
	return r.subs
}

// Start launches the periodic check loop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Check()
			}
		}
	}()
}

// Stop halts the loop.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Check performs one liveness pass: connections silent past the timeout
// accrue a miss, and MaxMissed consecutive misses reap the connection.
// Expired retained subscription lists are dropped on the same pass.
func (s *Supervisor) Check() {
	now := s.now()
	var lost []string

	s.mu.Lock()
	for id, st := range s.states {
		if now.Sub(st.lastSeen) <= s.cfg.Timeout {
			st.missed = 0
			continue
		}
		st.missed++
		if st.missed >= s.cfg.MaxMissed {
			lost = append(lost, id)
			delete(s.states, id)
		}
	}
	for id, r := range s.retained {
		if now.After(r.until) {
			delete(s.retained, id)
		}
	}
	s.mu.Unlock()

	for _, id := range lost {
		log.Warn().Str("client_id", id).Msg("connection declared dead")
		if s.onLost != nil {
			s.onLost(id)
		}
	}
}
