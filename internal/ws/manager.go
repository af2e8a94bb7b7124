package ws

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/auth"
	"github.com/sawpanic/klinehub/internal/source"
	"github.com/sawpanic/klinehub/internal/subs"
)

var (
	ErrServerFull    = errors.New("ws: connection limit reached")
	ErrUnknownConn   = errors.New("ws: unknown client")
	ErrQueueSaturate = errors.New("ws: send queue saturated")
)

// ManagerConfig tunes the connection registry.
type ManagerConfig struct {
	MaxConnections    int           // default 10000
	SendQueueDepth    int           // default 32
	HeartbeatInterval time.Duration // protocol ping clock, default 30s
	MaxSubscriptions  int           // echoed in the welcome frame
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = sendQueueDepth
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 100
	}
	return c
}

// ConnInfo is a registry snapshot row, served on the connections endpoint.
type ConnInfo struct {
	ClientID      string    `json:"client_id"`
	Subject       string    `json:"subject"`
	OpenedAt      time.Time `json:"opened_at"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions int       `json:"subscriptions"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	MsgsIn        int64     `json:"msgs_in"`
	MsgsOut       int64     `json:"msgs_out"`
	Dropped       int64     `json:"dropped"`
}

// ManagerStats are aggregate registry counters for the stats frame.
type ManagerStats struct {
	Connections int   `json:"connections"`
	BytesIn     int64 `json:"bytes_in"`
	BytesOut    int64 `json:"bytes_out"`
	MsgsIn      int64 `json:"msgs_in"`
	MsgsOut     int64 `json:"msgs_out"`
	Dropped     int64 `json:"dropped"`
}

// Manager owns every live connection. One mutex guards the registry map;
// each connection's queue has its own synchronization.
type Manager struct {
	cfg       ManagerConfig
	index     *subs.Index
	codec     *Codec
	validator auth.TokenValidator

	mu    sync.RWMutex
	conns map[string]*Conn

	handle     func(clientID string, data []byte)
	supervisor *Supervisor

	upgrader websocket.Upgrader
}

// NewManager builds the registry. validator may be auth.NoAuth().
func NewManager(cfg ManagerConfig, index *subs.Index, codec *Codec, validator auth.TokenValidator) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		index:     index,
		codec:     codec,
		validator: validator,
		conns:     make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetRouter wires the inbound frame handler. Call before serving.
func (m *Manager) SetRouter(handle func(clientID string, data []byte)) { m.handle = handle }

// SetSupervisor wires the heartbeat supervisor. Call before serving.
func (m *Manager) SetSupervisor(s *Supervisor) { m.supervisor = s }

// HandleWS upgrades an HTTP request into a registered connection.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	if m.Count() >= m.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	claims, err := m.validator(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	tr, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	m.register(clientID, claims.Subject, tr)
}

// register admits a connection, replays any retained subscriptions, sends
// the welcome frame and starts the pumps.
func (m *Manager) register(clientID, subject string, tr transport) *Conn {
	c := newConn(clientID, subject, tr, m.cfg.SendQueueDepth)

	m.mu.Lock()
	if old, ok := m.conns[clientID]; ok {
		// Same client id reconnecting; the old transport is dead weight.
		old.close()
	}
	m.conns[clientID] = c
	m.mu.Unlock()

	reattached := 0
	if m.supervisor != nil {
		for _, s := range m.supervisor.TakeRetained(clientID) {
			if _, err := m.index.Subscribe(clientID, s.Symbol, s.DataType, s.Frequency, s.Filters); err == nil {
				reattached++
			}
		}
		m.supervisor.Track(clientID)
	}

	m.sendTo(c, newOutbound(MsgWelcome, WelcomePayload{
		ClientID:          clientID,
		DataTypes:         []source.DataType{source.TypeQuote, source.TypeKline, source.TypeTrade, source.TypeDepth, source.TypeTick, source.TypeOrderbook},
		HeartbeatInterval: int(m.cfg.HeartbeatInterval / time.Second),
		MaxSubscriptions:  m.cfg.MaxSubscriptions,
		Reattached:        reattached,
	}))

	go c.writePump(m.cfg.HeartbeatInterval)
	go c.readPump(m.dispatch, func() { m.Disconnect(clientID) })

	log.Info().Str("client_id", clientID).Str("subject", subject).Msg("client connected")
	return c
}

func (m *Manager) dispatch(clientID string, data []byte) {
	if m.supervisor != nil {
		m.supervisor.Touch(clientID)
	}
	if m.handle != nil {
		m.handle(clientID, data)
	}
}

// Disconnect closes the transport, removes the registry entry, retains the
// subscription list for the reconnect window and clears the index.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.supervisor != nil {
		m.supervisor.Retain(clientID, m.index.ClientSubscriptions(clientID))
		m.supervisor.Forget(clientID)
	}
	removed := m.index.UnsubscribeAll(clientID)
	c.close()
	log.Info().Str("client_id", clientID).Int("subscriptions_removed", removed).Msg("client disconnected")
}

// Send encodes and queues one envelope for a client.
func (m *Manager) Send(clientID string, out Outbound) error {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}
	return m.sendTo(c, out)
}

func (m *Manager) sendTo(c *Conn, out Outbound) error {
	f, err := m.codec.Encode(out)
	if err != nil {
		return err
	}
	if !c.enqueue(f) {
		return ErrQueueSaturate
	}
	return nil
}

// SendFrame queues an already-encoded frame.
func (m *Manager) SendFrame(clientID string, f frame) error {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}
	if !c.enqueue(f) {
		return ErrQueueSaturate
	}
	return nil
}

// Broadcast queues one envelope for every live connection, or only the
// named clients when targets are given. It reports how many enqueues
// landed and how many were refused by an unknown client or a saturated
// queue.
func (m *Manager) Broadcast(out Outbound, targets ...string) (sent, failed int) {
	f, err := m.codec.Encode(out)
	if err != nil {
		log.Error().Err(err).Msg("broadcast encode failed")
		return 0, len(targets)
	}
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	if len(targets) > 0 {
		for _, id := range targets {
			if c, ok := m.conns[id]; ok {
				conns = append(conns, c)
			} else {
				failed++
			}
		}
	} else {
		for _, c := range m.conns {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range conns {
		if c.enqueue(f) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// Count reports the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Snapshot lists every connection for the admin endpoint.
func (m *Manager) Snapshot() []ConnInfo {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnInfo{
			ClientID:      c.ClientID,
			Subject:       c.Subject,
			OpenedAt:      c.OpenedAt,
			LastSeen:      c.LastSeen(),
			Subscriptions: len(m.index.ClientSubscriptions(c.ClientID)),
			BytesIn:       c.bytesIn.Load(),
			BytesOut:      c.bytesOut.Load(),
			MsgsIn:        c.msgsIn.Load(),
			MsgsOut:       c.msgsOut.Load(),
			Dropped:       c.dropped.Load(),
		})
	}
	return out
}

// Stats aggregates registry counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := ManagerStats{Connections: len(m.conns)}
	for _, c := range m.conns {
		s.BytesIn += c.bytesIn.Load()
		s.BytesOut += c.bytesOut.Load()
		s.MsgsIn += c.msgsIn.Load()
		s.MsgsOut += c.msgsOut.Load()
		s.Dropped += c.dropped.Load()
	}
	return s
}

// Shutdown force-closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for id, c := range conns {
		m.index.UnsubscribeAll(id)
		c.close()
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
