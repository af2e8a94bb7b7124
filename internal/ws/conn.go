package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/recovery"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	sendQueueDepth = 32
)

// transport is the slice of *websocket.Conn the connection layer touches.
// Tests substitute an in-memory pipe.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one registered client connection. The registry owns it; everyone
// else refers to it by client id.
type Conn struct {
	ClientID string
	Subject  string
	OpenedAt time.Time

	tr   transport
	send chan frame

	lastSeen atomic.Int64 // unix nanos
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	msgsIn   atomic.Int64
	msgsOut  atomic.Int64
	dropped  atomic.Int64

	closeOnce sync.Once
	shedMu    sync.Mutex
	done      chan struct{}
}

func newConn(clientID, subject string, tr transport, queueDepth int) *Conn {
	if queueDepth <= 0 {
		queueDepth = sendQueueDepth
	}
	c := &Conn{
		ClientID: clientID,
		Subject:  subject,
		OpenedAt: time.Now(),
		tr:       tr,
		send:     make(chan frame, queueDepth),
		done:     make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen reports the time of the last inbound activity.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// enqueue places a frame on the send queue. A full queue sheds the oldest
// queued non-critical frame to make room; the publisher's at-most-once
// contract makes that loss acceptable.
func (c *Conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
	}
	// Queue full: shed the oldest non-critical frame and retry once.
	// Critical frames keep their queue position; if every queued frame
	// is critical the incoming one is dropped instead.
	c.shedMu.Lock()
	kept := make([]frame, 0, cap(c.send))
	shed := false
drain:
	for {
		select {
		case old := <-c.send:
			if !shed && !old.critical {
				shed = true
				c.dropped.Add(1)
				continue
			}
			kept = append(kept, old)
		default:
			break drain
		}
	}
	for _, k := range kept {
		select {
		case c.send <- k:
		default:
			c.dropped.Add(1)
		}
	}
	c.shedMu.Unlock()
	select {
	case c.send <- f:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// close tears down the transport once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.Close()
	})
}

// writePump drains the send queue onto the transport and keeps the
// protocol-level ping clock. Runs until the connection dies.
func (c *Conn) writePump(pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.tr.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			if err := c.tr.WriteMessage(msgType, f.data); err != nil {
				log.Debug().Err(err).Str("client_id", c.ClientID).Msg("write failed")
				return
			}
			c.bytesOut.Add(int64(len(f.data)))
			c.msgsOut.Add(1)
		case <-ticker.C:
			_ = c.tr.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.tr.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and hands them to the router. Any inbound
// traffic, pongs included, counts as liveness.
func (c *Conn) readPump(handle func(clientID string, data []byte), onClose func()) {
	defer func() {
		c.close()
		onClose()
	}()

	// The soft limit below answers oversized frames with a typed error;
	// the transport limit is a hard backstop that tears the connection.
	c.tr.SetReadLimit(2 * maxFrameBytes)
	_ = c.tr.SetReadDeadline(time.Now().Add(readWait))
	c.tr.SetPongHandler(func(string) error {
		c.touch()
		return c.tr.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		msgType, data, err := c.tr.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.ClientID).Msg("read failed")
			}
			return
		}
		c.touch()
		_ = c.tr.SetReadDeadline(time.Now().Add(readWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if len(data) > maxFrameBytes {
			if raw, err := json.Marshal(errorFrame(recovery.CatValidation, "frame exceeds the size limit", c.ClientID, "")); err == nil {
				c.enqueue(frame{data: raw, critical: true})
			}
			continue
		}
		c.bytesIn.Add(int64(len(data)))
		c.msgsIn.Add(1)
		handle(c.ClientID, data)
	}
}
