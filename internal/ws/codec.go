package ws

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"hash/fnv"
	"sync"
)

// frame is one queued outbound message. Compressed frames go out as binary
// websocket messages, plain JSON as text.
type frame struct {
	data     []byte
	binary   bool
	critical bool
}

// Codec turns outbound envelopes into wire frames. Payloads at or above
// MinCompress bytes are gzipped; identical payloads hit a small content
// hash cache so a fan-out of one frame to N subscribers compresses once.
type Codec struct {
	MinCompress int // bytes, default 1024

	mu    sync.Mutex
	cache map[uint64][]byte
	order []uint64 // insertion order for cheap eviction
	limit int
}

// NewCodec builds a codec with the default 1KiB compression floor.
func NewCodec() *Codec {
	return &Codec{
		MinCompress: 1024,
		cache:       make(map[uint64][]byte),
		limit:       256,
	}
}

// Encode marshals and, when worthwhile, compresses one envelope.
func (c *Codec) Encode(out Outbound) (frame, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return frame{}, err
	}
	critical := controlFrame(out.Type)
	if len(raw) < c.MinCompress {
		return frame{data: raw, critical: critical}, nil
	}
	packed, err := c.compress(raw)
	if err != nil {
		return frame{}, err
	}
	if len(packed) >= len(raw) {
		// Incompressible payload, send it plain.
		return frame{data: raw, critical: critical}, nil
	}
	return frame{data: packed, binary: true, critical: critical}, nil
}

// EncodeBatch wraps already-encoded plain frames into one batch envelope.
// Only uncompressed frames are batched; the caller keeps binary frames out.
func (c *Codec) EncodeBatch(frames [][]byte) (frame, error) {
	items := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		items[i] = f
	}
	return c.Encode(newOutbound(MsgBatch, items))
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	key := contentHash(raw)
	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	packed := buf.Bytes()

	c.mu.Lock()
	if _, ok := c.cache[key]; !ok {
		c.cache[key] = packed
		c.order = append(c.order, key)
		if len(c.order) > c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.cache, oldest)
		}
	}
	c.mu.Unlock()
	return packed, nil
}

func contentHash(raw []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}
