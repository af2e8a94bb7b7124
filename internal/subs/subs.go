// Package subs maintains the subscription index: which client wants which
// (symbol, data type) stream. All mutations run under one mutex with short
// critical sections; read paths hand out snapshots so callers never iterate
// under the lock.
package subs

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/klinehub/internal/source"
)

var (
	ErrBadSymbol     = errors.New("subs: symbol does not match any supported market")
	ErrBadDataType   = errors.New("subs: unknown data type")
	ErrCapExceeded   = errors.New("subs: per-client subscription cap reached")
	ErrUnknownClient = errors.New("subs: unknown client")
)

// Status is the lifecycle state of one subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Subscription is a client's standing interest in one stream.
type Subscription struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"client_id"`
	Symbol    string            `json:"symbol"`
	DataType  source.DataType   `json:"data_type"`
	Frequency string            `json:"frequency,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Status    Status            `json:"status"`
}

// Supported symbol shapes. A-share codes are six digits starting 0, 3 or 6;
// Hong Kong one to five digits; US one to five letters. A market suffix
// such as .SZ or .HK may follow.
var (
	reAShare = regexp.MustCompile(`^[036]\d{5}(\.(SZ|SH))?$`)
	reHK     = regexp.MustCompile(`^\d{1,5}(\.HK)?$`)
	reUS     = regexp.MustCompile(`^[A-Z]{1,5}(\.US)?$`)
)

// ValidSymbol reports whether sym matches one of the supported markets.
func ValidSymbol(sym string) bool {
	return reAShare.MatchString(sym) || reHK.MatchString(sym) || reUS.MatchString(sym)
}

type streamKey struct {
	symbol   string
	dataType source.DataType
}

// Stats is a point-in-time counter snapshot for the stats frame.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Clients       int `json:"clients"`
	Streams       int `json:"streams"`
}

// Index is the in-memory subscription registry.
type Index struct {
	mu        sync.Mutex
	cap       int
	byID      map[string]*Subscription
	byClient  map[string]map[string]*Subscription // client_id -> sub_id -> sub
	byStream  map[streamKey]map[string]*Subscription
	now       func() time.Time
}

// NewIndex builds an empty index. perClientCap <= 0 defaults to 100.
func NewIndex(perClientCap int) *Index {
	if perClientCap <= 0 {
		perClientCap = 100
	}
	return &Index{
		cap:      perClientCap,
		byID:     make(map[string]*Subscription),
		byClient: make(map[string]map[string]*Subscription),
		byStream: make(map[streamKey]map[string]*Subscription),
		now:      time.Now,
	}
}

// Subscribe registers interest. A request identical to an existing active
// subscription (same symbol, data type and frequency) returns that
// subscription unchanged.
func (x *Index) Subscribe(clientID, symbol string, dataType source.DataType, frequency string, filters map[string]string) (*Subscription, error) {
	if clientID == "" {
		return nil, ErrUnknownClient
	}
	if !ValidSymbol(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrBadSymbol, symbol)
	}
	if !source.KnownDataType(dataType) {
		return nil, fmt.Errorf("%w: %q", ErrBadDataType, dataType)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, s := range x.byClient[clientID] {
		if s.Status == StatusActive && s.Symbol == symbol && s.DataType == dataType && s.Frequency == frequency {
			dup := *s
			return &dup, nil
		}
	}
	if len(x.byClient[clientID]) >= x.cap {
		return nil, fmt.Errorf("%w (%d)", ErrCapExceeded, x.cap)
	}

	s := &Subscription{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Symbol:    symbol,
		DataType:  dataType,
		Frequency: frequency,
		Filters:   filters,
		CreatedAt: x.now(),
		Status:    StatusActive,
	}
	x.byID[s.ID] = s
	if x.byClient[clientID] == nil {
		x.byClient[clientID] = make(map[string]*Subscription)
	}
	x.byClient[clientID][s.ID] = s
	key := streamKey{symbol: symbol, dataType: dataType}
	if x.byStream[key] == nil {
		x.byStream[key] = make(map[string]*Subscription)
	}
	x.byStream[key][s.ID] = s

	out := *s
	return &out, nil
}

// Unsubscribe removes one subscription; it reports whether the id belonged
// to the client and was removed.
func (x *Index) Unsubscribe(clientID, subID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.byID[subID]
	if !ok || s.ClientID != clientID {
		return false
	}
	x.removeLocked(s)
	return true
}

// UnsubscribeAll removes every subscription of a client and returns how
// many were removed. Called on disconnect.
func (x *Index) UnsubscribeAll(clientID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	subs := x.byClient[clientID]
	n := len(subs)
	for _, s := range subs {
		x.removeLocked(s)
	}
	return n
}

func (x *Index) removeLocked(s *Subscription) {
	s.Status = StatusCancelled
	delete(x.byID, s.ID)
	if m := x.byClient[s.ClientID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(x.byClient, s.ClientID)
		}
	}
	key := streamKey{symbol: s.Symbol, dataType: s.DataType}
	if m := x.byStream[key]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(x.byStream, key)
		}
	}
}

// Subscribers returns the client ids holding an active subscription for the
// stream. The slice is a snapshot; callers iterate it after the lock is
// released. A client appears once even with several matching subscriptions.
func (x *Index) Subscribers(symbol string, dataType source.DataType) []string {
	x.mu.Lock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(x.byStream[streamKey{symbol: symbol, dataType: dataType}]))
	for _, s := range x.byStream[streamKey{symbol: symbol, dataType: dataType}] {
		if s.Status != StatusActive {
			continue
		}
		if _, dup := seen[s.ClientID]; dup {
			continue
		}
		seen[s.ClientID] = struct{}{}
		out = append(out, s.ClientID)
	}
	x.mu.Unlock()
	return out
}

// ClientSubscriptions returns copies of a client's subscriptions.
func (x *Index) ClientSubscriptions(clientID string) []Subscription {
	x.mu.Lock()
	defer x.mu.Unlock()
	subs := x.byClient[clientID]
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, *s)
	}
	return out
}

// ActiveStreams returns every (symbol, data type) pair with at least one
// active subscriber. The publisher walks this each tick.
func (x *Index) ActiveStreams() map[string][]source.DataType {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string][]source.DataType)
	for key, m := range x.byStream {
		if len(m) == 0 {
			continue
		}
		out[key.symbol] = append(out[key.symbol], key.dataType)
	}
	return out
}

// Stats returns current counters.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Stats{
		Subscriptions: len(x.byID),
		Clients:       len(x.byClient),
		Streams:       len(x.byStream),
	}
}
