package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/subs"
)

// StatsFunc supplies the aggregate counters returned by a stats request.
type StatsFunc func() map[string]any

// Router dispatches typed inbound frames. Validation and protocol errors
// are answered with typed error frames; they never tear the connection
// down.
type Router struct {
	mgr        *Manager
	index      *subs.Index
	supervisor *Supervisor
	stats      StatsFunc
	recov      *recovery.Handler
}

// NewRouter wires the dispatcher. stats and recov may be nil.
func NewRouter(mgr *Manager, index *subs.Index, supervisor *Supervisor, stats StatsFunc, recov *recovery.Handler) *Router {
	return &Router{mgr: mgr, index: index, supervisor: supervisor, stats: stats, recov: recov}
}

// Handle processes one inbound frame from clientID.
func (rt *Router) Handle(clientID string, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		rt.replyError(clientID, recovery.CatProtocol, "malformed frame: "+err.Error(), "")
		return
	}

	if in.Timestamp <= 0 {
		rt.replyError(clientID, recovery.CatValidation, "missing required field: timestamp", "")
		return
	}

	switch in.Type {
	case MsgSubscribe:
		rt.handleSubscribe(clientID, in)
	case MsgUnsubscribe:
		rt.handleUnsubscribe(clientID, in)
	case MsgGetSubscriptions:
		rt.reply(clientID, newOutbound(MsgSubscriptionResponse, map[string]any{
			"subscriptions": rt.index.ClientSubscriptions(clientID),
		}))
	case MsgHeartbeat:
		rt.handleHeartbeat(clientID, in)
	case MsgPing:
		rt.reply(clientID, newOutbound(MsgPong, nil))
	case MsgGetStats:
		rt.handleStats(clientID)
	default:
		rt.replyError(clientID, recovery.CatValidation, "unknown message type: "+in.Type, "")
	}
}

func (rt *Router) handleSubscribe(clientID string, in Inbound) {
	var p SubscribePayload
	if err := json.Unmarshal(in.Data, &p); err != nil {
		rt.replyError(clientID, recovery.CatValidation, "bad subscribe payload: "+err.Error(), "")
		return
	}
	sub, err := rt.index.Subscribe(clientID, p.Symbol, p.DataType, p.Frequency, p.Filters)
	if err != nil {
		cat := recovery.CatValidation
		if errors.Is(err, subs.ErrCapExceeded) {
			cat = recovery.CatSubscription
		}
		if rt.recov != nil {
			rt.recov.Record(recovery.CatSubscription, clientID, recovery.SevLow, err.Error())
		}
		rt.replyError(clientID, cat, err.Error(), "")
		return
	}
	rt.reply(clientID, newOutbound(MsgSubscriptionResponse, sub))
}

func (rt *Router) handleUnsubscribe(clientID string, in Inbound) {
	var p UnsubscribePayload
	if err := json.Unmarshal(in.Data, &p); err != nil {
		rt.replyError(clientID, recovery.CatValidation, "bad unsubscribe payload: "+err.Error(), "")
		return
	}
	ok := rt.index.Unsubscribe(clientID, p.SubscriptionID)
	if !ok {
		rt.replyError(clientID, recovery.CatSubscription, "no such subscription", p.SubscriptionID)
		return
	}
	rt.reply(clientID, newOutbound(MsgSubscriptionResponse, map[string]any{
		"subscription_id": p.SubscriptionID,
		"status":          subs.StatusCancelled,
	}))
}

func (rt *Router) handleHeartbeat(clientID string, in Inbound) {
	if rt.supervisor != nil {
		rt.supervisor.Touch(clientID)
	}
	ack := HeartbeatAck{ServerTime: time.Now().UnixMilli()}
	var p HeartbeatPayload
	if len(in.Data) > 0 && json.Unmarshal(in.Data, &p) == nil && p.ClientTime > 0 {
		ack.RTTMillis = time.Now().UnixMilli() - p.ClientTime
	}
	rt.reply(clientID, newOutbound(MsgHeartbeatAck, ack))
}

func (rt *Router) handleStats(clientID string) {
	data := map[string]any{
		"connections":   rt.mgr.Stats(),
		"subscriptions": rt.index.Stats(),
	}
	if rt.stats != nil {
		for k, v := range rt.stats() {
			data[k] = v
		}
	}
	rt.reply(clientID, newOutbound(MsgStats, data))
}

func (rt *Router) reply(clientID string, out Outbound) {
	if err := rt.mgr.Send(clientID, out); err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Str("type", out.Type).Msg("reply dropped")
	}
}

func (rt *Router) replyError(clientID string, cat recovery.Category, message, subID string) {
	rt.reply(clientID, errorFrame(cat, message, clientID, subID))
}
