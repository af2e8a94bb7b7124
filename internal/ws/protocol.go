// Package ws is the realtime fan-out server: connection registry, message
// router, frame codec, heartbeat supervisor and the data publisher that
// feeds subscribers from the configured quote source.
package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/source"
)

// Inbound message types.
const (
	MsgSubscribe        = "subscribe"
	MsgUnsubscribe      = "unsubscribe"
	MsgGetSubscriptions = "get_subscriptions"
	MsgHeartbeat        = "heartbeat"
	MsgPing             = "ping"
	MsgGetStats         = "get_stats"
)

// Outbound message types.
const (
	MsgWelcome              = "welcome"
	MsgSubscriptionResponse = "subscription_response"
	MsgMarketData           = "market_data"
	MsgKlineData            = "kline_data"
	MsgTradeData            = "trade_data"
	MsgDepthData            = "depth_data"
	MsgStatus               = "status"
	MsgError                = "error"
	MsgHeartbeatAck         = "heartbeat"
	MsgPong                 = "pong"
	MsgStats                = "stats"
	MsgBatch                = "batch"
)

// Inbound frames larger than this are rejected at the transport.
const maxFrameBytes = 1 << 20

// Inbound is the client-to-server frame envelope.
type Inbound struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// Outbound is the server-to-client frame envelope.
type Outbound struct {
	Type      string         `json:"type"`
	Data      any            `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	MessageID string         `json:"message_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newOutbound(typ string, data any) Outbound {
	return Outbound{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// SubscribePayload is the data object of a subscribe frame.
type SubscribePayload struct {
	Symbol    string            `json:"symbol"`
	DataType  source.DataType   `json:"data_type"`
	Frequency string            `json:"frequency,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// UnsubscribePayload is the data object of an unsubscribe frame.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// HeartbeatPayload carries the optional client clock for RTT measurement.
type HeartbeatPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// HeartbeatAck is the pong-like heartbeat echo.
type HeartbeatAck struct {
	ServerTime int64 `json:"server_time"`
	RTTMillis  int64 `json:"rtt_ms,omitempty"`
}

// WelcomePayload is sent once after a successful register.
type WelcomePayload struct {
	ClientID          string            `json:"client_id"`
	DataTypes         []source.DataType `json:"data_types"`
	HeartbeatInterval int               `json:"heartbeat_interval_sec"`
	MaxSubscriptions  int               `json:"max_subscriptions"`
	Reattached        int               `json:"reattached_subscriptions,omitempty"`
}

// ErrorPayload is the typed error frame body.
type ErrorPayload struct {
	ErrorType      recovery.Category `json:"error_type"`
	Message        string            `json:"message"`
	ClientID       string            `json:"client_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	TraceID        string            `json:"trace_id"`
}

func errorFrame(cat recovery.Category, message, clientID, subID string) Outbound {
	return newOutbound(MsgError, ErrorPayload{
		ErrorType:      cat,
		Message:        message,
		ClientID:       clientID,
		SubscriptionID: subID,
		TraceID:        uuid.NewString(),
	})
}

// dataFrameType maps a stream data type to its outbound frame type.
func dataFrameType(dt source.DataType) string {
	switch dt {
	case source.TypeKline:
		return MsgKlineData
	case source.TypeTrade:
		return MsgTradeData
	case source.TypeDepth:
		return MsgDepthData
	default:
		return MsgMarketData
	}
}

// controlFrame reports whether a frame type must bypass coalescing and be
// delivered on its own.
func controlFrame(typ string) bool {
	switch typ {
	case MsgWelcome, MsgSubscriptionResponse, MsgError, MsgHeartbeatAck, MsgPong, MsgStatus, MsgStats:
		return true
	}
	return false
}
