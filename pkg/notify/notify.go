// Package notify implements the notification record and the broker that
// routes it: four priority queues drained at different rates, per-user
// and global subscription fan-out, and message-ID deduplication.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates every notification kind the system emits. Values are
// wire-stable (serialized as their lower_snake_case name, see String).
type Type uint8

const (
	TypeOrderAccepted Type = iota
	TypeOrderRejected
	TypeOrderPartiallyFilled
	TypeOrderFilled
	TypeOrderCanceled
	TypeOrderExpired
	TypeTradeExecuted
	TypeTradeCanceled
	TypeAccountOpen
	TypeAccountUpdate
	TypePositionUpdate
	TypePositionProfit
	TypeRiskAlert
	TypeMarginCall
	TypePositionLimit
	TypeSystemNotice
	TypeTradingSessionStart
	TypeTradingSessionEnd
	TypeMarketHalt
)

var typeNames = map[Type]string{
	TypeOrderAccepted:        "order_accepted",
	TypeOrderRejected:        "order_rejected",
	TypeOrderPartiallyFilled: "order_partially_filled",
	TypeOrderFilled:          "order_filled",
	TypeOrderCanceled:        "order_canceled",
	TypeOrderExpired:         "order_expired",
	TypeTradeExecuted:        "trade_executed",
	TypeTradeCanceled:        "trade_canceled",
	TypeAccountOpen:          "account_open",
	TypeAccountUpdate:        "account_update",
	TypePositionUpdate:       "position_update",
	TypePositionProfit:       "position_profit",
	TypeRiskAlert:            "risk_alert",
	TypeMarginCall:           "margin_call",
	TypePositionLimit:        "position_limit",
	TypeSystemNotice:         "system_notice",
	TypeTradingSessionStart:  "trading_session_start",
	TypeTradingSessionEnd:    "trading_session_end",
	TypeMarketHalt:           "market_halt",
}

// String returns the wire name for t.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Channel returns the subscription channel a notification type belongs
// to, letting a gateway filter by broad category ("trade", "account",
// "position", "risk", "system") instead of the full Type enum.
func (t Type) Channel() string {
	switch t {
	case TypeOrderAccepted, TypeOrderRejected, TypeOrderPartiallyFilled, TypeOrderFilled,
		TypeOrderCanceled, TypeOrderExpired, TypeTradeExecuted, TypeTradeCanceled:
		return "trade"
	case TypeAccountOpen, TypeAccountUpdate:
		return "account"
	case TypePositionUpdate, TypePositionProfit:
		return "position"
	case TypeRiskAlert, TypeMarginCall, TypePositionLimit:
		return "risk"
	default:
		return "system"
	}
}

// Priority levels, 0 highest.
const (
	PriorityP0 uint8 = iota
	PriorityP1
	PriorityP2
	PriorityP3
)

// DefaultPriority returns a notification type's default routing
// priority. Risk and margin events are P0; order/trade acknowledgements
// are P1; account/position bookkeeping is P2; everything else is P3.
func DefaultPriority(t Type) uint8 {
	switch t {
	case TypeRiskAlert, TypeMarginCall, TypeOrderRejected:
		return PriorityP0
	case TypeOrderAccepted, TypeOrderPartiallyFilled, TypeOrderFilled, TypeOrderCanceled, TypeTradeExecuted:
		return PriorityP1
	case TypeAccountOpen, TypeAccountUpdate, TypePositionUpdate, TypePositionProfit:
		return PriorityP2
	default:
		return PriorityP3
	}
}

// Notification is one message routed through the broker to a user's
// gateway session(s).
type Notification struct {
	MessageID   string
	MessageType Type
	UserID      string
	Priority    uint8
	Payload     []byte // caller-defined JSON payload for MessageType
	Timestamp   int64
	Source      string
}

// New creates a Notification with its default priority for messageType
// and a fresh UUID message ID.
func New(messageType Type, userID string, payload []byte, source string) *Notification {
	return &Notification{
		MessageID:   uuid.NewString(),
		MessageType: messageType,
		UserID:      userID,
		Priority:    DefaultPriority(messageType),
		Payload:     payload,
		Timestamp:   time.Now().UnixNano(),
		Source:      source,
	}
}

// WithPriority creates a Notification overriding its default priority.
func WithPriority(messageType Type, userID string, payload []byte, priority uint8, source string) *Notification {
	n := New(messageType, userID, payload, source)
	n.Priority = priority
	return n
}

// ToJSON renders the wire format documented in the external interfaces:
// {message_id, message_type, user_id, priority, timestamp, source, payload}.
func (n *Notification) ToJSON() string {
	return fmt.Sprintf(
		`{"message_id":%q,"message_type":%q,"user_id":%q,"priority":%d,"timestamp":%d,"source":%q,"payload":%s}`,
		n.MessageID, n.MessageType.String(), n.UserID, n.Priority, n.Timestamp, n.Source, payloadOrNull(n.Payload),
	)
}

func payloadOrNull(p []byte) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}
