// Package protocol implements the OMS wire protocol.
//
// Every payload is a single JSON document tagged with a top-level envelope:
//
//	{"group":"oms","msg_type":"<tag>", ...per-type fields...}
//
// Recognised tags: init, next_request_id, heartbeat, new_order, position,
// execution, error. The remaining tags of the protocol vocabulary
// (delete_order, modify_order, order_status, execution_history) are
// reserved; the decoder rejects them like any unknown tag and a logged-in
// sender gets a SYSTEM_ERROR reply.
//
// Messages decode into immutable tagged variants behind the Message
// interface; routing is an exhaustive type switch. All timestamps are
// ISO-8601 strings in UTC-naive form.
package protocol

import (
	"time"

	"oms/pkg/types"
)

// Group is the envelope group every OMS payload must carry.
const Group = "oms"

// MsgType tags a message variant inside the envelope.
type MsgType string

const (
	MsgInit             MsgType = "init"
	MsgNextRequestID    MsgType = "next_request_id"
	MsgHeartbeat        MsgType = "heartbeat"
	MsgNewOrder         MsgType = "new_order"
	MsgPosition         MsgType = "position"
	MsgExecution        MsgType = "execution"
	MsgError            MsgType = "error"
	MsgDeleteOrder      MsgType = "delete_order"      // reserved
	MsgModifyOrder      MsgType = "modify_order"      // reserved
	MsgOrderStatus      MsgType = "order_status"      // reserved
	MsgExecutionHistory MsgType = "execution_history" // reserved
)

// ErrorCode identifies a structured error reply.
type ErrorCode int

const (
	SystemError         ErrorCode = 100
	DuplicatedSessionID ErrorCode = 101
	BadRequestID        ErrorCode = 102
	AlreadyLoggedIn     ErrorCode = 103
	NotLoggedIn         ErrorCode = 104
	InitError           ErrorCode = 105
	OrderError          ErrorCode = 106
	OrderRejected       ErrorCode = 107
)

// Heartbeat contract shared between server and client. All changes must be
// deployed to both sides.
const (
	HeartbeatInterval = 15 * time.Second // heartbeat sent every interval
	HeartbeatLiveness = 5                // at most this many heartbeats may be missed
	RetryInterval     = 2 * time.Second  // client waits this long before the first retry
	MaxRetryInterval  = 32 * time.Second // client backoff cap
)

// HeartbeatExpired reports whether a peer that last spoke at `last` has
// exceeded the liveness window. A zero time means the peer never spoke and
// is not expired.
func HeartbeatExpired(last time.Time) bool {
	if last.IsZero() {
		return false
	}
	return time.Now().After(last.Add(HeartbeatLiveness * HeartbeatInterval))
}

// TimeLayout is the UTC-naive ISO-8601 form used on the wire.
const TimeLayout = "2006-01-02T15:04:05.999999"

// FormatTime renders a timestamp in wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a wire timestamp, with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse("2006-01-02T15:04:05", s)
	}
	return t, nil
}

// Message is one decoded protocol variant.
type Message interface {
	Type() MsgType
}

// Init is the login request: the client introduces its session, account,
// and declared strategy → portfolio bindings.
type Init struct {
	SessionID  string            `json:"session_id"`
	AccountID  string            `json:"account_id"`
	Strategies map[string]string `json:"strategies"` // strategy → portfolio
}

func (*Init) Type() MsgType { return MsgInit }

// NextRequestID carries the request-id watermark: the reply to INIT and to
// explicit resynchronisation pushes.
type NextRequestID struct {
	NextRequestID int64 `json:"next_request_id"`
}

func (*NextRequestID) Type() MsgType { return MsgNextRequestID }

// Heartbeat flows both ways. Server heartbeats set Next (when the next one
// is due) and IsReady (all brokers connected); client heartbeats carry only
// the timestamp.
type Heartbeat struct {
	Timestamp string `json:"timestamp"`
	Next      string `json:"next,omitempty"`
	IsReady   bool   `json:"is_ready"`
	Message   string `json:"message,omitempty"`
}

func (*Heartbeat) Type() MsgType { return MsgHeartbeat }

// NewOrder is the order placement request. Market, OrderType and Action are
// kept as raw wire strings; the session validates them against the typed
// enums on ingress.
type NewOrder struct {
	RequestID int64         `json:"request_id"`
	Market    string        `json:"market"`
	Symbol    string        `json:"symbol"`
	OrderType string        `json:"order_type"`
	IsBuy     bool          `json:"is_buy"`
	Quantity  int           `json:"quantity"`
	Price     float64       `json:"price"`
	Portfolio string        `json:"portfolio"`
	Action    string        `json:"action"`
	Strategy  string        `json:"strategy"`
	Reference string        `json:"reference"`
	Comment   types.Comment `json:"comment"`
}

func (*NewOrder) Type() MsgType { return MsgNewOrder }

// Position is both the position request (RequestID only) and the reply
// (nested account → portfolios → positions → positions_by_entry → order).
type Position struct {
	RequestID int64            `json:"request_id,omitempty"`
	Account   *PositionAccount `json:"account,omitempty"`
}

func (*Position) Type() MsgType { return MsgPosition }

// PositionAccount is the root of the position reply tree.
type PositionAccount struct {
	ID         string              `json:"id"`
	Cash       float64             `json:"cash"`
	Currency   string              `json:"currency"`
	Portfolios []PositionPortfolio `json:"portfolios"`
}

// PositionPortfolio groups positions under one portfolio.
type PositionPortfolio struct {
	ID        string         `json:"id"`
	Positions []PositionItem `json:"positions"`
}

// PositionItem is one strategy's net position in one contract.
type PositionItem struct {
	Strategy         string                `json:"strategy"`
	Market           string                `json:"market"`
	Symbol           string                `json:"symbol"`
	Position         int                   `json:"position"`
	AvgPrice         float64               `json:"avg_price"`
	ForceRenew       bool                  `json:"force_renew"`
	PositionsByEntry []PositionByEntryItem `json:"positions_by_entry"`
}

// PositionByEntryItem is one atomic entry ticket under a position, with its
// originating order and any manual operations recorded against it.
type PositionByEntryItem struct {
	Position   int             `json:"position"`
	AvgPrice   float64         `json:"avg_price"`
	State      string          `json:"state"`
	Created    string          `json:"created"`
	Operations []OperationItem `json:"operations,omitempty"`
	Order      *EntryOrderItem `json:"order,omitempty"`
}

// OperationItem is one audited manual adjustment (AMEND, REDUCE, INCREASE).
type OperationItem struct {
	PortfolioID    string  `json:"portfolio_id"`
	Strategy       string  `json:"strategy"`
	Action         string  `json:"action"`
	Position       int     `json:"position"`
	Price          float64 `json:"price"`
	OrderReference string  `json:"order_reference"`
	Identity       string  `json:"identity"`
	Created        string  `json:"created"`
}

// EntryOrderItem is the originating entry order attached to a
// position-by-entry row in the position reply.
type EntryOrderItem struct {
	OrderID   int64         `json:"order_id"`
	Market    string        `json:"market"`
	Symbol    string        `json:"symbol"`
	OrderType string        `json:"order_type"`
	IsBuy     bool          `json:"is_buy"`
	Quantity  int           `json:"quantity"`
	Price     float64       `json:"price"`
	Portfolio string        `json:"portfolio"`
	Action    string        `json:"action"`
	Strategy  string        `json:"strategy"`
	Reference string        `json:"reference"`
	Comment   types.Comment `json:"comment,omitempty"`
}

// Execution is the fill report pushed to the owning session.
type Execution struct {
	RequestID int64           `json:"request_id,omitempty"`
	Items     []ExecutionItem `json:"items"`
}

func (*Execution) Type() MsgType { return MsgExecution }

// ExecutionItem is one fill against one order.
type ExecutionItem struct {
	OrderID           int64         `json:"order_id"` // session-scoped order id, 0 for OMS-originated
	ExecutionID       string        `json:"execution_id"`
	ExecutionTime     string        `json:"execution_time"`
	Market            string        `json:"market"`
	Symbol            string        `json:"symbol"`
	IsBuy             bool          `json:"is_buy"`
	Quantity          int           `json:"quantity"`
	Price             float64       `json:"price"`
	RemainingQuantity int           `json:"remaining_quantity"`
	Portfolio         string        `json:"portfolio"`
	Strategy          string        `json:"strategy"`
	Action            string        `json:"action"`
	Reference         string        `json:"reference"`
	Comment           types.Comment `json:"comment,omitempty"`
}

// Error is the structured error reply.
type Error struct {
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID int64     `json:"request_id,omitempty"`
}

func (*Error) Type() MsgType { return MsgError }
