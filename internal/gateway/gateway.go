// Package gateway defines the contract between the order server and a
// broker connection. A Gateway owns one venue link; it accepts order
// commands keyed by an order reference (the server's request id rendered as
// a string) and reports everything back through registered callbacks:
// connection transitions, order status updates, executions, open-order
// snapshots, and venue errors.
package gateway

import (
	"errors"
	"time"

	"oms/pkg/types"
)

// ErrBrokenPipe signals that the venue link died mid-call. The broker
// wrapper reacts by marking the broker disconnected and tearing the
// gateway down; any other error is reported to the caller unchanged.
var ErrBrokenPipe = errors.New("gateway: broken pipe")

// ConnectionStatus is the venue link state reported by ConnectionUpdate.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "CONNECTED"
	Disconnected ConnectionStatus = "DISCONNECTED"
)

// OrderStatus is the venue-side order state vocabulary. The server maps it
// onto its own order lifecycle on ingestion.
type OrderStatus string

const (
	StatusUndefined     OrderStatus = "UNDEFINED"
	StatusSubmitted     OrderStatus = "SUBMITTED"
	StatusFilled        OrderStatus = "FILLED"
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusInactive      OrderStatus = "INACTIVE"
	StatusRejected      OrderStatus = "REJECTED"
)

// TIF is the venue time-in-force.
type TIF string

const (
	GTC TIF = "GTC"
	GTD TIF = "GTD"
)

// Order is one order submission toward the venue.
type Order struct {
	Symbol       string // contract code, already front-month resolved
	Exchange     string
	OrderType    types.OrderType
	IsBuy        bool
	Quantity     int
	LimitPrice   *float64
	StopPrice    *float64
	TIF          TIF
	OutsideRTH   bool
	GoodTillDate string
}

// ConnectionUpdate reports a venue link transition.
type ConnectionUpdate struct {
	Status ConnectionStatus
}

// OrderUpdate reports one venue-side order state change. Order carries the
// venue's current view of the order; for stop orders its StopPrice and
// Quantity are compared against the ledger to detect manual desk changes.
type OrderUpdate struct {
	ClientID     int
	GatewayName  string
	OrderRef     string
	Status       OrderStatus
	Filled       int
	Remaining    int
	IsHistorical bool
	Order        Order
}

// ExecutionUpdate reports one fill.
type ExecutionUpdate struct {
	ClientID      int
	GatewayName   string
	ExecID        string
	OrderRef      string
	BrokerOrderID int64
	IsBuy         bool
	Symbol        string
	Filled        int
	AvgPrice      float64
	CumQty        int
	Commission    float64
	Currency      string
	Timestamp     time.Time
}

// OpenOrder is one entry of an open-orders snapshot.
type OpenOrder struct {
	GatewayName string
	OrderRef    string
}

// OpenOrdersSnapshot closes a RequestOpenOrders round: every order the
// venue still considers open. Orders missing from it were expired or
// cancelled while the server was away.
type OpenOrdersSnapshot struct {
	IsHistorical bool
	OpenOrders   []OpenOrder
}

// AccountInfoUpdate reports one account value field from the venue.
type AccountInfoUpdate struct {
	GatewayName string
	Account     string
	Key         string
	Value       string
	Currency    string
}

// PositionUpdate reports the venue's own view of one position. The server
// keeps its own book from executions; these are informational.
type PositionUpdate struct {
	GatewayName string
	Account     string
	Symbol      string
	Position    int
	AvgCost     float64
}

// ErrorEvent is a venue error. OrderRef is non-empty when the error is
// bound to a specific order.
type ErrorEvent struct {
	GatewayName string
	Code        int
	Message     string
	OrderRef    string
}

// Events is the callback registry a gateway reports through. Handlers are
// set before Connect and never swapped afterwards; nil handlers drop the
// event.
type Events struct {
	OnConnectionUpdate  func(src Gateway, ev ConnectionUpdate)
	OnOrderUpdate       func(src Gateway, ev OrderUpdate)
	OnExecution         func(src Gateway, ev ExecutionUpdate)
	OnOpenOrderEnd      func(src Gateway, ev OpenOrdersSnapshot)
	OnAccountInfoUpdate func(src Gateway, ev AccountInfoUpdate)
	OnPositionUpdate    func(src Gateway, ev PositionUpdate)
	OnError             func(src Gateway, ev ErrorEvent)
}

func (e *Events) emitConnectionUpdate(src Gateway, ev ConnectionUpdate) {
	if e.OnConnectionUpdate != nil {
		e.OnConnectionUpdate(src, ev)
	}
}

func (e *Events) emitOrderUpdate(src Gateway, ev OrderUpdate) {
	if e.OnOrderUpdate != nil {
		e.OnOrderUpdate(src, ev)
	}
}

func (e *Events) emitExecution(src Gateway, ev ExecutionUpdate) {
	if e.OnExecution != nil {
		e.OnExecution(src, ev)
	}
}

func (e *Events) emitOpenOrderEnd(src Gateway, ev OpenOrdersSnapshot) {
	if e.OnOpenOrderEnd != nil {
		e.OnOpenOrderEnd(src, ev)
	}
}

func (e *Events) emitAccountInfoUpdate(src Gateway, ev AccountInfoUpdate) {
	if e.OnAccountInfoUpdate != nil {
		e.OnAccountInfoUpdate(src, ev)
	}
}

func (e *Events) emitPositionUpdate(src Gateway, ev PositionUpdate) {
	if e.OnPositionUpdate != nil {
		e.OnPositionUpdate(src, ev)
	}
}

func (e *Events) emitError(src Gateway, ev ErrorEvent) {
	if e.OnError != nil {
		e.OnError(src, ev)
	}
}

// Gateway is one broker venue connection.
type Gateway interface {
	// Name identifies the gateway; it is the broker_id recorded in the
	// ledger.
	Name() string
	// Identity is the venue client id; events from other client ids of the
	// same account are ignored.
	Identity() int
	// Events returns the callback registry.
	Events() *Events

	Connect() error
	Disconnect() error
	Ping() error
	IsHealthy() bool

	PlaceOrder(orderRef string, order Order) error
	ModifyOrder(orderRef string, order Order) error
	CancelOrder(orderRef string) error
	RequestExecutions() error
	RequestOpenOrders() error
}
