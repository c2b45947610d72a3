package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sim is an in-process gateway for development and tests. MKT and LMT
// orders fill immediately and completely at the configured mark (falling
// back to the order's own price); STP and STP_LMT orders rest until
// cancelled or force-filled with FillResting. Callbacks fire synchronously
// on the caller's goroutine.
type Sim struct {
	name   string
	marks  map[string]float64 // symbol → fill price
	events Events
	logger *slog.Logger

	mu         sync.Mutex
	connected  bool
	nextID     int64
	resting    map[string]Order // orderRef → resting stop order
	executions []ExecutionUpdate
	positions  map[string]int // symbol → venue net position
}

var _ Gateway = (*Sim)(nil)

// NewSim builds a simulated gateway.
func NewSim(name string, marks map[string]float64, logger *slog.Logger) *Sim {
	return &Sim{
		name:    name,
		marks:   marks,
		logger:    logger.With("component", "sim_gateway", "name", name),
		nextID:    1,
		resting:   make(map[string]Order),
		positions: make(map[string]int),
	}
}

func (s *Sim) Name() string    { return s.name }
func (s *Sim) Identity() int   { return 0 }
func (s *Sim) Events() *Events { return &s.events }

func (s *Sim) Connect() error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("connected")
	s.events.emitConnectionUpdate(s, ConnectionUpdate{Status: Connected})
	s.events.emitAccountInfoUpdate(s, AccountInfoUpdate{
		GatewayName: s.name, Key: "AccountReady", Value: "true",
	})
	return nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()
	if wasConnected {
		s.logger.Info("disconnected")
		s.events.emitConnectionUpdate(s, ConnectionUpdate{Status: Disconnected})
	}
	return nil
}

func (s *Sim) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrBrokenPipe
	}
	return nil
}

func (s *Sim) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// PlaceOrder accepts the order and, for immediately executable types,
// fills it in full.
func (s *Sim) PlaceOrder(orderRef string, order Order) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrBrokenPipe
	}
	brokerOrderID := s.nextID
	s.nextID++

	resting := order.OrderType.IsStop()
	if resting {
		s.resting[orderRef] = order
	}
	s.mu.Unlock()

	s.logger.Info("order accepted", "order_ref", orderRef, "symbol", order.Symbol,
		"type", order.OrderType, "is_buy", order.IsBuy, "quantity", order.Quantity)
	s.events.emitOrderUpdate(s, OrderUpdate{
		GatewayName: s.name,
		OrderRef:    orderRef,
		Status:      StatusSubmitted,
		Remaining:   order.Quantity,
		Order:       order,
	})

	if !resting {
		s.fill(orderRef, brokerOrderID, order, order.Quantity, s.fillPrice(order))
	}
	return nil
}

// ModifyOrder replaces a resting order in place.
func (s *Sim) ModifyOrder(orderRef string, order Order) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrBrokenPipe
	}
	if _, ok := s.resting[orderRef]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("modify order %s: not resting", orderRef)
	}
	s.resting[orderRef] = order
	s.mu.Unlock()

	s.events.emitOrderUpdate(s, OrderUpdate{
		GatewayName: s.name,
		OrderRef:    orderRef,
		Status:      StatusSubmitted,
		Remaining:   order.Quantity,
		Order:       order,
	})
	return nil
}

// CancelOrder cancels a resting order.
func (s *Sim) CancelOrder(orderRef string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrBrokenPipe
	}
	order, ok := s.resting[orderRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel order %s: not resting", orderRef)
	}
	delete(s.resting, orderRef)
	s.mu.Unlock()

	s.logger.Info("order cancelled", "order_ref", orderRef)
	s.events.emitOrderUpdate(s, OrderUpdate{
		GatewayName: s.name,
		OrderRef:    orderRef,
		Status:      StatusCancelled,
		Remaining:   order.Quantity,
		Order:       order,
	})
	return nil
}

// RequestExecutions replays every execution recorded since startup.
func (s *Sim) RequestExecutions() error {
	s.mu.Lock()
	replay := make([]ExecutionUpdate, len(s.executions))
	copy(replay, s.executions)
	s.mu.Unlock()

	for _, ev := range replay {
		s.events.emitExecution(s, ev)
	}
	return nil
}

// RequestOpenOrders reports every resting order as a historical update,
// then closes the round with a snapshot.
func (s *Sim) RequestOpenOrders() error {
	s.mu.Lock()
	refs := make([]string, 0, len(s.resting))
	orders := make([]Order, 0, len(s.resting))
	for ref, order := range s.resting {
		refs = append(refs, ref)
		orders = append(orders, order)
	}
	s.mu.Unlock()

	open := make([]OpenOrder, len(refs))
	for i, ref := range refs {
		open[i] = OpenOrder{GatewayName: s.name, OrderRef: ref}
		s.events.emitOrderUpdate(s, OrderUpdate{
			GatewayName:  s.name,
			OrderRef:     ref,
			Status:       StatusSubmitted,
			Remaining:    orders[i].Quantity,
			IsHistorical: true,
			Order:        orders[i],
		})
	}
	s.events.emitOpenOrderEnd(s, OpenOrdersSnapshot{IsHistorical: true, OpenOrders: open})
	return nil
}

// FillResting force-fills a resting stop order, as if the market traded
// through its trigger.
func (s *Sim) FillResting(orderRef string, price float64) error {
	s.mu.Lock()
	order, ok := s.resting[orderRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("fill order %s: not resting", orderRef)
	}
	delete(s.resting, orderRef)
	brokerOrderID := s.nextID
	s.nextID++
	s.mu.Unlock()

	s.fill(orderRef, brokerOrderID, order, order.Quantity, price)
	return nil
}

func (s *Sim) fillPrice(order Order) float64 {
	if mark, ok := s.marks[order.Symbol]; ok {
		return mark
	}
	if order.LimitPrice != nil {
		return *order.LimitPrice
	}
	if order.StopPrice != nil {
		return *order.StopPrice
	}
	return 0
}

func (s *Sim) fill(orderRef string, brokerOrderID int64, order Order, quantity int, price float64) {
	exec := ExecutionUpdate{
		GatewayName:   s.name,
		ExecID:        uuid.NewString(),
		OrderRef:      orderRef,
		BrokerOrderID: brokerOrderID,
		IsBuy:         order.IsBuy,
		Symbol:        order.Symbol,
		Filled:        quantity,
		AvgPrice:      price,
		CumQty:        quantity,
		Currency:      "USD",
		Timestamp:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.executions = append(s.executions, exec)
	if order.IsBuy {
		s.positions[order.Symbol] += quantity
	} else {
		s.positions[order.Symbol] -= quantity
	}
	net := s.positions[order.Symbol]
	s.mu.Unlock()

	s.logger.Info("order filled", "order_ref", orderRef, "quantity", quantity, "price", price)
	s.events.emitExecution(s, exec)
	s.events.emitOrderUpdate(s, OrderUpdate{
		GatewayName: s.name,
		OrderRef:    orderRef,
		Status:      StatusFilled,
		Filled:      quantity,
		Order:       order,
	})
	s.events.emitPositionUpdate(s, PositionUpdate{
		GatewayName: s.name,
		Symbol:      order.Symbol,
		Position:    net,
		AvgCost:     price,
	})
}
