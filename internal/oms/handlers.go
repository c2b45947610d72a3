package oms

import (
	"math"
	"strconv"

	"oms/internal/gateway"
	"oms/internal/ledger"
	"oms/internal/session"
	"oms/pkg/types"
)

// statusToState maps the venue order status vocabulary onto the ledger
// order lifecycle.
var statusToState = map[gateway.OrderStatus]types.OrderState{
	gateway.StatusUndefined:     types.StateInactive,
	gateway.StatusSubmitted:     types.StateActive,
	gateway.StatusFilled:        types.StateFullyFilled,
	gateway.StatusPartialFilled: types.StateActive,
	gateway.StatusCancelled:     types.StateCancelled,
	gateway.StatusInactive:      types.StateInactive,
	gateway.StatusRejected:      types.StateRejected,
}

func floatsClose(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}

func copyComment(c types.Comment) types.Comment {
	out := make(types.Comment, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// handleConnectionUpdate flips the broker connection flag; the true edge
// triggers execution and open-order recovery inside the broker wrapper.
func (c *Core) handleConnectionUpdate(src gateway.Gateway, ev gateway.ConnectionUpdate) {
	c.logger.Info("handle connection update", "broker", src.Name(), "status", ev.Status)
	b, ok := c.brokers[src.Name()]
	if !ok {
		c.logger.Error("connection update from unknown broker", "broker", src.Name())
		return
	}
	switch ev.Status {
	case gateway.Connected:
		b.SetConnected(true)
	case gateway.Disconnected:
		b.SetConnected(false)
	}
}

// handleExecution ingests one fill: dedupe, record, update the position
// book, notify the owning session, and maintain the stop-loss cover when
// the fill completes an entry or exit.
func (c *Core) handleExecution(src gateway.Gateway, ev gateway.ExecutionUpdate) {
	c.logger.Info("handle execution", "broker", src.Name(), "exec_id", ev.ExecID,
		"order_ref", ev.OrderRef, "filled", ev.Filled, "avg_price", ev.AvgPrice)

	// Only handle executions originated by this server's client id.
	if src.Identity() != ev.ClientID {
		c.logger.Info("ignore execution update from other client id", "client_id", ev.ClientID)
		return
	}

	execs, err := c.db.QueryExecutions(src.Name(), ev.ExecID, 0)
	if err != nil {
		c.logger.Error("query executions failed", "exec_id", ev.ExecID, "error", err)
		return
	}
	if len(execs) > 0 {
		c.logger.Info("receive old execution, nothing needs to be done",
			"broker", src.Name(), "exec_id", ev.ExecID)
		return
	}
	c.logger.Info("process new execution", "broker", src.Name(), "exec_id", ev.ExecID)

	if ev.OrderRef == "" || ev.BrokerOrderID == 0 {
		c.logger.Info("skip execution, order reference or broker order id not recognised",
			"order_ref", ev.OrderRef, "broker_order_id", ev.BrokerOrderID)
		return
	}

	if err := c.db.InsertExecution(ledger.ExecutionRecord{
		BrokerID:          src.Name(),
		BrokerOrderID:     ev.OrderRef,
		BrokerExecutionID: ev.ExecID,
		GatewayOrderID:    strconv.FormatInt(ev.BrokerOrderID, 10),
		IsBuy:             ev.IsBuy,
		Symbol:            ev.Symbol,
		Quantity:          ev.Filled,
		Price:             ev.AvgPrice,
		LeaveQuantity:     nil,
		Commission:        ev.Commission,
		Currency:          ev.Currency,
		ExecutionDatetime: ev.Timestamp,
	}); err != nil {
		c.logger.Error("insert execution failed", "exec_id", ev.ExecID, "error", err)
	}

	orders, err := c.db.QueryOrders(ledger.OrderFilter{BrokerID: src.Name(), BrokerOrderID: ev.OrderRef})
	if err != nil || len(orders) != 1 {
		c.logger.Error("cannot find the order, unable to update position",
			"broker_order_id", ev.OrderRef, "matches", len(orders), "error", err)
		return
	}
	order := orders[0]

	positionDelta := types.SignedQuantity(ev.IsBuy, ev.Filled)
	avgPrice := ev.AvgPrice
	fullyFilled := order.Quantity-ev.CumQty == 0

	// Server-originated roll orders move contracts, not strategy positions.
	if order.Strategy == strategyOMS {
		c.logger.Info("order was sent by OMS, no position update", "order_ref", ev.OrderRef)
		if fullyFilled {
			c.completeRollOrder(ev.OrderRef)
		}
		return
	}

	positions, err := c.db.QueryPositions(order.Portfolio, order.Strategy, order.Market, order.Symbol)
	if err != nil {
		c.logger.Error("query positions failed", "error", err)
		return
	}
	if len(positions) > 0 && positions[0].Position != 0 {
		existing := positions[0]
		avgPrice = (avgPrice*math.Abs(float64(positionDelta)) +
			existing.AvgPrice*math.Abs(float64(existing.Position))) /
			(math.Abs(float64(positionDelta)) + math.Abs(float64(existing.Position)))
		c.logger.Info("existing position found, computed new average price",
			"position", existing.Position, "existing_avg_price", existing.AvgPrice,
			"avg_price", avgPrice)
	}

	if err := c.db.UpdatePosition(order.Portfolio, order.Strategy, order.Market, order.Symbol,
		positionDelta, &avgPrice); err != nil {
		c.logger.Error("update position failed", "error", err)
	}
	if fullyFilled {
		// There is no order update event when the fill happened while the
		// gateway was disconnected.
		zero, qty := 0, order.Quantity
		if err := c.db.UpdateOrder(src.Name(), ev.OrderRef, ledger.OrderUpdate{
			RemainingQuantity: &zero, FilledQuantity: &qty, State: types.StateFullyFilled,
		}); err != nil {
			c.logger.Error("update order failed", "broker_order_id", ev.OrderRef, "error", err)
		}
	}

	brokerOrderID, _ := strconv.ParseInt(ev.OrderRef, 10, 64)
	sess := c.lookupSessionByOrderID(brokerOrderID)
	if sess != nil {
		c.logger.Info("order belongs to session", "order_ref", ev.OrderRef, "session_id", sess.ID())
		sess.PublishExecution(ev, order)
		sess.PublishPosition()
	}

	if ev.CumQty != order.Quantity {
		return
	}

	switch {
	case order.Action.IsEntry():
		c.logger.Info("entry order fully filled, send stop-loss order",
			"order_ref", ev.OrderRef, "exec_id", ev.ExecID)

		comment := copyComment(order.Comment)
		offset, ok := comment.GetFloat(types.CommentStopLossOffset)
		if !ok {
			c.logger.Error("entry order carries no stop_loss_offset, stop-loss not sent",
				"order_ref", ev.OrderRef)
			return
		}
		price := ev.AvgPrice + offset
		if ins, found := c.instruments.Find(types.Market(order.Market), order.Symbol); found {
			price = ins.NearestWorseTick(price, ev.IsBuy)
		}
		if absolute, found := comment.GetFloat(types.CommentStopLossAbsolute); found {
			c.logger.Info("absolute stop-loss overrides stop-loss with offset",
				"absolute", absolute, "offset_price", price)
			price = absolute
		}
		comment[types.CommentCost] = ev.AvgPrice

		c.placeStop(order.SessionID, types.Market(order.Market), order.Symbol, !order.IsBuy,
			order.Quantity, price, order.Portfolio, order.Strategy, order.OrderID, comment, sess)
		if err := c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
			SessionID: order.SessionID, OrderID: order.OrderID,
			AvgPrice: &avgPrice, State: string(types.StateFullyFilled),
		}); err != nil {
			c.logger.Error("update position_by_entry failed", "error", err)
		}

	case order.Action.IsExit():
		orderRef := order.Comment.GetString(types.CommentOrderReference)
		if orderRef != "" {
			if err := c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
				PortfolioID: order.Portfolio, Strategy: order.Strategy,
				OrderReference: orderRef, State: string(types.StateExited),
			}); err != nil {
				c.logger.Error("update position_by_entry failed", "error", err)
			}
			return
		}
		c.exitPositionsByEntry(order, sess)
	}
}

// exitPositionsByEntry consumes per-entry rows oldest first against an exit
// fill without an order reference. Entries smaller than the remaining exit
// quantity are closed; a larger one is shrunk and its protective stop is
// replaced at the reduced size.
func (c *Core) exitPositionsByEntry(order ledger.Order, sess *session.Session) {
	entries, err := c.db.QueryPositionsByEntry(order.Portfolio, order.Strategy, order.Market, order.Symbol)
	if err != nil {
		c.logger.Error("query position_by_entry failed", "error", err)
		return
	}

	orderQuantity := order.Quantity
	accumulated := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if accumulated == order.Quantity {
			break
		}
		if accumulated > order.Quantity {
			c.logger.Warn("quantity of exit order exceeds the accumulated entry positions",
				"accumulated", accumulated, "order_quantity", order.Quantity)
			break
		}

		entry := entries[i]
		if orderQuantity < entry.Position {
			// Partial exit: shrink the entry and replace its stop.
			newPosition := entry.Position - orderQuantity
			if err := c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
				PortfolioID: order.Portfolio, Strategy: order.Strategy,
				OrderReference: entry.OrderReference, Position: &newPosition,
			}); err != nil {
				c.logger.Error("update position_by_entry failed", "error", err)
			}
			c.logger.Info("partial exit on position_by_entry",
				"current_position", entry.Position, "new_position", newPosition)

			stops, err := c.db.QueryOrders(ledger.OrderFilter{
				Portfolio: order.Portfolio, Strategy: order.Strategy,
				OrderType: types.STP, ByCreated: true,
			})
			if err != nil {
				c.logger.Error("query stop orders failed", "error", err)
			}
			for _, stp := range stops {
				stopRef := stp.Comment.GetString(types.CommentOrderReference)
				if stopRef == "" || stopRef != entry.OrderReference || stp.Quantity != entry.Position {
					continue
				}
				c.placeStop(order.SessionID, types.Market(order.Market), order.Symbol,
					stp.IsBuy, newPosition, stp.Price, order.Portfolio, order.Strategy,
					stp.ParentOrderID, copyComment(stp.Comment), sess)
				c.logger.Info("add new stop after partial exit",
					"parent_order_id", stp.ParentOrderID, "quantity", newPosition)
				break
			}
			accumulated += orderQuantity
		} else {
			if err := c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
				PortfolioID: order.Portfolio, Strategy: order.Strategy,
				OrderReference: entry.OrderReference, State: string(types.StateExited),
			}); err != nil {
				c.logger.Error("update position_by_entry failed", "error", err)
			}
			accumulated += entry.Position
			orderQuantity -= entry.Position
		}
	}
}

// handleOrderUpdate ingests one venue order state change: expired limit
// entries, manual desk changes to stop orders, and the final ledger update.
func (c *Core) handleOrderUpdate(src gateway.Gateway, ev gateway.OrderUpdate) {
	c.logger.Info("handle order update", "broker", src.Name(), "order_ref", ev.OrderRef,
		"status", ev.Status, "filled", ev.Filled, "remaining", ev.Remaining)

	if src.Identity() != ev.ClientID {
		c.logger.Info("ignore order update from other client id", "client_id", ev.ClientID)
		return
	}

	// Cancelled limit entries release their position-by-entry claim; partial
	// fills are adopted at the traded size.
	if ev.Status == gateway.StatusCancelled && !ev.IsHistorical {
		orders, err := c.db.QueryOrders(ledger.OrderFilter{
			BrokerID: src.Name(), BrokerOrderID: ev.OrderRef,
			OrderType: types.LMT, Action: types.Entry,
		})
		if err != nil {
			c.logger.Error("query cancelled entry order failed", "error", err)
		}
		if len(orders) == 1 {
			order := orders[0]
			if ev.Filled == 0 {
				if err := c.db.DeletePositionByEntry(order.SessionID, order.OrderID); err != nil {
					c.logger.Error("delete position_by_entry failed", "error", err)
				}
				c.housekeepExpiredOrder(ev.OrderRef)
			} else if ev.Remaining > 0 {
				c.handlePartialFilledOrder(ev.OrderRef, src.Name(), order.SessionID, order.OrderID,
					ev.Filled, 0, ev.Filled, order)
			}
		}
	}

	// Detect manual desk changes to stop orders: a moved trigger price is
	// audited as AMEND; a resized stop adjusts the position book.
	orderAction := types.Action("")
	stops, err := c.db.QueryOrders(ledger.OrderFilter{
		BrokerID: src.Name(), BrokerOrderID: ev.OrderRef, OrderType: types.STP,
	})
	if err != nil {
		c.logger.Error("query stop order failed", "error", err)
	}
	if len(stops) == 1 {
		order := stops[0]
		orderRef := order.Comment.GetString(types.CommentOrderReference)
		if orderRef == "" {
			c.logger.Warn("cannot find order reference in stop order comment",
				"broker_order_id", ev.OrderRef)
		}

		if ev.Order.StopPrice != nil && !floatsClose(order.Price, *ev.Order.StopPrice) {
			stopPrice := *ev.Order.StopPrice
			c.logger.Info("price of the stop order has been changed, mark as manual stop",
				"order_ref", ev.OrderRef, "from", order.Price, "to", stopPrice)
			orderAction = types.ManualStopLoss
			if orderRef != "" {
				if err := c.db.InsertOperation(order.Portfolio, order.Strategy, types.Amend,
					0, orderRef, &stopPrice, src.Name()); err != nil {
					c.logger.Error("insert operation failed", "error", err)
				}
			}
		}

		if ev.Order.Quantity != order.Quantity {
			c.logger.Info("quantity of the stop order has been changed, mark as manual stop",
				"order_ref", ev.OrderRef, "from", order.Quantity, "to", ev.Order.Quantity)
			brokerOrderID, _ := strconv.ParseInt(ev.OrderRef, 10, 64)
			sess := c.lookupSessionByOrderID(brokerOrderID)
			if sess != nil {
				orderAction = types.ManualStopLoss
				direction := 1
				if order.IsBuy {
					direction = -1
				}
				adjustment := ev.Order.Quantity - order.Quantity
				if err := c.db.UpdatePosition(order.Portfolio, order.Strategy, order.Market,
					order.Symbol, adjustment*direction, nil); err != nil {
					c.logger.Error("update position failed", "error", err)
				}
				if orderRef != "" {
					action := types.Increase
					if ev.Order.Quantity < order.Quantity {
						action = types.Reduce
					}
					if err := c.db.InsertOperation(order.Portfolio, order.Strategy, action,
						adjustment, orderRef, nil, src.Name()); err != nil {
						c.logger.Error("insert operation failed", "error", err)
					}
				}
				sess.PublishPositionRenew()
			} else {
				c.logger.Error("cannot find any session owning the order", "order_ref", ev.OrderRef)
			}
		}
	}

	update := ledger.OrderUpdate{
		Quantity:          &ev.Order.Quantity,
		RemainingQuantity: &ev.Remaining,
		FilledQuantity:    &ev.Filled,
		State:             statusToState[ev.Status],
		Action:            orderAction,
	}
	if ev.Order.LimitPrice != nil {
		update.Price = ev.Order.LimitPrice
	}
	if err := c.db.UpdateOrder(src.Name(), ev.OrderRef, update); err != nil {
		c.logger.Error("update order failed", "broker_order_id", ev.OrderRef, "error", err)
	}
}

// handleOpenOrderEnd reconciles the ledger's active limit entries against
// the venue's open-order snapshot: rows the venue no longer lists were
// cancelled or expired while the server was away.
func (c *Core) handleOpenOrderEnd(src gateway.Gateway, ev gateway.OpenOrdersSnapshot) {
	c.logger.Info("handle open order end", "broker", src.Name(),
		"open_orders", len(ev.OpenOrders), "is_historical", ev.IsHistorical)

	available := make(map[string]bool, len(ev.OpenOrders))
	for _, o := range ev.OpenOrders {
		if o.OrderRef != "" {
			available[o.GatewayName+o.OrderRef] = true
		}
	}

	orders, err := c.db.QueryOrders(ledger.OrderFilter{
		BrokerID: src.Name(), OrderType: types.LMT, Action: types.Entry, ActiveOnly: true,
	})
	if err != nil {
		c.logger.Error("query active entry orders failed", "error", err)
		return
	}
	for _, order := range orders {
		if available[order.BrokerID+order.BrokerOrderID] {
			continue
		}
		if order.FilledQuantity == 0 {
			if err := c.db.UpdateOrder(src.Name(), order.BrokerOrderID,
				ledger.OrderUpdate{State: types.StateCancelled}); err != nil {
				c.logger.Error("update order failed", "broker_order_id", order.BrokerOrderID, "error", err)
			}
			if err := c.db.DeletePositionByEntry(order.SessionID, order.OrderID); err != nil {
				c.logger.Error("delete position_by_entry failed", "error", err)
			}
			c.housekeepExpiredOrder(order.BrokerOrderID)
		} else if order.RemainingQuantity > 0 {
			filled := order.FilledQuantity
			c.handlePartialFilledOrder(order.BrokerOrderID, src.Name(), order.SessionID,
				order.OrderID, filled, 0, filled, order)
		}
	}
}

// handleBrokerError routes venue errors: order-bound codes update or reject
// the order, connectivity codes flip the broker connection flag.
func (c *Core) handleBrokerError(src gateway.Gateway, ev gateway.ErrorEvent) {
	c.logger.Info("handle broker error", "broker", src.Name(), "code", ev.Code,
		"message", ev.Message, "order_ref", ev.OrderRef)

	if ev.OrderRef != "" {
		brokerOrderID, err := strconv.ParseInt(ev.OrderRef, 10, 64)
		if err != nil {
			c.logger.Error("malformed order reference in broker error", "order_ref", ev.OrderRef)
			return
		}
		sess := c.lookupSessionByOrderID(brokerOrderID)

		if ev.Code == 10147 {
			// Order to cancel was not found: mark it inactive.
			if err := c.db.UpdateOrder(src.Name(), ev.OrderRef,
				ledger.OrderUpdate{State: types.StateInactive}); err != nil {
				c.logger.Error("update order failed", "broker_order_id", ev.OrderRef, "error", err)
			}
			return
		}
		if sess == nil {
			return
		}
		c.logger.Info("order belongs to session", "order_ref", ev.OrderRef, "session_id", sess.ID())

		switch ev.Code {
		case 103, 107, 109, 110, 116, 200, 201, 10149:
			orders, err := c.db.QueryOrders(ledger.OrderFilter{
				BrokerID: src.Name(), BrokerOrderID: ev.OrderRef, Action: types.Entry,
			})
			if err != nil {
				c.logger.Error("query entry order failed", "error", err)
			}
			sessionOrderID, ok := sess.FindSessionOrderID(brokerOrderID)
			if ok {
				if len(orders) == 1 {
					// Drop the position-by-entry claim of the rejected entry.
					if err := c.db.DeletePositionByEntry(sess.ID(), sessionOrderID); err != nil {
						c.logger.Error("delete position_by_entry failed", "error", err)
					}
				}
				sess.PublishOrderRejected(sessionOrderID, ev.Message)
			}
		default:
			sess.PublishOrderError(brokerOrderID, ev.Message)
		}
		return
	}

	switch ev.Code {
	case 502, 504, 1100:
		// Connectivity between the gateway and the venue has been lost.
		if b, ok := c.brokers[src.Name()]; ok {
			b.SetConnected(false)
		}
	case 1101, 1102:
		// Connectivity has been restored.
		if b, ok := c.brokers[src.Name()]; ok {
			b.SetConnected(true)
		}
	}
}

// housekeepExpiredOrder tells the owning strategy its order is gone so the
// client resets its projected position.
func (c *Core) housekeepExpiredOrder(orderRef string) {
	brokerOrderID, err := strconv.ParseInt(orderRef, 10, 64)
	if err != nil {
		c.logger.Error("malformed order reference", "order_ref", orderRef)
		return
	}
	sess := c.lookupSessionByOrderID(brokerOrderID)
	if sess == nil {
		c.logger.Warn("failed to find the session with order reference", "order_ref", orderRef)
		return
	}
	sessionOrderID, ok := sess.FindSessionOrderID(brokerOrderID)
	if !ok {
		c.logger.Warn("failed to find the session order id with order reference", "order_ref", orderRef)
		return
	}
	sess.PublishOrderRejected(sessionOrderID, "Order Cancelled")
}

// handlePartialFilledOrder adopts a partially filled limit entry as fully
// filled at the traded size: the order and its per-entry row shrink to the
// fill, and a protective stop covers the adopted position.
func (c *Core) handlePartialFilledOrder(orderRef, brokerID, sessionID string, sessionOrderID int64,
	qty, remaining, filled int, order ledger.Order) {
	if err := c.db.UpdateOrder(brokerID, orderRef, ledger.OrderUpdate{
		Quantity: &qty, RemainingQuantity: &remaining, FilledQuantity: &filled,
		State: types.StateFullyFilled,
	}); err != nil {
		c.logger.Error("update order failed", "broker_order_id", orderRef, "error", err)
	}

	if err := c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
		SessionID: sessionID, OrderID: sessionOrderID,
		Position: &qty, AvgPrice: &order.Price, State: string(types.StateFullyFilled),
	}); err != nil {
		c.logger.Error("update position_by_entry failed", "error", err)
	}

	brokerOrderID, _ := strconv.ParseInt(orderRef, 10, 64)
	sess := c.lookupSessionByOrderID(brokerOrderID)
	if sess == nil {
		c.logger.Warn("failed to find the session with order reference", "order_ref", orderRef)
		return
	}

	c.placeStop(sessionID, types.Market(order.Market), order.Symbol, !order.IsBuy, qty,
		order.Price, order.Portfolio, order.Strategy, order.ParentOrderID,
		copyComment(order.Comment), sess)

	sess.PublishPositionRenew()
}
