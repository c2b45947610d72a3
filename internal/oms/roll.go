package oms

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"oms/internal/instrument"
	"oms/internal/ledger"
	"oms/pkg/types"
)

// rollPair is one detected contract roll: the ledger's last front-month
// code and the instrument whose repository view has moved on.
type rollPair struct {
	lastMonthCode string
	instrument    instrument.Instrument
}

// reconcileInstruments compares the instrument repository against the
// ledger. A known instrument whose front-month code changed and whose
// stored expiry predates the new one is a roll candidate; unknown
// instruments are recorded as-is.
func (c *Core) reconcileInstruments() []rollPair {
	dbInstruments, err := c.db.QueryInstruments()
	if err != nil {
		c.logger.Error("query instruments failed", "error", err)
		return nil
	}

	var rolls []rollPair
	for _, ins := range c.instruments.Instruments() {
		known := false
		for _, dbi := range dbInstruments {
			if dbi.Market != string(ins.Market) || dbi.Symbol != ins.Symbol {
				continue
			}
			known = true
			if dbi.Code != ins.FrontMonth.Symbol && dbi.Expiry.Before(ins.FrontMonth.Expiry) {
				c.logger.Info("contract roll detected", "symbol", ins.Symbol,
					"from", dbi.Code, "from_expiry", dbi.Expiry,
					"to", ins.FrontMonth.Symbol, "to_expiry", ins.FrontMonth.Expiry)
				rolls = append(rolls, rollPair{lastMonthCode: dbi.Code, instrument: ins})

				if err := c.db.UpdateInstrument(string(ins.Market), ins.Symbol,
					ins.FrontMonth.Symbol, ins.FrontMonth.Expiry); err != nil {
					c.logger.Error("update instrument failed", "symbol", ins.Symbol, "error", err)
				}
			}
		}
		if !known {
			c.logger.Info("instrument not found in OMS before, adding it",
				"symbol", ins.Symbol, "code", ins.FrontMonth.Symbol)
			if err := c.db.UpdateInstrument(string(ins.Market), ins.Symbol,
				ins.FrontMonth.Symbol, ins.FrontMonth.Expiry); err != nil {
				c.logger.Error("update instrument failed", "symbol", ins.Symbol, "error", err)
			}
		}
	}
	return rolls
}

// RollContracts runs the startup contract-roll reconciliation. For every
// detected roll with a matching instruction dated today in the exchange
// timezone, the aggregated position is moved from the expiring contract to
// the new front month and the protective stops are re-placed.
func (c *Core) RollContracts() {
	c.logger.Info("check if OMS needs to roll any contract")

	rolls := c.reconcileInstruments()
	if len(rolls) == 0 {
		c.logger.Info("no contract requires rolling")
		return
	}

	c.logger.Info("contract roll is required, waiting for all broker connections to be ready")
	c.waitForBrokers(30 * time.Second)
	for name, b := range c.brokers {
		if !b.IsConnected() {
			c.logger.Info("broker is not connected yet, skip contract roll this time", "name", name)
			return
		}
	}
	c.logger.Info("all brokers are connected")

	for _, roll := range rolls {
		ins := roll.instrument
		c.logger.Info("roll contract", "symbol", ins.Symbol)

		nowInExchangeTime := time.Now().In(ins.Location())
		ri := ins.RollInstruction
		if ri == nil || !ri.RollOnNextStart || ri.From != roll.lastMonthCode ||
			ri.To != ins.FrontMonth.Symbol || ri.Date != nowInExchangeTime.Format("2006-01-02") {
			c.logger.Info("cannot find any roll instruction for today, no rolling occurred",
				"symbol", ins.Symbol, "from", roll.lastMonthCode, "to", ins.FrontMonth.Symbol,
				"date", nowInExchangeTime.Format("2006-01-02"))
			continue
		}
		c.logger.Info("roll instruction found, can carry out rolling",
			"from", ri.From, "to", ri.To, "date", ri.Date,
			"offset", ri.Offset, "position", ri.NetPosition)

		total, err := c.db.QueryTotalPosition(ins.Symbol)
		if err != nil {
			c.logger.Error("query total position failed", "symbol", ins.Symbol, "error", err)
			continue
		}
		if total != ri.NetPosition {
			c.logger.Error("roll position does not match the instruction, skip rolling",
				"symbol", ins.Symbol, "expected", ri.NetPosition, "actual", total)
			continue
		}

		c.rollOneSymbol(ins, ri, total)
	}
}

func (c *Core) rollOneSymbol(ins instrument.Instrument, ri *instrument.RollInstruction, total int) {
	if total == 0 {
		c.logger.Info("aggregated position is 0, no position rolling is required", "symbol", ins.Symbol)
	} else {
		c.logger.Info("position rolling is required", "symbol", ins.Symbol, "position", total)

		portfolios, err := c.db.QueryPortfolios("", "")
		if err != nil || len(portfolios) == 0 {
			c.logger.Error("query portfolios for roll failed", "error", err)
			return
		}
		portfolio := portfolios[0].ID

		done := c.armRollOrders()

		// Liquidate the expiring front month, then establish the same
		// position in the new one.
		isBuy := total < 0
		c.sendRollOrder(ins.Market, ins.Symbol, ri.From, isBuy, total, portfolio)
		c.sendRollOrder(ins.Market, ins.Symbol, ri.To, !isBuy, total, portfolio)
		c.finishArmingRollOrders()

		c.logger.Info("waiting for all roll orders to be filled")
		<-done
		c.logger.Info("all roll orders have been filled")
	}

	// Strategies may hold offsetting positions even when the net is 0;
	// their stops still need re-placing on the new contract.
	c.rollStopLossOrders(ins, ri)
}

// armRollOrders resets the outstanding roll-order set and returns the
// channel that closes once every tracked roll order is fully filled. The
// set stays armed until finishArmingRollOrders so a leg filling before the
// other is registered cannot signal completion early.
func (c *Core) armRollOrders() <-chan struct{} {
	c.rollMu.Lock()
	defer c.rollMu.Unlock()
	c.rollOrders = make(map[int64]struct{})
	c.rollDone = make(chan struct{})
	c.rollArming = true
	return c.rollDone
}

func (c *Core) finishArmingRollOrders() {
	c.rollMu.Lock()
	defer c.rollMu.Unlock()
	c.rollArming = false
	if len(c.rollOrders) == 0 && c.rollDone != nil {
		close(c.rollDone)
		c.rollDone = nil
	}
}

// completeRollOrder drops a fully filled roll order from the outstanding
// set and signals the roll waiter when the set drains.
func (c *Core) completeRollOrder(orderRef string) {
	id, err := strconv.ParseInt(orderRef, 10, 64)
	if err != nil {
		return
	}
	c.rollMu.Lock()
	defer c.rollMu.Unlock()
	if _, ok := c.rollOrders[id]; !ok {
		return
	}
	c.logger.Info("roll order has been filled completely", "order_ref", orderRef)
	delete(c.rollOrders, id)
	if len(c.rollOrders) == 0 && !c.rollArming && c.rollDone != nil {
		close(c.rollDone)
		c.rollDone = nil
	}
}

// sendRollOrder sends one leg of a contract roll as a market order in the
// named contract, recorded in the ledger under the continuous symbol and
// the server's own strategy. The order is registered and persisted before
// the venue send so its fill is recognised however fast it comes back.
func (c *Core) sendRollOrder(market types.Market, symbol, contract string, isBuy bool,
	quantity int, portfolio string) {
	qty := quantity
	if qty < 0 {
		qty = -qty
	}

	b := c.getBroker()
	if b == nil {
		c.logger.Error("cannot find any available broker for roll order", "contract", contract)
		return
	}
	reqID := c.nextRequestID()

	if err := c.db.InsertOrder(ledger.OrderRecord{
		SessionID:     strategyOMS,
		OrderID:       0,
		ParentOrderID: 0,
		BrokerID:      b.Name(),
		BrokerOrderID: strconv.FormatInt(reqID, 10),
		Market:        market,
		Symbol:        symbol,
		Type:          types.MKT,
		IsBuy:         isBuy,
		Quantity:      qty,
		Price:         0,
		Portfolio:     portfolio,
		Action:        types.Roll,
		Strategy:      strategyOMS,
	}); err != nil {
		c.logger.Error("insert roll order failed", "contract", contract, "error", err)
	}

	c.rollMu.Lock()
	c.rollOrders[reqID] = struct{}{}
	c.rollMu.Unlock()

	if err := c.sendToBroker(b, reqID, market, contract, types.MKT, isBuy, qty, 0, ""); err != nil {
		c.logger.Error("send roll order failed", "contract", contract, "error", err)
	}
}

// rollStopLossOrders re-places every strategy's active protective stop on
// the new front month, shifted by the roll offset.
func (c *Core) rollStopLossOrders(ins instrument.Instrument, ri *instrument.RollInstruction) {
	positions, err := c.db.QueryPositions("", "", "", ins.Symbol)
	if err != nil {
		c.logger.Error("query positions for stop roll failed", "error", err)
		return
	}
	for _, pos := range positions {
		if pos.Position == 0 {
			c.logger.Info("strategy has no position, no stop order to roll", "strategy", pos.Strategy)
			continue
		}
		c.logger.Info("strategy has a position, roll the stop order",
			"strategy", pos.Strategy, "position", pos.Position)

		orders, err := c.db.QueryOrders(ledger.OrderFilter{
			Strategy: pos.Strategy, Symbol: ins.Symbol, OrderType: types.STP,
			Action: types.StopLoss, ActiveOnly: true, ByLastModified: true,
		})
		if err != nil {
			c.logger.Error("query stop orders for roll failed", "error", err)
			return
		}
		if len(orders) == 0 {
			c.logger.Warn("strategy has a position but no active stop order, skip rolling the stop",
				"strategy", pos.Strategy, "position", pos.Position)
			return
		}

		for _, order := range orders {
			brokerOrderID, err := strconv.ParseInt(order.BrokerOrderID, 10, 64)
			if err != nil {
				c.logger.Error("malformed broker order id on stop", "broker_order_id", order.BrokerOrderID)
				continue
			}
			c.logger.Info("remove original stop-loss order", "broker_order_id", brokerOrderID)
			c.CancelOrder(brokerOrderID)

			price, _ := decimal.NewFromFloat(order.Price).Add(decimal.NewFromFloat(ri.Offset)).Float64()
			c.logger.Info("place new stop-loss order", "is_buy", order.IsBuy,
				"quantity", order.Quantity, "price", price)
			brokerID, newOrderID, err := c.PlaceOrder(ins.Market, ins.Symbol, types.STP,
				order.IsBuy, order.Quantity, price, "")
			if err != nil {
				c.logger.Error("place rolled stop order failed", "strategy", pos.Strategy, "error", err)
				continue
			}
			if err := c.db.InsertOrder(ledger.OrderRecord{
				SessionID:     order.Strategy,
				OrderID:       0,
				ParentOrderID: order.ParentOrderID,
				BrokerID:      brokerID,
				BrokerOrderID: strconv.FormatInt(newOrderID, 10),
				Market:        ins.Market,
				Symbol:        ins.Symbol,
				Type:          types.STP,
				IsBuy:         order.IsBuy,
				Quantity:      order.Quantity,
				Price:         price,
				Portfolio:     order.Portfolio,
				Action:        types.StopLoss,
				Strategy:      order.Strategy,
				Comment:       order.Comment,
			}); err != nil {
				c.logger.Error("insert rolled stop order failed", "error", err)
			}
		}
	}
}

// waitForBrokers polls until every broker reports connected or the timeout
// lapses.
func (c *Core) waitForBrokers(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := true
		for _, b := range c.brokers {
			if !b.IsConnected() {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}
