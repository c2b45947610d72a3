// Package oms is the order management core: it owns the brokers, the
// client sessions, the ledger, and the worker pool that processes client
// messages and gateway events.
//
// One router goroutine holds the transport connection and the periodic
// duties; a bounded worker pool executes message handling; gateway
// callbacks are funneled onto the same pool so broker events never run on
// a venue thread. Replies and pushes leave through a buffered outbound
// queue drained by the connection writer.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"oms/internal/broker"
	"oms/internal/config"
	"oms/internal/gateway"
	"oms/internal/instrument"
	"oms/internal/ledger"
	"oms/internal/protocol"
	"oms/internal/session"
	"oms/pkg/types"
)

// strategyOMS marks server-originated roll orders in the ledger.
const strategyOMS = "OMS"

// pingInterval is the broker keepalive cadence.
const pingInterval = 5 * time.Second

// Core is the order management server.
type Core struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          ledger.Ledger
	instruments instrument.Repository
	brokers     map[string]*broker.Broker

	reqMu     sync.Mutex
	requestID int64

	sessionMu sync.RWMutex
	sessions  map[string]*session.Session // transport identity → session

	tasks    chan func()
	outbound chan protocol.Frame

	rollMu     sync.Mutex
	rollOrders map[int64]struct{}
	rollDone   chan struct{}
	rollArming bool

	wg sync.WaitGroup
}

var _ session.Core = (*Core)(nil)

// New assembles the core and registers the gateway event handlers on every
// broker.
func New(cfg *config.Config, db ledger.Ledger, instruments instrument.Repository,
	brokers []*broker.Broker, logger *slog.Logger) (*Core, error) {
	c := &Core{
		cfg:         cfg,
		logger:      logger.With("component", "oms"),
		db:          db,
		instruments: instruments,
		brokers:     make(map[string]*broker.Broker, len(brokers)),
		sessions:    make(map[string]*session.Session),
		tasks:       make(chan func(), 1024),
		outbound:    make(chan protocol.Frame, 1024),
		rollOrders:  make(map[int64]struct{}),
		requestID:   generateRequestID(time.Now()),
	}
	c.logger.Info("initial request id", "request_id", c.requestID)

	for _, b := range brokers {
		if _, ok := c.brokers[b.Name()]; ok {
			return nil, fmt.Errorf("broker %q is duplicated", b.Name())
		}
		c.brokers[b.Name()] = b
		c.bindBroker(b)
	}
	return c, nil
}

// generateRequestID seeds the order reference counter from the wall clock
// so references stay unique across restarts.
func generateRequestID(now time.Time) int64 {
	id, _ := strconv.ParseInt(now.Format("060102150405")+"00000", 10, 64)
	return id
}

// bindBroker funnels the gateway callbacks onto the worker pool.
func (c *Core) bindBroker(b *broker.Broker) {
	ev := b.Gateway().Events()
	ev.OnConnectionUpdate = func(src gateway.Gateway, e gateway.ConnectionUpdate) {
		c.submit(func() { c.handleConnectionUpdate(src, e) })
	}
	ev.OnOrderUpdate = func(src gateway.Gateway, e gateway.OrderUpdate) {
		c.submit(func() { c.handleOrderUpdate(src, e) })
	}
	ev.OnExecution = func(src gateway.Gateway, e gateway.ExecutionUpdate) {
		c.submit(func() { c.handleExecution(src, e) })
	}
	ev.OnOpenOrderEnd = func(src gateway.Gateway, e gateway.OpenOrdersSnapshot) {
		c.submit(func() { c.handleOpenOrderEnd(src, e) })
	}
	ev.OnAccountInfoUpdate = func(src gateway.Gateway, e gateway.AccountInfoUpdate) {
		c.logger.Debug("account info update", "gateway", src.Name(),
			"account", e.Account, "key", e.Key, "value", e.Value, "currency", e.Currency)
	}
	ev.OnPositionUpdate = func(src gateway.Gateway, e gateway.PositionUpdate) {
		c.logger.Debug("broker position update", "gateway", src.Name(),
			"account", e.Account, "symbol", e.Symbol, "position", e.Position, "avg_cost", e.AvgCost)
	}
	ev.OnError = func(src gateway.Gateway, e gateway.ErrorEvent) {
		c.submit(func() { c.handleBrokerError(src, e) })
	}
}

func (c *Core) submit(task func()) {
	select {
	case c.tasks <- task:
	default:
		c.logger.Warn("task queue full, dropping event")
	}
}

// Ledger implements session.Core.
func (c *Core) Ledger() ledger.Ledger { return c.db }

// IsReady reports whether every broker is connected.
func (c *Core) IsReady() bool {
	for _, b := range c.brokers {
		if !b.IsConnected() {
			return false
		}
	}
	return true
}

// getBroker returns the first healthy broker. Single-broker deployments
// are the norm; with several, the first healthy one wins.
func (c *Core) getBroker() *broker.Broker {
	for _, b := range c.brokers {
		if b.IsHealthy() {
			return b
		}
	}
	return nil
}

// nextRequestID hands out the next order reference.
func (c *Core) nextRequestID() int64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	r := c.requestID
	c.requestID++
	return r
}

// PlaceOrder implements session.Core: resolve the front month, slot the
// price per order type, and send to the first healthy broker. The returned
// id doubles as the venue order reference.
func (c *Core) PlaceOrder(market types.Market, symbol string, orderType types.OrderType,
	isBuy bool, quantity int, price float64, goodTill string) (string, int64, error) {
	b := c.getBroker()
	if b == nil {
		return "", 0, errors.New("cannot find any available broker")
	}
	reqID := c.nextRequestID()
	if err := c.sendToBroker(b, reqID, market, symbol, orderType, isBuy, quantity, price, goodTill); err != nil {
		return "", 0, err
	}
	return b.Name(), reqID, nil
}

func (c *Core) sendToBroker(b *broker.Broker, reqID int64, market types.Market, symbol string,
	orderType types.OrderType, isBuy bool, quantity int, price float64, goodTill string) error {
	orderSymbol := symbol
	if ins, ok := c.instruments.Find(market, symbol); ok && ins.Symbol == symbol {
		orderSymbol = ins.FrontMonth.Symbol
		c.logger.Info("front month substitution", "symbol", symbol, "contract", orderSymbol)
	}

	var limitPrice, stopPrice *float64
	switch orderType {
	case types.STP:
		stopPrice = &price
	case types.LMT:
		limitPrice = &price
	case types.STPLMT:
		limitPrice, stopPrice = &price, &price
	}

	tif := gateway.GTC
	if goodTill != "" {
		tif = gateway.GTD
	}

	order := gateway.Order{
		Symbol:       orderSymbol,
		Exchange:     string(market),
		OrderType:    orderType,
		IsBuy:        isBuy,
		Quantity:     quantity,
		LimitPrice:   limitPrice,
		StopPrice:    stopPrice,
		TIF:          tif,
		OutsideRTH:   orderType.IsStop(),
		GoodTillDate: goodTill,
	}
	c.logger.Info("send order to broker", "request_id", reqID, "symbol", orderSymbol,
		"type", orderType, "is_buy", isBuy, "quantity", quantity, "price", price)
	return b.PlaceOrder(strconv.FormatInt(reqID, 10), order)
}

// CancelOrder implements session.Core.
func (c *Core) CancelOrder(brokerOrderID int64) {
	b := c.getBroker()
	if b == nil {
		c.logger.Warn("cannot find any available broker to cancel order", "broker_order_id", brokerOrderID)
		return
	}
	if err := b.CancelOrder(strconv.FormatInt(brokerOrderID, 10)); err != nil {
		c.logger.Error("cancel order failed", "broker_order_id", brokerOrderID, "error", err)
	}
}

// Publish implements session.Core: queue a message toward a transport
// identity. Frames for gone clients are dropped by the proxy.
func (c *Core) Publish(identity string, msg protocol.Message) {
	c.publishFrame(protocol.Frame{Identity: identity, Payload: protocol.MustEncode(msg)})
}

func (c *Core) publishFrame(f protocol.Frame) {
	select {
	case c.outbound <- f:
	default:
		c.logger.Warn("outbound queue full, dropping frame", "identity", f.Identity)
	}
}

// Run connects the brokers, performs the startup contract roll, then
// serves the worker connection until the context ends.
func (c *Core) Run(ctx context.Context) error {
	workers := c.cfg.Messaging.OMS.NumOfWorkers
	c.logger.Info("start listening", "workers", workers)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-c.tasks:
					task()
				}
			}
		}()
	}

	for name, b := range c.brokers {
		c.logger.Info("connecting broker", "name", name)
		b := b
		c.submit(func() { b.Connect() })
	}

	c.RollContracts()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.periodicLoop(ctx)
	}()

	err := c.serveTransport(ctx)
	c.wg.Wait()
	return err
}

// Close disconnects the brokers and the ledger.
func (c *Core) Close() {
	c.logger.Info("shutting down oms")
	for name, b := range c.brokers {
		c.logger.Info("disconnecting broker", "name", name)
		b.Disconnect()
	}
	if err := c.db.Close(); err != nil {
		c.logger.Error("close ledger failed", "error", err)
	}
}

// serveTransport keeps the worker connection to the proxy backend alive,
// reconnecting with the heartbeat-contract backoff.
func (c *Core) serveTransport(ctx context.Context) error {
	url := c.cfg.Messaging.OMS.Broker
	retry := protocol.RetryInterval
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connect to messaging proxy", "url", url)
		err := c.connectAndServe(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("worker connection lost, retrying", "error", err, "retry", retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
		retry *= 2
		if retry > protocol.MaxRetryInterval {
			retry = protocol.MaxRetryInterval
		}
	}
}

func (c *Core) connectAndServe(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// Single writer per connection: drain the outbound queue.
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case frame := <-c.outbound:
				data, err := protocol.EncodeFrame(frame)
				if err != nil {
					c.logger.Error("encode frame failed", "error", err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.logger.Error("write frame failed", "error", err)
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Error("malformed frame", "error", err)
			continue
		}
		c.submit(func() {
			if reply := c.processFrame(frame); reply != nil {
				c.publishFrame(*reply)
			}
		})
	}
}

// processFrame is the client-message ingress: session lookup by transport
// identity, INIT bootstraps a session, everything else from an unknown
// identity is refused (heartbeats silently).
func (c *Core) processFrame(frame protocol.Frame) *protocol.Frame {
	msg, err := protocol.Decode(frame.Payload)
	if err != nil {
		c.logger.Error("error decoding client message", "identity", frame.Identity, "error", err)
		if c.lookupSession(frame.Identity) == nil {
			return nil
		}
		reply := &protocol.Error{ErrorCode: protocol.SystemError, Message: "unknown message type"}
		return &protocol.Frame{Identity: frame.Identity, Payload: protocol.MustEncode(reply)}
	}

	sess := c.lookupSession(frame.Identity)
	if sess == nil {
		init, isInit := msg.(*protocol.Init)
		if !isInit {
			if msg.Type() == protocol.MsgHeartbeat {
				c.logger.Info("ignore heartbeat from non-logged in connection", "identity", frame.Identity)
				return nil
			}
			reply := &protocol.Error{ErrorCode: protocol.NotLoggedIn,
				Message: fmt.Sprintf("No OMS client with source ID %s is logged in", frame.Identity)}
			c.logger.Info("message from non-logged in connection",
				"identity", frame.Identity, "msg_type", msg.Type())
			return &protocol.Frame{Identity: frame.Identity, Payload: protocol.MustEncode(reply)}
		}

		if c.sessionIDInUse(init.SessionID) {
			reply := &protocol.Error{ErrorCode: protocol.DuplicatedSessionID,
				Message: fmt.Sprintf("An OMS client with same session ID %s has logged in already.", init.SessionID)}
			return &protocol.Frame{Identity: frame.Identity, Payload: protocol.MustEncode(reply)}
		}

		sess, err = session.New(init.SessionID, frame.Identity, c, c.logger)
		if err != nil {
			c.logger.Error("create session failed", "session_id", init.SessionID, "error", err)
			reply := &protocol.Error{ErrorCode: protocol.SystemError, Message: "Cannot create session"}
			return &protocol.Frame{Identity: frame.Identity, Payload: protocol.MustEncode(reply)}
		}
		c.sessionMu.Lock()
		c.sessions[frame.Identity] = sess
		c.sessionMu.Unlock()
		c.logger.Info("create session", "session_id", init.SessionID, "identity", frame.Identity)
	}

	reply := sess.Process(msg)
	if reply == nil {
		return nil
	}
	return &protocol.Frame{Identity: frame.Identity, Payload: protocol.MustEncode(reply)}
}

func (c *Core) lookupSession(identity string) *session.Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessions[identity]
}

func (c *Core) sessionIDInUse(sessionID string) bool {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	for _, s := range c.sessions {
		if s.ID() == sessionID {
			return true
		}
	}
	return false
}

func (c *Core) lookupSessionByOrderID(brokerOrderID int64) *session.Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	for _, s := range c.sessions {
		if s.IsOwnOrder(brokerOrderID) {
			return s
		}
	}
	return nil
}

// periodicLoop owns the recurring duties: broker reconnects and pings,
// session eviction, server heartbeats, and the stop-coverage check.
func (c *Core) periodicLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastPing time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for name, b := range c.brokers {
			switch {
			case !b.IsConnected() && b.IsTimeToReconnect():
				if b.IsConnecting() {
					c.logger.Info("broker is already trying to reconnect", "name", name)
					continue
				}
				c.logger.Info("try to reconnect broker", "name", name,
					"retry_interval", b.ReconnectInterval())
				b := b
				c.submit(func() { b.Connect() })
			case b.IsConnected() && time.Since(lastPing) > pingInterval:
				lastPing = time.Now()
				b := b
				c.submit(func() { b.Ping() })
			}
		}

		c.sessionMu.Lock()
		for identity, s := range c.sessions {
			if s.IsExpired() {
				c.logger.Warn("lost heartbeat from client, disconnecting",
					"session_id", s.ID(), "identity", identity)
				delete(c.sessions, identity)
				continue
			}
			if s.IsHeartbeatDue() {
				s := s
				c.submit(func() { c.Publish(s.Identity(), s.SendHeartbeat()) })
			}
			if s.RequireStopCheck() {
				s := s
				c.submit(func() { c.checkPositions(s) })
			}
		}
		c.sessionMu.Unlock()
	}
}

// checkPositions runs the stop-coverage validation. Warnings are logged
// only; clients handle order rejects, not advisories.
func (c *Core) checkPositions(s *session.Session) {
	if warning := s.ValidateStopOrders(); warning != "" {
		c.logger.Warn(warning)
	}
}

// placeStop sends a server-originated protective stop and records it with
// session order id 0 under the owning session's id.
func (c *Core) placeStop(sessionID string, market types.Market, symbol string, isBuy bool,
	quantity int, price float64, portfolio, strategy string, parentOrderID int64,
	comment types.Comment, sess *session.Session) {
	if !c.IsReady() {
		c.logger.Warn("oms is not ready, stop order was not sent",
			"symbol", symbol, "quantity", quantity, "price", price)
		return
	}

	brokerID, brokerOrderID, err := c.PlaceOrder(market, symbol, types.STP, isBuy, quantity, price, "")
	if err != nil {
		c.logger.Warn("stop order was not sent", "symbol", symbol, "error", err)
		return
	}

	if err := c.db.InsertOrder(ledger.OrderRecord{
		SessionID:     sessionID,
		OrderID:       0,
		ParentOrderID: parentOrderID,
		BrokerID:      brokerID,
		BrokerOrderID: strconv.FormatInt(brokerOrderID, 10),
		Market:        market,
		Symbol:        symbol,
		Type:          types.STP,
		IsBuy:         isBuy,
		Quantity:      quantity,
		Price:         price,
		Portfolio:     portfolio,
		Action:        types.StopLoss,
		Strategy:      strategy,
		Comment:       comment,
	}); err != nil {
		c.logger.Error("insert stop order failed", "error", err)
	}

	if sess != nil {
		sess.NotifyUnsolicitedOrder(brokerOrderID)
	}
}
