// Package session manages one client session: the login state machine, the
// request-id watermark, order placement on behalf of the client, and the
// pushes (executions, positions, errors) the server sends back.
//
// A session is keyed by its transport identity; messages from one client
// connection are processed under the session mutex, so per-session arrival
// order is preserved even when the worker pool runs handlers concurrently.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oms/internal/gateway"
	"oms/internal/ledger"
	"oms/internal/protocol"
	"oms/pkg/types"
)

// State is the session lifecycle.
type State int

const (
	StateNew State = iota
	StateLoggedIn
)

// Core is the server surface a session calls back into. The OMS core
// implements it; tests substitute their own.
type Core interface {
	// Ledger is the shared persistence layer.
	Ledger() ledger.Ledger
	// IsReady reports whether every broker is connected.
	IsReady() bool
	// PlaceOrder routes an order to a broker and returns the broker id and
	// the broker order id the venue will echo back as the order reference.
	PlaceOrder(market types.Market, symbol string, orderType types.OrderType,
		isBuy bool, quantity int, price float64, goodTill string) (string, int64, error)
	// CancelOrder cancels by broker order id.
	CancelOrder(brokerOrderID int64)
	// Publish queues a message toward the transport identity.
	Publish(identity string, msg protocol.Message)
}

// Session is one client session.
type Session struct {
	logger *slog.Logger
	core   Core

	id       string
	identity string

	mu            sync.Mutex
	state         State
	accountID     string
	nextRequestID int64
	orders        map[int64]int64 // session order id → broker order id
	unsolicited   []int64

	lastClientHeartbeat time.Time
	nextHeartbeat       time.Time
	lastStopCheck       time.Time
}

// New creates a session bound to a transport identity and re-binds any
// active orders the ledger still holds for the session id. Orders with
// session order id 0 were server-originated (stop-losses, rolls) and are
// tracked as unsolicited.
func New(id, identity string, core Core, logger *slog.Logger) (*Session, error) {
	s := &Session{
		logger:        logger.With("component", "session", "session_id", id),
		core:          core,
		id:            id,
		identity:      identity,
		orders:        make(map[int64]int64),
		nextHeartbeat: time.Now(),
		lastStopCheck: time.Now(),
	}

	orders, err := core.Ledger().QueryOrders(ledger.OrderFilter{SessionID: id, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("rebind session %s: %w", id, err)
	}
	if len(orders) == 0 {
		s.logger.Info("no outstanding orders found for session")
		return s, nil
	}
	s.logger.Info("found outstanding orders, assigning back to the session", "count", len(orders))
	for _, o := range orders {
		brokerOrderID, err := parseBrokerOrderID(o.BrokerOrderID)
		if err != nil {
			s.logger.Error("skip order with malformed broker order id", "broker_order_id", o.BrokerOrderID)
			continue
		}
		if o.OrderID == 0 {
			s.unsolicited = append(s.unsolicited, brokerOrderID)
		} else {
			s.orders[o.OrderID] = brokerOrderID
		}
		s.logger.Info("add order", "order_id", o.OrderID, "broker_order_id", brokerOrderID)
	}
	return s, nil
}

func parseBrokerOrderID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

// ID is the client-chosen session id, which doubles as the strategy name.
func (s *Session) ID() string { return s.id }

// Identity is the transport identity replies are routed by.
func (s *Session) Identity() string { return s.identity }

// Account is the account bound at INIT.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// IsLoggedIn reports whether INIT completed.
func (s *Session) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLoggedIn
}

// IsExpired reports whether the client's heartbeat liveness window lapsed.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.HeartbeatExpired(s.lastClientHeartbeat)
}

// IsHeartbeatDue reports whether the next server heartbeat is owed.
func (s *Session) IsHeartbeatDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.nextHeartbeat)
}

// IsOwnOrder reports whether the broker order id belongs to this session.
func (s *Session) IsOwnOrder(brokerOrderID int64) bool {
	_, ok := s.FindSessionOrderID(brokerOrderID)
	return ok
}

// FindSessionOrderID maps a broker order id back to the session order id.
// Unsolicited (server-originated) orders map to 0.
func (s *Session) FindSessionOrderID(brokerOrderID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, bid := range s.orders {
		if bid == brokerOrderID {
			return sid, true
		}
	}
	for _, bid := range s.unsolicited {
		if bid == brokerOrderID {
			return 0, true
		}
	}
	return 0, false
}

// NotifyUnsolicitedOrder registers a server-originated order under the
// session.
func (s *Session) NotifyUnsolicitedOrder(brokerOrderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsolicited = append(s.unsolicited, brokerOrderID)
}

// Process handles one inbound message and returns the direct reply, or nil
// when the message produces none.
func (s *Session) Process(msg protocol.Message) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Messages carrying a request id consume it, whatever happens next.
	switch msg.(type) {
	case *protocol.NewOrder, *protocol.Position:
		if err := s.core.Ledger().IncrementNextRequestID(s.id); err != nil {
			s.logger.Error("increment next request id failed", "error", err)
		}
	}

	switch m := msg.(type) {
	case *protocol.Init:
		return s.processInit(m)
	case *protocol.NextRequestID:
		return nil
	case *protocol.Heartbeat:
		s.lastClientHeartbeat = time.Now()
		s.logger.Debug("received heartbeat from client", "timestamp", m.Timestamp)
		return nil
	}

	if s.state != StateLoggedIn {
		return s.buildError(protocol.NotLoggedIn, "Session is not logged in yet", nil)
	}

	switch m := msg.(type) {
	case *protocol.NewOrder:
		if reply := s.checkNextRequestID(m.RequestID); reply != nil {
			return reply
		}
		return s.processNewOrder(m)
	case *protocol.Position:
		if reply := s.checkNextRequestID(m.RequestID); reply != nil {
			return reply
		}
		reply, err := s.buildPosition(m.RequestID, false)
		if err != nil {
			s.logger.Error("build position reply failed", "error", err)
			return s.buildError(protocol.SystemError, "Cannot build position snapshot", &m.RequestID)
		}
		return reply
	default:
		return s.buildError(protocol.SystemError,
			fmt.Sprintf("Unknown message type %s received", msg.Type()), nil)
	}
}

func (s *Session) processInit(msg *protocol.Init) protocol.Message {
	if s.state != StateNew {
		return s.buildError(protocol.AlreadyLoggedIn,
			fmt.Sprintf("Session %s is logged in already", s.id), nil)
	}

	db := s.core.Ledger()
	account, err := db.QueryAccount(msg.AccountID)
	if err != nil || account == nil {
		s.invalidate()
		return s.buildError(protocol.InitError,
			fmt.Sprintf("Account %s not found in OMS", msg.AccountID), nil)
	}
	s.accountID = account.ID
	s.logger.Info("session associated with account", "account", s.accountID)

	for strategy, portfolio := range msg.Strategies {
		ok, err := db.VerifyAccountPortfolioStrategy(s.accountID, portfolio, strategy)
		if err == nil && !ok {
			s.logger.Warn("strategy not found, adding it", "strategy", strategy)
			if err := db.InsertStrategy(strategy); err != nil {
				s.logger.Error("insert strategy failed", "strategy", strategy, "error", err)
			}
			ok, err = db.VerifyAccountPortfolioStrategy(s.accountID, portfolio, strategy)
		}
		if err != nil || !ok {
			text := fmt.Sprintf(
				"Either account: %s/portfolio: %s/strategy: %s doesn't exist in OMS database",
				msg.AccountID, portfolio, strategy)
			s.logger.Error(text)
			s.invalidate()
			return s.buildError(protocol.InitError, text, nil)
		}
	}

	record, err := db.QuerySession(msg.SessionID)
	if err != nil {
		s.logger.Error("query session failed", "error", err)
		s.invalidate()
		return s.buildError(protocol.SystemError, "Cannot load session record", nil)
	}

	// Logged in from here on, whichever branch the request-id lookup takes.
	// Earlier failures leave the session NEW so the client can retry INIT.
	s.state = StateLoggedIn
	s.lastClientHeartbeat = time.Now()
	if record != nil && record.NextRequestID > 0 {
		s.logger.Info("found session, returning next request id", "next_request_id", record.NextRequestID)
		s.nextRequestID = record.NextRequestID
		return &protocol.NextRequestID{NextRequestID: record.NextRequestID}
	}

	s.logger.Info("received new session id, adding record")
	if err := db.InsertSession(msg.SessionID); err != nil {
		s.logger.Error("insert session failed", "error", err)
	}
	s.nextRequestID = 1
	return &protocol.NextRequestID{NextRequestID: 1}
}

func (s *Session) processNewOrder(msg *protocol.NewOrder) protocol.Message {
	market, err := types.ParseMarket(msg.Market)
	if err != nil {
		return s.buildError(protocol.OrderRejected, err.Error(), &msg.RequestID)
	}
	orderType, err := types.ParseOrderType(msg.OrderType)
	if err != nil {
		return s.buildError(protocol.OrderRejected, err.Error(), &msg.RequestID)
	}
	action, err := types.ParseAction(msg.Action)
	if err != nil {
		return s.buildError(protocol.OrderRejected, err.Error(), &msg.RequestID)
	}
	if err := msg.Comment.Validate(); err != nil {
		return s.buildError(protocol.OrderRejected, err.Error(), &msg.RequestID)
	}

	s.placeOrder(msg.RequestID, market, msg.Symbol, msg.IsBuy, orderType, msg.Quantity, msg.Price,
		msg.Portfolio, action, msg.Strategy, msg.Reference, msg.Comment, nil)
	return nil
}

// PlaceOrder places an order on the client's behalf. Rejections are pushed
// as ORDER_REJECTED rather than returned.
func (s *Session) PlaceOrder(sessionOrderID int64, market types.Market, symbol string, isBuy bool,
	orderType types.OrderType, quantity int, price float64, portfolio string, action types.Action,
	strategy, reference string, comment types.Comment, parentOrderID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeOrder(sessionOrderID, market, symbol, isBuy, orderType, quantity, price,
		portfolio, action, strategy, reference, comment, parentOrderID)
}

// placeOrder runs under the session mutex.
func (s *Session) placeOrder(sessionOrderID int64, market types.Market, symbol string, isBuy bool,
	orderType types.OrderType, quantity int, price float64, portfolio string, action types.Action,
	strategy, reference string, comment types.Comment, parentOrderID *int64) {
	db := s.core.Ledger()

	if !s.core.IsReady() {
		s.publishOrderRejected(sessionOrderID, "Gateway is down")
		return
	}

	ok, err := db.VerifyAccountPortfolioStrategy(s.accountID, portfolio, strategy)
	if err != nil || !ok {
		s.publishOrderRejected(sessionOrderID, fmt.Sprintf(
			"Either account: %s/portfolio: %s/strategy: %s doesn't exist in OMS database",
			s.accountID, portfolio, strategy))
		return
	}

	// Reject the order when its declared constraint would be violated. A
	// strategy with no position record yet passes.
	if constraint := comment.GetString(types.CommentConstraint); constraint != "" {
		positions, err := db.QueryPositions(portfolio, strategy, string(market), symbol)
		if err == nil && len(positions) > 0 {
			projected := positions[0].Position + types.SignedQuantity(isBuy, quantity)
			if (constraint == types.ConstraintLongOnly && projected < 0) ||
				(constraint == types.ConstraintShortOnly && projected > 0) {
				s.publishOrderRejected(sessionOrderID, fmt.Sprintf(
					"Violated '%s' constraint with projected position equals %d", constraint, projected))
				return
			}
		}
	}

	parent := sessionOrderID
	if parentOrderID != nil {
		parent = *parentOrderID
	}

	if action.IsExit() {
		s.pullStopOrders(portfolio, strategy, market, symbol, comment)
	}

	goodTill := comment.GetString(types.CommentGoodTill)
	brokerID, brokerOrderID, err := s.core.PlaceOrder(market, symbol, orderType, isBuy, quantity, price, goodTill)
	if err != nil {
		s.logger.Warn("order was not sent", "order_id", sessionOrderID, "symbol", symbol, "error", err)
		return
	}

	s.orders[sessionOrderID] = brokerOrderID
	if err := db.InsertOrder(ledger.OrderRecord{
		SessionID:     s.id,
		OrderID:       sessionOrderID,
		ParentOrderID: parent,
		BrokerID:      brokerID,
		BrokerOrderID: fmt.Sprintf("%d", brokerOrderID),
		Market:        market,
		Symbol:        symbol,
		Type:          orderType,
		IsBuy:         isBuy,
		Quantity:      quantity,
		Price:         price,
		Portfolio:     portfolio,
		Action:        action,
		Strategy:      strategy,
		Reference:     reference,
		Comment:       comment,
	}); err != nil {
		s.logger.Error("insert order failed", "order_id", sessionOrderID, "error", err)
	}

	if action.IsEntry() {
		if orderRef := comment.GetString(types.CommentOrderReference); orderRef != "" {
			s.logger.Info("found order reference in ENTRY order, adding a position-by-entry row",
				"order_reference", orderRef)
			if err := db.InsertPositionByEntry(portfolio, strategy, string(market), symbol, quantity,
				s.id, sessionOrderID, orderRef); err != nil {
				s.logger.Error("insert position_by_entry failed", "error", err)
			}
		}
	}
}

// PlaceStop places a server-originated protective stop under this session.
func (s *Session) PlaceStop(market types.Market, symbol string, isBuy bool, quantity int, price float64,
	portfolio, strategy string, parentOrderID int64, comment types.Comment) {
	s.PlaceOrder(0, market, symbol, isBuy, types.STP, quantity, price, portfolio,
		types.StopLoss, strategy, "", comment, &parentOrderID)
}

// pullStopOrders cancels the stop-loss cover before an exit order goes out.
// With an order reference the matching stops are pulled; without one the
// per-entry rows supply the references, and if none exist the most recently
// created active stop goes (single-entry assumption).
func (s *Session) pullStopOrders(portfolio, strategy string, market types.Market, symbol string,
	comment types.Comment) {
	s.logger.Info("remove stop-loss order before sending exit order")
	db := s.core.Ledger()

	var refs []string
	if orderRef := comment.GetString(types.CommentOrderReference); orderRef != "" {
		refs = append(refs, orderRef)
	} else {
		entries, err := db.QueryPositionsByEntry(portfolio, strategy, string(market), symbol)
		if err != nil {
			s.logger.Error("query position_by_entry failed", "error", err)
		}
		for _, e := range entries {
			refs = append(refs, e.OrderReference)
		}
	}

	orders, err := db.QueryOrders(ledger.OrderFilter{
		Portfolio: portfolio, Strategy: strategy, OrderType: types.STP,
		ActiveOnly: true, ByCreated: true,
	})
	if err != nil {
		s.logger.Error("query stop orders failed", "error", err)
		return
	}

	if len(refs) == 0 {
		if len(orders) == 0 {
			s.logger.Error("fail to remove stop-loss order: order was missed",
				"portfolio", portfolio, "symbol", symbol, "strategy", strategy)
			return
		}
		newest := orders[len(orders)-1]
		brokerOrderID, err := parseBrokerOrderID(newest.BrokerOrderID)
		if err != nil {
			s.logger.Error("malformed broker order id on stop", "broker_order_id", newest.BrokerOrderID)
			return
		}
		s.logger.Info("remove stop-loss order", "broker_order_id", brokerOrderID)
		s.core.CancelOrder(brokerOrderID)
		return
	}

	removed := make(map[string]bool, len(refs))
	for _, o := range orders {
		stopRef := o.Comment.GetString(types.CommentOrderReference)
		if stopRef == "" {
			continue
		}
		for _, ref := range refs {
			if ref != stopRef {
				continue
			}
			brokerOrderID, err := parseBrokerOrderID(o.BrokerOrderID)
			if err != nil {
				continue
			}
			s.logger.Info("remove stop-loss order", "broker_order_id", brokerOrderID, "order_reference", ref)
			s.core.CancelOrder(brokerOrderID)
			removed[ref] = true
		}
	}
	for _, ref := range refs {
		if !removed[ref] {
			s.logger.Info("no stop-loss order found for order reference when handling exit",
				"order_reference", ref)
		}
	}
}

// PublishExecution pushes one fill to the client.
func (s *Session) PublishExecution(exec gateway.ExecutionUpdate, order ledger.Order) {
	s.send(&protocol.Execution{Items: []protocol.ExecutionItem{{
		OrderID:           order.OrderID,
		ExecutionID:       exec.ExecID,
		ExecutionTime:     protocol.FormatTime(exec.Timestamp),
		Market:            order.Market,
		Symbol:            order.Symbol,
		IsBuy:             order.IsBuy,
		Quantity:          exec.Filled,
		Price:             exec.AvgPrice,
		RemainingQuantity: order.Quantity - exec.CumQty,
		Portfolio:         order.Portfolio,
		Strategy:          order.Strategy,
		Action:            string(order.Action),
		Reference:         order.Reference,
		Comment:           order.Comment,
	}}})
}

// PublishOrderError pushes an ORDER_ERROR for a broker order id.
func (s *Session) PublishOrderError(brokerOrderID int64, msg string) {
	sessionOrderID, _ := s.FindSessionOrderID(brokerOrderID)
	s.send(s.buildError(protocol.OrderError, msg, &sessionOrderID))
}

// PublishOrderRejected pushes an ORDER_REJECTED for a session order id.
func (s *Session) PublishOrderRejected(sessionOrderID int64, msg string) {
	s.send(s.buildError(protocol.OrderRejected, msg, &sessionOrderID))
}

func (s *Session) publishOrderRejected(sessionOrderID int64, msg string) {
	s.send(s.buildError(protocol.OrderRejected, msg, &sessionOrderID))
}

// PublishPosition pushes the current position tree.
func (s *Session) PublishPosition() {
	reply, err := s.buildPosition(0, false)
	if err != nil {
		s.logger.Error("build position push failed", "error", err)
		return
	}
	s.send(reply)
}

// PublishPositionRenew pushes the position tree flagged force_renew, which
// tells the client to discard its local book and adopt the snapshot.
func (s *Session) PublishPositionRenew() {
	reply, err := s.buildPosition(0, true)
	if err != nil {
		s.logger.Error("build position renew failed", "error", err)
		return
	}
	s.send(reply)
}

// PublishNextRequestID pushes the persisted request-id watermark.
func (s *Session) PublishNextRequestID() {
	record, err := s.core.Ledger().QuerySession(s.id)
	if err != nil || record == nil {
		s.logger.Error("query session for next request id failed", "error", err)
		return
	}
	s.logger.Info("returning next request id", "next_request_id", record.NextRequestID)
	s.send(&protocol.NextRequestID{NextRequestID: record.NextRequestID})
}

// SendHeartbeat builds the due server heartbeat and advances the schedule.
func (s *Session) SendHeartbeat() *protocol.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.nextHeartbeat = now.Add(protocol.HeartbeatInterval)
	return &protocol.Heartbeat{
		Timestamp: protocol.FormatTime(now),
		Next:      protocol.FormatTime(s.nextHeartbeat),
		IsReady:   s.core.IsReady(),
	}
}

// RequireStopCheck reports whether the 5-minute stop-coverage cadence is
// due.
func (s *Session) RequireStopCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastStopCheck) > 5*time.Minute
}

// ValidateStopOrders checks that every non-zero position of the session's
// strategy is exactly covered by active STP quantity. It returns a warning
// string, or "" when covered.
func (s *Session) ValidateStopOrders() string {
	s.mu.Lock()
	s.lastStopCheck = time.Now()
	s.mu.Unlock()

	db := s.core.Ledger()
	positions, err := db.QueryPositions("", s.id, "", "")
	if err != nil {
		s.logger.Error("query positions for stop check failed", "error", err)
		return ""
	}
	for _, record := range positions {
		if record.Position == 0 {
			continue
		}
		orders, err := db.QueryOrders(ledger.OrderFilter{
			Portfolio: record.PortfolioID, SessionID: s.id,
			OrderType: types.STP, ActiveOnly: true,
		})
		if err != nil {
			s.logger.Error("query stop orders for stop check failed", "error", err)
			return ""
		}
		stpQty := 0
		for _, o := range orders {
			// A stop that buys covers a short, so it counts negative.
			if o.IsBuy {
				stpQty -= o.Quantity
			} else {
				stpQty += o.Quantity
			}
		}
		if record.Position != stpQty {
			return fmt.Sprintf(
				"Stop order check failed for strategy '%s'. Strategy position is %d but the total STP order quantity is %d",
				s.id, record.Position, -stpQty)
		}
	}
	return ""
}

func (s *Session) send(msg protocol.Message) {
	s.core.Publish(s.identity, msg)
}

func (s *Session) buildError(code protocol.ErrorCode, text string, requestID *int64) *protocol.Error {
	s.logger.Error("return error to client", "code", int(code), "message", text)
	reply := &protocol.Error{ErrorCode: code, Message: text, SessionID: s.id}
	if requestID != nil {
		reply.RequestID = *requestID
	}
	return reply
}

func (s *Session) checkNextRequestID(requestID int64) protocol.Message {
	if requestID < s.nextRequestID {
		return s.buildError(protocol.BadRequestID,
			fmt.Sprintf("Request ID received %d < %d", requestID, s.nextRequestID), &requestID)
	}
	return nil
}

// invalidate expires the session immediately so the eviction sweep removes
// it.
func (s *Session) invalidate() {
	s.lastClientHeartbeat = time.Unix(0, 0)
}

// buildPosition assembles the nested position reply: account → portfolios
// → this strategy's positions → per-entry rows with their originating
// orders and manual operations.
func (s *Session) buildPosition(requestID int64, forceRenew bool) (*protocol.Position, error) {
	db := s.core.Ledger()

	account, err := db.QueryAccount(s.accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", s.accountID)
	}
	reply := &protocol.Position{
		RequestID: requestID,
		Account: &protocol.PositionAccount{
			ID:       account.ID,
			Cash:     account.Cash,
			Currency: account.Currency,
		},
	}

	portfolios, err := db.QueryPortfolios("", s.accountID)
	if err != nil {
		return nil, err
	}
	for _, p := range portfolios {
		msgPortfolio := protocol.PositionPortfolio{ID: p.ID, Positions: []protocol.PositionItem{}}

		positions, err := db.QueryPositions(p.ID, "", "", "")
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			// The session id doubles as the strategy name; other
			// strategies' books are not shown.
			if pos.Strategy != s.id {
				continue
			}
			item := protocol.PositionItem{
				Strategy:         pos.Strategy,
				Market:           pos.Market,
				Symbol:           pos.Symbol,
				Position:         pos.Position,
				AvgPrice:         pos.AvgPrice,
				ForceRenew:       forceRenew,
				PositionsByEntry: []protocol.PositionByEntryItem{},
			}

			entries, err := db.QueryPositionsByEntry(p.ID, pos.Strategy, pos.Market, pos.Symbol)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				entryItem := protocol.PositionByEntryItem{
					Position: e.Position,
					AvgPrice: e.AvgPrice,
					State:    e.State,
					Created:  protocol.FormatTime(e.Created),
					Order: &protocol.EntryOrderItem{
						OrderID:   e.OrderID,
						Market:    pos.Market,
						Symbol:    pos.Symbol,
						OrderType: string(e.OrderType),
						IsBuy:     e.IsBuy,
						Quantity:  e.Quantity,
						Price:     e.Price,
						Portfolio: p.ID,
						Action:    string(e.Action),
						Strategy:  pos.Strategy,
						Reference: e.Reference,
						Comment:   e.Comment,
					},
				}
				operations, err := db.QueryOperations(p.ID, pos.Strategy, e.OrderReference)
				if err != nil {
					return nil, err
				}
				if len(operations) > 0 {
					s.logger.Info("found operations for entry", "order_reference", e.OrderReference,
						"count", len(operations))
					for _, op := range operations {
						entryItem.Operations = append(entryItem.Operations, protocol.OperationItem{
							PortfolioID:    p.ID,
							Strategy:       pos.Strategy,
							Action:         op.Action,
							Position:       op.Position,
							Price:          op.Price,
							OrderReference: e.OrderReference,
							Identity:       op.Identity,
							Created:        protocol.FormatTime(op.Created),
						})
					}
				}
				item.PositionsByEntry = append(item.PositionsByEntry, entryItem)
			}
			msgPortfolio.Positions = append(msgPortfolio.Positions, item)
		}
		reply.Account.Portfolios = append(reply.Account.Portfolios, msgPortfolio)
	}
	return reply, nil
}
