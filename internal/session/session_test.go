package session

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"oms/internal/gateway"
	"oms/internal/ledger"
	"oms/internal/mock"
	"oms/internal/protocol"
	"oms/pkg/types"
)

type placedOrder struct {
	market    types.Market
	symbol    string
	orderType types.OrderType
	isBuy     bool
	quantity  int
	price     float64
	goodTill  string
}

type published struct {
	identity string
	msg      protocol.Message
}

// fakeCore implements Core over the in-memory ledger.
type fakeCore struct {
	db        *mock.Ledger
	ready     bool
	nextID    int64
	placeErr  error
	placed    []placedOrder
	cancelled []int64
	outbox    []published
}

func newFakeCore() *fakeCore {
	return &fakeCore{db: mock.NewLedger(), ready: true, nextID: 1000}
}

func (c *fakeCore) Ledger() ledger.Ledger { return c.db }
func (c *fakeCore) IsReady() bool         { return c.ready }

func (c *fakeCore) PlaceOrder(market types.Market, symbol string, orderType types.OrderType,
	isBuy bool, quantity int, price float64, goodTill string) (string, int64, error) {
	if c.placeErr != nil {
		return "", 0, c.placeErr
	}
	c.placed = append(c.placed, placedOrder{market, symbol, orderType, isBuy, quantity, price, goodTill})
	c.nextID++
	return "sim", c.nextID, nil
}

func (c *fakeCore) CancelOrder(brokerOrderID int64) {
	c.cancelled = append(c.cancelled, brokerOrderID)
}

func (c *fakeCore) Publish(identity string, msg protocol.Message) {
	c.outbox = append(c.outbox, published{identity, msg})
}

func (c *fakeCore) lastError(t *testing.T) *protocol.Error {
	t.Helper()
	if len(c.outbox) == 0 {
		t.Fatal("no message published")
	}
	e, ok := c.outbox[len(c.outbox)-1].msg.(*protocol.Error)
	if !ok {
		t.Fatalf("last published message is %T, want *protocol.Error", c.outbox[len(c.outbox)-1].msg)
	}
	return e
}

func seedAccount(c *fakeCore) {
	c.db.Accounts["ACC1"] = ledger.Account{ID: "ACC1", Cash: 100000, Currency: "USD"}
	c.db.Portfolios = append(c.db.Portfolios, ledger.Portfolio{ID: "P1", AccountID: "ACC1"})
}

func newLoggedInSession(t *testing.T, c *fakeCore) *Session {
	t.Helper()
	seedAccount(c)
	s, err := New("strat_1", "identity-1", c, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply := s.Process(&protocol.Init{
		SessionID: "strat_1", AccountID: "ACC1",
		Strategies: map[string]string{"strat_1": "P1"},
	})
	if _, ok := reply.(*protocol.NextRequestID); !ok {
		t.Fatalf("INIT reply = %T (%+v), want *protocol.NextRequestID", reply, reply)
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gatewayExecution(execID string, filled int, avgPrice float64, cumQty int) gateway.ExecutionUpdate {
	return gateway.ExecutionUpdate{
		GatewayName: "sim",
		ExecID:      execID,
		Filled:      filled,
		AvgPrice:    avgPrice,
		CumQty:      cumQty,
		Timestamp:   time.Date(2019, 9, 12, 10, 30, 0, 0, time.UTC),
	}
}

func TestInitNewSession(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	if !s.IsLoggedIn() {
		t.Error("session not logged in after INIT")
	}
	if s.Account() != "ACC1" {
		t.Errorf("account = %q, want ACC1", s.Account())
	}
	// A session row was created with watermark 1.
	record, _ := c.db.QuerySession("strat_1")
	if record == nil || record.NextRequestID != 1 {
		t.Errorf("session record = %+v, want next_request_id 1", record)
	}
}

func TestInitExistingSessionReturnsWatermark(t *testing.T) {
	c := newFakeCore()
	seedAccount(c)
	c.db.InsertSession("strat_1")
	for i := 0; i < 6; i++ {
		c.db.IncrementNextRequestID("strat_1")
	}

	s, err := New("strat_1", "identity-1", c, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	reply := s.Process(&protocol.Init{
		SessionID: "strat_1", AccountID: "ACC1",
		Strategies: map[string]string{"strat_1": "P1"},
	})
	next, ok := reply.(*protocol.NextRequestID)
	if !ok {
		t.Fatalf("reply = %T, want NextRequestID", reply)
	}
	if next.NextRequestID != 7 {
		t.Errorf("next_request_id = %d, want 7", next.NextRequestID)
	}
}

func TestInitUnknownAccount(t *testing.T) {
	c := newFakeCore()
	s, err := New("strat_1", "identity-1", c, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	reply := s.Process(&protocol.Init{SessionID: "strat_1", AccountID: "NOPE"})
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.InitError {
		t.Fatalf("reply = %+v, want INIT_ERROR", reply)
	}
	if e.Message != "Account NOPE not found in OMS" {
		t.Errorf("message = %q", e.Message)
	}
	// The failed session is expired immediately so eviction removes it.
	if !s.IsExpired() {
		t.Error("failed INIT must expire the session")
	}
}

func TestInitRegistersMissingStrategy(t *testing.T) {
	c := newFakeCore()
	seedAccount(c)
	s, _ := New("strat_new", "identity-1", c, discardLogger())
	reply := s.Process(&protocol.Init{
		SessionID: "strat_new", AccountID: "ACC1",
		Strategies: map[string]string{"strat_new": "P1"},
	})
	if _, ok := reply.(*protocol.NextRequestID); !ok {
		t.Fatalf("reply = %+v", reply)
	}
	if !c.db.Strategies["strat_new"] {
		t.Error("strategy was not registered during INIT")
	}
}

// flakySessionLedger fails session-record lookups on demand and delegates
// everything else to the in-memory ledger.
type flakySessionLedger struct {
	ledger.Ledger
	fail bool
}

func (l *flakySessionLedger) QuerySession(id string) (*ledger.SessionRecord, error) {
	if l.fail {
		return nil, fmt.Errorf("session table unavailable")
	}
	return l.Ledger.QuerySession(id)
}

type flakyCore struct {
	*fakeCore
	flaky *flakySessionLedger
}

func (c *flakyCore) Ledger() ledger.Ledger { return c.flaky }

func TestInitSessionLookupFailureLeavesSessionRetryable(t *testing.T) {
	base := newFakeCore()
	seedAccount(base)
	c := &flakyCore{fakeCore: base, flaky: &flakySessionLedger{Ledger: base.db, fail: true}}

	s, err := New("strat_1", "identity-1", c, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	init := &protocol.Init{
		SessionID: "strat_1", AccountID: "ACC1",
		Strategies: map[string]string{"strat_1": "P1"},
	}

	reply := s.Process(init)
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.SystemError {
		t.Fatalf("reply = %+v, want SYSTEM_ERROR", reply)
	}
	if s.IsLoggedIn() {
		t.Fatal("session logged in although INIT failed")
	}
	if !s.IsExpired() {
		t.Error("failed INIT must expire the session")
	}

	// Once the ledger recovers, the same client may log in again instead
	// of being refused as already logged in.
	c.flaky.fail = false
	reply = s.Process(init)
	next, ok := reply.(*protocol.NextRequestID)
	if !ok {
		t.Fatalf("retried INIT reply = %+v, want NextRequestID", reply)
	}
	if next.NextRequestID != 1 {
		t.Errorf("next_request_id = %d, want 1", next.NextRequestID)
	}
	if !s.IsLoggedIn() {
		t.Error("session not logged in after successful retry")
	}
	if s.IsExpired() {
		t.Error("session still expired after successful retry")
	}
}

func TestSecondInitIsAlreadyLoggedIn(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	reply := s.Process(&protocol.Init{SessionID: "strat_1", AccountID: "ACC1"})
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.AlreadyLoggedIn {
		t.Fatalf("reply = %+v, want ALREADY_LOGGED_IN", reply)
	}
}

func TestNewOrderBeforeLogin(t *testing.T) {
	c := newFakeCore()
	s, _ := New("strat_1", "identity-1", c, discardLogger())
	reply := s.Process(&protocol.NewOrder{RequestID: 1})
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.NotLoggedIn {
		t.Fatalf("reply = %+v, want NOT_LOGGED_IN", reply)
	}
}

func TestBadRequestID(t *testing.T) {
	c := newFakeCore()
	seedAccount(c)
	c.db.InsertSession("strat_1")
	for i := 0; i < 4; i++ {
		c.db.IncrementNextRequestID("strat_1") // watermark 5
	}
	s, _ := New("strat_1", "identity-1", c, discardLogger())
	s.Process(&protocol.Init{
		SessionID: "strat_1", AccountID: "ACC1",
		Strategies: map[string]string{"strat_1": "P1"},
	})

	reply := s.Process(&protocol.NewOrder{RequestID: 3, Market: "CME", Symbol: "NQ",
		OrderType: "LMT", Action: "ENTRY", Quantity: 1, Portfolio: "P1", Strategy: "strat_1"})
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.BadRequestID {
		t.Fatalf("reply = %+v, want BAD_REQUEST_ID", reply)
	}
	if e.Message != "Request ID received 3 < 5" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestProcessIncrementsWatermarkPerRequest(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 1, Price: 7300, Portfolio: "P1", Strategy: "strat_1"})
	s.Process(&protocol.Position{RequestID: 2})

	record, _ := c.db.QuerySession("strat_1")
	if record.NextRequestID != 3 {
		t.Errorf("watermark = %d, want 3", record.NextRequestID)
	}
}

func TestPlaceOrderRejectedWhenGatewayDown(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	c.ready = false

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 1, Price: 7300, Portfolio: "P1", Strategy: "strat_1"})

	e := c.lastError(t)
	if e.ErrorCode != protocol.OrderRejected || e.Message != "Gateway is down" {
		t.Errorf("error = %+v", e)
	}
	if len(c.placed) != 0 {
		t.Error("order reached the broker while gateway was down")
	}
}

func TestPlaceOrderRejectsUnknownTriple(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 1, Price: 7300, Portfolio: "P_OTHER", Strategy: "strat_1"})

	e := c.lastError(t)
	want := "Either account: ACC1/portfolio: P_OTHER/strategy: strat_1 doesn't exist in OMS database"
	if e.ErrorCode != protocol.OrderRejected || e.Message != want {
		t.Errorf("error = %+v", e)
	}
}

func TestConstraintRejection(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	// Long 2 lots; a long-only strategy may not sell 5.
	c.db.UpdatePosition("P1", "strat_1", "CME", "NQ", 2, nil)

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "MKT",
		Action: "EXIT", IsBuy: false, Quantity: 5, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentConstraint: types.ConstraintLongOnly}})

	e := c.lastError(t)
	want := "Violated 'long-only' constraint with projected position equals -3"
	if e.Message != want {
		t.Errorf("message = %q, want %q", e.Message, want)
	}
	if len(c.placed) != 0 {
		t.Error("constrained order reached the broker")
	}
}

func TestConstraintPassesWithoutPositionRecord(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: false, Quantity: 1, Price: 7300, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentConstraint: types.ConstraintLongOnly}})

	if len(c.placed) != 1 {
		t.Fatal("fresh strategy with no position record must pass the constraint check")
	}
}

func TestEntryOrderRecordsPositionByEntry(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 2, Price: 7300, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentOrderReference: "entry-001"}})

	if len(c.placed) != 1 {
		t.Fatal("order was not placed")
	}
	if c.db.PositionsByEntryAll() != 1 {
		t.Error("ENTRY with order_reference must create a position_by_entry row")
	}
	order := c.db.OrderByBrokerOrderID("sim", "1001")
	if order == nil {
		t.Fatal("order row missing")
	}
	if order.ParentOrderID != 1 || order.Action != types.Entry {
		t.Errorf("order row = %+v", order)
	}
	if id, ok := s.FindSessionOrderID(1001); !ok || id != 1 {
		t.Errorf("FindSessionOrderID = %d, %v", id, ok)
	}
}

func TestExitPullsReferencedStop(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	// Entry and its protective stop, both referenced entry-001.
	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 2, Price: 7300, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentOrderReference: "entry-001"}})
	s.PlaceStop(types.CME, "NQ", false, 2, 7290, "P1", "strat_1", 1,
		types.Comment{types.CommentOrderReference: "entry-001"})
	stopBrokerID := c.nextID

	s.Process(&protocol.NewOrder{RequestID: 2, Market: "CME", Symbol: "NQ", OrderType: "MKT",
		Action: "EXIT", IsBuy: false, Quantity: 2, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentOrderReference: "entry-001"}})

	if len(c.cancelled) != 1 || c.cancelled[0] != stopBrokerID {
		t.Errorf("cancelled = %v, want [%d]", c.cancelled, stopBrokerID)
	}
	if len(c.placed) != 3 {
		t.Errorf("placed = %d orders, want 3 (entry, stop, exit)", len(c.placed))
	}
}

func TestExitWithoutReferencePullsNewestStop(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	s.PlaceStop(types.CME, "NQ", false, 1, 7290, "P1", "strat_1", 0, nil)
	s.PlaceStop(types.CME, "NQ", false, 1, 7280, "P1", "strat_1", 0, nil)
	newest := c.nextID

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "MKT",
		Action: "EXIT", IsBuy: false, Quantity: 1, Portfolio: "P1", Strategy: "strat_1"})

	if len(c.cancelled) != 1 || c.cancelled[0] != newest {
		t.Errorf("cancelled = %v, want newest stop %d", c.cancelled, newest)
	}
}

func TestSessionRebindsActiveOrders(t *testing.T) {
	c := newFakeCore()
	seedAccount(c)
	c.db.InsertOrder(ledger.OrderRecord{
		SessionID: "strat_1", OrderID: 7, ParentOrderID: 7, BrokerID: "sim", BrokerOrderID: "555",
		Market: types.CME, Symbol: "NQ", Type: types.LMT, Quantity: 1, Action: types.Entry,
		Portfolio: "P1", Strategy: "strat_1",
	})
	c.db.InsertOrder(ledger.OrderRecord{
		SessionID: "strat_1", OrderID: 0, ParentOrderID: 7, BrokerID: "sim", BrokerOrderID: "556",
		Market: types.CME, Symbol: "NQ", Type: types.STP, Quantity: 1, Action: types.StopLoss,
		Portfolio: "P1", Strategy: "strat_1",
	})

	s, err := New("strat_1", "identity-1", c, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := s.FindSessionOrderID(555); !ok || id != 7 {
		t.Errorf("FindSessionOrderID(555) = %d, %v, want 7", id, ok)
	}
	if id, ok := s.FindSessionOrderID(556); !ok || id != 0 {
		t.Errorf("FindSessionOrderID(556) = %d, %v, want 0 (unsolicited)", id, ok)
	}
	if _, ok := s.FindSessionOrderID(999); ok {
		t.Error("unknown broker order id claimed by session")
	}
}

func TestValidateStopOrders(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	c.db.UpdatePosition("P1", "strat_1", "CME", "NQ", 3, nil)

	// Uncovered long position.
	warning := s.ValidateStopOrders()
	want := "Stop order check failed for strategy 'strat_1'. Strategy position is 3 but the total STP order quantity is 0"
	if warning != want {
		t.Errorf("warning = %q, want %q", warning, want)
	}

	// Covering SELL stop of the full size clears the check.
	s.PlaceStop(types.CME, "NQ", false, 3, 7290, "P1", "strat_1", 0, nil)
	if warning := s.ValidateStopOrders(); warning != "" {
		t.Errorf("warning = %q, want covered", warning)
	}
}

func TestPositionReplyTree(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 2, Price: 7300, Portfolio: "P1", Strategy: "strat_1",
		Comment: types.Comment{types.CommentOrderReference: "entry-001"}})
	avg := 7300.5
	c.db.UpdatePosition("P1", "strat_1", "CME", "NQ", 2, &avg)
	c.db.UpdatePositionByEntry(ledger.PositionByEntryUpdate{
		SessionID: "strat_1", OrderID: 1, AvgPrice: &avg, State: "FULLY_FILLED",
	})
	// A book of another strategy must not leak into the reply.
	c.db.UpdatePosition("P1", "other_strat", "CME", "ES", 5, nil)

	reply := s.Process(&protocol.Position{RequestID: 2})
	pos, ok := reply.(*protocol.Position)
	if !ok {
		t.Fatalf("reply = %T", reply)
	}
	if pos.Account == nil || pos.Account.ID != "ACC1" {
		t.Fatalf("account = %+v", pos.Account)
	}
	if len(pos.Account.Portfolios) != 1 {
		t.Fatalf("portfolios = %d, want 1", len(pos.Account.Portfolios))
	}
	items := pos.Account.Portfolios[0].Positions
	if len(items) != 1 {
		t.Fatalf("positions = %+v, want only strat_1", items)
	}
	item := items[0]
	if item.Position != 2 || item.AvgPrice != 7300.5 || item.ForceRenew {
		t.Errorf("position item = %+v", item)
	}
	if len(item.PositionsByEntry) != 1 {
		t.Fatalf("positions_by_entry = %d, want 1", len(item.PositionsByEntry))
	}
	entry := item.PositionsByEntry[0]
	if entry.State != "FULLY_FILLED" || entry.AvgPrice != 7300.5 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Order == nil || entry.Order.OrderID != 1 || entry.Order.Quantity != 2 {
		t.Errorf("entry order = %+v", entry.Order)
	}
}

func TestPositionRenewSetsForceRenew(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	c.db.UpdatePosition("P1", "strat_1", "CME", "NQ", 1, nil)

	s.PublishPositionRenew()
	last := c.outbox[len(c.outbox)-1].msg.(*protocol.Position)
	if !last.Account.Portfolios[0].Positions[0].ForceRenew {
		t.Error("force_renew not set on position renew push")
	}
}

func TestSendHeartbeatSchedulesNext(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	if !s.IsHeartbeatDue() {
		t.Fatal("fresh session should owe a heartbeat")
	}
	hb := s.SendHeartbeat()
	if !hb.IsReady {
		t.Error("is_ready = false with all brokers connected")
	}
	if hb.Next == "" || hb.Timestamp == "" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if s.IsHeartbeatDue() {
		t.Error("heartbeat still due right after sending")
	}
}

func TestPublishExecutionShape(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)

	order := ledger.Order{
		SessionID: "strat_1", OrderID: 4, Market: "CME", Symbol: "NQZ9", IsBuy: true,
		Quantity: 3, Portfolio: "P1", Strategy: "strat_1", Action: types.Entry, Reference: "ref",
	}
	s.PublishExecution(gatewayExecution("exec-1", 2, 7300.25, 2), order)

	exec := c.outbox[len(c.outbox)-1].msg.(*protocol.Execution)
	if len(exec.Items) != 1 {
		t.Fatalf("items = %d", len(exec.Items))
	}
	item := exec.Items[0]
	if item.OrderID != 4 || item.Quantity != 2 || item.Price != 7300.25 {
		t.Errorf("item = %+v", item)
	}
	if item.RemainingQuantity != 1 { // order quantity 3, cum 2
		t.Errorf("remaining = %d, want 1", item.RemainingQuantity)
	}
}

func TestOrderNotSentWhenBrokerUnavailable(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	c.placeErr = fmt.Errorf("no broker available")

	before := len(c.outbox)
	s.Process(&protocol.NewOrder{RequestID: 1, Market: "CME", Symbol: "NQ", OrderType: "LMT",
		Action: "ENTRY", IsBuy: true, Quantity: 1, Price: 7300, Portfolio: "P1", Strategy: "strat_1"})

	// The order is logged and dropped: no row, no reply.
	if c.db.OrderByBrokerOrderID("sim", "1001") != nil {
		t.Error("order row written although the broker refused it")
	}
	if len(c.outbox) != before {
		t.Errorf("unexpected publishes: %+v", c.outbox[before:])
	}
}

func TestUnknownMessageType(t *testing.T) {
	c := newFakeCore()
	s := newLoggedInSession(t, c)
	reply := s.Process(&protocol.Execution{})
	e, ok := reply.(*protocol.Error)
	if !ok || e.ErrorCode != protocol.SystemError {
		t.Fatalf("reply = %+v, want SYSTEM_ERROR", reply)
	}
	if !strings.Contains(e.Message, "Unknown message type") {
		t.Errorf("message = %q", e.Message)
	}
}
