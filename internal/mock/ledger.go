// Package mock provides in-memory test doubles for the persistence layer.
package mock

import (
	"sort"
	"strings"
	"sync"
	"time"

	"oms/internal/ledger"
	"oms/pkg/types"
)

type orderRow struct {
	ledger.Order
	created      time.Time
	lastModified time.Time
}

type pbeRow struct {
	PortfolioID    string
	Strategy       string
	Market         string
	Symbol         string
	Position       int
	AvgPrice       float64
	SessionID      string
	OrderID        int64
	State          string
	OrderReference string
	Created        time.Time
}

type operationRow struct {
	PortfolioID    string
	Strategy       string
	Action         string
	Position       int
	Price          float64
	OrderReference string
	Identity       string
	Created        time.Time
}

// Ledger is an in-memory ledger.Ledger. Seed reference data through the
// exported fields before use; mutations behave like the real schema,
// including MySQL's case-insensitive state matching and the additive
// position upsert.
type Ledger struct {
	mu sync.Mutex

	Accounts   map[string]ledger.Account
	Portfolios []ledger.Portfolio
	Strategies map[string]bool
	Sessions   map[string]*ledger.SessionRecord

	Instruments map[string]ledger.Instrument // "market|symbol"

	orders     []*orderRow
	executions []ledger.Execution
	positions  map[string]*ledger.Position // "portfolio|strategy|market|symbol"
	pbes       []*pbeRow
	operations []operationRow

	// Err, when set, makes every call fail with it.
	Err error

	clock time.Time
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewLedger builds an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		Accounts:    make(map[string]ledger.Account),
		Strategies:  make(map[string]bool),
		Sessions:    make(map[string]*ledger.SessionRecord),
		Instruments: make(map[string]ledger.Instrument),
		positions:   make(map[string]*ledger.Position),
		clock:       time.Now(),
	}
}

// tick advances the fake row clock so created/last_modified orderings are
// deterministic even within one wall-clock instant.
func (l *Ledger) tick() time.Time {
	l.clock = l.clock.Add(time.Millisecond)
	return l.clock
}

func (l *Ledger) Close() error { return l.Err }

func (l *Ledger) IncrementNextRequestID(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if s, ok := l.Sessions[sessionID]; ok {
		s.NextRequestID++
	}
	return nil
}

func (l *Ledger) InsertSession(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if _, ok := l.Sessions[sessionID]; !ok { // insert ignore
		l.Sessions[sessionID] = &ledger.SessionRecord{ID: sessionID, NextRequestID: 1, IP: "dummy"}
	}
	return nil
}

func (l *Ledger) InsertExecution(e ledger.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	leave := 0
	if e.LeaveQuantity != nil {
		leave = *e.LeaveQuantity
	}
	l.executions = append(l.executions, ledger.Execution{
		BrokerID:          e.BrokerID,
		BrokerOrderID:     e.BrokerOrderID,
		BrokerExecutionID: e.BrokerExecutionID,
		GatewayOrderID:    e.GatewayOrderID,
		IsBuy:             e.IsBuy,
		Quantity:          e.Quantity,
		Price:             e.Price,
		LeaveQuantity:     leave,
		ExecutionDatetime: e.ExecutionDatetime,
	})
	return nil
}

func (l *Ledger) InsertOrder(o ledger.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	now := l.tick()
	l.orders = append(l.orders, &orderRow{
		Order: ledger.Order{
			SessionID:         o.SessionID,
			OrderID:           o.OrderID,
			ParentOrderID:     o.ParentOrderID,
			BrokerID:          o.BrokerID,
			BrokerOrderID:     o.BrokerOrderID,
			Market:            string(o.Market),
			Symbol:            o.Symbol,
			Type:              o.Type,
			IsBuy:             o.IsBuy,
			Quantity:          o.Quantity,
			Price:             o.Price,
			State:             "new",
			Portfolio:         o.Portfolio,
			Action:            o.Action,
			Strategy:          o.Strategy,
			Reference:         o.Reference,
			Comment:           o.Comment,
			RemainingQuantity: o.Quantity,
		},
		created:      now,
		lastModified: now,
	})
	return nil
}

func (l *Ledger) InsertPositionByEntry(portfolioID, strategy, market, symbol string, position int,
	sessionID string, orderID int64, orderReference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.pbes = append(l.pbes, &pbeRow{
		PortfolioID:    portfolioID,
		Strategy:       strategy,
		Market:         market,
		Symbol:         symbol,
		Position:       position,
		SessionID:      sessionID,
		OrderID:        orderID,
		State:          "PENDING",
		OrderReference: orderReference,
		Created:        l.tick(),
	})
	return nil
}

func (l *Ledger) UpdatePositionByEntry(u ledger.PositionByEntryUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	for _, row := range l.pbes {
		var match bool
		if u.SessionID != "" {
			match = row.SessionID == u.SessionID && row.OrderID == u.OrderID
		} else {
			match = row.PortfolioID == u.PortfolioID && row.Strategy == u.Strategy &&
				row.OrderReference == u.OrderReference
		}
		if !match {
			continue
		}
		if u.AvgPrice != nil {
			row.AvgPrice = *u.AvgPrice
		}
		if u.State != "" {
			row.State = u.State
		}
		if u.Position != nil {
			row.Position = *u.Position
		}
	}
	return nil
}

func (l *Ledger) DeletePositionByEntry(sessionID string, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	kept := l.pbes[:0]
	for _, row := range l.pbes {
		if row.SessionID == sessionID && row.OrderID == orderID {
			continue
		}
		kept = append(kept, row)
	}
	l.pbes = kept
	return nil
}

func (l *Ledger) InsertOperation(portfolioID, strategy string, action types.Action, position int,
	orderReference string, price *float64, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	op := operationRow{
		PortfolioID:    portfolioID,
		Strategy:       strategy,
		Action:         string(action),
		Position:       position,
		OrderReference: orderReference,
		Identity:       identity,
		Created:        l.tick(),
	}
	if price != nil {
		op.Price = *price
	}
	l.operations = append(l.operations, op)
	return nil
}

func (l *Ledger) InsertStrategy(strategy string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.Strategies[strategy] = true
	return nil
}

func (l *Ledger) UpdateInstrument(market, symbol, code string, expiry time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.Instruments[market+"|"+symbol] = ledger.Instrument{
		Market: market, Symbol: symbol, Code: code, Expiry: expiry,
	}
	return nil
}

func (l *Ledger) UpdateOrder(brokerID, brokerOrderID string, u ledger.OrderUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	for _, row := range l.orders {
		if row.BrokerID != brokerID || row.BrokerOrderID != brokerOrderID {
			continue
		}
		if u.Quantity != nil {
			row.Quantity = *u.Quantity
		}
		if u.Price != nil {
			row.Price = *u.Price
		}
		if u.RemainingQuantity != nil {
			row.RemainingQuantity = *u.RemainingQuantity
		}
		if u.FilledQuantity != nil {
			row.FilledQuantity = *u.FilledQuantity
		}
		if u.State != "" {
			row.State = u.State
		}
		if u.Action != "" {
			row.Action = u.Action
		}
		row.lastModified = l.tick()
	}
	return nil
}

func (l *Ledger) UpdatePosition(portfolioID, strategy, market, symbol string, position int, avgPrice *float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	key := portfolioID + "|" + strategy + "|" + market + "|" + symbol
	row, ok := l.positions[key]
	if !ok {
		row = &ledger.Position{PortfolioID: portfolioID, Strategy: strategy, Market: market, Symbol: symbol}
		l.positions[key] = row
	}
	row.Position += position
	if avgPrice != nil {
		row.AvgPrice = *avgPrice
	}
	return nil
}

func (l *Ledger) QueryAccount(accountID string) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if a, ok := l.Accounts[accountID]; ok {
		copied := a
		return &copied, nil
	}
	return nil, nil
}

func (l *Ledger) VerifyAccountPortfolioStrategy(account, portfolio, strategy string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	if _, ok := l.Accounts[account]; !ok {
		return false, nil
	}
	if !l.Strategies[strategy] {
		return false, nil
	}
	for _, p := range l.Portfolios {
		if p.ID == portfolio && p.AccountID == account {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) QueryExecutions(brokerID, brokerExecutionID string, lookback time.Duration) ([]ledger.Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var since time.Time
	if lookback > 0 {
		since = time.Now().Add(-lookback)
	}
	var out []ledger.Execution
	for _, e := range l.executions {
		if e.BrokerID != brokerID || e.BrokerExecutionID != brokerExecutionID {
			continue
		}
		if !since.IsZero() && e.ExecutionDatetime.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Ledger) QueryInstruments() ([]ledger.Instrument, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	out := make([]ledger.Instrument, 0, len(l.Instruments))
	for _, i := range l.Instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Market != out[b].Market {
			return out[a].Market < out[b].Market
		}
		return out[a].Symbol < out[b].Symbol
	})
	return out, nil
}

// stateActive mirrors the persisted active-state list; the comparison is
// case-insensitive like the MySQL collation, so rows born 'new' match.
func stateActive(state types.OrderState) bool {
	for _, s := range []string{"NEW", "PENDING", "ACTIVE", "PARTICALLY_FILLED"} {
		if strings.EqualFold(string(state), s) {
			return true
		}
	}
	return false
}

func (l *Ledger) QueryOrders(f ledger.OrderFilter) ([]ledger.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var rows []*orderRow
	for _, row := range l.orders {
		if f.BrokerID != "" && row.BrokerID != f.BrokerID {
			continue
		}
		if f.SessionID != "" && row.SessionID != f.SessionID {
			continue
		}
		if f.OrderID != nil && row.OrderID != *f.OrderID {
			continue
		}
		if f.BrokerOrderID != "" && row.BrokerOrderID != f.BrokerOrderID {
			continue
		}
		if f.Symbol != "" && row.Symbol != f.Symbol {
			continue
		}
		if f.Action != "" && row.Action != f.Action {
			continue
		}
		if f.Portfolio != "" && row.Portfolio != f.Portfolio {
			continue
		}
		if f.Strategy != "" && row.Strategy != f.Strategy {
			continue
		}
		if f.OrderType != "" && row.Type != f.OrderType {
			continue
		}
		if f.ActiveOnly && !stateActive(row.State) {
			continue
		}
		rows = append(rows, row)
	}
	if f.ByLastModified {
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].lastModified.After(rows[b].lastModified) })
	} else if f.ByCreated {
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].created.Before(rows[b].created) })
	}
	out := make([]ledger.Order, len(rows))
	for i, row := range rows {
		out[i] = row.Order
	}
	return out, nil
}

func (l *Ledger) QueryPortfolios(portfolioID, accountID string) ([]ledger.Portfolio, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []ledger.Portfolio
	for _, p := range l.Portfolios {
		if portfolioID != "" && p.ID != portfolioID {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *Ledger) QueryPositions(portfolioID, strategy, market, symbol string) ([]ledger.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []ledger.Position
	for _, p := range l.positions {
		if portfolioID != "" && p.PortfolioID != portfolioID {
			continue
		}
		if strategy != "" && p.Strategy != strategy {
			continue
		}
		if market != "" && p.Market != market {
			continue
		}
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].PortfolioID != out[b].PortfolioID {
			return out[a].PortfolioID < out[b].PortfolioID
		}
		if out[a].Strategy != out[b].Strategy {
			return out[a].Strategy < out[b].Strategy
		}
		return out[a].Symbol < out[b].Symbol
	})
	return out, nil
}

func (l *Ledger) QueryPositionsByEntry(portfolioID, strategy, market, symbol string) ([]ledger.PositionByEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var rows []*pbeRow
	for _, row := range l.pbes {
		if row.PortfolioID != portfolioID || row.Strategy != strategy ||
			row.Market != market || row.Symbol != symbol {
			continue
		}
		if row.State != "PENDING" && row.State != "FULLY_FILLED" {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].Created.After(rows[b].Created) })

	out := make([]ledger.PositionByEntry, 0, len(rows))
	for _, row := range rows {
		item := ledger.PositionByEntry{
			Position:       row.Position,
			AvgPrice:       row.AvgPrice,
			OrderReference: row.OrderReference,
			State:          row.State,
			Created:        row.Created,
			OrderID:        row.OrderID,
		}
		// inner join order_ on (session_id, order_id)
		for _, o := range l.orders {
			if o.SessionID == row.SessionID && o.OrderID == row.OrderID {
				item.OrderType = o.Type
				item.IsBuy = o.IsBuy
				item.Quantity = o.Quantity
				item.Price = o.Price
				item.Action = o.Action
				item.Reference = o.Reference
				item.Comment = o.Comment
				break
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (l *Ledger) QueryOperations(portfolioID, strategy, orderReference string) ([]ledger.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []ledger.Operation
	for _, op := range l.operations {
		if op.PortfolioID != portfolioID || op.Strategy != strategy || op.OrderReference != orderReference {
			continue
		}
		out = append(out, ledger.Operation{
			Created:  op.Created,
			Action:   op.Action,
			Position: op.Position,
			Price:    op.Price,
			Identity: op.Identity,
		})
	}
	return out, nil
}

func (l *Ledger) QuerySession(sessionID string) (*ledger.SessionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if s, ok := l.Sessions[sessionID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (l *Ledger) QueryTotalPosition(symbol string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	total := 0
	for _, p := range l.positions {
		if p.Symbol == symbol {
			total += p.Position
		}
	}
	return total, nil
}

// OrderByBrokerOrderID is a test convenience: the first order row with the
// given broker order id.
func (l *Ledger) OrderByBrokerOrderID(brokerID, brokerOrderID string) *ledger.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.orders {
		if row.BrokerID == brokerID && row.BrokerOrderID == brokerOrderID {
			copied := row.Order
			return &copied
		}
	}
	return nil
}

// PositionsByEntryAll is a test convenience: every per-entry row regardless
// of state.
func (l *Ledger) PositionsByEntryAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pbes)
}
