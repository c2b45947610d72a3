// Package ledger is the authoritative store of sessions, orders,
// executions, positions, per-entry positions, operations and instruments.
//
// The package exposes the Ledger interface consumed by the session and OMS
// core layers, and a MySQL-backed implementation (DB). One connection pool
// serves all statements; execution is serialised under a single mutex so
// per-order state transitions observe a consistent order, and every
// statement is logged before it runs so a failing write can be replayed by
// hand.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver

	"oms/pkg/types"
)

// Account is one row of the account table.
type Account struct {
	ID       string
	Cash     float64
	Currency string
}

// Portfolio is one row of the portfolio table.
type Portfolio struct {
	ID        string
	AccountID string
}

// SessionRecord is one row of the session table.
type SessionRecord struct {
	ID            string
	NextRequestID int64
	IP            string
}

// Order is one row of the order_ table. OrderID is the session-scoped order
// id (0 for OMS-originated orders such as stop-losses and rolls);
// BrokerOrderID is the id the broker knows the order by.
type Order struct {
	SessionID         string
	OrderID           int64
	ParentOrderID     int64
	BrokerID          string
	BrokerOrderID     string
	Market            string
	Symbol            string
	Type              types.OrderType
	IsBuy             bool
	Quantity          int
	Price             float64
	State             types.OrderState
	Qualifier         string
	Portfolio         string
	Action            types.Action
	Strategy          string
	Reference         string
	Comment           types.Comment
	FilledQuantity    int
	RemainingQuantity int
}

// Execution is one row of the execution table. BrokerOrderID carries the
// gateway order reference; GatewayOrderID the broker-internal id — the
// historical column naming is preserved.
type Execution struct {
	BrokerID          string
	BrokerOrderID     string
	BrokerExecutionID string
	GatewayOrderID    string
	IsBuy             bool
	Quantity          int
	Price             float64
	LeaveQuantity     int
	ExecutionDatetime time.Time
}

// ExecutionRecord is the insert form of an execution.
type ExecutionRecord struct {
	BrokerID          string
	BrokerOrderID     string
	BrokerExecutionID string
	GatewayOrderID    string
	IsBuy             bool
	Symbol            string
	Quantity          int
	Price             float64
	LeaveQuantity     *int
	Commission        float64
	Currency          string
	ExecutionDatetime time.Time
}

// OrderRecord is the insert form of an order. Rows are born with
// state='new'.
type OrderRecord struct {
	SessionID     string
	OrderID       int64
	ParentOrderID int64
	BrokerID      string
	BrokerOrderID string
	Market        types.Market
	Symbol        string
	Type          types.OrderType
	IsBuy         bool
	Quantity      int
	Price         float64
	Portfolio     string
	Action        types.Action
	Strategy      string
	Reference     string
	Comment       types.Comment
}

// Position is one row of the position table: net signed quantity per
// (portfolio, strategy, market, symbol).
type Position struct {
	PortfolioID string
	Strategy    string
	Market      string
	Symbol      string
	Position    int
	AvgPrice    float64
}

// PositionByEntry is one joined row of position_by_entry and its
// originating order.
type PositionByEntry struct {
	Position       int
	AvgPrice       float64
	OrderReference string
	State          string
	Created        time.Time

	OrderID   int64
	OrderType types.OrderType
	IsBuy     bool
	Quantity  int
	Price     float64
	Action    types.Action
	Reference string
	Comment   types.Comment
}

// Operation is one row of the append-only manual-adjustment log.
type Operation struct {
	Created  time.Time
	Action   string
	Position int
	Price    float64
	Identity string
}

// Instrument is one row of the instrument table: the persisted front-month
// view of a contract.
type Instrument struct {
	Market string
	Symbol string
	Code   string
	Expiry time.Time
}

// Ledger is the persistence contract the session and OMS core layers
// consume.
type Ledger interface {
	Close() error

	IncrementNextRequestID(sessionID string) error
	InsertSession(sessionID string) error
	InsertExecution(e ExecutionRecord) error
	InsertOrder(o OrderRecord) error
	InsertPositionByEntry(portfolioID, strategy, market, symbol string, position int,
		sessionID string, orderID int64, orderReference string) error
	UpdatePositionByEntry(u PositionByEntryUpdate) error
	DeletePositionByEntry(sessionID string, orderID int64) error
	InsertOperation(portfolioID, strategy string, action types.Action, position int,
		orderReference string, price *float64, identity string) error
	InsertStrategy(strategy string) error
	UpdateInstrument(market, symbol, code string, expiry time.Time) error
	UpdateOrder(brokerID, brokerOrderID string, u OrderUpdate) error
	UpdatePosition(portfolioID, strategy, market, symbol string, position int, avgPrice *float64) error

	QueryAccount(accountID string) (*Account, error)
	VerifyAccountPortfolioStrategy(account, portfolio, strategy string) (bool, error)
	QueryExecutions(brokerID, brokerExecutionID string, lookback time.Duration) ([]Execution, error)
	QueryInstruments() ([]Instrument, error)
	QueryOrders(f OrderFilter) ([]Order, error)
	QueryPortfolios(portfolioID, accountID string) ([]Portfolio, error)
	QueryPositions(portfolioID, strategy, market, symbol string) ([]Position, error)
	QueryPositionsByEntry(portfolioID, strategy, market, symbol string) ([]PositionByEntry, error)
	QueryOperations(portfolioID, strategy, orderReference string) ([]Operation, error)
	QuerySession(sessionID string) (*SessionRecord, error)
	QueryTotalPosition(symbol string) (int, error)
}

// DB is the MySQL-backed Ledger. The DSN must carry parseTime=true so
// created/expiry columns scan into time.Time.
type DB struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

var _ Ledger = (*DB)(nil)

// Open connects the ledger database.
func Open(driver, dsn string, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return &DB{db: db, logger: logger.With("component", "ledger")}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// exec runs a mutating statement. Failures are logged with the offending
// statement and returned; the caller's handler aborts, the server does not.
func (d *DB) exec(stmt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("execute", "stmt", stmt)
	if _, err := d.db.Exec(stmt); err != nil {
		d.logger.Error("statement failed", "stmt", stmt, "error", err)
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}

func (d *DB) query(stmt string) (*sql.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("execute", "stmt", stmt)
	rows, err := d.db.Query(stmt)
	if err != nil {
		d.logger.Error("statement failed", "stmt", stmt, "error", err)
		return nil, fmt.Errorf("query %q: %w", stmt, err)
	}
	return rows, nil
}

func (d *DB) IncrementNextRequestID(sessionID string) error {
	return d.exec(stmtSessionIncrementNextRequestID(sessionID))
}

func (d *DB) InsertSession(sessionID string) error {
	return d.exec(stmtSessionInsert(sessionID, "dummy"))
}

func (d *DB) InsertExecution(e ExecutionRecord) error {
	return d.exec(stmtExecutionInsert(e))
}

func (d *DB) InsertOrder(o OrderRecord) error {
	return d.exec(stmtOrderInsert(o))
}

func (d *DB) InsertPositionByEntry(portfolioID, strategy, market, symbol string, position int,
	sessionID string, orderID int64, orderReference string) error {
	return d.exec(stmtPositionByEntryInsert(portfolioID, strategy, market, symbol, position,
		0.0, sessionID, orderID, "PENDING", orderReference))
}

func (d *DB) UpdatePositionByEntry(u PositionByEntryUpdate) error {
	return d.exec(stmtPositionByEntryUpdate(u))
}

func (d *DB) DeletePositionByEntry(sessionID string, orderID int64) error {
	return d.exec(stmtPositionByEntryDelete(sessionID, orderID))
}

func (d *DB) InsertOperation(portfolioID, strategy string, action types.Action, position int,
	orderReference string, price *float64, identity string) error {
	return d.exec(stmtOperationInsert(portfolioID, strategy, action, position, orderReference, price, identity))
}

func (d *DB) InsertStrategy(strategy string) error {
	return d.exec(stmtStrategyInsert(strategy))
}

func (d *DB) UpdateInstrument(market, symbol, code string, expiry time.Time) error {
	return d.exec(stmtInstrumentInsertOrUpdate(market, symbol, code, expiry))
}

func (d *DB) UpdateOrder(brokerID, brokerOrderID string, u OrderUpdate) error {
	return d.exec(stmtOrderUpdate(brokerID, brokerOrderID, u))
}

func (d *DB) UpdatePosition(portfolioID, strategy, market, symbol string, position int, avgPrice *float64) error {
	return d.exec(stmtPositionInsertOrUpdate(portfolioID, strategy, market, symbol, position, avgPrice))
}

func (d *DB) QueryAccount(accountID string) (*Account, error) {
	rows, err := d.query(stmtAccountSelectByID(accountID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var a Account
	if err := rows.Scan(&a.ID, &a.Cash, &a.Currency); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (d *DB) VerifyAccountPortfolioStrategy(account, portfolio, strategy string) (bool, error) {
	rows, err := d.query(stmtFindAccountPortfolioStrategy(account, portfolio, strategy))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (d *DB) QueryExecutions(brokerID, brokerExecutionID string, lookback time.Duration) ([]Execution, error) {
	var since time.Time
	if lookback > 0 {
		since = time.Now().Add(-lookback)
	}
	rows, err := d.query(stmtExecutionSelect(brokerID, brokerExecutionID, since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var leave sql.NullInt64
		if err := rows.Scan(&e.BrokerID, &e.BrokerOrderID, &e.BrokerExecutionID, &e.GatewayOrderID,
			&e.IsBuy, &e.Quantity, &e.Price, &leave, &e.ExecutionDatetime); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.LeaveQuantity = int(leave.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) QueryInstruments() ([]Instrument, error) {
	rows, err := d.query(stmtInstrumentSelect())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var i Instrument
		if err := rows.Scan(&i.Market, &i.Symbol, &i.Code, &i.Expiry); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (d *DB) QueryOrders(f OrderFilter) ([]Order, error) {
	rows, err := d.query(stmtOrderSelect(f))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var qualifier, reference, comment sql.NullString
		if err := rows.Scan(&o.SessionID, &o.OrderID, &o.ParentOrderID, &o.BrokerID, &o.BrokerOrderID,
			&o.Market, &o.Symbol, &o.Type, &o.IsBuy, &o.Quantity, &o.Price, &o.State,
			&qualifier, &o.Portfolio, &o.Action, &o.Strategy, &reference, &comment,
			&o.FilledQuantity, &o.RemainingQuantity); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Qualifier = qualifier.String
		o.Reference = reference.String
		o.Comment = parseComment(comment)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (d *DB) QueryPortfolios(portfolioID, accountID string) ([]Portfolio, error) {
	rows, err := d.query(stmtPortfolioSelect(portfolioID, accountID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		var p Portfolio
		if err := rows.Scan(&p.ID, &p.AccountID); err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) QueryPositions(portfolioID, strategy, market, symbol string) ([]Position, error) {
	rows, err := d.query(stmtPositionSelect(portfolioID, strategy, market, symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.PortfolioID, &p.Strategy, &p.Market, &p.Symbol, &p.Position, &p.AvgPrice); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) QueryPositionsByEntry(portfolioID, strategy, market, symbol string) ([]PositionByEntry, error) {
	rows, err := d.query(stmtPositionByEntrySelect(portfolioID, strategy, market, symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionByEntry
	for rows.Next() {
		var p PositionByEntry
		var orderRef, reference, comment sql.NullString
		if err := rows.Scan(&p.Position, &p.AvgPrice, &orderRef, &p.State, &p.Created,
			&p.OrderID, &p.OrderType, &p.IsBuy, &p.Quantity, &p.Price, &p.Action,
			&reference, &comment); err != nil {
			return nil, fmt.Errorf("scan position_by_entry: %w", err)
		}
		p.OrderReference = orderRef.String
		p.Reference = reference.String
		p.Comment = parseComment(comment)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) QueryOperations(portfolioID, strategy, orderReference string) ([]Operation, error) {
	rows, err := d.query(stmtOperationSelect(portfolioID, strategy, orderReference))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var o Operation
		var price sql.NullFloat64
		var identity sql.NullString
		if err := rows.Scan(&o.Created, &o.Action, &o.Position, &price, &identity); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		o.Price = price.Float64
		o.Identity = identity.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (d *DB) QuerySession(sessionID string) (*SessionRecord, error) {
	rows, err := d.query(stmtSessionSelectByID(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var s SessionRecord
	if err := rows.Scan(&s.ID, &s.NextRequestID, &s.IP); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func (d *DB) QueryTotalPosition(symbol string) (int, error) {
	rows, err := d.query(stmtPositionSum(symbol))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, rows.Err()
	}
	var sym sql.NullString
	var total sql.NullInt64
	if err := rows.Scan(&sym, &total); err != nil {
		return 0, fmt.Errorf("scan total position: %w", err)
	}
	return int(total.Int64), nil
}

func parseComment(raw sql.NullString) types.Comment {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var c types.Comment
	if err := json.Unmarshal([]byte(raw.String), &c); err != nil {
		return nil
	}
	return c
}
