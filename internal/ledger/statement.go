// statement.go renders the SQL executed against the ledger.
//
// The table layout and the exact statement text are shared persisted state:
// operator tooling reads the same database, so column lists, value
// rendering (True/False booleans, Python-style float text, naive
// timestamps) and even the misspelled PARTICALLY_FILLED state are part of
// the contract and must not drift.
package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"oms/pkg/types"
)

// Active order states as persisted. PARTICALLY_FILLED is a historical
// misspelling baked into existing rows.
var activeOrderStates = []string{"NEW", "PENDING", "ACTIVE", "PARTICALLY_FILLED"}

const timestampLayout = "2006-01-02 15:04:05"

// insertValue renders one SQL literal: nil → null, strings quoted, bools
// True/False, floats in Python str() form, timestamps naive.
func insertValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + x + "'"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case time.Time:
		return "'" + x.Format(timestampLayout) + "'"
	case types.OrderState:
		return "'" + string(x) + "'"
	case types.OrderType:
		return "'" + string(x) + "'"
	case types.Action:
		return "'" + string(x) + "'"
	case types.Market:
		return "'" + string(x) + "'"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// formatFloat matches Python's str(): whole floats keep a trailing ".0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func buildInsert(table string, cols []string, values []any, ignore bool) string {
	keyword := "insert"
	if ignore {
		keyword = "insert ignore"
	}
	rendered := make([]string, len(values))
	for i, v := range values {
		rendered[i] = insertValue(v)
	}
	return fmt.Sprintf("%s into %s (%s) values (%s)",
		keyword, table, strings.Join(cols, ","), strings.Join(rendered, ","))
}

func buildSelect(table string, cols []string, condition bool) string {
	where := ""
	if condition {
		where = "where"
	}
	return fmt.Sprintf("select %s from %s %s ", strings.Join(cols, ","), table, where)
}

func buildUpdate(table string, cols []string, values []any) string {
	pairs := make([]string, len(cols))
	for i, c := range cols {
		pairs[i] = c + "=" + insertValue(values[i])
	}
	return fmt.Sprintf("update %s set %s ", table, strings.Join(pairs, ","))
}

func appendCondition(conditions, condition string) string {
	if len(conditions) > 0 {
		return conditions + " and " + condition
	}
	return conditions + condition
}

var orderColumns = []string{
	"session_id", "order_id", "parent_order_id", "broker_id", "broker_order_id",
	"market", "symbol", "type", "is_buy", "quantity", "price", "state",
	"qualifier", "portfolio", "action", "strategy", "reference", "comment",
	"filled_quantity", "remaining_quantity",
}

func stmtAccountSelectByID(accountID string) string {
	return buildSelect("account", []string{"id", "cash", "currency"}, true) +
		fmt.Sprintf("id='%s'", accountID)
}

func stmtExecutionSelect(brokerID, brokerExecutionID string, since time.Time) string {
	stmt := buildSelect("execution", []string{
		"broker_id", "broker_order_id", "broker_execution_id", "gateway_order_id",
		"is_buy", "quantity", "price", "leave_quantity", "execution_datetime",
	}, true)
	conditions := fmt.Sprintf("broker_id='%s'", brokerID)
	if brokerExecutionID != "" {
		conditions += fmt.Sprintf(" and broker_execution_id='%s'", brokerExecutionID)
	}
	if !since.IsZero() {
		conditions += fmt.Sprintf(" and execution_datetime>='%s'", since.Format(timestampLayout))
	}
	return stmt + conditions
}

func stmtInstrumentSelect() string {
	return buildSelect("instrument", []string{"market", "symbol", "code", "expiry"}, false)
}

// OrderFilter narrows an order query. Zero values mean "no filter"; OrderID
// uses a pointer because 0 is a valid OMS-originated order id.
type OrderFilter struct {
	BrokerID       string
	SessionID      string
	OrderID        *int64
	BrokerOrderID  string
	Symbol         string
	Action         types.Action
	Portfolio      string
	Strategy       string
	OrderType      types.OrderType
	ActiveOnly     bool
	ByLastModified bool
	ByCreated      bool
}

func stmtOrderSelect(f OrderFilter) string {
	stmt := buildSelect("order_", orderColumns, true)

	conditions := ""
	if f.BrokerID != "" {
		conditions += fmt.Sprintf("broker_id='%s'", f.BrokerID)
	}
	if f.SessionID != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("session_id='%s'", f.SessionID))
	}
	if f.OrderID != nil {
		conditions = appendCondition(conditions, fmt.Sprintf("order_id=%d", *f.OrderID))
	}
	if f.BrokerOrderID != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("broker_order_id='%s'", f.BrokerOrderID))
	}
	if f.Symbol != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("symbol='%s'", f.Symbol))
	}
	if f.Action != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("action='%s'", f.Action))
	}
	if f.Portfolio != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("portfolio='%s'", f.Portfolio))
	}
	if f.Strategy != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("strategy='%s'", f.Strategy))
	}
	if f.OrderType != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("type='%s'", f.OrderType))
	}
	if f.ActiveOnly {
		quoted := make([]string, len(activeOrderStates))
		for i, s := range activeOrderStates {
			quoted[i] = "'" + s + "'"
		}
		conditions = appendCondition(conditions, fmt.Sprintf("state in (%s)", strings.Join(quoted, ",")))
	}

	orderBy := ""
	if f.ByLastModified {
		orderBy = " order by last_modified desc"
	} else if f.ByCreated {
		orderBy = " order by created"
	}
	return stmt + conditions + orderBy
}

func stmtPortfolioSelect(portfolioID, accountID string) string {
	condition := portfolioID != "" || accountID != ""
	stmt := buildSelect("portfolio", []string{"id", "account_id"}, condition)
	conditions := ""
	if portfolioID != "" {
		conditions += fmt.Sprintf("id='%s'", portfolioID)
	}
	if accountID != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("account_id='%s'", accountID))
	}
	return stmt + conditions
}

func stmtPositionSelect(portfolioID, strategy, market, symbol string) string {
	stmt := buildSelect("position",
		[]string{"portfolio_id", "strategy", "market", "symbol", "position", "avg_price"}, true)
	conditions := ""
	if portfolioID != "" {
		conditions += fmt.Sprintf("portfolio_id='%s'", portfolioID)
	}
	if strategy != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("strategy='%s'", strategy))
	}
	if market != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("market='%s'", market))
	}
	if symbol != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("symbol='%s'", symbol))
	}
	return stmt + conditions
}

func stmtOperationSelect(portfolioID, strategy, orderReference string) string {
	stmt := buildSelect("operation",
		[]string{"created", "action", "position", "price", "identity"}, true)
	conditions := ""
	if portfolioID != "" {
		conditions += fmt.Sprintf("portfolio_id='%s'", portfolioID)
	}
	if strategy != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("strategy='%s'", strategy))
	}
	if orderReference != "" {
		conditions = appendCondition(conditions, fmt.Sprintf("order_reference='%s'", orderReference))
	}
	return stmt + conditions
}

func stmtPositionSum(symbol string) string {
	stmt := buildSelect("position", []string{"symbol", "sum(position) as position"}, true)
	return stmt + fmt.Sprintf("symbol='%s'", symbol)
}

func stmtSessionSelectByID(sessionID string) string {
	return buildSelect("session", []string{"id", "next_request_id", "ip"}, true) +
		fmt.Sprintf("id='%s'", sessionID)
}

func stmtFindAccountPortfolioStrategy(account, portfolio, strategy string) string {
	return fmt.Sprintf("select a.id, p.id, s.id from account as a inner join portfolio as p inner join "+
		"strategy as s on a.id=p.account_id where a.id='%s' and p.id='%s' and s.id='%s'",
		account, portfolio, strategy)
}

func stmtExecutionInsert(e ExecutionRecord) string {
	var leave any
	if e.LeaveQuantity != nil {
		leave = *e.LeaveQuantity
	}
	return buildInsert("execution", []string{
		"broker_id", "broker_order_id", "broker_execution_id", "gateway_order_id",
		"is_buy", "contract", "quantity", "price", "leave_quantity", "commission",
		"currency", "execution_datetime",
	}, []any{
		e.BrokerID, e.BrokerOrderID, e.BrokerExecutionID, e.GatewayOrderID,
		e.IsBuy, e.Symbol, e.Quantity, e.Price, leave, e.Commission,
		e.Currency, e.ExecutionDatetime,
	}, false)
}

func stmtInstrumentInsertOrUpdate(market, symbol, code string, expiry time.Time) string {
	stmt := buildInsert("instrument", []string{"market", "symbol", "code", "expiry"},
		[]any{market, symbol, code, expiry}, false)
	e := expiry.Format(timestampLayout)
	return stmt + fmt.Sprintf(" on duplicate key update code='%s', expiry='%s'", code, e)
}

func stmtOrderInsert(o OrderRecord) string {
	var comment any
	if o.Comment != nil {
		comment = serializeComment(o.Comment)
	}
	var reference any
	if o.Reference != "" {
		reference = o.Reference
	}
	return buildInsert("order_", []string{
		"session_id", "order_id", "parent_order_id", "broker_id", "broker_order_id",
		"market", "symbol", "type", "is_buy", "quantity", "price", "state",
		"qualifier", "portfolio", "action", "strategy", "reference", "comment",
	}, []any{
		o.SessionID, o.OrderID, o.ParentOrderID, o.BrokerID, o.BrokerOrderID,
		string(o.Market), o.Symbol, o.Type, o.IsBuy, o.Quantity, o.Price, "new",
		nil, o.Portfolio, o.Action, o.Strategy, reference, comment,
	}, false)
}

// serializeComment renders the comment bag as a compact JSON document with
// deterministic (sorted) key order.
func serializeComment(c types.Comment) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		switch v := c[k].(type) {
		case nil:
			b.WriteString("null")
		case string:
			b.WriteString(strconv.Quote(v))
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			b.WriteString(strconv.Itoa(v))
		default:
			b.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
		}
	}
	b.WriteByte('}')
	return b.String()
}

// OrderUpdate carries the optional fields of an order upsert. Nil / empty
// fields are left untouched.
type OrderUpdate struct {
	Quantity          *int
	Price             *float64
	RemainingQuantity *int
	FilledQuantity    *int
	State             types.OrderState
	Action            types.Action
}

func stmtOrderUpdate(brokerID, brokerOrderID string, u OrderUpdate) string {
	var cols []string
	var values []any
	if u.Quantity != nil {
		cols = append(cols, "quantity")
		values = append(values, *u.Quantity)
	}
	if u.Price != nil {
		cols = append(cols, "price")
		values = append(values, *u.Price)
	}
	if u.RemainingQuantity != nil {
		cols = append(cols, "remaining_quantity")
		values = append(values, *u.RemainingQuantity)
	}
	if u.FilledQuantity != nil {
		cols = append(cols, "filled_quantity")
		values = append(values, *u.FilledQuantity)
	}
	if u.State != "" {
		cols = append(cols, "state")
		values = append(values, u.State)
	}
	if u.Action != "" {
		cols = append(cols, "action")
		values = append(values, u.Action)
	}
	stmt := buildUpdate("order_", cols, values)
	return stmt + fmt.Sprintf("where broker_id='%s' and broker_order_id='%s'", brokerID, brokerOrderID)
}

func stmtPositionInsertOrUpdate(portfolioID, strategy, market, symbol string, position int, avgPrice *float64) string {
	if avgPrice != nil {
		stmt := buildInsert("position",
			[]string{"portfolio_id", "strategy", "market", "symbol", "position", "avg_price"},
			[]any{portfolioID, strategy, market, symbol, position, *avgPrice}, false)
		return stmt + fmt.Sprintf(" on duplicate key update position=position+%d, avg_price=%s",
			position, formatFloat(*avgPrice))
	}
	stmt := buildInsert("position",
		[]string{"portfolio_id", "strategy", "market", "symbol", "position"},
		[]any{portfolioID, strategy, market, symbol, 0}, false)
	return stmt + fmt.Sprintf(" on duplicate key update position=position+%d", position)
}

func stmtPositionByEntryInsert(portfolioID, strategy, market, symbol string, position int,
	avgPrice float64, sessionID string, orderID int64, state, orderReference string) string {
	return buildInsert("position_by_entry", []string{
		"portfolio_id", "strategy", "market", "symbol", "position", "avg_price",
		"session_id", "order_id", "state", "order_reference",
	}, []any{
		portfolioID, strategy, market, symbol, position, avgPrice,
		sessionID, orderID, state, orderReference,
	}, false)
}

func stmtOperationInsert(portfolioID, strategy string, action types.Action, position int,
	orderReference string, price *float64, identity string) string {
	var p any
	if price != nil {
		p = *price
	}
	var ident any
	if identity != "" {
		ident = identity
	}
	return buildInsert("operation", []string{
		"portfolio_id", "strategy", "action", "position", "order_reference", "price", "identity",
	}, []any{portfolioID, strategy, action, position, orderReference, p, ident}, false)
}

func stmtPositionByEntrySelect(portfolioID, strategy, market, symbol string) string {
	stmt := "select p.position,p.avg_price,p.order_reference,p.state,p.created,o.order_id,o.type,o.is_buy," +
		"o.quantity,o.price,o.action,o.reference,o.comment from position_by_entry as p inner join " +
		"order_ as o on p.session_id=o.session_id and p.order_id=o.order_id "
	stmt += fmt.Sprintf("where p.portfolio_id='%s' and p.strategy='%s' and p.market='%s' and p.symbol='%s'",
		portfolioID, strategy, market, symbol)
	stmt += " and p.state in ('PENDING','FULLY_FILLED')"
	stmt += " order by p.created desc"
	return stmt
}

// PositionByEntryUpdate addresses a row either by (SessionID, OrderID) or by
// (PortfolioID, Strategy, OrderReference); the session key wins when both
// are set.
type PositionByEntryUpdate struct {
	SessionID      string
	OrderID        int64
	PortfolioID    string
	Strategy       string
	OrderReference string

	AvgPrice *float64
	State    string
	Position *int
}

func stmtPositionByEntryUpdate(u PositionByEntryUpdate) string {
	var cols []string
	var values []any
	if u.AvgPrice != nil {
		cols = append(cols, "avg_price")
		values = append(values, *u.AvgPrice)
	}
	if u.State != "" {
		cols = append(cols, "state")
		values = append(values, u.State)
	}
	if u.Position != nil {
		cols = append(cols, "position")
		values = append(values, *u.Position)
	}
	stmt := buildUpdate("position_by_entry", cols, values)

	if u.SessionID != "" {
		stmt += fmt.Sprintf("where session_id='%s' and order_id=%d", u.SessionID, u.OrderID)
	} else {
		stmt += fmt.Sprintf("where portfolio_id='%s' and strategy='%s' and order_reference='%s'",
			u.PortfolioID, u.Strategy, u.OrderReference)
	}
	return stmt
}

func stmtPositionByEntryDelete(sessionID string, orderID int64) string {
	return fmt.Sprintf("delete from position_by_entry where session_id = '%s' and order_id = %d",
		sessionID, orderID)
}

func stmtSessionInsert(sessionID, ip string) string {
	return buildInsert("session", []string{"id", "next_request_id", "ip"},
		[]any{sessionID, "1", ip}, false)
}

func stmtSessionIncrementNextRequestID(sessionID string) string {
	return fmt.Sprintf("update session set next_request_id = next_request_id + 1 where id='%s'", sessionID)
}

func stmtStrategyInsert(strategy string) string {
	return buildInsert("strategy", []string{"id", "description"}, []any{strategy, ""}, true)
}
