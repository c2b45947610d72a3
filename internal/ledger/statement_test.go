package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"oms/pkg/types"
)

func TestInsertValue(t *testing.T) {
	assert.Equal(t, "null", insertValue(nil))
	assert.Equal(t, "123", insertValue(123))
	assert.Equal(t, "123.45", insertValue(123.45))
	assert.Equal(t, "0.0", insertValue(0.0))
	assert.Equal(t, "True", insertValue(true))
	assert.Equal(t, "False", insertValue(false))
	assert.Equal(t, "'This is a string'", insertValue("This is a string"))
	assert.Equal(t, "'2011-11-02 23:50:13'",
		insertValue(time.Date(2011, 11, 2, 23, 50, 13, 0, time.UTC)))
}

func TestBuildInsert(t *testing.T) {
	stmt := buildInsert("test_table", []string{"col1", "col2", "col3"}, []any{"value1", 2, "value3"}, false)
	assert.Equal(t, "insert into test_table (col1,col2,col3) values ('value1',2,'value3')", stmt)

	stmt = buildInsert("test_table", []string{"col1", "col2", "col3"}, []any{"value1", 2, nil}, false)
	assert.Equal(t, "insert into test_table (col1,col2,col3) values ('value1',2,null)", stmt)

	stmt = buildInsert("test_table", []string{"col1", "col2", "col3"},
		[]any{"value1", time.Date(2011, 11, 2, 23, 50, 13, 0, time.UTC), nil}, false)
	assert.Equal(t, "insert into test_table (col1,col2,col3) values ('value1','2011-11-02 23:50:13',null)", stmt)
}

func TestBuildSelect(t *testing.T) {
	stmt := buildSelect("test_table", []string{"col1", "col2", "col3"}, true)
	assert.Equal(t, "select col1,col2,col3 from test_table where ", stmt)
}

func TestStmtAccountSelectByID(t *testing.T) {
	assert.Equal(t, "select id,cash,currency from account where id='simple_account'",
		stmtAccountSelectByID("simple_account"))
}

func TestStmtExecutionInsert(t *testing.T) {
	leave := 0
	stmt := stmtExecutionInsert(ExecutionRecord{
		BrokerID:          "a_broker",
		BrokerOrderID:     "order_id_123",
		BrokerExecutionID: "execution_456",
		GatewayOrderID:    "gateway_order_id_123",
		IsBuy:             false,
		Symbol:            "NQH1",
		Quantity:          10,
		Price:             123.45,
		LeaveQuantity:     &leave,
		Commission:        20,
		Currency:          "USD",
		ExecutionDatetime: time.Date(2011, 11, 2, 23, 50, 13, 0, time.UTC),
	})
	assert.Equal(t, "insert into execution (broker_id,broker_order_id,broker_execution_id,gateway_order_id,is_buy,"+
		"contract,quantity,price,leave_quantity,commission,currency,execution_datetime) values ('a_broker','order_id_123',"+
		"'execution_456','gateway_order_id_123',False,'NQH1',10,123.45,0,20.0,'USD','2011-11-02 23:50:13')", stmt)
}

func TestStmtExecutionSelect(t *testing.T) {
	stmt := stmtExecutionSelect("broker_123", "execution_123",
		time.Date(2011, 10, 20, 13, 20, 34, 0, time.UTC))
	assert.Equal(t, "select broker_id,broker_order_id,broker_execution_id,gateway_order_id,is_buy,quantity,price,"+
		"leave_quantity,execution_datetime from execution where broker_id='broker_123' and "+
		"broker_execution_id='execution_123' and execution_datetime>='2011-10-20 13:20:34'", stmt)

	stmt = stmtExecutionSelect("broker_123", "execution_123", time.Time{})
	assert.Equal(t, "select broker_id,broker_order_id,broker_execution_id,gateway_order_id,is_buy,quantity,price,"+
		"leave_quantity,execution_datetime from execution where broker_id='broker_123' and "+
		"broker_execution_id='execution_123'", stmt)
}

func TestStmtInstrumentInsertOrUpdate(t *testing.T) {
	stmt := stmtInstrumentInsertOrUpdate("NYMEX", "CL", "CLX9", time.Date(2019, 11, 22, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "insert into instrument (market,symbol,code,expiry) values "+
		"('NYMEX','CL','CLX9','2019-11-22 00:00:00') on duplicate key update code='CLX9', "+
		"expiry='2019-11-22 00:00:00'", stmt)
}

func TestStmtInstrumentSelect(t *testing.T) {
	assert.Equal(t, "select market,symbol,code,expiry from instrument  ", stmtInstrumentSelect())
}

func TestStmtOrderInsert(t *testing.T) {
	stmt := stmtOrderInsert(OrderRecord{
		SessionID:     "client_session_000",
		OrderID:       1234567890,
		ParentOrderID: 1234567890,
		BrokerID:      "IB_TWS",
		BrokerOrderID: "my_order_id_for_ib",
		Market:        types.CME,
		Symbol:        "NQV9",
		Type:          types.LMT,
		IsBuy:         false,
		Quantity:      10,
		Price:         123.95,
		Portfolio:     "portfolio_1",
		Action:        types.Entry,
		Strategy:      "simple_strategy",
		Reference:     "client reference",
		Comment:       types.Comment{"ATR": 0.96, "pattern": "dummy"},
	})
	assert.Equal(t, "insert into order_ (session_id,order_id,parent_order_id,broker_id,broker_order_id,market,"+
		"symbol,type,is_buy,quantity,price,state,qualifier,portfolio,action,strategy,reference,comment)"+
		" values ('client_session_000',1234567890,1234567890,'IB_TWS','my_order_id_for_ib','CME','NQV9',"+
		"'LMT',False,10,123.95,'new',null,'portfolio_1','ENTRY','simple_strategy','client reference',"+
		"'{\"ATR\":0.96,\"pattern\":\"dummy\"}')", stmt)

	stmt = stmtOrderInsert(OrderRecord{
		SessionID:     "client_session_000",
		OrderID:       1234567890,
		ParentOrderID: 1234567890,
		BrokerID:      "IB_TWS",
		BrokerOrderID: "my_order_id_for_ib",
		Market:        types.CME,
		Symbol:        "NQV9",
		Type:          types.LMT,
		IsBuy:         false,
		Quantity:      10,
		Price:         123.95,
		Portfolio:     "portfolio_1",
		Action:        types.Entry,
		Strategy:      "simple_strategy",
		Reference:     "client reference",
	})
	assert.Equal(t, "insert into order_ (session_id,order_id,parent_order_id,broker_id,broker_order_id,market,"+
		"symbol,type,is_buy,quantity,price,state,qualifier,portfolio,action,strategy,reference,comment)"+
		" values ('client_session_000',1234567890,1234567890,'IB_TWS','my_order_id_for_ib','CME','NQV9',"+
		"'LMT',False,10,123.95,'new',null,'portfolio_1','ENTRY','simple_strategy','client reference',"+
		"null)", stmt)
}

func TestStmtOrderSelect(t *testing.T) {
	head := "select session_id,order_id,parent_order_id,broker_id,broker_order_id,market,symbol,type," +
		"is_buy,quantity,price,state,qualifier,portfolio,action,strategy,reference,comment,filled_quantity,remaining_quantity from order_ "

	tests := []struct {
		name   string
		filter OrderFilter
		want   string
	}{
		{
			name:   "session only",
			filter: OrderFilter{SessionID: "session_id_123"},
			want:   head + "where session_id='session_id_123'",
		},
		{
			name:   "broker order id only",
			filter: OrderFilter{BrokerOrderID: "broker_order_id_123"},
			want:   head + "where broker_order_id='broker_order_id_123'",
		},
		{
			name:   "session and broker order id",
			filter: OrderFilter{SessionID: "session_id_123", BrokerOrderID: "broker_order_id_123"},
			want:   head + "where session_id='session_id_123' and broker_order_id='broker_order_id_123'",
		},
		{
			name:   "active only",
			filter: OrderFilter{SessionID: "session_id_123", BrokerOrderID: "broker_order_id_123", ActiveOnly: true},
			want: head + "where session_id='session_id_123' and broker_order_id='broker_order_id_123' and state in " +
				"('NEW','PENDING','ACTIVE','PARTICALLY_FILLED')",
		},
		{
			name: "with symbol",
			filter: OrderFilter{SessionID: "session_id_123", BrokerOrderID: "broker_order_id_123",
				Symbol: "CL", ActiveOnly: true},
			want: head + "where session_id='session_id_123' and broker_order_id='broker_order_id_123' and symbol='CL' " +
				"and state in ('NEW','PENDING','ACTIVE','PARTICALLY_FILLED')",
		},
		{
			name: "order by last modified",
			filter: OrderFilter{SessionID: "session_id_123", BrokerOrderID: "broker_order_id_123",
				Symbol: "CL", ActiveOnly: true, ByLastModified: true},
			want: head + "where session_id='session_id_123' and broker_order_id='broker_order_id_123' and symbol='CL' " +
				"and state in ('NEW','PENDING','ACTIVE','PARTICALLY_FILLED') order by last_modified desc",
		},
		{
			name: "with action",
			filter: OrderFilter{SessionID: "session_id_123", BrokerOrderID: "broker_order_id_123",
				Symbol: "CL", Action: types.StopLoss, ActiveOnly: true, ByLastModified: true},
			want: head + "where session_id='session_id_123' and broker_order_id='broker_order_id_123' and symbol='CL' " +
				"and action='STOP_LOSS' and state in ('NEW','PENDING','ACTIVE','PARTICALLY_FILLED') order by " +
				"last_modified desc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stmtOrderSelect(tt.filter))
		})
	}
}

func TestStmtOrderUpdate(t *testing.T) {
	one, nine := 1, 9
	stmt := stmtOrderUpdate("ibtws_broker", "12345678", OrderUpdate{FilledQuantity: &one, RemainingQuantity: &nine})
	assert.Equal(t, "update order_ set remaining_quantity=9,filled_quantity=1 where broker_id='ibtws_broker' and "+
		"broker_order_id='12345678'", stmt)

	three, seven := 3, 7
	stmt = stmtOrderUpdate("ibtws_broker", "12345678",
		OrderUpdate{FilledQuantity: &three, RemainingQuantity: &seven, State: types.StateActive})
	assert.Equal(t, "update order_ set remaining_quantity=7,filled_quantity=3,state='ACTIVE' where "+
		"broker_id='ibtws_broker' and broker_order_id='12345678'", stmt)

	stmt = stmtOrderUpdate("ibtws_broker", "12345678", OrderUpdate{State: types.StateCancelled})
	assert.Equal(t, "update order_ set state='CANCELLED' where broker_id='ibtws_broker' and "+
		"broker_order_id='12345678'", stmt)

	qty, price := 123, 10.0
	stmt = stmtOrderUpdate("ibtws_broker", "12345678",
		OrderUpdate{Quantity: &qty, Price: &price, Action: types.Entry})
	assert.Equal(t, "update order_ set quantity=123,price=10.0,action='ENTRY' where broker_id='ibtws_broker' and "+
		"broker_order_id='12345678'", stmt)
}

func TestStmtPortfolioSelect(t *testing.T) {
	assert.Equal(t, "select id,account_id from portfolio where id='portfolio_1'",
		stmtPortfolioSelect("portfolio_1", ""))
	assert.Equal(t, "select id,account_id from portfolio where account_id='account_1'",
		stmtPortfolioSelect("", "account_1"))
	assert.Equal(t, "select id,account_id from portfolio where id='portfolio_1' and account_id='account_1'",
		stmtPortfolioSelect("portfolio_1", "account_1"))
}

func TestStmtPositionInsertOrUpdate(t *testing.T) {
	avg := 1.234
	stmt := stmtPositionInsertOrUpdate("dev_portfolio", "simple_strategy", "CME", "NQ", 7, &avg)
	assert.Equal(t, "insert into position (portfolio_id,strategy,market,symbol,position,avg_price) values"+
		" ('dev_portfolio','simple_strategy','CME','NQ',7,1.234) on duplicate key update position=position+7, avg_price=1.234", stmt)

	stmt = stmtPositionInsertOrUpdate("dev_portfolio", "simple_strategy", "CME", "NQ", -2, nil)
	assert.Equal(t, "insert into position (portfolio_id,strategy,market,symbol,position) values"+
		" ('dev_portfolio','simple_strategy','CME','NQ',0) on duplicate key update position=position+-2", stmt)
}

func TestStmtPositionSelect(t *testing.T) {
	assert.Equal(t, "select portfolio_id,strategy,market,symbol,position,avg_price from position where "+
		"portfolio_id='dev_portfolio'", stmtPositionSelect("dev_portfolio", "", "", ""))
	assert.Equal(t, "select portfolio_id,strategy,market,symbol,position,avg_price from position where "+
		"strategy='simple_strategy'", stmtPositionSelect("", "simple_strategy", "", ""))
	assert.Equal(t, "select portfolio_id,strategy,market,symbol,position,avg_price from position where "+
		"portfolio_id='dev_portfolio' and strategy='simple_strategy'",
		stmtPositionSelect("dev_portfolio", "simple_strategy", "", ""))
	assert.Equal(t, "select portfolio_id,strategy,market,symbol,position,avg_price from position where "+
		"portfolio_id='dev_portfolio' and strategy='simple_strategy' and symbol='CL'",
		stmtPositionSelect("dev_portfolio", "simple_strategy", "", "CL"))
	assert.Equal(t, "select portfolio_id,strategy,market,symbol,position,avg_price from position where "+
		"symbol='CL'", stmtPositionSelect("", "", "", "CL"))
}

func TestStmtPositionSum(t *testing.T) {
	assert.Equal(t, "select symbol,sum(position) as position from position where symbol='CL'",
		stmtPositionSum("CL"))
}

func TestStmtStrategyInsert(t *testing.T) {
	assert.Equal(t, "insert ignore into strategy (id,description) values ('test_strategy','')",
		stmtStrategyInsert("test_strategy"))
}

func TestStmtFindAccountPortfolioStrategy(t *testing.T) {
	assert.Equal(t, "select a.id, p.id, s.id from account as a inner join portfolio as p inner join strategy as s "+
		"on a.id=p.account_id where a.id='WRCA001' and p.id='WRCAP001' and s.id='sample_strategy'",
		stmtFindAccountPortfolioStrategy("WRCA001", "WRCAP001", "sample_strategy"))
}

func TestStmtPositionByEntryInsert(t *testing.T) {
	stmt := stmtPositionByEntryInsert("portfolio_101", "sample_strategy", "GLOBEX", "NQ", 10,
		0.0, "client_session_000", 1234567, "PENDING", "order_ref_123")
	assert.Equal(t, "insert into position_by_entry (portfolio_id,strategy,market,symbol,position,avg_"+
		"price,session_id,order_id,state,order_reference) values ('portfolio_101','sample_strategy',"+
		"'GLOBEX','NQ',10,0.0,'client_session_000',1234567,'PENDING','order_ref_123')", stmt)
}

func TestStmtPositionByEntryUpdate(t *testing.T) {
	avg := 2.345
	stmt := stmtPositionByEntryUpdate(PositionByEntryUpdate{
		SessionID: "client_session_000", OrderID: 1234567, AvgPrice: &avg})
	assert.Equal(t, "update position_by_entry set avg_price=2.345 where session_id='client_session_000' and "+
		"order_id=1234567", stmt)

	stmt = stmtPositionByEntryUpdate(PositionByEntryUpdate{
		SessionID: "client_session_000", OrderID: 1234567, State: "FULLY_FILLED"})
	assert.Equal(t, "update position_by_entry set state='FULLY_FILLED' where session_id='client_session_000' and "+
		"order_id=1234567", stmt)

	stmt = stmtPositionByEntryUpdate(PositionByEntryUpdate{
		SessionID: "client_session_000", OrderID: 1234567, AvgPrice: &avg, State: "FULLY_FILLED"})
	assert.Equal(t, "update position_by_entry set avg_price=2.345,state='FULLY_FILLED' where "+
		"session_id='client_session_000' and order_id=1234567", stmt)

	stmt = stmtPositionByEntryUpdate(PositionByEntryUpdate{
		PortfolioID: "portfolio_101", Strategy: "simple_strategy", OrderReference: "order_reference_123",
		AvgPrice: &avg, State: "FULLY_FILLED"})
	assert.Equal(t, "update position_by_entry set avg_price=2.345,state='FULLY_FILLED' where "+
		"portfolio_id='portfolio_101' and strategy='simple_strategy' and "+
		"order_reference='order_reference_123'", stmt)
}

func TestStmtPositionByEntrySelect(t *testing.T) {
	stmt := stmtPositionByEntrySelect("portfolio_101", "simple_strategy", "GLOBEX", "NQ")
	assert.Equal(t, "select p.position,p.avg_price,p.order_reference,p.state,p.created,o.order_id,o.type,o.is_buy,"+
		"o.quantity,o.price,o.action,o.reference,o.comment from position_by_entry as p inner join "+
		"order_ as o on p.session_id=o.session_id and p.order_id=o.order_id where "+
		"p.portfolio_id='portfolio_101' and p.strategy='simple_strategy' and p.market='GLOBEX' and "+
		"p.symbol='NQ' and p.state in ('PENDING','FULLY_FILLED') order by p.created desc", stmt)
}

func TestStmtSessionInsertAndIncrement(t *testing.T) {
	assert.Equal(t, "insert into session (id,next_request_id,ip) values ('client_session_000','1','dummy')",
		stmtSessionInsert("client_session_000", "dummy"))
	assert.Equal(t, "update session set next_request_id = next_request_id + 1 where id='client_session_000'",
		stmtSessionIncrementNextRequestID("client_session_000"))
}

func TestStmtPositionByEntryDelete(t *testing.T) {
	assert.Equal(t, "delete from position_by_entry where session_id = 'client_session_000' and order_id = 1234567",
		stmtPositionByEntryDelete("client_session_000", 1234567))
}
