package gateway

import (
	"io"
	"log/slog"
	"testing"

	"oms/pkg/types"
)

func newTestSim(marks map[string]float64) *Sim {
	return NewSim("sim", marks, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recorder struct {
	orderUpdates []OrderUpdate
	executions   []ExecutionUpdate
	snapshots    []OpenOrdersSnapshot
	connections  []ConnectionUpdate
	accountInfos []AccountInfoUpdate
	positions    []PositionUpdate
}

func (r *recorder) attach(g Gateway) {
	ev := g.Events()
	ev.OnOrderUpdate = func(_ Gateway, u OrderUpdate) { r.orderUpdates = append(r.orderUpdates, u) }
	ev.OnExecution = func(_ Gateway, e ExecutionUpdate) { r.executions = append(r.executions, e) }
	ev.OnOpenOrderEnd = func(_ Gateway, s OpenOrdersSnapshot) { r.snapshots = append(r.snapshots, s) }
	ev.OnConnectionUpdate = func(_ Gateway, c ConnectionUpdate) { r.connections = append(r.connections, c) }
	ev.OnAccountInfoUpdate = func(_ Gateway, a AccountInfoUpdate) { r.accountInfos = append(r.accountInfos, a) }
	ev.OnPositionUpdate = func(_ Gateway, p PositionUpdate) { r.positions = append(r.positions, p) }
}

func TestSimFillsMarketOrderAtMark(t *testing.T) {
	sim := newTestSim(map[string]float64{"NQZ9": 7300.0})
	var rec recorder
	rec.attach(sim)

	if err := sim.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sim.PlaceOrder("100", Order{Symbol: "NQZ9", OrderType: types.MKT, IsBuy: true, Quantity: 2}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if len(rec.executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(rec.executions))
	}
	exec := rec.executions[0]
	if exec.AvgPrice != 7300.0 || exec.CumQty != 2 || exec.OrderRef != "100" {
		t.Errorf("execution = %+v", exec)
	}
	if exec.ExecID == "" {
		t.Error("execution id is empty")
	}

	// SUBMITTED then FILLED.
	if len(rec.orderUpdates) != 2 {
		t.Fatalf("order updates = %d, want 2", len(rec.orderUpdates))
	}
	if rec.orderUpdates[0].Status != StatusSubmitted || rec.orderUpdates[1].Status != StatusFilled {
		t.Errorf("statuses = %v, %v", rec.orderUpdates[0].Status, rec.orderUpdates[1].Status)
	}
}

func TestSimStopOrdersRest(t *testing.T) {
	sim := newTestSim(nil)
	var rec recorder
	rec.attach(sim)
	sim.Connect()

	stop := 7290.0
	if err := sim.PlaceOrder("101", Order{Symbol: "NQZ9", OrderType: types.STP, Quantity: 2, StopPrice: &stop}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(rec.executions) != 0 {
		t.Fatalf("stop filled immediately: %+v", rec.executions)
	}

	// Open-orders round reports it and closes with a snapshot.
	sim.RequestOpenOrders()
	if len(rec.snapshots) != 1 || len(rec.snapshots[0].OpenOrders) != 1 {
		t.Fatalf("snapshots = %+v", rec.snapshots)
	}
	if !rec.snapshots[0].IsHistorical {
		t.Error("open-orders snapshot should be historical")
	}

	if err := sim.FillResting("101", 7289.5); err != nil {
		t.Fatalf("FillResting: %v", err)
	}
	if len(rec.executions) != 1 || rec.executions[0].AvgPrice != 7289.5 {
		t.Fatalf("executions = %+v", rec.executions)
	}
}

func TestSimCancelRemovesRestingOrder(t *testing.T) {
	sim := newTestSim(nil)
	var rec recorder
	rec.attach(sim)
	sim.Connect()

	stop := 52.3
	sim.PlaceOrder("102", Order{Symbol: "CLX9", OrderType: types.STP, Quantity: 1, StopPrice: &stop})
	if err := sim.CancelOrder("102"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	last := rec.orderUpdates[len(rec.orderUpdates)-1]
	if last.Status != StatusCancelled {
		t.Errorf("last status = %v, want CANCELLED", last.Status)
	}
	if err := sim.CancelOrder("102"); err == nil {
		t.Error("second cancel should fail")
	}
}

func TestSimDisconnectedCallsReportBrokenPipe(t *testing.T) {
	sim := newTestSim(nil)
	if err := sim.Ping(); err != ErrBrokenPipe {
		t.Errorf("Ping = %v, want ErrBrokenPipe", err)
	}
	if err := sim.PlaceOrder("103", Order{Symbol: "NQZ9", OrderType: types.MKT, Quantity: 1}); err != ErrBrokenPipe {
		t.Errorf("PlaceOrder = %v, want ErrBrokenPipe", err)
	}
}

func TestSimReportsAccountAndVenuePositions(t *testing.T) {
	sim := newTestSim(map[string]float64{"NQZ9": 7300.0})
	var rec recorder
	rec.attach(sim)
	sim.Connect()

	if len(rec.accountInfos) != 1 {
		t.Fatalf("account info updates = %d, want 1", len(rec.accountInfos))
	}
	if got := rec.accountInfos[0]; got.Key != "AccountReady" || got.Value != "true" {
		t.Errorf("account info = %+v, want AccountReady=true", got)
	}

	sim.PlaceOrder("110", Order{Symbol: "NQZ9", OrderType: types.MKT, IsBuy: true, Quantity: 3})
	sim.PlaceOrder("111", Order{Symbol: "NQZ9", OrderType: types.MKT, IsBuy: false, Quantity: 1})

	// Each fill reports the venue's running net position.
	if len(rec.positions) != 2 {
		t.Fatalf("position updates = %d, want 2", len(rec.positions))
	}
	if rec.positions[0].Position != 3 || rec.positions[1].Position != 2 {
		t.Errorf("venue positions = %d, %d, want 3, 2",
			rec.positions[0].Position, rec.positions[1].Position)
	}
	if rec.positions[1].Symbol != "NQZ9" || rec.positions[1].AvgCost != 7300.0 {
		t.Errorf("position update = %+v", rec.positions[1])
	}
}

func TestSimReplaysExecutions(t *testing.T) {
	sim := newTestSim(map[string]float64{"NQZ9": 7300.0})
	sim.Connect()
	sim.PlaceOrder("104", Order{Symbol: "NQZ9", OrderType: types.MKT, Quantity: 1})

	var rec recorder
	rec.attach(sim)
	sim.RequestExecutions()
	if len(rec.executions) != 1 {
		t.Fatalf("replayed executions = %d, want 1", len(rec.executions))
	}
}
