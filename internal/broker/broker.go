// Package broker wraps a gateway with connection supervision: connect and
// reconnect bookkeeping, serialised order commands, and broken-pipe
// recovery. Every broker command funnels through one mutex so a single
// venue never sees interleaved calls.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oms/internal/config"
	"oms/internal/gateway"
)

// Broker supervises one gateway connection.
type Broker struct {
	gw                gateway.Gateway
	reconnectInterval time.Duration
	logger            *slog.Logger

	callMu sync.Mutex // serialises gateway commands

	mu                sync.Mutex // guards the connection flags
	isConnected       bool
	isConnecting      bool
	lastConnectionTry time.Time
}

// New wraps a gateway.
func New(gw gateway.Gateway, reconnectInterval time.Duration, logger *slog.Logger) *Broker {
	return &Broker{
		gw:                gw,
		reconnectInterval: reconnectInterval,
		logger:            logger.With("component", "broker", "name", gw.Name()),
		lastConnectionTry: time.Now(),
	}
}

// NewFromConfig builds the configured gateway kind and wraps it.
func NewFromConfig(cfg config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	var gw gateway.Gateway
	switch cfg.Kind {
	case "sim":
		gw = gateway.NewSim(cfg.Name, cfg.Sim.Marks, logger)
	default:
		return nil, fmt.Errorf("broker %q: unknown gateway kind %q", cfg.Name, cfg.Kind)
	}
	return New(gw, time.Duration(cfg.ReconnectIntervalSec)*time.Second, logger), nil
}

// Gateway exposes the wrapped gateway, mainly for event registration.
func (b *Broker) Gateway() gateway.Gateway { return b.gw }

// Name is the gateway name and the ledger's broker_id.
func (b *Broker) Name() string { return b.gw.Name() }

// IsHealthy reports the gateway's own health check.
func (b *Broker) IsHealthy() bool { return b.gw.IsHealthy() }

// ReconnectInterval is how long a disconnected broker waits between
// connect attempts.
func (b *Broker) ReconnectInterval() time.Duration { return b.reconnectInterval }

// IsConnected reports the supervised connection state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isConnected
}

// IsConnecting reports whether a Connect call is in flight.
func (b *Broker) IsConnecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isConnecting
}

// SetConnected records the connection state reported by the gateway's
// connection events. A false→true edge triggers recovery: replay missed
// executions and resynchronise open orders.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	changed := b.isConnected != connected
	b.isConnected = connected
	b.mu.Unlock()
	b.logger.Info("set connected", "connected", connected)

	if connected && changed {
		if err := b.gw.RequestExecutions(); err != nil {
			b.logger.Error("recovery: request executions failed", "error", err)
		}
		if err := b.gw.RequestOpenOrders(); err != nil {
			b.logger.Error("recovery: request open orders failed", "error", err)
		}
	}
}

// IsTimeToReconnect reports whether a disconnected broker is due another
// connect attempt, and consumes the attempt slot when it is.
func (b *Broker) IsTimeToReconnect() bool {
	if b.reconnectInterval <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if b.lastConnectionTry.Add(b.reconnectInterval).Before(now) {
		b.lastConnectionTry = now
		return true
	}
	return false
}

// Connect dials the gateway. Safe to call from a worker goroutine; the
// connecting flag keeps the reconnect loop from piling up attempts.
func (b *Broker) Connect() {
	b.mu.Lock()
	b.isConnecting = true
	b.mu.Unlock()

	b.callMu.Lock()
	err := b.gw.Connect()
	b.callMu.Unlock()

	b.mu.Lock()
	b.isConnecting = false
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("connect failed", "error", err)
	}
}

// Disconnect tears the gateway down.
func (b *Broker) Disconnect() {
	if err := b.gw.Disconnect(); err != nil {
		b.logger.Error("disconnect failed", "error", err)
	}
}

// Ping checks the venue link.
func (b *Broker) Ping() {
	b.callMu.Lock()
	err := b.gw.Ping()
	b.callMu.Unlock()
	b.afterCall(err)
}

// PlaceOrder forwards an order submission.
func (b *Broker) PlaceOrder(orderRef string, order gateway.Order) error {
	b.callMu.Lock()
	err := b.gw.PlaceOrder(orderRef, order)
	b.callMu.Unlock()
	return b.afterCall(err)
}

// ModifyOrder forwards an order modification.
func (b *Broker) ModifyOrder(orderRef string, order gateway.Order) error {
	b.callMu.Lock()
	err := b.gw.ModifyOrder(orderRef, order)
	b.callMu.Unlock()
	return b.afterCall(err)
}

// CancelOrder forwards an order cancellation.
func (b *Broker) CancelOrder(orderRef string) error {
	b.callMu.Lock()
	err := b.gw.CancelOrder(orderRef)
	b.callMu.Unlock()
	return b.afterCall(err)
}

// afterCall applies broken-pipe recovery: the broker is marked
// disconnected and the gateway torn down so the reconnect loop takes over.
func (b *Broker) afterCall(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrBrokenPipe) {
		b.logger.Error("broken pipe, tearing gateway down", "error", err)
		b.SetConnected(false)
		b.Disconnect()
		return err
	}
	return err
}
