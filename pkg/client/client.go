// Package client is the strategy-side OMS connection: it dials the proxy
// frontend, performs the INIT handshake, keeps the heartbeat contract, and
// exposes order placement and position requests with client-side
// request-id allocation.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"oms/internal/protocol"
)

// Config identifies the session this client logs in as.
type Config struct {
	URL        string            // proxy frontend, e.g. "ws://127.0.0.1:7001/"
	SessionID  string
	AccountID  string
	Strategies map[string]string // strategy → portfolio
}

// Callbacks receive server pushes. Nil callbacks are skipped. They are
// invoked from the read goroutine; handlers must not block.
type Callbacks struct {
	OnNextRequestID func(int64)
	OnExecution     func(*protocol.Execution)
	OnPosition      func(*protocol.Position)
	OnError         func(*protocol.Error)
}

// Client is one logged-in OMS session. Safe for concurrent use.
type Client struct {
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger

	connMu sync.Mutex // guards writes to conn
	conn   *websocket.Conn

	mu            sync.Mutex
	nextRequestID int64
	ready         bool
	connected     bool
	lastHeartbeat time.Time

	loggedIn     chan struct{}
	loggedInOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client. Nothing is dialled until Start.
func New(cfg Config, callbacks Callbacks, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger.With("component", "oms-client", "session_id", cfg.SessionID),
		loggedIn:  make(chan struct{}),
	}
}

// Start launches the connection loop. It reconnects with doubled backoff
// until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop tears the connection down and waits for the loops to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// WaitLoggedIn blocks until the first INIT handshake completes.
func (c *Client) WaitLoggedIn(ctx context.Context) error {
	select {
	case <-c.loggedIn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports the server's last advertised readiness. False while
// disconnected.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.ready
}

// NewOrder allocates a request id, stamps it on the order, and sends it.
func (c *Client) NewOrder(order protocol.NewOrder) (int64, error) {
	reqID, err := c.allocateRequestID()
	if err != nil {
		return 0, err
	}
	order.RequestID = reqID
	if err := c.send(&order); err != nil {
		return 0, err
	}
	return reqID, nil
}

// RequestPosition asks for the full position tree of this session's
// account. The reply arrives on the position callback.
func (c *Client) RequestPosition() (int64, error) {
	reqID, err := c.allocateRequestID()
	if err != nil {
		return 0, err
	}
	if err := c.send(&protocol.Position{RequestID: reqID}); err != nil {
		return 0, err
	}
	return reqID, nil
}

func (c *Client) allocateRequestID() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, errors.New("not connected to oms")
	}
	if c.nextRequestID == 0 {
		return 0, errors.New("not logged in yet")
	}
	id := c.nextRequestID
	c.nextRequestID++
	return id, nil
}

// run dials, reads until failure, and backs off between attempts. The
// backoff doubles from the protocol's retry interval to its cap and
// resets after a successful connection.
func (c *Client) run(ctx context.Context) {
	retry := protocol.RetryInterval
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRead(ctx); err != nil {
			c.logger.Warn("oms connection lost", "error", err, "retry_in", retry)
		}

		c.mu.Lock()
		c.connected = false
		c.ready = false
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
		retry *= 2
		if retry > protocol.MaxRetryInterval {
			retry = protocol.MaxRetryInterval
		}
		if c.isConnectedRecently() {
			retry = protocol.RetryInterval
		}
	}
}

func (c *Client) isConnectedRecently() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastHeartbeat.IsZero() && time.Since(c.lastHeartbeat) < protocol.MaxRetryInterval
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("connected to oms, logging in")

	if err := c.send(&protocol.Init{
		SessionID:  c.cfg.SessionID,
		AccountID:  c.cfg.AccountID,
		Strategies: c.cfg.Strategies,
	}); err != nil {
		return err
	}

	// Drop the connection when the server stops heartbeating.
	watchdog := time.AfterFunc(protocol.HeartbeatLiveness*protocol.HeartbeatInterval, func() {
		c.logger.Warn("oms heartbeat expired, dropping connection")
		conn.Close()
	})
	defer watchdog.Stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn("undecodable message from oms", "error", err)
			continue
		}
		watchdog.Reset(protocol.HeartbeatLiveness * protocol.HeartbeatInterval)
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.NextRequestID:
		c.mu.Lock()
		if m.NextRequestID > c.nextRequestID {
			c.nextRequestID = m.NextRequestID
		}
		c.mu.Unlock()
		c.loggedInOnce.Do(func() { close(c.loggedIn) })
		c.logger.Info("logged in to oms", "next_request_id", m.NextRequestID)
		if c.callbacks.OnNextRequestID != nil {
			c.callbacks.OnNextRequestID(m.NextRequestID)
		}

	case *protocol.Heartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.ready = m.IsReady
		c.mu.Unlock()
		if err := c.send(&protocol.Heartbeat{Timestamp: protocol.FormatTime(time.Now())}); err != nil {
			c.logger.Warn("send heartbeat failed", "error", err)
		}

	case *protocol.Execution:
		if c.callbacks.OnExecution != nil {
			c.callbacks.OnExecution(m)
		}

	case *protocol.Position:
		if c.callbacks.OnPosition != nil {
			c.callbacks.OnPosition(m)
		}

	case *protocol.Error:
		c.logger.Warn("error from oms", "error_code", int(m.ErrorCode), "message", m.Message)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(m)
		}

	default:
		c.logger.Warn("unexpected message from oms", "msg_type", msg.Type())
	}
}

func (c *Client) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected to oms")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
