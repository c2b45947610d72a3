// Package proxy bridges strategy clients and the single OMS worker over
// WebSocket. The frontend listener accepts any number of client
// connections and stamps each with a generated identity; the backend
// listener accepts the one worker connection. Client payloads travel to
// the worker wrapped in identity frames, and worker frames are routed
// back to the client named by their identity. Frames addressed to a
// client that has gone away are dropped.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"oms/internal/config"
	"oms/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendQueueLen = 256
)

// remote is one attached WebSocket peer, client or worker, with its
// single-writer outbound queue.
type remote struct {
	identity string
	conn     *websocket.Conn
	send     chan []byte

	closeOnce sync.Once
}

func (r *remote) close() {
	r.closeOnce.Do(func() {
		close(r.send)
	})
}

// Proxy is the in-process message bridge between strategy clients and
// the OMS worker.
type Proxy struct {
	cfg      config.ProxyConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*remote
	worker  *remote

	frontendLn net.Listener
	backendLn  net.Listener
	frontend   *http.Server
	backend    *http.Server
}

// New creates a proxy for the given listen addresses. Nothing is bound
// until Start.
func New(cfg config.ProxyConfig, logger *slog.Logger) *Proxy {
	p := &Proxy{
		cfg:     cfg,
		logger:  logger.With("component", "proxy"),
		clients: make(map[string]*remote),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	frontendMux := http.NewServeMux()
	frontendMux.HandleFunc("/", p.handleClient)
	p.frontend = &http.Server{Handler: frontendMux}

	backendMux := http.NewServeMux()
	backendMux.HandleFunc("/worker", p.handleWorker)
	p.backend = &http.Server{Handler: backendMux}

	return p
}

// Start binds both listeners and begins serving. Bind failures are
// returned synchronously; accept loops run in the background.
func (p *Proxy) Start() error {
	frontendLn, err := net.Listen("tcp", p.cfg.Frontend)
	if err != nil {
		return fmt.Errorf("bind proxy frontend %s: %w", p.cfg.Frontend, err)
	}
	backendLn, err := net.Listen("tcp", p.cfg.Backend)
	if err != nil {
		frontendLn.Close()
		return fmt.Errorf("bind proxy backend %s: %w", p.cfg.Backend, err)
	}
	p.frontendLn = frontendLn
	p.backendLn = backendLn

	p.logger.Info("proxy starting",
		"frontend", frontendLn.Addr().String(), "backend", backendLn.Addr().String())

	go func() {
		if err := p.frontend.Serve(frontendLn); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy frontend server error", "error", err)
		}
	}()
	go func() {
		if err := p.backend.Serve(backendLn); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy backend server error", "error", err)
		}
	}()
	return nil
}

// FrontendAddr returns the bound frontend address. Valid after Start.
func (p *Proxy) FrontendAddr() string {
	if p.frontendLn == nil {
		return p.cfg.Frontend
	}
	return p.frontendLn.Addr().String()
}

// BackendAddr returns the bound backend address. Valid after Start.
func (p *Proxy) BackendAddr() string {
	if p.backendLn == nil {
		return p.cfg.Backend
	}
	return p.backendLn.Addr().String()
}

// Stop shuts both listeners down and drops every attached peer.
func (p *Proxy) Stop() error {
	p.logger.Info("stopping proxy")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ferr := p.frontend.Shutdown(ctx)
	berr := p.backend.Shutdown(ctx)

	p.mu.Lock()
	for identity, c := range p.clients {
		delete(p.clients, identity)
		c.close()
	}
	if p.worker != nil {
		p.worker.close()
		p.worker = nil
	}
	p.mu.Unlock()

	if ferr != nil {
		return ferr
	}
	return berr
}

// handleClient serves one strategy client connection for its lifetime.
func (p *Proxy) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("client upgrade failed", "error", err)
		return
	}

	c := &remote{
		identity: uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendQueueLen),
	}

	p.mu.Lock()
	p.clients[c.identity] = c
	count := len(p.clients)
	p.mu.Unlock()
	p.logger.Info("client connected", "identity", c.identity, "count", count)

	go writePump(c)
	p.clientReadLoop(c)

	p.mu.Lock()
	delete(p.clients, c.identity)
	count = len(p.clients)
	p.mu.Unlock()
	c.close()
	p.logger.Info("client disconnected", "identity", c.identity, "count", count)
}

// clientReadLoop forwards every client payload to the worker, wrapped in
// an identity frame.
func (p *Proxy) clientReadLoop(c *remote) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("client read error", "identity", c.identity, "error", err)
			}
			return
		}
		// Heartbeats refresh the read deadline too.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		data, err := protocol.EncodeFrame(protocol.Frame{Identity: c.identity, Payload: payload})
		if err != nil {
			p.logger.Error("encode client frame failed", "identity", c.identity, "error", err)
			continue
		}
		p.forwardToWorker(c.identity, data)
	}
}

func (p *Proxy) forwardToWorker(identity string, data []byte) {
	p.mu.RLock()
	worker := p.worker
	p.mu.RUnlock()

	if worker == nil {
		p.logger.Warn("no worker connected, dropping client message", "identity", identity)
		return
	}
	select {
	case worker.send <- data:
	default:
		p.logger.Warn("worker queue full, dropping client message", "identity", identity)
	}
}

// handleWorker serves the OMS worker connection. A reconnecting worker
// replaces the previous connection.
func (p *Proxy) handleWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("worker upgrade failed", "error", err)
		return
	}

	wk := &remote{
		identity: "worker",
		conn:     conn,
		send:     make(chan []byte, sendQueueLen),
	}

	p.mu.Lock()
	if p.worker != nil {
		p.logger.Warn("worker reconnected, replacing previous connection")
		p.worker.close()
		p.worker.conn.Close()
	}
	p.worker = wk
	p.mu.Unlock()
	p.logger.Info("worker connected", "remote", conn.RemoteAddr().String())

	go writePump(wk)
	p.workerReadLoop(wk)

	p.mu.Lock()
	if p.worker == wk {
		p.worker = nil
	}
	p.mu.Unlock()
	wk.close()
	p.logger.Info("worker disconnected")
}

// workerReadLoop routes worker frames back to the client each one names.
func (p *Proxy) workerReadLoop(wk *remote) {
	defer wk.conn.Close()

	wk.conn.SetReadDeadline(time.Now().Add(pongWait))
	wk.conn.SetPongHandler(func(string) error {
		wk.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wk.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("worker read error", "error", err)
			}
			return
		}
		wk.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			p.logger.Error("malformed worker frame", "error", err)
			continue
		}

		p.mu.RLock()
		c, ok := p.clients[frame.Identity]
		p.mu.RUnlock()
		if !ok {
			p.logger.Info("client is gone, dropping worker frame", "identity", frame.Identity)
			continue
		}
		select {
		case c.send <- frame.Payload:
		default:
			p.logger.Warn("client queue full, dropping worker frame", "identity", frame.Identity)
		}
	}
}

// writePump is the single writer for one peer connection. It drains the
// send queue and keeps the connection alive with pings.
func writePump(r *remote) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case message, ok := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				r.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
