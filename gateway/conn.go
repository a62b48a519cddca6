package gateway

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// outboundQueueSize bounds the per-connection write queue. A slow
// reader drops intermediate events once the queue is full; terminal
// events block the producer briefly instead of being dropped.
const outboundQueueSize = 256

type outbound struct {
	frame    *Frame
	terminal bool
}

// Connection represents an authenticated gateway connection. All
// writes go through a single writer goroutine so the hot path never
// takes a shared lock.
type Connection struct {
	// ID uniquely identifies this connection.
	ID string

	// Identity is the authenticated identity for this connection.
	Identity *Identity

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	raw    net.Conn
	out    chan outbound
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger

	terminalRetries int
	retryBase       time.Duration

	// Subscriptions tracks active channel subscriptions.
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewConnection creates a connection with the given ID and identity.
func NewConnection(id string, identity *Identity, codec Codec) *Connection {
	c := &Connection{
		ID:              id,
		Identity:        identity,
		Codec:           codec,
		ConnectedAt:     time.Now().UTC(),
		out:             make(chan outbound, outboundQueueSize),
		done:            make(chan struct{}),
		logger:          slog.Default(),
		terminalRetries: 3,
		retryBase:       100 * time.Millisecond,
		subscriptions:   make(map[string]struct{}),
	}
	c.LastActivity.Store(time.Now().UTC())
	return c
}

// StartWriter attaches the transport and starts the writer goroutine.
// terminalRetries and retryBase control how hard a failed terminal
// event write is retried before giving up.
func (c *Connection) StartWriter(raw net.Conn, terminalRetries int, retryBase time.Duration, logger *slog.Logger) {
	c.raw = raw
	if terminalRetries > 0 {
		c.terminalRetries = terminalRetries
	}
	if retryBase > 0 {
		c.retryBase = retryBase
	}
	if logger != nil {
		c.logger = logger
	}
	go c.writeLoop()
}

// Send enqueues a frame for delivery. Returns false when the queue is
// full; intermediate events are dropped rather than blocking.
func (c *Connection) Send(frame *Frame) bool {
	select {
	case c.out <- outbound{frame: frame}:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// SendTerminal enqueues a terminal event frame. Unlike Send it waits
// for queue space so a terminal event is never dropped on the sender
// side, and the writer retries a failed write with backoff.
func (c *Connection) SendTerminal(frame *Frame) bool {
	select {
	case c.out <- outbound{frame: frame, terminal: true}:
		return true
	case <-c.done:
		return false
	}
}

// CloseWriter stops the writer goroutine. Safe to call more than once.
func (c *Connection) CloseWriter() {
	c.closed.Do(func() { close(c.done) })
}

func (c *Connection) writeLoop() {
	op := ws.OpText
	if c.Codec.Name() == CodecNameMsgpack {
		op = ws.OpBinary
	}

	for {
		select {
		case <-c.done:
			return
		case ob := <-c.out:
			data, err := c.Codec.Encode(ob.frame)
			if err != nil {
				c.logger.Warn("gateway: encode frame failed",
					slog.String("conn_id", c.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			writeErr := wsutil.WriteServerMessage(c.raw, op, data)
			if writeErr != nil && ob.terminal {
				writeErr = c.retryWrite(op, data)
			}
			if writeErr != nil && ob.terminal {
				c.logger.Warn("gateway: terminal event delivery failed",
					slog.String("conn_id", c.ID),
					slog.String("channel", ob.frame.Channel),
					slog.String("error", writeErr.Error()),
				)
			}
		}
	}
}

// retryWrite re-attempts a failed terminal write with exponential
// backoff. Bounded: after terminalRetries attempts the event is lost
// and the client recovers via snapshot-on-reconnect.
func (c *Connection) retryWrite(op ws.OpCode, data []byte) error {
	delay := c.retryBase
	var err error
	for i := 0; i < c.terminalRetries; i++ {
		select {
		case <-c.done:
			return err
		case <-time.After(delay):
		}
		if err = wsutil.WriteServerMessage(c.raw, op, data); err == nil {
			return nil
		}
		delay *= 2
	}
	return err
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// AddSubscription records a channel subscription.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscriptions returns a copy of active subscription channels.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// ConnectionManager tracks active gateway connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
