// Package feeds holds the per-connection and per-thread state of the
// gateway: client connection records, thread feeds with batched flushing,
// the feed registry with per-address accounting, the spam scorer and the
// janitor sweeper.
package feeds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/post"
	"github.com/ashchan/livefeed/internal/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	readWait = 60 * time.Second

	// Ping period. Must be less than readWait.
	pingPeriod = 54 * time.Second

	// Outbound frame buffer per client.
	sendBuffer = 256
)

// ErrConnectionClosed reports a send on a closed connection.
var ErrConnectionClosed = errors.New("feeds: connection closed")

// Conn is the subset of *websocket.Conn the gateway uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type frame struct {
	messageType int
	data        []byte
}

// Client is the state record for one WebSocket connection. Frames are
// written through a buffered send channel drained by a single write pump,
// so any goroutine may send without interleaving writes on the socket.
//
// A client owns at most one open post at a time.
type Client struct {
	id          string
	conn        Conn
	ip          string
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan frame
	clk         clock.Clock
	limiter     *rate.Limiter

	mu     sync.RWMutex
	closed bool

	stateMu      sync.Mutex
	threadID     uint64
	board        string
	synced       bool
	lastActivity time.Time
	openPost     *post.OpenPost
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(conn Conn, ip string, limits livefeed.LimitsConfig, clk clock.Clock) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if limits.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(limits.MessagesPerSecond, limits.Burst)
	}

	c := &Client{
		id:           uuid.New().String(),
		conn:         conn,
		ip:           ip,
		connectedAt:  clk.Now(),
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan frame, sendBuffer),
		clk:          clk,
		limiter:      limiter,
		lastActivity: clk.Now(),
	}

	go c.writePump()

	return c
}

// ID returns the connection id, unique for the connection's lifetime.
func (c *Client) ID() string { return c.id }

// IP returns the client's source address.
func (c *Client) IP() string { return c.ip }

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context { return c.ctx }

// Allow reports whether the next inbound message is within the rate limit.
func (c *Client) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// StartRead arms the read deadline and pong handler. Call once before the
// read loop.
func (c *Client) StartRead() {
	c.conn.SetReadDeadline(c.clk.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.clk.Now().Add(readWait))
	})
}

// ReadMessage reads the next frame and refreshes the read deadline.
func (c *Client) ReadMessage() (int, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return mt, data, err
	}
	c.conn.SetReadDeadline(c.clk.Now().Add(readWait))
	return mt, data, nil
}

// SendText queues a text frame for delivery.
func (c *Client) SendText(msg string) error {
	return c.send(websocket.TextMessage, []byte(msg))
}

// SendBinary queues a binary frame for delivery.
func (c *Client) SendBinary(data []byte) error {
	return c.send(websocket.BinaryMessage, data)
}

// SendError sends a connection-local type 0 error frame.
func (c *Client) SendError(message string) error {
	return c.SendText(protocol.EncodeError(message))
}

// send never blocks: a full buffer means the peer stopped draining, and the
// connection is reported closed so broadcast paths prune it.
func (c *Client) send(messageType int, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- frame{messageType: messageType, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrConnectionClosed
	}
}

// Close closes the connection with a normal closure code.
func (c *Client) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a specific close code and reason.
func (c *Client) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, c.clk.Now().Add(time.Second))

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive reports whether the connection is still open.
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := c.clk.Ticker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(c.clk.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(c.clk.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.clk.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Touch updates the last-activity timestamp.
func (c *Client) Touch() {
	c.stateMu.Lock()
	c.lastActivity = c.clk.Now()
	c.stateMu.Unlock()
}

// LastActivity returns the last message timestamp.
func (c *Client) LastActivity() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastActivity
}

// Synced reports whether the client has completed the synchronise handshake.
func (c *Client) Synced() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.synced && c.threadID != 0
}

// ThreadID returns the subscribed thread id, zero when unsynced.
func (c *Client) ThreadID() uint64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.threadID
}

// Board returns the subscribed board slug, empty when unsynced.
func (c *Client) Board() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.board
}

// SetSynced records a completed synchronise handshake.
func (c *Client) SetSynced(threadID uint64, board string) {
	c.stateMu.Lock()
	c.threadID = threadID
	c.board = board
	c.synced = true
	c.stateMu.Unlock()
}

// ResetSync clears the subscription when switching threads or disconnecting.
func (c *Client) ResetSync() {
	c.stateMu.Lock()
	c.threadID = 0
	c.board = ""
	c.synced = false
	c.stateMu.Unlock()
}

// OpenPost returns the post this client is editing, nil when not posting.
func (c *Client) OpenPost() *post.OpenPost {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.openPost
}

// SetOpenPost attaches an open post to the connection.
func (c *Client) SetOpenPost(p *post.OpenPost) {
	c.stateMu.Lock()
	c.openPost = p
	c.stateMu.Unlock()
}

// ClearOpenPost detaches and returns the open post, nil when none.
func (c *Client) ClearOpenPost() *post.OpenPost {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	p := c.openPost
	c.openPost = nil
	return p
}
