package localtransport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// localQueue is the bounded FIFO of pending frames a Connection
// retains while its write goroutine is busy. It mirrors
// internal/endpoint's sendQueue: same push/drain/len shape, kept as a
// separate unexported type since the two packages don't share one.
type localQueue struct {
	mu       sync.Mutex
	items    []Frame
	capacity int
}

func newLocalQueue(capacity int) *localQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &localQueue{capacity: capacity}
}

func (q *localQueue) push(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, f)
	return nil
}

func (q *localQueue) drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *localQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ErrQueueFull is returned by Connection.Send when the bounded frame
// queue is already at capacity.
var ErrQueueFull = fmt.Errorf("localtransport: send queue full")

// ErrClosed is returned by Connection.Send once the connection has
// been closed.
var ErrClosed = fmt.Errorf("localtransport: connection closed")

// FrameHandler receives one decoded frame from a Connection's read
// loop.
type FrameHandler func(conn *Connection, f Frame)

// DisconnectHandler is invoked once a Connection's read loop exits,
// whatever the cause (peer close, decode error, Stop). Per spec.md
// §4.7, "loss of the connection is treated as death of the peer": the
// broker uses this to remove all of that client's offers and
// subscriptions.
type DisconnectHandler func(conn *Connection, cause error)

// Connection is one broker<->application IPC channel: a goroutine-per-
// connection accept shape (grounded on the nabbar-golib unix socket
// server's Listener/Connection Acceptor/per-connection goroutine
// layering), with message-boundary-preserving frame I/O.
type Connection struct {
	SessionID uuid.UUID // diagnostic only, never sent on the wire
	ClientID  wire.ClientID

	log    *logrus.Entry
	conn   net.Conn
	queue  *localQueue
	writeMu sync.Mutex

	handler    FrameHandler
	disconnect DisconnectHandler

	closed atomic.Bool
	wg     sync.WaitGroup
}

func newConnection(conn net.Conn, queueCapacity int, log *logrus.Entry) *Connection {
	session := uuid.New()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Connection{
		SessionID: session,
		log:       log.WithField("session", session.String()),
		conn:      conn,
		queue:     newLocalQueue(queueCapacity),
	}
}

// serve runs the read loop until the peer closes the connection or a
// framing error occurs, then invokes the disconnect handler exactly
// once. It is launched in its own goroutine by whoever accepted/dialed
// conn.
func (c *Connection) serve() {
	defer c.wg.Done()
	var cause error
	for {
		f, err := decodeFrame(c.conn)
		if err != nil {
			cause = err
			break
		}
		if c.handler != nil {
			c.handler(c, f)
		}
	}
	c.closed.Store(true)
	c.conn.Close()
	if c.disconnect != nil {
		c.disconnect(c, cause)
	}
}

// Send queues f and writes out whatever is pending, returning
// ErrClosed or ErrQueueFull without blocking the caller when it cannot
// be admitted.
func (c *Connection) Send(f Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.queue.push(f); err != nil {
		return err
	}
	return c.writeQueued()
}

func (c *Connection) writeQueued() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range c.queue.drain() {
		if c.closed.Load() {
			return ErrClosed
		}
		if _, err := c.conn.Write(f.encode()); err != nil {
			c.log.WithError(err).Warn("local transport write failed")
			c.Close()
			return err
		}
	}
	return nil
}

// QueueDepth reports the number of frames not yet written.
func (c *Connection) QueueDepth() int { return c.queue.len() }

// Flush forces any queued frames out immediately.
func (c *Connection) Flush() { _ = c.writeQueued() }

// Close tears the connection down immediately.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Wait blocks until the connection's read loop (and its disconnect
// callback) has finished.
func (c *Connection) Wait() { c.wg.Wait() }
