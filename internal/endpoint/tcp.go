package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// Backoff describes the exponential reconnect schedule a TCP client
// uses on connection failure (spec.md §4.2/§5).
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int // 0 means unlimited
}

// DefaultBackoff matches vsomeip's usual reconnect cadence: start at
// 100ms, double each attempt, cap at 30s.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Cap: 30 * time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

// tcpOptions carries shared construction options for TCP client/server
// endpoints, continuing the functional-options pattern.
type tcpOptions struct {
	log               *logrus.Entry
	cookieInterval    int // emit a magic cookie every N messages; 0 disables
	queueCapacity     int
	backoff           Backoff
	disableMagicCookie bool
}

// TCPOption configures a TCP endpoint.
type TCPOption func(*tcpOptions)

func WithTCPLogger(log *logrus.Entry) TCPOption { return func(o *tcpOptions) { o.log = log } }

// WithCookieInterval sets how many messages may be coalesced/sent
// between automatic magic-cookie emissions on a TCP stream (spec.md
// §4.1 "emitted periodically (configurable)").
func WithCookieInterval(n int) TCPOption { return func(o *tcpOptions) { o.cookieInterval = n } }

func WithQueueCapacity(n int) TCPOption { return func(o *tcpOptions) { o.queueCapacity = n } }

func WithBackoff(b Backoff) TCPOption { return func(o *tcpOptions) { o.backoff = b } }

// WithoutMagicCookie disables cookie resync; a framing error then
// resets the connection instead (spec.md §4.2).
func WithoutMagicCookie() TCPOption { return func(o *tcpOptions) { o.disableMagicCookie = true } }

func newTCPOptions(opts []TCPOption) tcpOptions {
	o := tcpOptions{cookieInterval: 100, queueCapacity: 256, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// tcpFramer accumulates bytes from a stream and yields complete
// SOME/IP frames, resynchronizing on the next magic cookie after a
// parse failure (spec.md §4.2).
type tcpFramer struct {
	buf                []byte
	disableMagicCookie bool
}

// feed appends newly-read bytes and extracts as many complete frames
// as are available. On a parse failure it searches for the next magic
// cookie (unless disabled) and resumes there, discarding the garbage
// in between.
func (f *tcpFramer) feed(data []byte) (frames [][]byte, resynced bool, fatal bool) {
	f.buf = append(f.buf, data...)
	for {
		if len(f.buf) < wire.HeaderLength {
			return frames, resynced, false
		}
		h, err := wire.DecodeHeader(f.buf)
		want := h.WireLength()
		malformed := err != nil || !wire.IsMagicCookie(h) && !h.MessageType.Valid() ||
			want < wire.HeaderLength || want > 64*1024*1024
		if malformed {
			if f.disableMagicCookie {
				return frames, resynced, true
			}
			idx := wire.FindCookie(f.buf[1:])
			if idx < 0 {
				return frames, resynced, false
			}
			f.buf = f.buf[1+idx+len(wire.MagicCookieBytes):]
			resynced = true
			continue
		}
		if len(f.buf) < want {
			return frames, resynced, false
		}
		frames = append(frames, append([]byte(nil), f.buf[:want]...))
		f.buf = f.buf[want:]
	}
}

// TCPConn wraps an established net.Conn with SOME/IP framing, a bounded
// send queue, coalescing, and magic-cookie emission/resync. Both
// TCPServer's accepted connections and TCPClient's single connection
// are represented by this type so their Endpoint surface is identical.
type TCPConn struct {
	key  Key
	log  *logrus.Entry
	opts tcpOptions

	conn   net.Conn
	connMu sync.Mutex

	queue *sendQueue

	handler    MessageHandler
	errHandler ErrorHandler

	refs   int32
	closed atomic.Bool

	sentSinceCookie int
	writeMu         sync.Mutex

	prepareStopDone func()
	drainWG         sync.WaitGroup
}

func newTCPConn(key Key, conn net.Conn, opts tcpOptions) *TCPConn {
	t := &TCPConn{
		key:   key,
		log:   logEntry(opts.log, key),
		opts:  opts,
		conn:  conn,
		queue: newSendQueue(opts.queueCapacity),
	}
	return t
}

// serve runs the read loop for an already-connected TCPConn; callers
// (TCPServer.acceptLoop, TCPClient.Start) launch it as a goroutine.
func (t *TCPConn) serve() {
	framer := &tcpFramer{disableMagicCookie: t.opts.disableMagicCookie}
	buf := make([]byte, 65536)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if t.errHandler != nil {
				t.errHandler(t, &Error{Op: "receive", Err: err, Details: t.key.String()})
			}
			return
		}
		frames, resynced, fatal := framer.feed(buf[:n])
		if resynced {
			t.log.Warn("resynchronized TCP stream after magic-cookie search")
		}
		if fatal {
			t.log.Warn("framing error with magic cookie disabled, resetting connection")
			_ = t.Stop()
			if t.errHandler != nil {
				t.errHandler(t, &Error{Op: "frame", Err: fmt.Errorf("malformed frame"), Details: t.key.String()})
			}
			return
		}
		for _, frame := range frames {
			h, err := wire.DecodeHeader(frame)
			if err != nil {
				continue
			}
			if wire.IsMagicCookie(h) {
				continue // resync sentinel carries no payload of interest
			}
			msg, err := wire.DecodeMessage(frame)
			if err != nil {
				continue
			}
			if t.handler != nil {
				t.handler(msg, frame, t.conn.RemoteAddr(), false)
			}
		}
	}
}

func (t *TCPConn) Start(ctx context.Context) error { return nil } // already connected when constructed

func (t *TCPConn) Stop() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// PrepareStop waits for the send queue to drain (all in-flight sends
// complete) before closing, per spec.md §4.2.
func (t *TCPConn) PrepareStop(done func()) {
	t.prepareStopDone = done
	go func() {
		for t.queue.len() > 0 && !t.closed.Load() {
			time.Sleep(5 * time.Millisecond)
		}
		_ = t.Stop()
		if t.prepareStopDone != nil {
			t.prepareStopDone()
		}
	}()
}

func (t *TCPConn) Send(buf []byte) error {
	if t.closed.Load() {
		return ErrNotEstablished
	}
	if err := t.queue.push(buf); err != nil {
		return err
	}
	return t.writeQueued()
}

// SendTo on a connection-oriented endpoint ignores dest (there is only
// one peer); it exists to satisfy Endpoint.
func (t *TCPConn) SendTo(buf []byte, dest net.Addr) error { return t.Send(buf) }

func (t *TCPConn) writeQueued() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, buf := range t.queue.drain() {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return ErrNotEstablished
		}
		if _, err := conn.Write(buf); err != nil {
			return &Error{Op: "send", Err: err, Details: t.key.String()}
		}
		t.sentSinceCookie++
		if t.opts.cookieInterval > 0 && t.sentSinceCookie >= t.opts.cookieInterval {
			if _, err := conn.Write(wire.MagicCookieBytes); err == nil {
				t.sentSinceCookie = 0
			}
		}
	}
	return nil
}

// Flush forces any queued sends out immediately.
func (t *TCPConn) Flush() { _ = t.writeQueued() }

func (t *TCPConn) IsEstablished() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil && !t.closed.Load()
}
func (t *TCPConn) IsReliable() bool { return true }
func (t *TCPConn) IsLocal() bool    { return false }

func (t *TCPConn) RegisterErrorHandler(h ErrorHandler) { t.errHandler = h }

func (t *TCPConn) Restart(ctx context.Context) error {
	return fmt.Errorf("endpoint: a bare TCPConn cannot restart itself; use TCPClient.Restart")
}

func (t *TCPConn) SetMessageHandler(h MessageHandler) { t.handler = h }

func (t *TCPConn) IncRefs() int32 { return atomic.AddInt32(&t.refs, 1) }
func (t *TCPConn) DecRefs() int32 { return atomic.AddInt32(&t.refs, -1) }
func (t *TCPConn) Refs() int32    { return atomic.LoadInt32(&t.refs) }

var _ Endpoint = (*TCPConn)(nil)

// TCPServer accepts multiple incoming TCP connections on a local
// port, delivering every accepted connection's messages through the
// same handler (the routing manager resolves per-message identity
// from the header, not the connection).
type TCPServer struct {
	key  Key
	log  *logrus.Entry
	opts tcpOptions

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]*TCPConn

	handler    MessageHandler
	errHandler ErrorHandler

	refs   int32
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewTCPServer creates (but does not Start) a TCP server endpoint
// bound to addr:port.
func NewTCPServer(addr string, port uint16, opts ...TCPOption) *TCPServer {
	o := newTCPOptions(opts)
	key := Key{Address: addr, Port: port, Reliable: true}
	return &TCPServer{key: key, log: logEntry(o.log, key), opts: o, conns: make(map[net.Conn]*TCPConn)}
}

func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", s.key.Address, s.key.Port))
	if err != nil {
		return &Error{Op: "listen", Err: err, Details: s.key.String()}
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if s.errHandler != nil {
				s.errHandler(s, &Error{Op: "accept", Err: err, Details: s.key.String()})
			}
			return
		}
		tc := newTCPConn(s.key, conn, s.opts)
		tc.handler = s.handler
		tc.errHandler = func(_ Endpoint, err error) {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			if s.errHandler != nil {
				s.errHandler(s, err)
			}
		}
		s.mu.Lock()
		s.conns[conn] = tc
		s.mu.Unlock()
		go tc.serve()
	}
}

func (s *TCPServer) Stop() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	conns := make([]*TCPConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[net.Conn]*TCPConn)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Stop()
	}
	s.wg.Wait()
	return err
}

// PrepareStop drains every accepted connection's send queue before
// closing the listener and every connection, per spec.md §4.2 — the
// routing manager relies on this fence when tearing down an offer's
// reliable endpoint.
func (s *TCPServer) PrepareStop(done func()) {
	s.mu.Lock()
	conns := make([]*TCPConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		_ = s.Stop()
		if done != nil {
			done()
		}
		return
	}
	var remaining atomic.Int32
	remaining.Store(int32(len(conns)))
	for _, c := range conns {
		c.PrepareStop(func() {
			if remaining.Add(-1) == 0 {
				_ = s.Stop()
				if done != nil {
					done()
				}
			}
		})
	}
}

// SendTo delivers buf to the connection whose remote address matches
// dest; used by the routing manager when replying/notifying a
// specific remote subscriber over the reliable server endpoint.
func (s *TCPServer) SendTo(buf []byte, dest net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, tc := range s.conns {
		if conn.RemoteAddr().String() == dest.String() {
			return tc.Send(buf)
		}
	}
	return &Error{Op: "send-to", Err: fmt.Errorf("no connection for destination"), Details: dest.String()}
}

// Send has no default peer on a server endpoint with multiple
// connections.
func (s *TCPServer) Send(buf []byte) error { return ErrNotEstablished }

func (s *TCPServer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Flush()
	}
}

func (s *TCPServer) IsEstablished() bool { return s.listener != nil && !s.closed.Load() }
func (s *TCPServer) IsReliable() bool    { return true }
func (s *TCPServer) IsLocal() bool       { return false }

// LocalAddress returns the address/port this server is bound to. It
// satisfies internal/router's localAddresser interface, letting
// OfferService advertise a real IPv4 unicast endpoint option for a
// locally-provided service's TCP endpoint.
func (s *TCPServer) LocalAddress() (addr string, port uint16) { return s.key.Address, s.key.Port }

func (s *TCPServer) RegisterErrorHandler(h ErrorHandler) { s.errHandler = h }

func (s *TCPServer) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.log.WithError(err).Warn("error stopping during restart")
	}
	s.closed.Store(false)
	return s.Start(ctx)
}

func (s *TCPServer) SetMessageHandler(h MessageHandler) { s.handler = h }

func (s *TCPServer) IncRefs() int32 { return atomic.AddInt32(&s.refs, 1) }
func (s *TCPServer) DecRefs() int32 { return atomic.AddInt32(&s.refs, -1) }
func (s *TCPServer) Refs() int32    { return atomic.LoadInt32(&s.refs) }

var _ Endpoint = (*TCPServer)(nil)

// TCPClient is a TCP client endpoint connecting to a single remote
// service instance's reliable port, with exponential-backoff
// reconnect on failure (spec.md §4.2/§5).
type TCPClient struct {
	key  Key
	log  *logrus.Entry
	opts tcpOptions

	mu   sync.Mutex
	conn *TCPConn

	handler    MessageHandler
	errHandler ErrorHandler

	refs   int32
	closed atomic.Bool

	attempts int
}

// NewTCPClient creates (but does not Start) a TCP client endpoint
// targeting remoteAddr:remotePort.
func NewTCPClient(remoteAddr string, remotePort uint16, opts ...TCPOption) *TCPClient {
	o := newTCPOptions(opts)
	key := Key{Address: remoteAddr, Port: remotePort, Reliable: true}
	return &TCPClient{key: key, log: logEntry(o.log, key), opts: o}
}

func (c *TCPClient) Start(ctx context.Context) error {
	return c.connect(ctx)
}

func (c *TCPClient) connect(ctx context.Context) error {
	conn, err := net.Dial("tcp4", fmt.Sprintf("%s:%d", c.key.Address, c.key.Port))
	if err != nil {
		return &Error{Op: "dial", Err: err, Details: c.key.String()}
	}
	tc := newTCPConn(c.key, conn, c.opts)
	tc.handler = c.handler
	tc.errHandler = func(_ Endpoint, err error) {
		c.onDisconnect(ctx, err)
	}
	c.mu.Lock()
	c.conn = tc
	c.attempts = 0
	c.mu.Unlock()
	go tc.serve()
	return nil
}

// onDisconnect implements the reconnect-with-backoff described in
// spec.md §4.2/§5, bounded by opts.backoff.MaxRetries; on exhaustion
// an unrecoverable error is surfaced via RegisterErrorHandler.
func (c *TCPClient) onDisconnect(ctx context.Context, cause error) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	maxRetries := c.opts.backoff.MaxRetries
	c.mu.Unlock()

	if maxRetries > 0 && attempt > maxRetries {
		if c.errHandler != nil {
			c.errHandler(c, &Error{Op: "reconnect-exhausted", Err: cause, Details: c.key.String()})
		}
		return
	}

	delay := c.opts.backoff.delay(attempt - 1)
	c.log.WithField("attempt", attempt).WithField("delay", delay).Warn("tcp client disconnected, reconnecting")
	time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}
		if err := c.connect(ctx); err != nil {
			c.onDisconnect(ctx, err)
		}
	})
}

func (c *TCPClient) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Stop()
	}
	return nil
}

func (c *TCPClient) PrepareStop(done func()) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.closed.Store(true)
	if conn == nil {
		if done != nil {
			done()
		}
		return
	}
	conn.PrepareStop(done)
}

func (c *TCPClient) Send(buf []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotEstablished
	}
	return conn.Send(buf)
}

func (c *TCPClient) SendTo(buf []byte, dest net.Addr) error { return c.Send(buf) }

func (c *TCPClient) Flush() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Flush()
	}
}

func (c *TCPClient) IsEstablished() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.IsEstablished()
}
func (c *TCPClient) IsReliable() bool { return true }
func (c *TCPClient) IsLocal() bool    { return false }

func (c *TCPClient) RegisterErrorHandler(h ErrorHandler) { c.errHandler = h }

// Restart preserves identity: reconnecting to the same remote
// address/port is the TCP client's only notion of identity (no local
// port pinning is attempted here, matching a plain net.Dial client).
func (c *TCPClient) Restart(ctx context.Context) error {
	_ = c.Stop()
	c.closed.Store(false)
	return c.connect(ctx)
}

func (c *TCPClient) SetMessageHandler(h MessageHandler) { c.handler = h }

func (c *TCPClient) IncRefs() int32 { return atomic.AddInt32(&c.refs, 1) }
func (c *TCPClient) DecRefs() int32 { return atomic.AddInt32(&c.refs, -1) }
func (c *TCPClient) Refs() int32    { return atomic.LoadInt32(&c.refs) }

var _ Endpoint = (*TCPClient)(nil)
