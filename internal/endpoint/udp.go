package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/someipd/someipd/internal/wire"
)

// UDPServer is a UDP server endpoint: a single socket bound to a local
// port, optionally joined to one or more multicast groups (SD's
// 224.224.224.0:30490 by default, per spec.md §6). It implements
// Endpoint; SendTo writes a datagram to the given destination, while
// Send returns ErrNotEstablished, since UDP has no notion of a
// connected peer at this layer.
//
// Grounded on Aglay-fuchsia/mdns/mdns.go's mDNSConn4: ipv4.PacketConn
// wrapping a net.PacketConn to access control messages, and
// SO_REUSEADDR/SO_REUSEPORT via golang.org/x/sys/unix so multiple
// processes (or repeated restarts) can share the SD multicast port.
type UDPServer struct {
	key  Key
	log  *logrus.Entry

	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn

	groups []net.IP

	handler MessageHandler
	errHandler ErrorHandler

	refs   int32
	closed atomic.Bool
	wg     sync.WaitGroup

	reassembler *wire.Reassembler
	reasmMu     sync.Mutex

	readBufSize int
}

// UDPServerOption configures a UDPServer at construction time,
// following the teacher's functional-options pattern
// (responder/options.go).
type UDPServerOption func(*UDPServer)

// WithLogger attaches a logrus entry used for all log lines emitted
// by this endpoint.
func WithLogger(log *logrus.Entry) UDPServerOption {
	return func(s *UDPServer) { s.log = log }
}

// WithReadBufferSize overrides the default 64KiB receive buffer.
func WithReadBufferSize(n int) UDPServerOption {
	return func(s *UDPServer) { s.readBufSize = n }
}

// NewUDPServer creates (but does not Start) a UDP server endpoint
// bound to addr:port.
func NewUDPServer(addr string, port uint16, opts ...UDPServerOption) *UDPServer {
	s := &UDPServer{
		key:         Key{Address: addr, Port: port, Reliable: false},
		reassembler: wire.NewReassembler(),
		readBufSize: 65536,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logEntry(s.log, s.key)
	return s
}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Start binds the socket and begins the receive loop. If JoinGroup
// was called before Start, the configured groups are joined once the
// socket exists.
func (s *UDPServer) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("%s:%d", s.key.Address, s.key.Port))
	if err != nil {
		return &Error{Op: "listen", Err: err, Details: s.key.String()}
	}
	conn := pc.(*net.UDPConn)
	if err := conn.SetReadBuffer(s.readBufSize); err != nil {
		s.log.WithError(err).Warn("failed to set socket read buffer")
	}
	s.conn = conn
	s.ipv4Conn = ipv4.NewPacketConn(conn)
	_ = s.ipv4Conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true)

	for _, g := range s.groups {
		if err := s.joinGroup(g); err != nil {
			_ = s.conn.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.receiveLoop(ctx)
	return nil
}

// JoinGroup joins the given multicast address on every configured
// interface, per spec.md §4.2's "multicast join/leave" requirement.
// It may be called before or after Start.
func (s *UDPServer) JoinGroup(group net.IP) error {
	s.groups = append(s.groups, group)
	if s.ipv4Conn == nil {
		return nil // deferred until Start
	}
	return s.joinGroup(group)
}

func (s *UDPServer) joinGroup(group net.IP) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return &Error{Op: "list-interfaces", Err: err, Details: s.key.String()}
	}
	joined := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := s.ipv4Conn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return &Error{Op: "join-group", Err: fmt.Errorf("no usable multicast interface"), Details: group.String()}
	}
	return nil
}

// LeaveGroup leaves a previously joined multicast group on every
// interface.
func (s *UDPServer) LeaveGroup(group net.IP) error {
	if s.ipv4Conn == nil {
		return nil
	}
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		_ = s.ipv4Conn.LeaveGroup(&iface, &net.UDPAddr{IP: group})
	}
	for i, g := range s.groups {
		if g.Equal(group) {
			s.groups = append(s.groups[:i], s.groups[i+1:]...)
			break
		}
	}
	return nil
}

func (s *UDPServer) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, s.readBufSize)
	for {
		if s.closed.Load() {
			return
		}
		n, cm, src, err := s.ipv4Conn.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if s.errHandler != nil {
				s.errHandler(s, &Error{Op: "receive", Err: err, Details: s.key.String()})
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		isMulticast := cm != nil && cm.Dst != nil && cm.Dst.IsMulticast()
		s.handleDatagram(data, src, isMulticast)
	}
}

// handleDatagram splits a datagram into one or more concatenated
// SOME/IP messages (spec.md §4.2 UDP framing) and reassembles
// SOME/IP-TP fragments before delivering to the handler.
func (s *UDPServer) handleDatagram(data []byte, src net.Addr, isMulticast bool) {
	off := 0
	for off < len(data) {
		h, err := wire.DecodeHeader(data[off:])
		if err != nil {
			return
		}
		end := off + h.WireLength()
		if end > len(data) {
			return
		}
		frame := data[off:end]
		off = end

		if h.MessageType.IsTP() {
			seg, err := wire.DecodeSegment(frame)
			if err != nil {
				continue
			}
			s.reasmMu.Lock()
			msg, complete := s.reassembler.Feed(seg)
			s.reasmMu.Unlock()
			if !complete {
				continue
			}
			if s.handler != nil {
				s.handler(msg, frame, src, isMulticast)
			}
			continue
		}

		msg, err := wire.DecodeMessage(frame)
		if err != nil {
			continue
		}
		if s.handler != nil {
			s.handler(msg, frame, src, isMulticast)
		}
	}
}

func (s *UDPServer) Stop() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.wg.Wait()
	return err
}

// PrepareStop for a UDP endpoint has nothing to drain (UDP sends are
// fire-and-forget), so it stops immediately once invoked.
func (s *UDPServer) PrepareStop(done func()) {
	_ = s.Stop()
	if done != nil {
		done()
	}
}

func (s *UDPServer) Send(buf []byte) error {
	return ErrNotEstablished // a server endpoint has no single default peer
}

func (s *UDPServer) SendTo(buf []byte, dest net.Addr) error {
	if s.conn == nil {
		return ErrNotEstablished
	}
	udpDest, ok := dest.(*net.UDPAddr)
	if !ok {
		return &Error{Op: "send-to", Err: fmt.Errorf("destination is not a UDP address"), Details: s.key.String()}
	}
	_, err := s.conn.WriteTo(buf, udpDest)
	if err != nil {
		return &Error{Op: "send-to", Err: err, Details: udpDest.String()}
	}
	return nil
}

func (s *UDPServer) Flush() {} // UDP never coalesces

func (s *UDPServer) IsEstablished() bool { return s.conn != nil && !s.closed.Load() }
func (s *UDPServer) IsReliable() bool    { return false }
func (s *UDPServer) IsLocal() bool       { return false }

// LocalAddress returns the address/port this server is bound to. It
// satisfies internal/router's localAddresser interface, letting
// OfferService advertise a real IPv4 unicast endpoint option for a
// locally-provided service's UDP endpoint.
func (s *UDPServer) LocalAddress() (addr string, port uint16) { return s.key.Address, s.key.Port }

func (s *UDPServer) RegisterErrorHandler(h ErrorHandler) { s.errHandler = h }

func (s *UDPServer) Restart(ctx context.Context) error {
	groups := s.groups
	s.groups = nil
	if err := s.Stop(); err != nil {
		s.log.WithError(err).Warn("error stopping during restart")
	}
	s.closed.Store(false)
	if err := s.Start(ctx); err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.JoinGroup(g); err != nil {
			return err
		}
	}
	return nil
}

func (s *UDPServer) SetMessageHandler(h MessageHandler) { s.handler = h }

func (s *UDPServer) IncRefs() int32 { return atomic.AddInt32(&s.refs, 1) }
func (s *UDPServer) DecRefs() int32 { return atomic.AddInt32(&s.refs, -1) }
func (s *UDPServer) Refs() int32    { return atomic.LoadInt32(&s.refs) }

var _ Endpoint = (*UDPServer)(nil)

// UDPClient is a UDP client endpoint: a socket "connected" (in the
// UDP sense — a default destination) to one remote service instance's
// unreliable port. Used by request-service and the routing manager's
// outgoing-request path (spec.md §4.5).
type UDPClient struct {
	key  Key
	log  *logrus.Entry
	conn *net.UDPConn

	handler    MessageHandler
	errHandler ErrorHandler

	refs   int32
	closed atomic.Bool
	wg     sync.WaitGroup

	readBufSize int
}

// NewUDPClient creates (but does not Start) a UDP client endpoint
// targeting remoteAddr:remotePort.
func NewUDPClient(remoteAddr string, remotePort uint16, opts ...UDPServerOption) *UDPClient {
	c := &UDPClient{
		key:         Key{Address: remoteAddr, Port: remotePort, Reliable: false},
		readBufSize: 65536,
	}
	tmp := &UDPServer{}
	for _, opt := range opts {
		opt(tmp)
	}
	c.log = logEntry(tmp.log, c.key)
	if tmp.readBufSize != 0 {
		c.readBufSize = tmp.readBufSize
	}
	return c
}

func (c *UDPClient) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.key.Address, c.key.Port))
	if err != nil {
		return &Error{Op: "resolve", Err: err, Details: c.key.String()}
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return &Error{Op: "dial", Err: err, Details: c.key.String()}
	}
	c.conn = conn
	c.wg.Add(1)
	go c.receiveLoop()
	return nil
}

func (c *UDPClient) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.readBufSize)
	for {
		if c.closed.Load() {
			return
		}
		n, src, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if c.errHandler != nil {
				c.errHandler(c, &Error{Op: "receive", Err: err, Details: c.key.String()})
			}
			return
		}
		if c.handler == nil {
			continue
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			continue
		}
		c.handler(msg, buf[:n], src, false)
	}
}

func (c *UDPClient) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *UDPClient) PrepareStop(done func()) {
	_ = c.Stop()
	if done != nil {
		done()
	}
}

func (c *UDPClient) Send(buf []byte) error {
	if c.conn == nil {
		return ErrNotEstablished
	}
	if _, err := c.conn.Write(buf); err != nil {
		return &Error{Op: "send", Err: err, Details: c.key.String()}
	}
	return nil
}

func (c *UDPClient) SendTo(buf []byte, dest net.Addr) error {
	if c.conn == nil {
		return ErrNotEstablished
	}
	udpDest, ok := dest.(*net.UDPAddr)
	if !ok {
		return &Error{Op: "send-to", Err: fmt.Errorf("destination is not a UDP address"), Details: c.key.String()}
	}
	if _, err := c.conn.WriteTo(buf, udpDest); err != nil {
		return &Error{Op: "send-to", Err: err, Details: udpDest.String()}
	}
	return nil
}

func (c *UDPClient) Flush() {}

func (c *UDPClient) IsEstablished() bool { return c.conn != nil && !c.closed.Load() }
func (c *UDPClient) IsReliable() bool    { return false }
func (c *UDPClient) IsLocal() bool       { return false }

func (c *UDPClient) RegisterErrorHandler(h ErrorHandler) { c.errHandler = h }

func (c *UDPClient) Restart(ctx context.Context) error {
	if err := c.Stop(); err != nil {
		c.log.WithError(err).Warn("error stopping during restart")
	}
	c.closed.Store(false)
	return c.Start(ctx)
}

func (c *UDPClient) SetMessageHandler(h MessageHandler) { c.handler = h }

func (c *UDPClient) IncRefs() int32 { return atomic.AddInt32(&c.refs, 1) }
func (c *UDPClient) DecRefs() int32 { return atomic.AddInt32(&c.refs, -1) }
func (c *UDPClient) Refs() int32    { return atomic.LoadInt32(&c.refs) }

var _ Endpoint = (*UDPClient)(nil)
