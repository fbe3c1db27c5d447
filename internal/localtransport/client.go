package localtransport

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// DialApplication connects to a broker's Unix domain socket and
// performs the register-application handshake of spec.md §4.7,
// returning a ready Connection whose ClientID is the client-id the
// broker assigned (or confirmed, if requested was nonzero). The caller must set
// conn.handler/conn.disconnect and launch conn.serve() itself, via
// Serve, once it has finished wiring its own frame dispatch.
func DialApplication(socketPath string, requested wire.ClientID, name string, queueCapacity int, log *logrus.Entry) (*Connection, error) {
	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("localtransport: dial: %w", err)
	}
	conn := newConnection(raw, queueCapacity, log)

	reg := RegisterCommand{RequestedClient: requested, Name: name}
	if _, err := raw.Write(Frame{Type: FrameRegisterApplication, Payload: reg.encode()}.encode()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("localtransport: send register-application: %w", err)
	}

	ack, err := decodeFrame(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("localtransport: read register ack: %w", err)
	}
	if ack.Type != FrameRegisterApplication {
		raw.Close()
		return nil, fmt.Errorf("localtransport: expected register-application ack, got %s", ack.Type)
	}
	assigned, err := decodeRegisterCommand(ack.Payload)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("localtransport: malformed register ack: %w", err)
	}
	conn.ClientID = assigned.RequestedClient
	return conn, nil
}

// Serve installs handler/disconnect and starts conn's read loop. Call
// this once, after Dial, before sending any further frames.
func (c *Connection) Serve(handler FrameHandler, disconnect DisconnectHandler) {
	c.handler = handler
	c.disconnect = disconnect
	c.wg.Add(1)
	go c.serve()
}
