package localtransport

import (
	"encoding/binary"
	"fmt"

	"github.com/someipd/someipd/internal/wire"
)

// ServiceCommand is the decoded body of offer-service, stop-offer-service,
// request-service and release-service frames: every one of them names a
// service instance and version.
type ServiceCommand struct {
	Service  wire.ServiceID
	Instance wire.InstanceID
	Major    wire.MajorVersion
	Minor    wire.MinorVersion
}

func (c ServiceCommand) encode() []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint16(buf[0:2], uint16(c.Service))
	binary.BigEndian.PutUint16(buf[2:4], uint16(c.Instance))
	buf[4] = uint8(c.Major)
	binary.BigEndian.PutUint32(buf[5:9], uint32(c.Minor))
	return buf
}

func decodeServiceCommand(buf []byte) (ServiceCommand, error) {
	if len(buf) < 9 {
		return ServiceCommand{}, fmt.Errorf("localtransport: short service command (%d bytes)", len(buf))
	}
	return ServiceCommand{
		Service:  wire.ServiceID(binary.BigEndian.Uint16(buf[0:2])),
		Instance: wire.InstanceID(binary.BigEndian.Uint16(buf[2:4])),
		Major:    wire.MajorVersion(buf[4]),
		Minor:    wire.MinorVersion(binary.BigEndian.Uint32(buf[5:9])),
	}, nil
}

// EventgroupCommand is the decoded body of subscribe/unsubscribe and
// their ack/nack replies.
type EventgroupCommand struct {
	Service    wire.ServiceID
	Instance   wire.InstanceID
	Eventgroup wire.EventgroupID
	Major      wire.MajorVersion
	TTL        wire.TTL
}

func (c EventgroupCommand) encode() []byte {
	buf := make([]byte, 11)
	binary.BigEndian.PutUint16(buf[0:2], uint16(c.Service))
	binary.BigEndian.PutUint16(buf[2:4], uint16(c.Instance))
	binary.BigEndian.PutUint16(buf[4:6], uint16(c.Eventgroup))
	buf[6] = uint8(c.Major)
	buf[7] = uint8(c.TTL >> 16)
	buf[8] = uint8(c.TTL >> 8)
	buf[9] = uint8(c.TTL)
	return buf[:10]
}

func decodeEventgroupCommand(buf []byte) (EventgroupCommand, error) {
	if len(buf) < 10 {
		return EventgroupCommand{}, fmt.Errorf("localtransport: short eventgroup command (%d bytes)", len(buf))
	}
	ttl := wire.TTL(buf[7])<<16 | wire.TTL(buf[8])<<8 | wire.TTL(buf[9])
	return EventgroupCommand{
		Service:    wire.ServiceID(binary.BigEndian.Uint16(buf[0:2])),
		Instance:   wire.InstanceID(binary.BigEndian.Uint16(buf[2:4])),
		Eventgroup: wire.EventgroupID(binary.BigEndian.Uint16(buf[4:6])),
		Major:      wire.MajorVersion(buf[6]),
		TTL:        ttl,
	}, nil
}

// RegisterCommand is the body of a register-application frame: the
// application names the client-id it wants (0 meaning "assign me one
// from the pool") and a human-readable name for diagnostics.
type RegisterCommand struct {
	RequestedClient wire.ClientID
	Name            string
}

func (c RegisterCommand) encode() []byte {
	name := []byte(c.Name)
	buf := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(buf[0:2], uint16(c.RequestedClient))
	copy(buf[2:], name)
	return buf
}

func decodeRegisterCommand(buf []byte) (RegisterCommand, error) {
	if len(buf) < 2 {
		return RegisterCommand{}, fmt.Errorf("localtransport: short register command (%d bytes)", len(buf))
	}
	return RegisterCommand{
		RequestedClient: wire.ClientID(binary.BigEndian.Uint16(buf[0:2])),
		Name:            string(buf[2:]),
	}, nil
}
