package muxd

import (
	"bufio"
	"net"

	"github.com/marmos91/iosmux/internal/muxd/wire"
	"github.com/marmos91/iosmux/pkg/ioserr"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/marmos91/iosmux/pkg/registry"
)

// Connection is a muxd client whose sockets are short-lived: every
// method call dials its own TCP/UNIX socket and performs exactly one
// task on it (fetch a pair record, or hand off a raw stream via
// connect_thru). GetPairRecord closes its socket before returning;
// ConnectThru hands its socket to the caller.
type Connection struct {
	endpoint Endpoint
	progName string
	registry *registry.Registry
	tag      uint32
}

// NewConnection builds a Connection that resolves UDIDs against reg
// (normally the process-wide Monitor's registry).
func NewConnection(ep Endpoint, progName string, reg *registry.Registry) *Connection {
	return &Connection{endpoint: ep, progName: progName, registry: reg}
}

func (c *Connection) nextTag() uint32 {
	c.tag++
	return c.tag
}

// GetPairRecord fetches the pair record usbmuxd holds for udid.
func (c *Connection) GetPairRecord(udid string) (PairRecord, error) {
	conn, err := dial(c.endpoint)
	if err != nil {
		return PairRecord{}, err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	req := wire.Preamble(c.progName).
		Set("MessageType", "ReadPairRecord").
		Set("PairRecordID", udid)

	if err := c.send(conn, req); err != nil {
		return PairRecord{}, err
	}
	frame, err := wire.Read(r)
	if err != nil {
		return PairRecord{}, err
	}

	data := frame.Payload.GetData("PairRecordData")
	if data == nil {
		return PairRecord{}, ioserr.FromDevice(ioserr.ErrNotFound, udid)
	}
	decoded, err := plist.Decode(data)
	if err != nil {
		return PairRecord{}, ioserr.Newf(ioserr.ErrNoPairingRecord, "decode pair record: %v", err)
	}
	d, ok := decoded.(*plist.Dict)
	if !ok {
		return PairRecord{}, ioserr.FromDevice(ioserr.ErrNoPairingRecord, udid)
	}
	rec, recErr := pairRecordFromPlist(d)
	if recErr != nil {
		return PairRecord{}, ioserr.Newf(ioserr.ErrNoPairingRecord, "%s: %v", udid, recErr)
	}
	return rec, nil
}

// ConnectThru resolves udid to its current device id and asks
// usbmuxd to splice this socket through to the device's TCP port.
// Ownership of the returned net.Conn transfers to the caller; this
// Connection's job is done the moment it hands the socket back, so it
// never reads another muxd frame on it.
func (c *Connection) ConnectThru(udid string, port uint16) (net.Conn, error) {
	deviceID, ok := c.registry.DeviceIDFor(udid)
	if !ok {
		return nil, ioserr.FromDevice(ioserr.ErrNotFound, udid)
	}

	conn, err := dial(c.endpoint)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(conn)
	req := wire.Preamble(c.progName).
		Set("MessageType", "Connect").
		Set("DeviceID", int64(deviceID)).
		Set("PortNumber", int64(swapPort(port)))

	if err := c.send(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := wire.Read(r)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if frame.Payload.GetString("MessageType") != "Result" || frame.Payload.GetInt("Number") != 0 {
		conn.Close()
		return nil, ioserr.FromDevice(ioserr.ErrFailed, udid)
	}
	return conn, nil
}

func (c *Connection) send(conn net.Conn, payload *plist.Dict) error {
	buf, err := wire.Encode(c.nextTag(), payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// swapPort performs the exact byte swap the multiplexer's PortNumber
// field requires: it wants the port placed into a 16-bit
// little-endian field in network (big-endian) order, i.e. the two
// bytes of the native value swapped rather than a straight htons.
func swapPort(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}
