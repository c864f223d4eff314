// Package transport provides the stream abstraction shared by
// Lockdown and AFC: both must run length-prefixed-4 framing over
// either a raw TCP socket or, once a session upgrades it, a TLS
// socket, and must be able to demote back to plain TCP without
// disturbing the underlying connection.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Stream is the heterogeneous read/write/steal-inner interface every
// length-prefixed-4 consumer programs against, so framing code never
// needs to know whether it's talking to a raw net.Conn or a
// *tls.Conn.
type Stream interface {
	// SendFrame writes payload prefixed with its big-endian uint32
	// length.
	SendFrame(payload []byte) error
	// RecvFrame reads one length-prefixed frame and returns its
	// payload.
	RecvFrame() ([]byte, error)
	// Raw returns the underlying net.Conn, e.g. to hand to a TLS
	// upgrader or to steal back after demotion.
	Raw() net.Conn
	// Close closes the stream.
	Close() error
}

// FramedStream implements Stream over any net.Conn (plain TCP or
// *tls.Conn alike).
type FramedStream struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFramedStream wraps conn for length-prefixed-4 framing.
func NewFramedStream(conn net.Conn) *FramedStream {
	return &FramedStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *FramedStream) SendFrame(payload []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := s.conn.Write(header); err != nil {
		return fmt.Errorf("transport: write length header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return fmt.Errorf("transport: write payload: %w", err)
		}
	}
	return nil
}

func (s *FramedStream) RecvFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(s.r, header); err != nil {
		return nil, fmt.Errorf("transport: read length header: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}

func (s *FramedStream) Raw() net.Conn { return s.conn }
func (s *FramedStream) Close() error  { return s.conn.Close() }

// Rebind returns a new FramedStream over a different net.Conn,
// discarding this stream's buffered reader. Used after a TLS upgrade
// or demotion changes which net.Conn actually carries the bytes.
func Rebind(conn net.Conn) *FramedStream {
	return NewFramedStream(conn)
}
