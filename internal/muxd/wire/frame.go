// Package wire implements the usbmuxd frame codec: a fixed 16-byte
// little-endian header followed by an XML plist payload, plus the
// constant preamble merged into every outgoing request.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/iosmux/pkg/plist"
)

const (
	headerSize       = 16
	protocolVersion  = 1
	messageTypePlist = 8
)

// ClientVersionString and ProgName seed every outgoing request
// preamble, mirroring what the vendor client libraries send.
const (
	ClientVersionString = "qt4i-usbmuxd"
	LibUSBMuxVersion    = 3
)

// Frame is a decoded usbmuxd message: a protocol-version/message-type
// pair plus its plist payload.
type Frame struct {
	ProtocolVersion uint32
	MessageType     uint32
	Tag             uint32
	Payload         *plist.Dict
}

// Preamble returns the constant fields merged into every request
// before encoding: ClientVersionString, ProgName, and the library
// version the multiplexer expects to see.
func Preamble(progName string) *plist.Dict {
	return plist.NewDict().
		Set("ClientVersionString", ClientVersionString).
		Set("ProgName", progName).
		Set("kLibUSBMuxVersion", int64(LibUSBMuxVersion))
}

// Encode serializes tag and payload (already merged with any preamble
// the caller wants) into a complete muxd frame: 4-byte total length,
// 4-byte protocol version, 4-byte message type, 4-byte tag, then the
// XML plist body. All integer fields are little-endian.
func Encode(tag uint32, payload *plist.Dict) ([]byte, error) {
	body, err := plist.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}

	totalLength := uint32(headerSize + len(body))
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], totalLength)
	binary.LittleEndian.PutUint32(buf[4:8], protocolVersion)
	binary.LittleEndian.PutUint32(buf[8:12], messageTypePlist)
	binary.LittleEndian.PutUint32(buf[12:16], tag)
	copy(buf[headerSize:], body)
	return buf, nil
}

// Read blocks until one complete frame has arrived on r, buffering
// short reads transparently (bufio.Reader already does this via
// io.ReadFull underneath). It validates protocol_version == 1 and
// message_type == 8 per the wire codec's receive rule.
func Read(r *bufio.Reader) (*Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}

	totalLength := binary.LittleEndian.Uint32(header[0:4])
	if totalLength < headerSize {
		return nil, fmt.Errorf("wire: total_length %d smaller than header", totalLength)
	}
	protoVersion := binary.LittleEndian.Uint32(header[4:8])
	msgType := binary.LittleEndian.Uint32(header[8:12])
	tag := binary.LittleEndian.Uint32(header[12:16])

	if protoVersion != protocolVersion {
		return nil, fmt.Errorf("wire: unexpected protocol_version %d", protoVersion)
	}
	if msgType != messageTypePlist {
		return nil, fmt.Errorf("wire: unexpected message_type %d", msgType)
	}

	bodyLen := totalLength - headerSize
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	decoded, err := plist.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	payload, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, fmt.Errorf("wire: payload is not a dict")
	}

	return &Frame{
		ProtocolVersion: protoVersion,
		MessageType:     msgType,
		Tag:             tag,
		Payload:         payload,
	}, nil
}
