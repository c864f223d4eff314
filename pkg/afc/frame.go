// Package afc implements the Apple File Conduit protocol: a binary,
// sequence-numbered framing layer over the stream returned for
// com.apple.afc (or a crash-report copy service sharing the same
// wire format), plus the file operations built on top of it.
package afc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/ioserr"
)

const magic = "CFA6LPAA"
const headerSize = 40

// Opcode identifies an AFC operation.
type Opcode uint64

const (
	OpStatus      Opcode = 0x01
	OpData        Opcode = 0x02
	OpReadDir     Opcode = 0x03
	OpRemovePath  Opcode = 0x08
	OpGetFileInfo Opcode = 0x0A
	OpFileOpen    Opcode = 0x0D
	OpFileRead    Opcode = 0x0F
	OpFileWrite   Opcode = 0x10
	OpFileClose   Opcode = 0x14
)

// Open modes for FileOpen, per the wire protocol's numeric encoding.
const (
	ModeRead       uint64 = 1
	ModeReadWrite  uint64 = 2
	ModeWrite      uint64 = 3
	ModeWriteRead  uint64 = 4
	ModeAppend     uint64 = 5
	ModeAppendRead uint64 = 6
)

// header is the 40-byte AFC frame header: 8-byte magic, then four
// little-endian 64-bit fields.
type header struct {
	totalLength uint64
	thisLength  uint64
	sequenceNo  uint64
	op          uint64
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.totalLength)
	binary.LittleEndian.PutUint64(buf[16:24], h.thisLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.sequenceNo)
	binary.LittleEndian.PutUint64(buf[32:40], h.op)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) != headerSize {
		return header{}, fmt.Errorf("afc: header must be %d bytes, got %d", headerSize, len(buf))
	}
	if string(buf[0:8]) != magic {
		return header{}, fmt.Errorf("afc: bad magic %q", buf[0:8])
	}
	return header{
		totalLength: binary.LittleEndian.Uint64(buf[8:16]),
		thisLength:  binary.LittleEndian.Uint64(buf[16:24]),
		sequenceNo:  binary.LittleEndian.Uint64(buf[24:32]),
		op:          binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// client owns the AFC wire framing over a single stream: one request
// in flight at a time, sequence numbers strictly increasing from 0.
type client struct {
	stream  *transport.FramedStream
	nextSeq uint64
}

// sendRequest writes one frame: header with total_length/this_length
// computed from payload, current next_seq_no, then the payload bytes.
// this_length differs from total_length only for writes, which send
// just the header plus an 8-byte handle as the "first segment" before
// the bulk data continuation.
func (c *client) sendRequest(op Opcode, payload []byte, thisLengthOverride uint64) error {
	totalLength := uint64(headerSize) + uint64(len(payload))
	thisLength := totalLength
	if thisLengthOverride != 0 {
		thisLength = thisLengthOverride
	}

	h := header{totalLength: totalLength, thisLength: thisLength, sequenceNo: c.nextSeq, op: uint64(op)}
	c.nextSeq++

	buf := append(encodeHeader(h), payload...)
	_, err := c.stream.Raw().Write(buf)
	if err != nil {
		return fmt.Errorf("afc: write frame: %w", err)
	}
	return nil
}

// recvResponse reads one frame directly off the raw connection (AFC
// framing is not length-prefixed-4; it carries its own header), and
// returns the opcode and trailing payload.
func (c *client) recvResponse() (Opcode, []byte, error) {
	raw := c.stream.Raw()
	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(raw, headerBuf); err != nil {
		return 0, nil, fmt.Errorf("afc: read header: %w", err)
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return 0, nil, err
	}
	if h.totalLength < headerSize {
		return 0, nil, fmt.Errorf("afc: total_length %d smaller than header", h.totalLength)
	}
	payloadLen := h.totalLength - headerSize
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(raw, payload); err != nil {
		return 0, nil, fmt.Errorf("afc: read payload: %w", err)
	}
	return Opcode(h.op), payload, nil
}

// statusError decodes a Status payload's 64-bit LE error code and
// maps it via ioserr, returning nil when the code is 0 (success).
func statusError(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("afc: status payload too short")
	}
	code := binary.LittleEndian.Uint64(payload)
	if code == 0 {
		return nil
	}
	return ioserr.New(ioserr.AFCErrorCode(code), fmt.Sprintf("afc status code %d", code))
}
