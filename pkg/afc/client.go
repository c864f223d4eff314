package afc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/marmos91/iosmux/internal/telemetry"
	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/ioserr"
)

const maxReadSize = 4 * 1024 * 1024

// FileType classifies an AFC directory entry.
type FileType int

const (
	Regular FileType = iota
	Directory
	Other
)

// Stat is a parsed GetFileInfo response.
type Stat struct {
	Size   int64
	NLinks int64
	MTime  int64 // epoch nanoseconds
	CTime  int64 // epoch nanoseconds
	Type   FileType
}

// Handle identifies an open file on the device.
type Handle uint64

// Client is an AFC session bound to one stream (TCP or TLS,
// whichever the service dial returned). Requests are strictly
// serialized: the device does not multiplex responses on a single
// connection, so Client never has more than one request in flight.
type Client struct {
	c       *client
	metrics *telemetry.Metrics
}

// New wraps stream for AFC framing.
func New(stream *transport.FramedStream) *Client {
	return &Client{c: &client{stream: stream}}
}

// NewWithMetrics wraps stream for AFC framing and records read/write
// byte counts against m. Passing a nil m is equivalent to New.
func NewWithMetrics(stream *transport.FramedStream, m *telemetry.Metrics) *Client {
	return &Client{c: &client{stream: stream}, metrics: m}
}

func (cl *Client) roundTrip(op Opcode, payload []byte, thisLengthOverride uint64) (Opcode, []byte, error) {
	if err := cl.c.sendRequest(op, payload, thisLengthOverride); err != nil {
		return 0, nil, err
	}
	return cl.c.recvResponse()
}

func (cl *Client) roundTripExpectStatus(op Opcode, payload []byte) error {
	respOp, payloadOut, err := cl.roundTrip(op, payload, 0)
	if err != nil {
		return err
	}
	if respOp != OpStatus {
		return fmt.Errorf("afc: expected Status reply, got opcode 0x%x", respOp)
	}
	return statusError(payloadOut)
}

// ListDir sends ReadDir and returns the directory's entries minus "."
// and "..".
func (cl *Client) ListDir(path string) ([]string, error) {
	respOp, payload, err := cl.roundTrip(OpReadDir, []byte(path+"\x00"), 0)
	if err != nil {
		return nil, err
	}
	if respOp == OpStatus {
		return nil, statusError(payload)
	}
	parts := splitNUL(payload)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "." || p == ".." || p == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Stat sends GetFileInfo and parses the key\0value\0... response into
// a Stat record.
func (cl *Client) Stat(path string) (Stat, error) {
	respOp, payload, err := cl.roundTrip(OpGetFileInfo, []byte(path+"\x00"), 0)
	if err != nil {
		return Stat{}, err
	}
	if respOp == OpStatus {
		return Stat{}, statusError(payload)
	}

	kv := make(map[string]string)
	parts := splitNUL(payload)
	for i := 0; i+1 < len(parts); i += 2 {
		kv[parts[i]] = parts[i+1]
	}

	st := Stat{}
	if v, ok := kv["st_size"]; ok {
		st.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := kv["st_nlink"]; ok {
		st.NLinks, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := kv["st_mtime"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		st.MTime = n
	}
	if v, ok := kv["st_birthtime"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		st.CTime = n
	}
	switch kv["st_ifmt"] {
	case "S_IFDIR":
		st.Type = Directory
	case "S_IFREG":
		st.Type = Regular
	default:
		st.Type = Other
	}
	return st, nil
}

// Open sends FileOpen and returns the resulting handle.
func (cl *Client) Open(path string, mode uint64) (Handle, error) {
	payload := make([]byte, 8+len(path)+1)
	binary.LittleEndian.PutUint64(payload[0:8], mode)
	copy(payload[8:], path)

	respOp, data, err := cl.roundTrip(OpFileOpen, payload, 0)
	if err != nil {
		return 0, err
	}
	if respOp == OpStatus {
		return 0, statusError(data)
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("afc: FileOpen reply too short")
	}
	return Handle(binary.LittleEndian.Uint64(data)), nil
}

// Read sends FileRead, capping size at 4 MiB.
func (cl *Client) Read(h Handle, size uint64) ([]byte, error) {
	if size > maxReadSize {
		size = maxReadSize
	}
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(h))
	binary.LittleEndian.PutUint64(payload[8:16], size)

	respOp, data, err := cl.roundTrip(OpFileRead, payload, 0)
	if err != nil {
		return nil, err
	}
	if respOp == OpStatus {
		return nil, statusError(data)
	}
	cl.metrics.RecordAFCRead(len(data))
	return data, nil
}

// Write sends FileWrite. The wire header's this_length covers only
// the header plus the 8-byte handle; total_length covers the handle
// plus the bulk payload, so the data bytes arrive as a continuation
// of the same frame rather than a second header.
func (cl *Client) Write(h Handle, data []byte) error {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(h))
	copy(payload[8:], data)

	respOp, respData, err := cl.roundTrip(OpFileWrite, payload, headerSize+8)
	if err != nil {
		return err
	}
	if respOp != OpStatus {
		return fmt.Errorf("afc: expected Status reply, got opcode 0x%x", respOp)
	}
	if err := statusError(respData); err != nil {
		return err
	}
	cl.metrics.RecordAFCWrite(len(data))
	return nil
}

// Close sends FileClose.
func (cl *Client) Close(h Handle) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(h))
	return cl.roundTripExpectStatus(OpFileClose, payload)
}

// Remove sends RemovePath. "/" is a no-op that returns success
// without a round trip: deleting the device filesystem root is never
// a meaningful operation here.
func (cl *Client) Remove(path string) error {
	if path == "/" {
		return nil
	}
	return cl.roundTripExpectStatus(OpRemovePath, []byte(path+"\x00"))
}

// Walk performs a BFS over path, returning a sorted flat list of
// regular files only (directories are traversed, not returned). The
// whole traversal runs under one span, tagged with path, rather than
// one span per directory visited.
func (cl *Client) Walk(ctx context.Context, path string) ([]string, error) {
	_, span := telemetry.StartSpan(ctx, "afc.walk", telemetry.AFCPath(path))
	files, err := cl.walk(path)
	telemetry.EndSpan(span, err)
	return files, err
}

func (cl *Client) walk(path string) ([]string, error) {
	var files []string
	queue := []string{path}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := cl.ListDir(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range entries {
			full := joinPath(dir, name)
			st, err := cl.Stat(full)
			if err != nil {
				return nil, err
			}
			if st.Type == Directory {
				queue = append(queue, full)
			} else if st.Type == Regular {
				files = append(files, full)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

// RemoveAll performs a post-order recursive delete: every file first,
// then each directory once its contents are gone. "/" is skipped. The
// whole recursive delete runs under one span, tagged with path.
func (cl *Client) RemoveAll(ctx context.Context, path string) error {
	_, span := telemetry.StartSpan(ctx, "afc.remove_all", telemetry.AFCPath(path))
	err := cl.removeAll(path)
	telemetry.EndSpan(span, err)
	return err
}

func (cl *Client) removeAll(path string) error {
	if path == "/" {
		return nil
	}

	st, err := cl.Stat(path)
	if err != nil {
		if code, ok := ioserr.CodeOf(err); ok && code == ioserr.ErrNotFound {
			return nil
		}
		return err
	}
	if st.Type != Directory {
		return cl.Remove(path)
	}

	entries, err := cl.ListDir(path)
	if err != nil {
		return err
	}
	for _, name := range entries {
		if err := cl.removeAll(joinPath(path, name)); err != nil {
			return err
		}
	}
	return cl.Remove(path)
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func splitNUL(payload []byte) []string {
	raw := strings.Split(string(payload), "\x00")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
