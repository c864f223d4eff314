package crashlog

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/afc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const afcHeaderSize = 40
const afcMagic = "CFA6LPAA"

// crashStubServer answers AFC requests against a fixed, in-memory
// crash-log tree: one directory ("DiagnosticLogs") holding two files.
// It speaks only the opcodes Copy actually issues.
type crashStubServer struct {
	files    map[string][]byte // device path -> contents
	removed  []string
	handlesN uint64
	handles  map[uint64]string
}

func newCrashStubServer() *crashStubServer {
	return &crashStubServer{
		files: map[string][]byte{
			"/DiagnosticLogs/crash1.ips": []byte("crash report one"),
			"/DiagnosticLogs/crash2.ips": []byte("crash report two"),
		},
		handles: map[uint64]string{},
	}
}

func (s *crashStubServer) serve(t *testing.T, conn net.Conn) {
	defer conn.Close()
	for {
		hdr := make([]byte, afcHeaderSize)
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		if string(hdr[0:8]) != afcMagic {
			return
		}
		totalLength := binary.LittleEndian.Uint64(hdr[8:16])
		seq := binary.LittleEndian.Uint64(hdr[24:32])
		op := afc.Opcode(binary.LittleEndian.Uint64(hdr[32:40]))

		payload := make([]byte, totalLength-afcHeaderSize)
		if _, err := readFull(conn, payload); err != nil {
			return
		}
		s.handle(conn, seq, op, payload)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *crashStubServer) reply(conn net.Conn, seq uint64, op afc.Opcode, payload []byte) {
	h := make([]byte, afcHeaderSize)
	copy(h[0:8], afcMagic)
	binary.LittleEndian.PutUint64(h[8:16], uint64(afcHeaderSize+len(payload)))
	binary.LittleEndian.PutUint64(h[16:24], uint64(afcHeaderSize+len(payload)))
	binary.LittleEndian.PutUint64(h[24:32], seq)
	binary.LittleEndian.PutUint64(h[32:40], uint64(op))
	conn.Write(append(h, payload...))
}

func (s *crashStubServer) status(conn net.Conn, seq uint64, code uint64) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, code)
	s.reply(conn, seq, afc.OpStatus, payload)
}

func (s *crashStubServer) handle(conn net.Conn, seq uint64, op afc.Opcode, payload []byte) {
	switch op {
	case afc.OpReadDir:
		path := trimNUL(payload)
		switch path {
		case "/":
			s.reply(conn, seq, afc.OpReadDir, []byte(strings.Join([]string{".", "..", "DiagnosticLogs"}, "\x00")+"\x00"))
		case "/DiagnosticLogs":
			s.reply(conn, seq, afc.OpReadDir, []byte(strings.Join([]string{".", "..", "crash1.ips", "crash2.ips"}, "\x00")+"\x00"))
		default:
			s.status(conn, seq, 8)
		}

	case afc.OpGetFileInfo:
		path := trimNUL(payload)
		if path == "/DiagnosticLogs" {
			s.reply(conn, seq, afc.OpGetFileInfo, []byte("st_size\x000\x00st_ifmt\x00S_IFDIR\x00"))
			return
		}
		data, ok := s.files[path]
		if !ok {
			s.status(conn, seq, 8)
			return
		}
		kv := "st_size\x00" + itoa(len(data)) + "\x00st_ifmt\x00S_IFREG\x00"
		s.reply(conn, seq, afc.OpGetFileInfo, []byte(kv))

	case afc.OpFileOpen:
		path := trimNUL(payload[8:])
		if _, ok := s.files[path]; !ok {
			s.status(conn, seq, 8)
			return
		}
		s.handlesN++
		s.handles[s.handlesN] = path
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint64(resp, s.handlesN)
		s.reply(conn, seq, afc.OpFileOpen, resp)

	case afc.OpFileRead:
		handle := binary.LittleEndian.Uint64(payload[0:8])
		path := s.handles[handle]
		data := s.files[path]
		s.reply(conn, seq, afc.OpData, data)
		// Subsequent reads (Copy reads until a short read) return empty.
		s.files[path] = nil

	case afc.OpFileClose:
		s.status(conn, seq, 0)

	case afc.OpRemovePath:
		path := trimNUL(payload)
		s.removed = append(s.removed, path)
		delete(s.files, path)
		s.status(conn, seq, 0)

	default:
		s.status(conn, seq, 1)
	}
}

func trimNUL(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCopy_WalksAndCopiesFiles(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	stub := newCrashStubServer()
	go stub.serve(t, serverConn)

	cl := afc.New(transport.NewFramedStream(clientConn))
	destDir := t.TempDir()

	written, err := Copy(context.Background(), cl, destDir, Options{})
	require.NoError(t, err)
	require.Len(t, written, 2)

	for _, path := range written {
		assert.True(t, strings.HasPrefix(path, destDir))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "crash report")
	}
	assert.Empty(t, stub.removed)
}

func TestCopy_RemovesOriginalsWhenRequested(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	stub := newCrashStubServer()
	go stub.serve(t, serverConn)

	cl := afc.New(transport.NewFramedStream(clientConn))
	destDir := t.TempDir()

	written, err := Copy(context.Background(), cl, destDir, Options{RemoveAfterCopy: true})
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.ElementsMatch(t, []string{"/DiagnosticLogs/crash1.ips", "/DiagnosticLogs/crash2.ips"}, stub.removed)
}

func TestCopy_PreservesRelativeDirectoryStructure(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	stub := newCrashStubServer()
	go stub.serve(t, serverConn)

	cl := afc.New(transport.NewFramedStream(clientConn))
	destDir := t.TempDir()

	written, err := Copy(context.Background(), cl, destDir, Options{})
	require.NoError(t, err)
	for _, path := range written {
		rel, err := filepath.Rel(destDir, path)
		require.NoError(t, err)
		assert.Equal(t, "DiagnosticLogs", filepath.Dir(rel))
	}
}
