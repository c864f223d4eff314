package syslog

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	_, err := conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestStream_DeliversRawFramesInOrder(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	cl := New(transport.NewFramedStream(clientConn))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, _ := cl.Stream(ctx)

	go func() {
		writeFrame(t, serverConn, []byte("first log line\n"))
		writeFrame(t, serverConn, []byte("second log line\n"))
	}()

	assert.Equal(t, []byte("first log line\n"), <-out)
	assert.Equal(t, []byte("second log line\n"), <-out)
}

func TestStream_ClosesChannelsOnStreamError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	cl := New(transport.NewFramedStream(clientConn))
	out, errCh := cl.Stream(context.Background())

	serverConn.Close()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for out channel to close")
	}
	err := <-errCh
	assert.Error(t, err)
}

func TestReader_ReadsAcrossFrameBoundaries(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	cl := New(transport.NewFramedStream(clientConn))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReader(ctx, cl)

	go func() {
		writeFrame(t, serverConn, []byte("ab"))
		writeFrame(t, serverConn, []byte("cdef"))
	}()

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	n, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "cde", string(buf[:n]))
}
