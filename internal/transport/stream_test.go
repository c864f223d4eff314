package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramedStreamSendRecvRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewFramedStream(clientConn)
	server := NewFramedStream(serverConn)

	payload := []byte(`<plist version="1.0"><dict/></plist>`)
	errc := make(chan error, 1)
	go func() { errc <- client.SendFrame(payload) }()

	got, err := server.RecvFrame()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, payload, got)
}

func TestFramedStreamRecvEmptyPayload(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewFramedStream(clientConn)
	server := NewFramedStream(serverConn)

	errc := make(chan error, 1)
	go func() { errc <- client.SendFrame(nil) }()

	got, err := server.RecvFrame()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Empty(t, got)
}
