package diagnostics

import (
	"net"
	"testing"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *transport.FramedStream) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	return New(transport.NewFramedStream(clientConn)), transport.NewFramedStream(serverConn)
}

func TestRestartSucceedsOnStatusSuccess(t *testing.T) {
	c, server := newTestClient(t)
	go func() {
		body, err := server.RecvFrame()
		if err != nil {
			return
		}
		decoded, _ := plist.Decode(body)
		req := decoded.(*plist.Dict)
		if req.GetString("Request") != "Restart" {
			return
		}
		encoded, _ := plist.Encode(plist.NewDict().Set("Status", "Success"))
		_ = server.SendFrame(encoded)
	}()

	require.NoError(t, c.Restart())
}

func TestShutdownFailsOnNonSuccessStatus(t *testing.T) {
	c, server := newTestClient(t)
	go func() {
		_, err := server.RecvFrame()
		if err != nil {
			return
		}
		encoded, _ := plist.Encode(plist.NewDict().Set("Status", "Failure"))
		_ = server.SendFrame(encoded)
	}()

	assert.Error(t, c.Shutdown())
}

func TestIORegistryReturnsSubTree(t *testing.T) {
	c, server := newTestClient(t)
	go func() {
		body, err := server.RecvFrame()
		if err != nil {
			return
		}
		decoded, _ := plist.Decode(body)
		req := decoded.(*plist.Dict)
		assert.Equal(t, "IOPlatformExpertDevice", req.GetString("EntryName"))

		ioreg := plist.NewDict().Set("SerialNumber", "ABC123")
		diag := plist.NewDict().Set("IORegistry", ioreg)
		reply := plist.NewDict().Set("Status", "Success").Set("Diagnostics", diag)
		encoded, _ := plist.Encode(reply)
		_ = server.SendFrame(encoded)
	}()

	result, err := c.IORegistry(IORegistryOptions{EntryName: "IOPlatformExpertDevice"})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", result.GetString("SerialNumber"))
}
