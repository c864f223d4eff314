package lockdown

import (
	"net"
	"testing"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/muxd"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSession builds a Session directly over a net.Pipe, bypassing
// Open, so these tests exercise the request/reply and TLS
// upgrade/demote logic without a real multiplexer.
func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	s := &Session{plainConn: clientConn, active: transport.NewFramedStream(clientConn)}
	return s, serverConn
}

func TestGetInfoReturnsValue(t *testing.T) {
	s, server := newTestSession(t)
	serverStream := transport.NewFramedStream(server)

	go func() {
		body, err := serverStream.RecvFrame()
		if err != nil {
			return
		}
		decoded, _ := plist.Decode(body)
		req := decoded.(*plist.Dict)
		if req.GetString("Request") != "GetValue" {
			return
		}
		value := plist.NewDict().Set("ProductVersion", "17.4")
		reply := plist.NewDict().Set("Value", value)
		encoded, _ := plist.Encode(reply)
		_ = serverStream.SendFrame(encoded)
	}()

	v, err := s.GetInfo("", "")
	require.NoError(t, err)
	d, ok := v.(*plist.Dict)
	require.True(t, ok)
	assert.Equal(t, "17.4", d.GetString("ProductVersion"))
}

func TestStartSessionFailsWithoutPairRecord(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.StartSession()
	assert.Error(t, err)
}

func TestStartSessionFailsWhenAlreadyStarted(t *testing.T) {
	s, _ := newTestSession(t)
	s.pairRecord = &dummyPairRecord
	s.sessionID = "existing"

	err := s.StartSession()
	assert.Error(t, err)
}

func TestStopSessionFailsWithoutActiveSession(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.StopSession()
	assert.Error(t, err)
}

func TestStartServiceRequiresSession(t *testing.T) {
	s, _ := newTestSession(t)
	_, _, err := s.StartService("com.apple.mobile.diagnostics_relay", false)
	assert.Error(t, err)
}

func TestStartServiceReturnsPortAndSSLFlag(t *testing.T) {
	s, server := newTestSession(t)
	s.sessionID = "abc"
	serverStream := transport.NewFramedStream(server)

	go func() {
		body, err := serverStream.RecvFrame()
		if err != nil {
			return
		}
		decoded, _ := plist.Decode(body)
		req := decoded.(*plist.Dict)
		reply := plist.NewDict().
			Set("Service", req.GetString("Service")).
			Set("Port", int64(1234)).
			Set("EnableServiceSSL", true)
		encoded, _ := plist.Encode(reply)
		_ = serverStream.SendFrame(encoded)
	}()

	port, ssl, err := s.StartService("com.apple.afc", false)
	require.NoError(t, err)
	assert.Equal(t, 1234, port)
	assert.True(t, ssl)
}

var dummyPairRecord = muxd.PairRecord{}
