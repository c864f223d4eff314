package webinspector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/stretchr/testify/require"
)

// stubInspector drives the device side of the protocol over a
// net.Pipe, replaying the handshake/listing sequence a real
// com.apple.webinspector service would send for one Safari tab with
// one automation-capable page.
type stubInspector struct {
	stream *transport.FramedStream
}

func newStubInspector(conn net.Conn) *stubInspector {
	return &stubInspector{stream: transport.NewFramedStream(conn)}
}

func (st *stubInspector) recv() *plist.Dict {
	body, err := st.stream.RecvFrame()
	if err != nil {
		return nil
	}
	v, err := plist.Decode(body)
	if err != nil {
		return nil
	}
	d, _ := v.(*plist.Dict)
	return d
}

func (st *stubInspector) send(t *testing.T, selector string, argument map[string]any) {
	t.Helper()
	arg := plist.NewDict()
	for k, v := range argument {
		arg.Set(k, v)
	}
	msg := plist.NewDict().Set("__selector", selector).Set("__argument", arg)
	body, err := plist.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, st.stream.SendFrame(body))
}

func runHappyPathStub(t *testing.T, conn net.Conn, sessionIDFromClient chan string) {
	st := newStubInspector(conn)

	req := st.recv()
	require.NotNil(t, req)
	require.Equal(t, "_rpc_reportIdentifier:", req.GetString("__selector"))
	sessionID := req.GetDict("__argument").GetString("WIRConnectionIdentifierKey")
	sessionIDFromClient <- sessionID

	st.send(t, "_rpc_reportCurrentState:", map[string]any{
		"WIRAutomationAvailabilityKey": "WIRAutomationAvailabilityAvailable",
	})

	apps := plist.NewDict().Set("app1", plist.NewDict().
		Set("WIRApplicationBundleIdentifierKey", safariBundleID))
	st.send(t, "_rpc_reportConnectedApplicationList:", map[string]any{
		"WIRApplicationDictionaryKey": apps,
	})

	st.send(t, "_rpc_applicationUpdated:", map[string]any{
		"WIRApplicationBundleIdentifierKey": safariBundleID,
		"WIRIsApplicationReadyKey":          true,
	})

	// The FSM should now have sent _rpc_forwardAutomationSessionRequest:.
	req = st.recv()
	require.NotNil(t, req)
	require.Equal(t, "_rpc_forwardAutomationSessionRequest:", req.GetString("__selector"))

	page := plist.NewDict().
		Set("WIRTypeKey", "WIRTypeAutomation").
		Set("WIRSessionIdentifierKey", sessionID).
		Set("WIRPageIdentifierKey", int64(1))
	listing := plist.NewDict().Set("page1", page)
	st.send(t, "_rpc_applicationSentListing:", map[string]any{
		"WIRApplicationIdentifierKey": "app1",
		"WIRListingKey":               listing,
	})

	// forwardSocketSetup: is sent once the page is selected.
	req = st.recv()
	require.NotNil(t, req)
	require.Equal(t, "_rpc_forwardSocketSetup:", req.GetString("__selector"))

	page = plist.NewDict().
		Set("WIRTypeKey", "WIRTypeAutomation").
		Set("WIRSessionIdentifierKey", sessionID).
		Set("WIRConnectionIdentifierKey", sessionID).
		Set("WIRPageIdentifierKey", int64(1))
	listing = plist.NewDict().Set("page1", page)
	st.send(t, "_rpc_applicationSentListing:", map[string]any{
		"WIRApplicationIdentifierKey": "app1",
		"WIRListingKey":               listing,
	})
}

func TestSession_ReachesConnected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sessionIDCh := make(chan string, 1)
	go runHappyPathStub(t, serverConn, sessionIDCh)

	sess := New(transport.NewFramedStream(clientConn), "owner-1")
	require.NoError(t, sess.Start(context.Background()))

	state, err := sess.WaitForSession(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, Connected, state)
}

func TestSession_FailsWithoutAutomation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		st := newStubInspector(serverConn)
		st.recv()
		st.send(t, "_rpc_reportCurrentState:", map[string]any{
			"WIRAutomationAvailabilityKey": "WIRAutomationAvailabilityNotAvailable",
		})
	}()

	sess := New(transport.NewFramedStream(clientConn), "owner-1")
	err := sess.Start(context.Background())
	require.Error(t, err)
}

func TestSession_CreateBrowsingContextAfterConnected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sessionIDCh := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runHappyPathStub(t, serverConn, sessionIDCh)

		st := newStubInspector(serverConn)
		req := st.recv()
		require.NotNil(t, req)
		require.Equal(t, "_rpc_forwardSocketData:", req.GetString("__selector"))

		reply := plist.NewDict().
			Set("WIRDestinationKey", <-sessionIDCh).
			Set("WIRMessageDataKey", []byte(`{"id":0,"result":{"handle":"BROWSER-1"}}`))
		st.send(t, "_rpc_applicationSentData:", map[string]any{
			"WIRDestinationKey": reply.GetString("WIRDestinationKey"),
			"WIRMessageDataKey": reply.GetData("WIRMessageDataKey"),
		})
	}()

	sess := New(transport.NewFramedStream(clientConn), "owner-1")
	require.NoError(t, sess.Start(context.Background()))
	_, err := sess.WaitForSession(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	handle, err := sess.CreateBrowsingContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "BROWSER-1", handle)

	<-done
}
