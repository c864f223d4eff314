package muxd

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/iosmux/internal/muxd/wire"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/marmos91/iosmux/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMuxd is a minimal usbmuxd stand-in used to exercise the Monitor
// and Connection handshakes without a real device attached.
type stubMuxd struct {
	listener net.Listener
}

func startStubMuxd(t *testing.T, handle func(conn net.Conn, r *bufio.Reader)) *stubMuxd {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubMuxd{listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn, bufio.NewReader(conn))
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *stubMuxd) endpoint() Endpoint {
	return Endpoint{TCPAddr: s.listener.Addr().String()}
}

func replyResult(t *testing.T, conn net.Conn, tag uint32, number int64) {
	t.Helper()
	reply := plist.NewDict().Set("MessageType", "Result").Set("Number", number)
	buf, err := wire.Encode(tag, reply)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func TestMonitorDiscoversAttachedDevice(t *testing.T) {
	attachSent := make(chan struct{})

	stub := startStubMuxd(t, func(conn net.Conn, r *bufio.Reader) {
		defer conn.Close()

		// ReadBUID
		if _, err := wire.Read(r); err != nil {
			return
		}
		buidReply, _ := wire.Encode(0, plist.NewDict().Set("BUID", "fake-buid"))
		conn.Write(buidReply)

		// Listen
		listenFrame, err := wire.Read(r)
		if err != nil {
			return
		}
		replyResult(t, conn, listenFrame.Tag, 0)

		attached := plist.NewDict().
			Set("MessageType", "Attached").
			Set("DeviceID", int64(7)).
			Set("Properties", plist.NewDict().
				Set("ConnectionType", "USB").
				Set("SerialNumber", "00008120-0018DEADC0DEFACE").
				Set("ProductID", int64(4776)))
		buf, _ := wire.Encode(99, attached)
		conn.Write(buf)
		close(attachSent)

		// keep connection open so the Monitor stays Connected
		time.Sleep(2 * time.Second)
	})

	mon := NewMonitor(stub.endpoint(), "test-client")
	_, events, _ := mon.Subscribe()
	mon.Start(context.Background())
	defer mon.Stop()

	select {
	case <-attachSent:
	case <-time.After(2 * time.Second):
		t.Fatal("stub never sent Attached")
	}

	require.Eventually(t, func() bool {
		return len(mon.ListDevices()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"00008120-0018DEADC0DEFACE"}, mon.ListDevices())

	id, ok := mon.GetDeviceID("00008120-0018DEADC0DEFACE")
	assert.True(t, ok)
	assert.Equal(t, 7, id)

	// The subscriber sees the initial Disconnected (entering the
	// reconnect loop), then Connected, then exactly one attach.
	var kinds []EventKind
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventDeviceAttached {
				assert.Equal(t, "00008120-0018DEADC0DEFACE", ev.UDID)
				assert.Equal(t, []EventKind{EventDisconnected, EventConnected, EventDeviceAttached}, kinds)
				return
			}
		case <-deadline:
			t.Fatalf("expected a DeviceAttached event, got %v", kinds)
		}
	}
}

func TestConnectThruUnknownUDIDFailsWithoutDialing(t *testing.T) {
	// An endpoint nothing listens on: the registry miss must surface
	// before any dial is attempted.
	c := NewConnection(Endpoint{TCPAddr: "127.0.0.1:1"}, "test-client", registry.New())
	_, err := c.ConnectThru("never-attached", 62078)
	assert.Error(t, err)
}

func TestSwapPortMatchesByteSwapQuirk(t *testing.T) {
	assert.Equal(t, uint16(0xDE88), swapPort(0x88DE))
	assert.Equal(t, uint16(0x7EF2), swapPort(62078))
}

func TestConnectionGetPairRecordNotFoundWhenAbsent(t *testing.T) {
	stub := startStubMuxd(t, func(conn net.Conn, r *bufio.Reader) {
		defer conn.Close()
		frame, err := wire.Read(r)
		if err != nil {
			return
		}
		reply := plist.NewDict().Set("MessageType", "Result").Set("Number", int64(0))
		buf, _ := wire.Encode(frame.Tag, reply)
		conn.Write(buf)
	})

	c := NewConnection(stub.endpoint(), "test-client", nil)
	_, err := c.GetPairRecord("unknown-udid")
	assert.Error(t, err)
}
