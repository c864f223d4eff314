package muxd

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Endpoint describes how to reach the multiplexer: a UNIX-domain
// socket path (macOS/Linux usbmuxd) or a host:port pair (TCP,
// typically for simulators or a relayed muxd).
type Endpoint struct {
	UnixPath string
	TCPAddr  string
}

// DefaultEndpoint is usbmuxd's well-known UNIX socket path, shared by
// macOS and Linux installs.
var DefaultEndpoint = Endpoint{UnixPath: "/var/run/usbmuxd"}

func dial(ep Endpoint) (net.Conn, error) {
	if ep.UnixPath != "" {
		conn, err := net.Dial("unix", ep.UnixPath)
		if err != nil {
			return nil, fmt.Errorf("muxd: dial unix %s: %w", ep.UnixPath, err)
		}
		return conn, nil
	}
	if ep.TCPAddr != "" {
		conn, err := net.Dial("tcp", ep.TCPAddr)
		if err != nil {
			return nil, fmt.Errorf("muxd: dial tcp %s: %w", ep.TCPAddr, err)
		}
		tuneTCP(conn)
		return conn, nil
	}
	return nil, fmt.Errorf("muxd: endpoint has neither UnixPath nor TCPAddr set")
}

// tuneTCP disables Nagle's algorithm on TCP multiplexer connections
// (the simulator relay path): muxd frames are small and frequent, and
// coalescing them adds latency subscribers can observe as delayed
// attach/detach events.
func tuneTCP(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	})
}
