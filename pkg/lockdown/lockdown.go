// Package lockdown implements the lockdownd session state machine:
// GetValue, StartSession (with in-place TLS upgrade), StopSession, and
// StartService, all over length-prefixed-4 framing on TCP port 62078.
package lockdown

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/internal/transport/tlsupgrade"
	"github.com/marmos91/iosmux/pkg/ioserr"
	"github.com/marmos91/iosmux/pkg/muxd"
	"github.com/marmos91/iosmux/pkg/plist"
)

// LockdownPort is the well-known TCP port lockdownd listens on inside
// the device, reached through the multiplexer's connect_thru.
const LockdownPort = 62078

// Session is one lockdown connection: a single logical "Connected"
// state carrying an optional pair record, session id, and TLS layer.
// Every operation is a synchronous request/reply pair.
type Session struct {
	mu sync.Mutex

	plainConn  net.Conn
	active     *transport.FramedStream
	pairRecord *muxd.PairRecord
	sessionID  string
	tlsConn    *tls.Conn
	systemBUID string
	hostID     string
}

// Open dials through conn (a muxd Connection) to the device's
// lockdown port and fetches the pair record, tolerating its absence —
// StartSession will later fail NoPairingRecord instead.
func Open(udid string, conn *muxd.Connection) (*Session, error) {
	pr, prErr := conn.GetPairRecord(udid)

	raw, err := conn.ConnectThru(udid, LockdownPort)
	if err != nil {
		return nil, err
	}

	s := &Session{plainConn: raw, active: transport.NewFramedStream(raw)}
	if prErr == nil {
		s.pairRecord = &pr
		s.systemBUID = pr.SystemBUID
		s.hostID = pr.HostID
	}
	return s, nil
}

// request sends a plist with {Label, Request, ...opts merged in} and
// returns the decoded reply, routing through the TLS stream whenever
// a session upgrade is active.
func (s *Session) request(req *plist.Dict) (*plist.Dict, error) {
	encoded, err := plist.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("lockdown: encode request: %w", err)
	}
	if err := s.active.SendFrame(encoded); err != nil {
		return nil, fmt.Errorf("lockdown: send request: %w", err)
	}
	body, err := s.active.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("lockdown: recv reply: %w", err)
	}
	decoded, err := plist.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("lockdown: decode reply: %w", err)
	}
	d, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, ioserr.New(ioserr.ErrFailed, "lockdown reply is not a dict")
	}
	if errMsg := d.GetString("Error"); errMsg != "" {
		return nil, ioserr.New(mapError(errMsg), errMsg)
	}
	return d, nil
}

// GetInfo sends GetValue with the given domain/key (either may be
// empty to omit) and returns response["Value"].
func (s *Session) GetInfo(domain, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := plist.NewDict().Set("Label", "iosmux").Set("Request", "GetValue")
	if domain != "" {
		req.Set("Domain", domain)
	}
	if key != "" {
		req.Set("Key", key)
	}
	reply, err := s.request(req)
	if err != nil {
		return nil, err
	}
	v, _ := reply.Get("Value")
	return v, nil
}

// StartSession begins a lockdown session, upgrading to TLS in place
// when the device requests it.
func (s *Session) StartSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pairRecord == nil {
		return ioserr.New(ioserr.ErrNoPairingRecord, "no pair record available")
	}
	if s.sessionID != "" {
		return ioserr.New(ioserr.ErrAlreadyStarted, "session already started")
	}

	req := plist.NewDict().
		Set("Label", "iosmux").
		Set("Request", "StartSession").
		Set("SystemBUID", s.systemBUID).
		Set("HostID", s.hostID)

	reply, err := s.request(req)
	if err != nil {
		return err
	}

	s.sessionID = reply.GetString("SessionID")
	if reply.GetBool("EnableSessionSSL") {
		tlsConn, err := tlsupgrade.Upgrade(s.plainConn, tlsupgrade.PairRecord{
			HostCertificate: s.pairRecord.HostCertificate,
			HostPrivateKey:  s.pairRecord.HostPrivateKey,
		})
		if err != nil {
			return err
		}
		s.tlsConn = tlsConn
		s.active = transport.NewFramedStream(tlsConn)
	}
	return nil
}

// StopSession tears down the session, demoting the TLS layer back to
// plain TCP while preserving length-prefixed-4 framing on the result.
func (s *Session) StopSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		return ioserr.New(ioserr.ErrNoSession, "no active session")
	}

	req := plist.NewDict().
		Set("Label", "iosmux").
		Set("Request", "StopSession").
		Set("SessionID", s.sessionID)
	if _, err := s.request(req); err != nil {
		return err
	}

	if s.tlsConn != nil {
		plain := tlsupgrade.Demote(s.tlsConn)
		s.active = transport.NewFramedStream(plain)
		s.tlsConn = nil
	}
	s.sessionID = ""
	return nil
}

// StartService asks lockdownd to launch name and returns the port
// (and whether the service itself requires SSL) the caller should
// connect_thru to next. Requires an active session.
func (s *Session) StartService(name string, useEscrow bool) (port int, ssl bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		return 0, false, ioserr.New(ioserr.ErrNoSession, "no active session")
	}

	req := plist.NewDict().
		Set("Label", "iosmux").
		Set("Request", "StartService").
		Set("Service", name)
	if useEscrow && s.pairRecord != nil && len(s.pairRecord.EscrowBag) > 0 {
		req.Set("EscrowBag", s.pairRecord.EscrowBag)
	}

	reply, replyErr := s.request(req)
	if replyErr != nil {
		return 0, false, replyErr
	}
	if reply.GetString("Service") != name {
		return 0, false, ioserr.New(ioserr.ErrFailed, "unexpected StartService reply shape")
	}
	return int(reply.GetInt("Port")), reply.GetBool("EnableServiceSSL"), nil
}

// Close tears down both the TLS and plain sockets.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
	}
	return s.plainConn.Close()
}

// RawStream exposes the underlying net.Conn, e.g. for an orchestrator
// that needs to hand the socket off after StopSession.
func (s *Session) RawStream() net.Conn {
	return s.active.Raw()
}

func mapError(msg string) ioserr.Code {
	switch {
	case strings.Contains(msg, "PasswordProtected"), strings.Contains(msg, "PermissionDenied"):
		return ioserr.ErrPermissionDenied
	case strings.Contains(msg, "InvalidService"), strings.Contains(msg, "ServiceProhibited"):
		return ioserr.ErrFailed
	default:
		return ioserr.ErrFailed
	}
}
