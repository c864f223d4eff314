// Package tlsupgrade promotes a live TCP stream to TLS in place using
// a device pair record, and demotes it back to plain TCP on session
// teardown without disturbing the underlying socket. This is the
// "steal the inner socket" operation the lockdown and image-mounter
// flows both depend on.
package tlsupgrade

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"

	"github.com/marmos91/iosmux/pkg/ioserr"
)

// PairRecord is the subset of a usbmuxd pair record this package
// needs: the host certificate and private key used to present a
// client certificate during the lockdown session TLS handshake.
type PairRecord struct {
	HostCertificate []byte
	HostPrivateKey  []byte
}

// Upgrade promotes conn to a TLS client connection using rec. Peer
// verification is intentionally disabled: the device presents a
// self-signed certificate that was never meant to be pinned or
// CA-verified — the authenticity guarantee comes entirely from having
// already paired with the device, not from the certificate chain.
//
// crypto/tls does not expose a way to widen the negotiated signature
// algorithm set beyond its Go-version defaults; MinVersion is lowered
// to TLS 1.0 so handshakes against devices whose certificates were
// signed with legacy RSA/ECDSA+SHA1/SHA256 combinations still
// negotiate successfully under the library's own fallback behavior.
func Upgrade(conn net.Conn, rec PairRecord) (*tls.Conn, error) {
	cert, err := buildCertificate(rec)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, ioserr.Newf(ioserr.ErrTLSFailure, "tls handshake: %v", err)
	}
	return tlsConn, nil
}

// Demote returns the plain net.Conn backing conn, leaving it usable
// for further length-prefixed-4 framing. It does not send a TLS
// close_notify; the caller has already told the device to stop the
// session at the protocol level before calling this.
func Demote(conn *tls.Conn) net.Conn {
	return conn.NetConn()
}

func buildCertificate(rec PairRecord) (tls.Certificate, error) {
	certBlock, _ := pem.Decode(rec.HostCertificate)
	if certBlock == nil {
		return tls.Certificate{}, ioserr.New(ioserr.ErrTLSFailure, "HostCertificate is not valid PEM")
	}
	if _, err := x509.ParseCertificate(certBlock.Bytes); err != nil {
		return tls.Certificate{}, ioserr.Newf(ioserr.ErrTLSFailure, "parse host certificate: %v", err)
	}

	keyBlock, _ := pem.Decode(rec.HostPrivateKey)
	if keyBlock == nil {
		return tls.Certificate{}, ioserr.New(ioserr.ErrTLSFailure, "HostPrivateKey is not valid PEM")
	}

	cert, err := tls.X509KeyPair(rec.HostCertificate, rec.HostPrivateKey)
	if err != nil {
		return tls.Certificate{}, ioserr.Newf(ioserr.ErrTLSFailure, "build key pair (label %s): %v", keyBlock.Type, err)
	}
	return cert, nil
}
