// Package device implements the service dial orchestrator: given a
// UDID and a service name, it drives a transient lockdown session
// through StartSession/StartService, then hands back a fresh,
// correctly-framed stream connected directly to that service.
package device

import (
	"context"
	"fmt"
	"net"

	"github.com/marmos91/iosmux/internal/telemetry"
	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/internal/transport/tlsupgrade"
	"github.com/marmos91/iosmux/pkg/lockdown"
	"github.com/marmos91/iosmux/pkg/muxd"
	"github.com/marmos91/iosmux/pkg/muxd/paircache"
	"github.com/marmos91/iosmux/pkg/registry"
)

// Options controls optional behavior of a dial.
type Options struct {
	// UseEscrow includes the pair record's escrow bag in StartService,
	// required by a handful of services (notably crash log copying).
	UseEscrow bool

	// PairCache, when non-nil, is consulted before asking usbmuxd for
	// a UDID's pair record, and populated on a cache miss. A nil
	// PairCache makes every dial hit usbmuxd directly, matching the
	// package's behavior before this field existed.
	PairCache *paircache.Cache
}

// Connect performs the full service dial orchestration: open a
// transient lockdown session, start the named
// service, close the lockdown session (the device keeps the service
// running), then open a fresh muxd connection directly to the
// service's port and apply TLS if requested. reg is normally the
// process-wide Monitor's registry.
//
// The whole orchestration runs under a single span so a trace
// backend can show the five steps (open session, start session,
// start service, connect_thru, TLS upgrade) as one unit of work
// against udid/serviceName.
func Connect(ctx context.Context, udid, serviceName string, reg *registry.Registry, ep muxd.Endpoint, progName string, opts Options) (*transport.FramedStream, error) {
	_, span := telemetry.StartSpan(ctx, "device.connect", telemetry.UDID(udid), telemetry.ServiceName(serviceName))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	lockConn := muxd.NewConnection(ep, progName, reg)
	session, sessErr := lockdown.Open(udid, lockConn)
	if sessErr != nil {
		err = fmt.Errorf("device: open lockdown session: %w", sessErr)
		return nil, err
	}

	if startErr := session.StartSession(); startErr != nil {
		session.Close()
		err = fmt.Errorf("device: start lockdown session: %w", startErr)
		return nil, err
	}

	port, ssl, svcErr := session.StartService(serviceName, opts.UseEscrow)
	if svcErr != nil {
		session.Close()
		err = fmt.Errorf("device: start service %s: %w", serviceName, svcErr)
		return nil, err
	}
	_ = session.StopSession()
	session.Close()

	serviceConn := muxd.NewConnection(ep, progName, reg)
	pr, hasPairRecord := lookupPairRecord(serviceConn, opts.PairCache, udid)

	raw, connErr := serviceConn.ConnectThru(udid, uint16(port))
	if connErr != nil {
		err = fmt.Errorf("device: connect_thru port %d: %w", port, connErr)
		return nil, err
	}

	var finalConn net.Conn = raw
	if ssl {
		if !hasPairRecord {
			raw.Close()
			err = fmt.Errorf("device: service %s requires TLS but no pair record is available", serviceName)
			return nil, err
		}
		tlsConn, tlsErr := tlsupgrade.Upgrade(raw, tlsupgrade.PairRecord{
			HostCertificate: pr.HostCertificate,
			HostPrivateKey:  pr.HostPrivateKey,
		})
		if tlsErr != nil {
			raw.Close()
			err = fmt.Errorf("device: tls upgrade for %s: %w", serviceName, tlsErr)
			return nil, err
		}
		finalConn = tlsConn
	}

	return transport.NewFramedStream(finalConn), nil
}

// lookupPairRecord returns udid's pair record, preferring cache over a
// muxd round trip. A cache miss falls through to conn.GetPairRecord
// and, on success, populates cache for the next dial against the same
// UDID. A nil cache always falls through.
func lookupPairRecord(conn *muxd.Connection, cache *paircache.Cache, udid string) (muxd.PairRecord, bool) {
	if cache != nil {
		if rec, found, err := cache.Get(udid); err == nil && found {
			return rec, true
		}
	}

	rec, err := conn.GetPairRecord(udid)
	if err != nil {
		return muxd.PairRecord{}, false
	}
	if cache != nil {
		_ = cache.Put(udid, rec)
	}
	return rec, true
}
