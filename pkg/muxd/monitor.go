package muxd

import (
	"bufio"
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/iosmux/internal/logger"
	"github.com/marmos91/iosmux/internal/muxd/wire"
	"github.com/marmos91/iosmux/internal/telemetry"
	"github.com/marmos91/iosmux/pkg/plist"
	"github.com/marmos91/iosmux/pkg/registry"
)

// State is the Monitor's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "Connected"
	}
	return "Disconnected"
}

// EventKind classifies a published Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDeviceAttached
	EventDeviceDetached
)

// Event is published to subscribers on connection lifecycle and
// device attach/detach changes.
type Event struct {
	Kind EventKind
	UDID string
}

const reconnectBackoff = 1 * time.Second

// Monitor is the single process-wide actor that holds the live
// connection to usbmuxd, keeps the UDID<->DeviceID registry current,
// and fans out attach/detach/connection events to subscribers. It is
// the one writer of the shared Registry; every other component only
// reads it.
type Monitor struct {
	endpoint Endpoint
	progName string
	registry *registry.Registry

	mu          sync.Mutex
	state       State
	subscribers map[int]chan Event
	nextSubID   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *telemetry.Metrics
}

// SetMetrics attaches m so subsequent attach/detach events update the
// devices-attached gauge. Passing nil disables recording.
func (m *Monitor) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// NewMonitor constructs a Monitor bound to ep; Start must be called to
// begin connecting.
func NewMonitor(ep Endpoint, progName string) *Monitor {
	return &Monitor{
		endpoint:    ep,
		progName:    progName,
		registry:    registry.New(),
		subscribers: make(map[int]chan Event),
	}
}

// Registry exposes the read-locked device table for other
// components (the service dial orchestrator, diagnostics, etc).
func (m *Monitor) Registry() *registry.Registry { return m.registry }

// Start begins the connect/reconnect loop in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the Monitor and closes all subscriber channels.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

// ListDevices returns a sorted snapshot of attached UDIDs.
func (m *Monitor) ListDevices() []string {
	devices := m.registry.List()
	udids := make([]string, 0, len(devices))
	for _, d := range devices {
		udids = append(udids, d.UDID)
	}
	sort.Strings(udids)
	return udids
}

// GetDeviceID looks up udid's current device id under the registry's
// read lock; the lookup is not lock-free.
func (m *Monitor) GetDeviceID(udid string) (int, bool) {
	return m.registry.DeviceIDFor(udid)
}

// Subscribe installs a sink and atomically returns the current UDID
// snapshot alongside a handle used to unsubscribe later: no event sent
// to this subscriber can precede the snapshot, because both are
// produced under the same lock.
func (m *Monitor) Subscribe() (current []string, events <-chan Event, handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 32)
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch

	return m.ListDevices(), ch, id
}

// Unsubscribe removes a subscriber installed by Subscribe.
func (m *Monitor) Unsubscribe(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[handle]; ok {
		close(ch)
		delete(m.subscribers, handle)
	}
}

func (m *Monitor) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Warn("muxd: subscriber channel full, dropping event", "kind", ev.Kind)
		}
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the Monitor's current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) run() {
	defer m.wg.Done()

	first := true
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if !first {
			select {
			case <-time.After(reconnectBackoff):
			case <-m.ctx.Done():
				return
			}
		}
		first = false

		if err := m.connectAndServe(); err != nil {
			logger.Warn("muxd: monitor connection ended", logger.Err(err))
		}
	}
}

func (m *Monitor) connectAndServe() error {
	m.registry.Clear()
	m.setState(StateDisconnected)
	m.publish(Event{Kind: EventDisconnected})

	conn, err := dial(m.endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	if err := m.handshake(conn, r); err != nil {
		return err
	}

	m.setState(StateConnected)
	m.publish(Event{Kind: EventConnected})

	for {
		frame, err := wire.Read(r)
		if err != nil {
			return err
		}
		m.handleEvent(frame.Payload)

		select {
		case <-m.ctx.Done():
			return nil
		default:
		}
	}
}

func (m *Monitor) sendTagged(conn net.Conn, tag uint32, payload *plist.Dict) error {
	buf, err := wire.Encode(tag, payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

func (m *Monitor) handshake(conn net.Conn, r *bufio.Reader) error {
	readBUID := wire.Preamble(m.progName).Set("MessageType", "ReadBUID")
	if err := m.sendTagged(conn, 0, readBUID); err != nil {
		return err
	}
	if _, err := wire.Read(r); err != nil {
		return err
	}

	listen := wire.Preamble(m.progName).Set("MessageType", "Listen")
	if err := m.sendTagged(conn, 1, listen); err != nil {
		return err
	}
	listenReply, err := wire.Read(r)
	if err != nil {
		return err
	}
	if listenReply.Payload.GetString("MessageType") != "Result" || listenReply.Payload.GetInt("Number") != 0 {
		logger.Warn("muxd: Listen rejected", "reply", listenReply.Payload.GetString("MessageType"))
	}
	return nil
}

func (m *Monitor) handleEvent(payload *plist.Dict) {
	switch payload.GetString("MessageType") {
	case "Attached":
		m.handleAttached(payload)
	case "Detached":
		m.handleDetached(payload)
	}
}

// handleAttached only tracks USB attaches; network-connected devices
// are ignored, matching the vendor client's own filtering (a network
// connection to the same device shows up separately and isn't what
// this module drives lockdown/AFC sessions over).
func (m *Monitor) handleAttached(payload *plist.Dict) {
	props := payload.GetDict("Properties")
	if props == nil {
		return
	}
	if props.GetString("ConnectionType") != "USB" {
		return
	}

	udid := props.GetString("SerialNumber")
	deviceID := int(payload.GetInt("DeviceID"))
	if udid == "" {
		return
	}

	m.registry.Attach(registry.Device{
		UDID:           udid,
		DeviceID:       deviceID,
		ProductID:      int(props.GetInt("ProductID")),
		ConnectionType: "USB",
	})
	m.metrics.RecordDevicesAttached(len(m.registry.List()))
	m.publish(Event{Kind: EventDeviceAttached, UDID: udid})
}

func (m *Monitor) handleDetached(payload *plist.Dict) {
	deviceID := int(payload.GetInt("DeviceID"))
	dev, existed := m.lookupByDeviceID(deviceID)
	m.registry.Detach(deviceID)
	if existed {
		m.metrics.RecordDevicesAttached(len(m.registry.List()))
		m.publish(Event{Kind: EventDeviceDetached, UDID: dev.UDID})
	}
}

func (m *Monitor) lookupByDeviceID(deviceID int) (registry.Device, bool) {
	for _, d := range m.registry.List() {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return registry.Device{}, false
}
