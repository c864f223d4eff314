// Package webinspector implements the com.apple.webinspector session
// finite-state machine: a selector/argument plist RPC handshake that
// discovers mobile Safari, establishes an automation session, and then
// carries an in-band JSON Automation protocol once connected.
//
// A Session is a single-threaded actor: exactly one goroutine (run)
// owns all mutable state and processes inbound socket frames and
// outbound API calls from the same select loop, so there is never a
// data race between a caller issuing e.g. NavigateBrowsingContext and
// an inbound _rpc_applicationSentData: frame updating pending.
package webinspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/iosmux/internal/telemetry"
	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/ioserr"
	"github.com/marmos91/iosmux/pkg/plist"
)

const ServiceName = "com.apple.webinspector"

// DefaultSessionTimeout bounds how long a started session may take to
// reach Connected before its actor fails it. Start itself does not
// wait for Connected.
const DefaultSessionTimeout = 30 * time.Second

// State is a position in the session's lifecycle.
type State int

const (
	Created State = iota
	Initialized
	Ready
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initialized:
		return "Initialized"
	case Ready:
		return "Ready"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const safariBundleID = "com.apple.mobilesafari"

// rpcResult is delivered to a pending Automation continuation.
type rpcResult struct {
	result json.RawMessage
	errVal json.RawMessage
	err    error
}

// automationCall is an internal command processed by run().
type automationCall struct {
	method string
	params map[string]any
	reply  chan rpcResult
}

// waiter is a pending wait_for_session caller.
type waiter struct {
	deadline time.Time
	reply    chan State
}

// controlTransfer is an internal command for set_controlling_process.
type controlTransfer struct {
	caller   string
	newOwner string
	reply    chan error
}

// Session is one webinspector actor bound to a single stream.
type Session struct {
	stream    *transport.FramedStream
	sessionID string // uppercase UUID v4
	owner     string

	state          State
	safariAppID    string
	safariSnapshot *plist.Dict
	currentPageID  int64
	pageOut        uint64
	pending        map[uint64]chan rpcResult
	queuedCalls    []automationCall
	waiters        []waiter

	callCh    chan automationCall
	controlCh chan controlTransfer
	frameCh   chan *plist.Dict
	waitCh    chan waiter
	doneCh    chan struct{}
	doneOnce  sync.Once
	failErr   error

	metrics *telemetry.Metrics
}

// SetMetrics attaches m so subsequent Automation RPCs record their
// round-trip latency. Passing nil disables recording.
func (s *Session) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// New creates a Session bound to stream, owned by owner (the
// controlling process's identifier).
func New(stream *transport.FramedStream, owner string) *Session {
	return &Session{
		stream:    stream,
		sessionID: strings.ToUpper(uuid.NewString()),
		owner:     owner,
		state:     Created,
		pending:   make(map[uint64]chan rpcResult),
		callCh:    make(chan automationCall),
		controlCh: make(chan controlTransfer),
		frameCh:   make(chan *plist.Dict, 16),
		waitCh:    make(chan waiter),
		doneCh:    make(chan struct{}),
	}
}

// Start performs the handshake and launches the session's actor
// goroutine and socket reader. It returns once the handshake's initial
// reply is validated; reaching Connected is awaited separately via
// WaitForSession.
func (s *Session) Start(ctx context.Context) error {
	if err := s.send("_rpc_reportIdentifier:", map[string]any{}); err != nil {
		return fmt.Errorf("webinspector: send reportIdentifier: %w", err)
	}

	frame, err := s.recvFrame()
	if err != nil {
		return fmt.Errorf("webinspector: recv handshake reply: %w", err)
	}
	if frame.GetString("__selector") != "_rpc_reportCurrentState:" {
		return fmt.Errorf("webinspector: unexpected handshake reply selector %q", frame.GetString("__selector"))
	}
	arg := frame.GetDict("__argument")
	if arg == nil || arg.GetString("WIRAutomationAvailabilityKey") != "WIRAutomationAvailabilityAvailable" {
		return ioserr.New(ioserr.ErrNoAutomation, "webinspector: automation unavailable")
	}

	go s.readLoop()
	go s.run(ctx)
	return nil
}

// send encodes {__selector, __argument} merged with the connection
// identifier and writes it as a framed plist.
func (s *Session) send(selector string, argument map[string]any) error {
	arg := plist.NewDict().Set("WIRConnectionIdentifierKey", s.sessionID)
	for k, v := range argument {
		arg.Set(k, v)
	}
	msg := plist.NewDict().Set("__selector", selector).Set("__argument", arg)
	encoded, err := plist.Encode(msg)
	if err != nil {
		return err
	}
	return s.stream.SendFrame(encoded)
}

func (s *Session) recvFrame() (*plist.Dict, error) {
	body, err := s.stream.RecvFrame()
	if err != nil {
		return nil, err
	}
	decoded, err := plist.Decode(body)
	if err != nil {
		return nil, err
	}
	dict, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, fmt.Errorf("webinspector: frame is not a dict")
	}
	return dict, nil
}

// readLoop feeds frameCh until the socket closes, then closes doneCh
// implicitly by letting run() observe the channel close.
func (s *Session) readLoop() {
	defer close(s.frameCh)
	for {
		frame, err := s.recvFrame()
		if err != nil {
			return
		}
		select {
		case s.frameCh <- frame:
		case <-s.doneCh:
			return
		}
	}
}

// run is the session's sole mutator goroutine.
func (s *Session) run(ctx context.Context) {
	timeout := time.NewTimer(DefaultSessionTimeout)
	defer timeout.Stop()

	for {
		select {
		case frame, ok := <-s.frameCh:
			if !ok {
				s.transitionFailed(fmt.Errorf("webinspector: socket closed"))
				return
			}
			s.handleFrame(frame)
			if s.state == Connected || s.state == Failed {
				timeout.Stop()
			}

		case call := <-s.callCh:
			s.dispatchOrQueue(call)

		case ct := <-s.controlCh:
			if ct.caller != s.owner {
				ct.reply <- fmt.Errorf("webinspector: set_controlling_process denied for %q", ct.caller)
				continue
			}
			s.owner = ct.newOwner
			ct.reply <- nil

		case w := <-s.waitCh:
			s.handleWait(w)

		case <-timeout.C:
			s.transitionFailed(fmt.Errorf("webinspector: timed out reaching Connected"))
			return

		case <-ctx.Done():
			s.transitionFailed(ctx.Err())
			return

		case <-s.doneCh:
			return
		}
	}
}

func (s *Session) handleWait(w waiter) {
	if s.state == Connected || s.state == Failed {
		w.reply <- s.state
		return
	}
	s.waiters = append(s.waiters, w)
}

func (s *Session) transitionFailed(err error) {
	s.state = Failed
	s.failErr = err
	for _, call := range s.queuedCalls {
		call.reply <- rpcResult{err: err}
	}
	s.queuedCalls = nil
	for _, w := range s.waiters {
		w.reply <- Failed
	}
	s.waiters = nil
	s.doneOnce.Do(func() { close(s.doneCh) })
}

func (s *Session) transitionConnected() {
	s.state = Connected
	for _, w := range s.waiters {
		w.reply <- Connected
	}
	s.waiters = nil
	queued := s.queuedCalls
	s.queuedCalls = nil
	for _, call := range queued {
		s.dispatchOrQueue(call)
	}
}

func (s *Session) dispatchOrQueue(call automationCall) {
	if s.state != Connected {
		s.queuedCalls = append(s.queuedCalls, call)
		return
	}
	if err := s.sendAutomationCall(call); err != nil {
		call.reply <- rpcResult{err: err}
	}
}

func (s *Session) sendAutomationCall(call automationCall) error {
	id := s.pageOut
	s.pageOut++

	req := map[string]any{"method": "Automation." + call.method, "params": call.params, "id": id}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("webinspector: marshal automation request: %w", err)
	}

	s.pending[id] = call.reply
	return s.send("_rpc_forwardSocketData:", map[string]any{
		"WIRSocketDataKey": body,
	})
}

// handleFrame dispatches one inbound selector to its handler, the same
// shape a table-driven RPC dispatcher uses: look up by selector name,
// fall through silently on an unrecognized one.
func (s *Session) handleFrame(frame *plist.Dict) {
	selector := frame.GetString("__selector")
	arg := frame.GetDict("__argument")

	switch selector {
	case "_rpc_reportConnectedApplicationList:":
		s.onReportConnectedApplicationList(arg)
	case "_rpc_applicationConnected:", "_rpc_applicationUpdated:":
		s.onApplicationConnectedOrUpdated(arg)
	case "_rpc_applicationSentListing:":
		s.onApplicationSentListing(arg)
	case "_rpc_applicationDisconnected:":
		s.onApplicationDisconnected(arg)
	case "_rpc_applicationSentData:":
		s.onApplicationSentData(arg)
	}
}

func (s *Session) onReportConnectedApplicationList(arg *plist.Dict) {
	if arg == nil || s.state != Created {
		return
	}
	apps := arg.GetDict("WIRApplicationDictionaryKey")
	if apps == nil {
		return
	}
	for _, appID := range apps.Keys() {
		entryVal, _ := apps.Get(appID)
		entry, ok := entryVal.(*plist.Dict)
		if !ok {
			continue
		}
		if entry.GetString("WIRApplicationBundleIdentifierKey") == safariBundleID {
			s.safariAppID = appID
			s.safariSnapshot = entry
			s.state = Initialized
			return
		}
	}
}

func (s *Session) onApplicationConnectedOrUpdated(arg *plist.Dict) {
	if arg == nil {
		return
	}
	if arg.GetString("WIRApplicationBundleIdentifierKey") != safariBundleID {
		return
	}
	s.safariSnapshot = arg
	if s.state == Initialized && arg.GetBool("WIRIsApplicationReadyKey") {
		s.state = Ready
		if err := s.sendAutomationSessionRequest(); err != nil {
			s.transitionFailed(fmt.Errorf("webinspector: forward automation session request: %w", err))
		}
	}
}

func (s *Session) sendAutomationSessionRequest() error {
	caps := map[string]any{
		"WIRSessionCapabilitiesKey": map[string]any{
			"org.webkit.webdriver.webrtc-allow-insecure-media-capture": true,
			"org.webkit.webdriver.webrtc-suppress-ice-candidate-filtering": false,
		},
	}
	return s.send("_rpc_forwardAutomationSessionRequest:", caps)
}

func (s *Session) onApplicationSentListing(arg *plist.Dict) {
	if arg == nil || arg.GetString("WIRApplicationIdentifierKey") != s.safariAppID {
		return
	}
	listing := arg.GetDict("WIRListingKey")
	if listing == nil {
		return
	}
	for _, pageKey := range listing.Keys() {
		entryVal, _ := listing.Get(pageKey)
		entry, ok := entryVal.(*plist.Dict)
		if !ok {
			continue
		}
		if entry.GetString("WIRTypeKey") != "WIRTypeAutomation" {
			continue
		}
		if entry.GetString("WIRSessionIdentifierKey") != s.sessionID {
			continue
		}
		if s.currentPageID == 0 {
			s.currentPageID = entry.GetInt("WIRPageIdentifierKey")
			_ = s.send("_rpc_forwardSocketSetup:", map[string]any{
				"WIRPageIdentifierKey": s.currentPageID,
			})
		}
		if entry.GetString("WIRConnectionIdentifierKey") == s.sessionID && s.state == Ready {
			s.transitionConnected()
		}
	}
}

func (s *Session) onApplicationDisconnected(arg *plist.Dict) {
	s.safariSnapshot = nil
	s.currentPageID = 0
}

func (s *Session) onApplicationSentData(arg *plist.Dict) {
	if arg == nil || arg.GetString("WIRDestinationKey") != s.sessionID {
		return
	}
	data := arg.GetData("WIRMessageDataKey")
	if data == nil {
		return
	}

	var envelope struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	reply, ok := s.pending[envelope.ID]
	if !ok {
		return
	}
	delete(s.pending, envelope.ID)
	reply <- rpcResult{result: envelope.Result, errVal: envelope.Error}
}

// WaitForSession blocks until the FSM reaches Connected or Failed, or
// deadline elapses (returning ErrTimeout).
func (s *Session) WaitForSession(deadline time.Time) (State, error) {
	reply := make(chan State, 1)
	select {
	case s.waitCh <- waiter{deadline: deadline, reply: reply}:
	case <-s.doneCh:
		return s.state, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case st := <-reply:
		return st, nil
	case <-timer.C:
		return 0, ioserr.New(ioserr.ErrTimeout, "webinspector: wait_for_session deadline elapsed")
	}
}

// SetControllingProcess re-targets ownership; only the current owner
// may call it successfully.
func (s *Session) SetControllingProcess(caller, newOwner string) error {
	reply := make(chan error, 1)
	select {
	case s.controlCh <- controlTransfer{caller: caller, newOwner: newOwner, reply: reply}:
	case <-s.doneCh:
		return fmt.Errorf("webinspector: session closed")
	}
	return <-reply
}

// Close tears down the session's actor goroutines.
func (s *Session) Close() error {
	s.doneOnce.Do(func() { close(s.doneCh) })
	return s.stream.Close()
}

func decodePNG(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}
