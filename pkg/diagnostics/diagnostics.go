// Package diagnostics implements the single-request RPC wrappers over
// com.apple.mobile.diagnostics_relay: Restart, Shutdown, Sleep, and
// IORegistry queries.
package diagnostics

import (
	"fmt"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/pkg/ioserr"
	"github.com/marmos91/iosmux/pkg/plist"
)

const ServiceName = "com.apple.mobile.diagnostics_relay"

// Client speaks the diagnostics relay's single-request/single-reply
// protocol over an already-dialed stream.
type Client struct {
	stream *transport.FramedStream
}

// New wraps stream for diagnostics requests.
func New(stream *transport.FramedStream) *Client {
	return &Client{stream: stream}
}

func (c *Client) roundTrip(req *plist.Dict) (*plist.Dict, error) {
	encoded, err := plist.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: encode request: %w", err)
	}
	if err := c.stream.SendFrame(encoded); err != nil {
		return nil, fmt.Errorf("diagnostics: send request: %w", err)
	}
	body, err := c.stream.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: recv reply: %w", err)
	}
	decoded, err := plist.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: decode reply: %w", err)
	}
	reply, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, fmt.Errorf("diagnostics: reply is not a dict")
	}
	return reply, nil
}

func (c *Client) simpleRequest(request string) error {
	reply, err := c.roundTrip(plist.NewDict().Set("Request", request))
	if err != nil {
		return err
	}
	if reply.GetString("Status") != "Success" {
		return ioserr.Newf(ioserr.ErrFailed, "diagnostics %s: status %q", request, reply.GetString("Status"))
	}
	return nil
}

// Restart issues a device restart request.
func (c *Client) Restart() error { return c.simpleRequest("Restart") }

// Shutdown issues a device shutdown request.
func (c *Client) Shutdown() error { return c.simpleRequest("Shutdown") }

// Sleep issues a device sleep request.
func (c *Client) Sleep() error { return c.simpleRequest("Sleep") }

// IORegistryOptions narrows an IORegistry query.
type IORegistryOptions struct {
	CurrentPlane string
	EntryName    string
	EntryClass   string
}

// IORegistry queries the device's IORegistry, returning the
// Diagnostics.IORegistry sub-tree from the reply.
func (c *Client) IORegistry(opts IORegistryOptions) (*plist.Dict, error) {
	req := plist.NewDict().Set("Request", "IORegistry")
	if opts.CurrentPlane != "" {
		req.Set("CurrentPlane", opts.CurrentPlane)
	}
	if opts.EntryName != "" {
		req.Set("EntryName", opts.EntryName)
	}
	if opts.EntryClass != "" {
		req.Set("EntryClass", opts.EntryClass)
	}

	reply, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if reply.GetString("Status") != "Success" {
		return nil, ioserr.Newf(ioserr.ErrFailed, "diagnostics IORegistry: status %q", reply.GetString("Status"))
	}

	diagDict := reply.GetDict("Diagnostics")
	if diagDict == nil {
		return nil, ioserr.New(ioserr.ErrFailed, "diagnostics IORegistry: missing Diagnostics in reply")
	}
	ioregDict := diagDict.GetDict("IORegistry")
	if ioregDict == nil {
		return nil, ioserr.New(ioserr.ErrFailed, "diagnostics IORegistry: missing IORegistry in Diagnostics")
	}
	return ioregDict, nil
}
