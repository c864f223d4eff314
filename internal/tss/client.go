// Package tss implements the HTTP client for Apple's Tatsu Signing
// Server, used to obtain a personalized image4 manifest for iOS 17+
// developer disk image mounts.
package tss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marmos91/iosmux/pkg/plist"
)

// DefaultEndpoint is Apple's production TSS controller.
const DefaultEndpoint = "https://gs.apple.com/TSS/controller?action=2"

// Client posts TSS requests and parses the form-encoded response body
// Apple's controller returns.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New builds a Client against endpoint, using the system's default
// HTTPS verification (root CAs, hostname match) — TSS requests are
// never sent to an unverified peer.
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send POSTs req as a text/xml plist body and returns the decoded
// request dict Apple echoes back inside REQUEST_STRING, which is
// where the issued ApImg4Ticket lives.
func (c *Client) Send(ctx context.Context, req *plist.Dict) (*plist.Dict, error) {
	body, err := plist.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("tss: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tss: build request: %w", err)
	}
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("User-Agent", "InetURL/1.0")
	httpReq.Header.Set("Expect", "")
	httpReq.Header.Set("Content-Type", `text/xml; charset="utf-8"`)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tss: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tss: read response: %w", err)
	}

	fields, err := url.ParseQuery(string(respBody))
	if err != nil {
		return nil, fmt.Errorf("tss: parse response body: %w", err)
	}
	if status := fields.Get("STATUS"); status != "0" {
		return nil, fmt.Errorf("tss: server returned STATUS=%s MESSAGE=%s", status, fields.Get("MESSAGE"))
	}

	requestString := fields.Get("REQUEST_STRING")
	if strings.TrimSpace(requestString) == "" {
		return nil, fmt.Errorf("tss: response missing REQUEST_STRING")
	}

	decoded, err := plist.Decode([]byte(requestString))
	if err != nil {
		return nil, fmt.Errorf("tss: decode REQUEST_STRING: %w", err)
	}
	dict, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, fmt.Errorf("tss: REQUEST_STRING is not a dict")
	}
	return dict, nil
}
