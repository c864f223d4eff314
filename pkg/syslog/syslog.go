// Package syslog streams raw com.apple.syslog_relay frames off a
// dialed service connection. It performs no line parsing or
// formatting: every value handed to a caller is exactly one frame's
// payload, left for the caller to interpret. Encoding/parsing syslog
// lines is an explicit non-goal of this module.
package syslog

import (
	"context"
	"io"

	"github.com/marmos91/iosmux/internal/transport"
)

// ServiceName is the lockdown service syslog streaming dials.
const ServiceName = "com.apple.syslog_relay"

// Client reads raw frames off a syslog_relay stream.
type Client struct {
	stream *transport.FramedStream
}

// New wraps stream for syslog_relay framing.
func New(stream *transport.FramedStream) *Client {
	return &Client{stream: stream}
}

// Stream starts reading frames in the background, returning a channel
// of raw payloads and a channel that carries the terminal error (if
// any) once the stream ends. Both channels close together when the
// underlying stream errors or is closed, or when ctx is cancelled;
// cancellation is only noticed after the pending RecvFrame returns a
// frame, so Close is what ends a goroutine waiting on a silent stream.
func (c *Client) Stream(ctx context.Context) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		for {
			payload, err := c.stream.RecvFrame()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

// Close closes the underlying stream, unblocking any pending RecvFrame
// so a goroutine started by Stream exits.
func (c *Client) Close() error {
	return c.stream.Close()
}

// Reader adapts Stream into an io.Reader over the raw byte stream,
// buffering the tail of a frame across Read calls that don't consume
// it in one pass.
type Reader struct {
	ch    <-chan []byte
	errCh <-chan error
	buf   []byte
}

// NewReader starts streaming from c under ctx and returns an
// io.Reader over the raw bytes.
func NewReader(ctx context.Context, c *Client) *Reader {
	ch, errCh := c.Stream(ctx)
	return &Reader{ch: ch, errCh: errCh}
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			if err := <-r.errCh; err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
