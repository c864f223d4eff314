package webinspector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPageLoadTimeout is applied to NavigateBrowsingContext when the
// caller doesn't specify one.
const DefaultPageLoadTimeout = 30 * time.Second

func (s *Session) callAutomation(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	start := time.Now()
	defer func() { s.metrics.RecordWebInspectorRPC(method, time.Since(start).Seconds()) }()

	reply := make(chan rpcResult, 1)
	select {
	case s.callCh <- automationCall{method: method, params: params, reply: reply}:
	case <-s.doneCh:
		return nil, fmt.Errorf("webinspector: session closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.errVal) > 0 && string(res.errVal) != "null" {
			return nil, fmt.Errorf("webinspector: automation error: %s", res.errVal)
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BrowsingContext is one of getBrowsingContexts' entries.
type BrowsingContext struct {
	Active bool   `json:"active"`
	ID     string `json:"id"`
	URL    string `json:"url"`
}

// CreateBrowsingContext opens a new browsing context, returning its
// handle.
func (s *Session) CreateBrowsingContext(ctx context.Context) (string, error) {
	raw, err := s.callAutomation(ctx, "createBrowsingContext", map[string]any{})
	if err != nil {
		return "", err
	}
	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("webinspector: decode createBrowsingContext result: %w", err)
	}
	return out.Handle, nil
}

// GetBrowsingContexts lists open browsing contexts.
func (s *Session) GetBrowsingContexts(ctx context.Context) ([]BrowsingContext, error) {
	raw, err := s.callAutomation(ctx, "getBrowsingContexts", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Contexts []BrowsingContext `json:"contexts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("webinspector: decode getBrowsingContexts result: %w", err)
	}
	return out.Contexts, nil
}

// NavigateBrowsingContext navigates handle to url, using
// DefaultPageLoadTimeout when pageLoadTimeout is zero.
func (s *Session) NavigateBrowsingContext(ctx context.Context, handle, url string, pageLoadTimeout time.Duration) error {
	if pageLoadTimeout == 0 {
		pageLoadTimeout = DefaultPageLoadTimeout
	}
	_, err := s.callAutomation(ctx, "navigateBrowsingContext", map[string]any{
		"handle":          handle,
		"url":             url,
		"pageLoadTimeout": int64(pageLoadTimeout / time.Millisecond),
	})
	return err
}

// SwitchToBrowsingContext focuses handle (and, optionally, a specific
// frame within it).
func (s *Session) SwitchToBrowsingContext(ctx context.Context, handle, frameHandle string) error {
	_, err := s.callAutomation(ctx, "switchToBrowsingContext", map[string]any{
		"browsingContextHandle": handle,
		"frameHandle":           frameHandle,
	})
	return err
}

// ScreenshotOptions controls TakeScreenshot.
type ScreenshotOptions struct {
	ScrollIntoViewIfNeeded bool
	ClipToViewport         bool
}

// DefaultScreenshotOptions returns Automation's own defaults.
func DefaultScreenshotOptions() ScreenshotOptions {
	return ScreenshotOptions{ScrollIntoViewIfNeeded: true, ClipToViewport: true}
}

// TakeScreenshot captures handle as PNG bytes.
func (s *Session) TakeScreenshot(ctx context.Context, handle string, opts ScreenshotOptions) ([]byte, error) {
	raw, err := s.callAutomation(ctx, "takeScreenshot", map[string]any{
		"handle":                 handle,
		"scrollIntoViewIfNeeded": opts.ScrollIntoViewIfNeeded,
		"clipToViewport":         opts.ClipToViewport,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("webinspector: decode takeScreenshot result: %w", err)
	}
	return decodePNG(out.Data)
}

// GoForwardInBrowsingContext navigates handle forward in its history.
func (s *Session) GoForwardInBrowsingContext(ctx context.Context, handle string) error {
	_, err := s.callAutomation(ctx, "goForwardInBrowsingContext", map[string]any{"handle": handle})
	return err
}

// GoBackInBrowsingContext navigates handle back in its history.
func (s *Session) GoBackInBrowsingContext(ctx context.Context, handle string) error {
	_, err := s.callAutomation(ctx, "goBackInBrowsingContext", map[string]any{"handle": handle})
	return err
}

// ReloadBrowsingContext reloads handle.
func (s *Session) ReloadBrowsingContext(ctx context.Context, handle string) error {
	_, err := s.callAutomation(ctx, "reloadBrowsingContext", map[string]any{"handle": handle})
	return err
}

// CloseBrowsingContext closes handle.
func (s *Session) CloseBrowsingContext(ctx context.Context, handle string) error {
	_, err := s.callAutomation(ctx, "closeBrowsingContext", map[string]any{"handle": handle})
	return err
}
