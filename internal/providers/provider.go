// Package providers holds one adapter per upstream protocol. Each adapter
// translates the canonical request into the upstream's native schema, opens
// a single streaming POST, and drives the Protocol-A encoder from the
// upstream's event stream.
package providers

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/router"
)

// Adapter is a translating upstream. Stream runs after the gateway has
// flushed the event-stream headers: any failure must surface through the
// encoder as a grammatically complete synthetic message, which the gateway
// does with the returned error.
type Adapter interface {
	Name() string
	// SupportsVision reports whether the upstream accepts image blocks.
	// When false the gateway substitutes descriptions first.
	SupportsVision() bool
	Stream(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error
}

// UpstreamError is a non-2xx reply from the upstream, raised before any
// model output was streamed.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.Status, e.Body)
}

// FormatStreamError renders an error as the synthetic text block content
// defined by the error contract: provider-tagged, truncated to 300 chars.
func FormatStreamError(provider string, err error) string {
	msg := err.Error()
	if ue, ok := err.(*UpstreamError); ok {
		msg = fmt.Sprintf("HTTP %d: %s", ue.Status, ue.Body)
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return fmt.Sprintf("[%s Error] %s", provider, msg)
}

// decompressReader unwraps gzip and brotli upstream bodies.
func decompressReader(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		if gz, err := gzip.NewReader(resp.Body); err == nil {
			return gz
		}
	case "br":
		return brotli.NewReader(resp.Body)
	}
	return resp.Body
}

// readErrorBody drains a bounded prefix of an error reply for diagnostics.
func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(decompressReader(resp), 4096))
	return strings.TrimSpace(string(data))
}

// checkUpstream converts a non-2xx response into an UpstreamError,
// consuming and closing the body.
func checkUpstream(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body := readErrorBody(resp)
	resp.Body.Close()
	return &UpstreamError{Provider: provider, Status: resp.StatusCode, Body: body}
}
