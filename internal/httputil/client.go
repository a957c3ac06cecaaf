// Package httputil holds the shared outbound HTTP plumbing. Every request
// to an external service goes through Do so that a hang becomes a bounded
// timeout and a transport failure becomes a network-kind error. Nothing
// here retries: failed tracker calls surface to the caller, and PR
// creation is retried only by the next poll.
package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"scopeflow/internal/errkind"
)

// DefaultTimeout bounds every outbound request unless the client overrides it.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an upstream error body is read into messages.
const maxErrorBody = 4096

// NewClient returns an http.Client with a bounded timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Do executes a single request attempt. Transport failures (including the
// client timeout) come back as errkind.Network; the caller owns status-code
// handling and must close the response body.
func Do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, errkind.Wrap(errkind.Network, err, "request cancelled")
		}
		return nil, errkind.Wrap(errkind.Network, err, "network error talking to %s", req.URL.Host)
	}
	return resp, nil
}

// ReadErrorBody reads a bounded prefix of an upstream error response for
// inclusion in error messages. Read failures yield an empty string; the
// status code is the signal that matters at that point.
func ReadErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return ""
	}
	return string(b)
}
