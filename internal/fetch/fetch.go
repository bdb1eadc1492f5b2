// Package fetch retrieves the source page that the relay republishes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pagerelay/internal/metrics"
)

// ErrTransport marks failures below HTTP: DNS, connect, TLS, reading the body.
var ErrTransport = errors.New("fetch transport error")

// StatusError is returned for any response other than 200 OK.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Fetcher performs one GET per call. There are no retries.
type Fetcher struct {
	Client    *http.Client
	URL       string
	UserAgent string
}

// New builds a Fetcher; a zero timeout leaves the transport default in place.
func New(url string, timeout time.Duration, userAgent string) *Fetcher {
	c := &http.Client{}
	if timeout > 0 {
		c.Timeout = timeout
	}
	return &Fetcher{Client: c, URL: url, UserAgent: userAgent}
}

// Fetch returns the full body as text on 200, *StatusError on any other status, or an error
// wrapping ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveFetch(time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.IncFetchFailure("transport")
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		metrics.IncFetchFailure("status")
		return "", &StatusError{Code: resp.StatusCode}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncFetchFailure("transport")
		return "", fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	return strings.ToValidUTF8(string(b), "�"), nil
}

// StatusCode extracts the HTTP status from a Fetch error, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
