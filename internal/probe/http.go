package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker sends a HEAD (GET when HEAD is refused). Gateways usually
// only accept POST, so any answer below 500 counts as reachable.
type HTTPChecker struct {
	Client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPChecker) Check(ctx context.Context, target string) CheckResult {
	start := time.Now()
	code, err := c.status(ctx, http.MethodHead, target)
	if err == nil && code == http.StatusMethodNotAllowed {
		code, err = c.status(ctx, http.MethodGet, target)
	}
	lat := time.Since(start).Seconds() * 1000
	if err != nil {
		return CheckResult{Name: "HTTP", LatencyMS: lat, Message: "http_error: " + err.Error()}
	}
	return CheckResult{
		Name:       "HTTP",
		Success:    code < 500,
		StatusCode: code,
		LatencyMS:  lat,
		Message:    fmt.Sprintf("http_status %d", code),
	}
}

func (c *HTTPChecker) status(ctx context.Context, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, nil
}
