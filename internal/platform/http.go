package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/pkg/headers"
)

// Doer is satisfied by *http.Client and *RotatingClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxBodyBytes = 4 << 20

// ClassifyStatus maps a non-2xx response to the collection taxonomy.
func ClassifyStatus(platform, op string, resp *http.Response, body []byte) error {
	detail := fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.AuthExpired(platform, op, detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := headers.Parse(resp.Header, time.Now())
		return &errors.RateLimitError{Platform: platform, RetryAfter: rl.Wait(time.Now()), Message: detail.Error()}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout,
		resp.StatusCode >= 500:
		return errors.Transient(platform, op, detail)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return errors.Unavailable(platform, op, detail)
	case resp.StatusCode == http.StatusForbidden:
		rl := headers.Parse(resp.Header, time.Now())
		if rl.Exhausted() {
			return &errors.RateLimitError{Platform: platform, RetryAfter: rl.Wait(time.Now()), Message: detail.Error()}
		}
		return errors.AuthExpired(platform, op, detail)
	default:
		return errors.Malformed(platform, op, detail)
	}
}

// ClassifyTransport maps a failed round trip to the collection taxonomy.
func ClassifyTransport(platform, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return errors.Unavailable(platform, op, err)
	}
	// Timeouts, resets, refused connections and truncated bodies are all worth a retry.
	return errors.Transient(platform, op, err)
}

// GetJSON issues a GET and decodes a 2xx JSON body into out.
// header may be nil. Failures come back already classified.
func GetJSON(ctx context.Context, client Doer, platform, op, url string, header http.Header, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Malformed(platform, op, err)
	}
	return doJSON(client, platform, op, req, header, out)
}

// PostForm sends an urlencoded POST and decodes a 2xx JSON body into out.
func PostForm(ctx context.Context, client Doer, platform, op, endpoint string, form url.Values, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Malformed(platform, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doJSON(client, platform, op, req, nil, out)
}

// PostJSON sends body encoded as JSON and decodes a 2xx JSON reply into out.
func PostJSON(ctx context.Context, client Doer, platform, op, endpoint string, header http.Header, body, out interface{}) (http.Header, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Malformed(platform, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Malformed(platform, op, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	return doJSON(client, platform, op, req, header, out)
}

func doJSON(client Doer, platform, op string, req *http.Request, header http.Header, out interface{}) (http.Header, error) {
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(platform, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.Header, ClassifyTransport(platform, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, ClassifyStatus(platform, op, resp, body)
	}
	if out == nil {
		return resp.Header, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.Header, errors.Malformed(platform, op, fmt.Errorf("decode: %w", err))
	}
	return resp.Header, nil
}

// Probe reports whether url answers with a non-5xx status.
func Probe(ctx context.Context, client Doer, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
