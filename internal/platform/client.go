package platform

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

// ClientOptions configures the shared adapter HTTP client.
type ClientOptions struct {
	Timeout time.Duration
	// UTLS switches the TLS handshake to a Chrome fingerprint. Scraping adapters
	// need it against edge networks that block Go's default ClientHello.
	UTLS      bool
	UserAgent string
}

// RotatingClient is an http.Client wrapper that fills browser-like headers,
// rotating the user agent and accept-language per request.
type RotatingClient struct {
	client      *http.Client
	userAgents  []string
	langs       []string
	rng         *rand.Rand
	mu          sync.Mutex
	defaultLang string
}

// NewRotatingClient builds a client with its own transport.
func NewRotatingClient(opts ClientOptions) *RotatingClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	}
	if opts.UserAgent != "" {
		uas = []string{opts.UserAgent}
	}
	return &RotatingClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(opts.UTLS),
		},
		userAgents:  uas,
		langs:       []string{"en-US,en;q=0.9", "en-GB,en;q=0.8"},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		defaultLang: "en-US,en;q=0.9",
	}
}

// WrapClient uses an existing http.Client, e.g. one from httptest.
func WrapClient(c *http.Client) *RotatingClient {
	return &RotatingClient{
		client:      c,
		rng:         rand.New(rand.NewSource(1)),
		defaultLang: "en-US,en;q=0.9",
	}
}

// HTTPClient exposes the underlying client for SDKs that take one.
func (rc *RotatingClient) HTTPClient() *http.Client {
	return rc.client
}

func (rc *RotatingClient) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	rc.applyHeaders(req)
	return rc.client.Do(req)
}

func (rc *RotatingClient) applyHeaders(req *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	lang := rc.defaultLang
	if len(rc.langs) > 0 {
		lang = rc.langs[rc.rng.Intn(len(rc.langs))]
	}
	if req.Header.Get("User-Agent") == "" && len(rc.userAgents) > 0 {
		req.Header.Set("User-Agent", rc.userAgents[rc.rng.Intn(len(rc.userAgents))])
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", lang)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}
}

func newTransport(useUTLS bool) http.RoundTripper {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	if !useUTLS {
		return base
	}

	base.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		rawConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host := addr
		if strings.Contains(addr, ":") {
			host, _, _ = net.SplitHostPort(addr)
		}
		spec, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		// http.Transport with a custom dialer only speaks HTTP/1.1.
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}
		uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		if err := uconn.Handshake(); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return uconn, nil
	}
	return base
}
