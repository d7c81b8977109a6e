package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/drip/errors"
)

// SaferClient wraps http.Client with SSRF protection for outbound webhooks
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// Option customizes a SaferClient
type Option func(*SaferClient)

// WithAllowedSchemes restricts the URL schemes the client will contact
func WithAllowedSchemes(schemes ...string) Option {
	return func(c *SaferClient) { c.allowedSchemes = schemes }
}

// WithMaxRedirects caps redirect chains
func WithMaxRedirects(n int) Option {
	return func(c *SaferClient) { c.maxRedirects = n }
}

// WithPrivateNetworks allows loopback and private destinations (internal mail relays)
func WithPrivateNetworks(allow bool) Option {
	return func(c *SaferClient) { c.blockPrivateIP = !allow }
}

// NewSaferClient creates an HTTP client with SSRF protection.
// By default only http/https are allowed, private addresses are blocked at
// validation and again at dial time (DNS rebinding), and redirects stop after 10.
func NewSaferClient(timeout time.Duration, opts ...Option) *SaferClient {
	client := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: true,
		maxRedirects:   10,
	}
	for _, opt := range opts {
		opt(client)
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if client.blockPrivateIP {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}

		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}

				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				if len(addrs) == 0 {
					return nil, errors.Newf("no addresses for host %q", host)
				}
				for _, ip := range addrs {
					if isPrivateAddr(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}

				// Dial the address we validated, not a second lookup
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return client
}

// WrapClient wraps an existing http.Client in a SaferClient without SSRF protection.
// Only for tests that talk to httptest servers on loopback.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: false,
		maxRedirects:   10,
	}
}

// validateURL validates URL for SSRF protection before making request
func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.allowedSchemes, scheme) {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// http://evil.com@localhost/ style confusion
	if u.User != nil {
		return errors.New("URL contains userinfo (potential SSRF attempt)")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip, err := netip.ParseAddr(hostname); err == nil && isPrivateAddr(ip) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}

	return nil
}

// ValidateURL validates a URL string before creating a request
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes an HTTP request with SSRF protection
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

// PostJSON marshals payload and POSTs it to urlStr with the given headers
func (c *SaferClient) PostJSON(ctx context.Context, urlStr string, payload interface{}, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.Do(req)
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// isPrivateAddr checks if an address is in private/special use ranges
func isPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// isLocalhost checks for localhost variants
func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
