package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaferClient(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)

	relaxed := NewSaferClient(time.Second, WithPrivateNetworks(true), WithMaxRedirects(2), WithAllowedSchemes("https"))
	assert.False(t, relaxed.blockPrivateIP)
	assert.Equal(t, 2, relaxed.maxRedirects)
	assert.Equal(t, []string{"https"}, relaxed.allowedSchemes)
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "Valid HTTPS URL", url: "https://mail.example.com/send"},
		{name: "Valid HTTP URL", url: "http://example.com"},
		{name: "File scheme blocked", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "Gopher scheme blocked", url: "gopher://example.com", errContains: "scheme"},
		{name: "Localhost blocked", url: "http://localhost/admin", errContains: "localhost"},
		{name: "Localhost subdomain blocked", url: "http://admin.localhost/", errContains: "localhost"},
		{name: "127.0.0.1 blocked", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "10.x blocked", url: "http://10.0.0.1/", errContains: "private IP"},
		{name: "Metadata endpoint blocked", url: "http://169.254.169.254/latest", errContains: "private IP"},
		{name: "IPv6 loopback blocked", url: "http://[::1]/", errContains: "private IP"},
		{name: "Userinfo confusion blocked", url: "http://example.com@localhost/", errContains: "userinfo"},
		{name: "Missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestIsPrivateAddr(t *testing.T) {
	tests := []struct {
		ip        string
		isPrivate bool
	}{
		{"10.1.2.3", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.0.10", true},
		{"100.64.0.1", true},
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"::1", true},
		{"fe80::1", true},
		{"fd12:3456::1", true},
		{"::ffff:10.0.0.1", true},
		{"::ffff:8.8.8.8", false},
		{"2001:db8::1", true},
		{"2606:4700:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.isPrivate, isPrivateAddr(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestIsLocalhost(t *testing.T) {
	assert.True(t, isLocalhost("LOCALHOST"))
	assert.True(t, isLocalhost("localhost.localdomain"))
	assert.True(t, isLocalhost("test.localhost"))
	assert.False(t, isLocalhost("local.host"))
	assert.False(t, isLocalhost("example.com"))
}

func TestRedirectProtection(t *testing.T) {
	redirectServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost/admin", http.StatusFound)
	}))
	defer redirectServer.Close()

	// Private networks allowed for the first hop, then re-enabled for the redirect check
	client := NewSaferClient(5*time.Second, WithPrivateNetworks(true))
	client.blockPrivateIP = true

	req, err := http.NewRequest(http.MethodGet, redirectServer.URL, nil)
	require.NoError(t, err)
	_, err = client.Client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")
}

func TestMaxRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	client := NewSaferClient(5*time.Second, WithPrivateNetworks(true), WithMaxRedirects(3))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestDoBlocksPrivateDestinations(t *testing.T) {
	client := NewSaferClient(5 * time.Second)
	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF")
}

func TestPostJSON(t *testing.T) {
	var got map[string]string
	var contentType, custom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		custom = r.Header.Get("X-Drip-Execution")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := WrapClient(server.Client())
	resp, err := client.PostJSON(context.Background(), server.URL, map[string]string{"to": "ada@example.com"},
		map[string]string{"X-Drip-Execution": "exec_1"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "exec_1", custom)
	assert.Equal(t, "ada@example.com", got["to"])
}
