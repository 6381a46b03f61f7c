// Package safehttp builds HTTP clients for calling operator-configured endpoints.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const dialTimeout = 5 * time.Second

// NewTransport returns a transport that refuses to connect to loopback, private and
// link-local addresses. The check runs on the address actually dialed, so DNS answers
// cannot bypass it.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dial
	return t
}

// NewClient returns a traced client on NewTransport. When allowPrivate is set the
// address check is skipped, for filter services running next to the server.
func NewClient(timeout time.Duration, allowPrivate bool) *http.Client {
	var base http.RoundTripper = NewTransport()
	if allowPrivate {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(base),
	}
}

func dial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if err := CheckIP(net.ParseIP(host)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// CheckIP rejects addresses the transport must not reach.
func CheckIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("unparseable remote address")
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}
