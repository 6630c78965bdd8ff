// Package safehttp provides HTTP clients that refuse to reach private
// networks. Notification subscribers may be arbitrary URLs, so outbound
// deliveries to them go through here when the operator asks for it.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// CheckIP rejects loopback, private, link-local and unspecified addresses.
func CheckIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("unparseable address")
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}

// control runs after DNS resolution and before the socket connects, so a
// hostname that resolves to a private address is refused too.
func control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split %q: %w", address, err)
	}
	return CheckIP(net.ParseIP(host))
}

// NewTransport returns a transport that only dials public addresses.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: control,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// NewClient returns a client over NewTransport that does not follow
// redirects.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
