// Package safehttp provides an outbound transport that refuses to dial
// private address space.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewTransport returns a clone of http.DefaultTransport whose dialer rejects
// connections to loopback, private and link-local addresses. The check runs
// on the connected remote address, so DNS answers cannot bypass it.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := checkRemote(conn.RemoteAddr()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
	return t
}

func checkRemote(addr net.Addr) error {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("failed to parse remote IP %q", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}
