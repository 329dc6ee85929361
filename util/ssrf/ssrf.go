/*
 * Written in 2019 by Andrew Ayer.
 * Patched 2025, Gander Social PBC.
 *
 * Original: https://www.agwa.name/blog/post/preventing_server_side_request_forgery_in_golang
 *
 * To the extent possible under law, the author(s) have dedicated all
 * copyright and related and neighboring rights to this software to the
 * public domain worldwide. This software is distributed without any
 * warranty.
 *
 * You should have received a copy of the CC0 Public
 * Domain Dedication along with this software. If not, see
 * <https://creativecommons.org/publicdomain/zero/1.0/>.
 */

// Package ssrf guards outbound requests to hosts named by users (their PDS, a did:web domain, an auth server) against reaching private network ranges.
package ssrf

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // current network
	netip.MustParsePrefix("10.0.0.0/8"),      // private
	netip.MustParsePrefix("100.64.0.0/10"),   // RFC6598
	netip.MustParsePrefix("127.0.0.0/8"),     // loopback
	netip.MustParsePrefix("169.254.0.0/16"),  // link-local
	netip.MustParsePrefix("172.16.0.0/12"),   // private
	netip.MustParsePrefix("192.0.0.0/24"),    // RFC6890
	netip.MustParsePrefix("192.0.2.0/24"),    // documentation
	netip.MustParsePrefix("192.88.99.0/24"),  // 6to4 relay
	netip.MustParsePrefix("192.168.0.0/16"),  // private
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // documentation
	netip.MustParsePrefix("203.0.113.0/24"),  // documentation
	netip.MustParsePrefix("224.0.0.0/4"),     // multicast
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, incl. broadcast
}

// IPv6 is only allowed inside 2000::/3
var globalUnicastIPv6 = netip.MustParsePrefix("2000::/3")

func IsPublicIPAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range reservedPrefixes {
			if p.Contains(addr) {
				return false
			}
		}
		return true
	}
	return globalUnicastIPv6.Contains(addr)
}

// [net.Dialer] Control function which refuses non-public addresses and any port other than 80 or 443.
func PublicOnlyControl(network string, address string, conn syscall.RawConn) error {
	if !(network == "tcp4" || network == "tcp6") {
		return fmt.Errorf("%s is not a safe network type", network)
	}

	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid host/port pair: %w", address, err)
	}
	if !IsPublicIPAddress(ap.Addr()) {
		return fmt.Errorf("%s is not a public IP address", ap.Addr())
	}
	if !(ap.Port() == 80 || ap.Port() == 443) {
		return fmt.Errorf("%d is not a safe port number", ap.Port())
	}
	return nil
}

func PublicOnlyTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   PublicOnlyControl,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func PublicOnlyClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: PublicOnlyTransport(),
	}
}

// Cheap pre-flight check of a user-supplied service URL, before any connection is attempted. Host names are not resolved here; the dialer enforces the address rules at connect time.
func CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("URL must use https: %s", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL has no host: %s", raw)
	}
	if addr, err := netip.ParseAddr(u.Hostname()); err == nil && !IsPublicIPAddress(addr) {
		return nil, fmt.Errorf("%s is not a public IP address", addr)
	}
	return u, nil
}
