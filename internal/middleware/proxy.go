package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TrustedProxies sets how c.RealIP() finds the client address.
//
// Moment keys the rate-limit buckets of its token and login routes on
// c.RealIP() and logs it with every request. Deployed behind a load balancer or ingress, the TCP
// peer is always the proxy, so forwarding headers are honored, but only when
// the peer falls inside one of trustedCIDRs (TRUSTED_PROXIES). Anyone
// else could pick their own bucket by sending X-Forwarded-For.
//
// An empty list trusts nobody and RealIP is always the peer address.
func TrustedProxies(e *echo.Echo, trustedCIDRs []string) {
	e.IPExtractor = buildIPExtractor(trustedCIDRs)
}

// buildIPExtractor returns an extractor that reads X-Real-IP, then the
// leftmost X-Forwarded-For entry, from trusted peers. A header value that is
// not an IP address is ignored.
func buildIPExtractor(trustedCIDRs []string) echo.IPExtractor {
	trusted := parseCIDRs(trustedCIDRs)

	return func(req *http.Request) string {
		peer := peerIP(req.RemoteAddr)
		if !isTrusted(peer, trusted) {
			return peer
		}

		if ip := headerIP(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		xff, _, _ := strings.Cut(req.Header.Get("X-Forwarded-For"), ",")
		if ip := headerIP(xff); ip != "" {
			return ip
		}
		return peer
	}
}

// parseCIDRs skips and logs entries that do not parse.
func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy CIDR", slog.String("cidr", cidr))
			continue
		}
		nets = append(nets, network)
	}
	return nets
}

// headerIP returns the trimmed value when it is a valid IP, else "".
func headerIP(value string) string {
	value = strings.TrimSpace(value)
	if net.ParseIP(value) == nil {
		return ""
	}
	return value
}

// peerIP strips the port from a "host:port" RemoteAddr.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isTrusted(ipStr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
