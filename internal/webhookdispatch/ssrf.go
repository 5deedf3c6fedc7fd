package webhookdispatch

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/vorion/intentengine/internal/apierrors"
)

// blockedHosts are exact hostnames that must never be reachable from a
// webhook registration (spec §4.8): cloud metadata services and the
// in-cluster API server.
var blockedHosts = map[string]bool{
	"169.254.169.254":    true,
	"metadata.google.internal": true,
	"kubernetes.default": true,
	"kubernetes.default.svc": true,
}

// blockedSuffixes are hostname suffixes reserved for internal service
// discovery (spec §4.8).
var blockedSuffixes = []string{".internal", ".local", ".svc", ".cluster.local"}

// reservedPorts are ports fronting internal infrastructure that a webhook
// registration must never target (spec §4.8).
var reservedPorts = map[int]bool{
	22: true, 23: true, 25: true, 3306: true, 5432: true,
	6379: true, 27017: true, 9200: true, 11211: true,
}

// resolver is overridable in tests.
var resolver = net.DefaultResolver

// validateAndPin runs the spec §4.8 SSRF guard against rawURL and resolves
// the first acceptable IP to pin on the subscription. allowLocalhost
// permits http://localhost for non-production environments.
func validateAndPin(ctx context.Context, rawURL string, allowLocalhost bool) (pinnedIP string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", apierrors.Validation("url", "not a valid URL")
	}

	host := u.Hostname()
	isLocalhost := host == "localhost" || host == "127.0.0.1" || host == "::1"

	if u.Scheme != "https" {
		if !(isLocalhost && allowLocalhost) {
			return "", apierrors.Validation("url", "must use https (localhost permitted only in non-production)")
		}
	}

	if blockedHosts[strings.ToLower(host)] {
		return "", apierrors.Validation("url", "host is block-listed")
	}
	if isLocalhost && !allowLocalhost {
		return "", apierrors.Validation("url", "localhost not permitted")
	}
	lowerHost := strings.ToLower(host)
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lowerHost, suffix) {
			return "", apierrors.Validation("url", "host suffix is block-listed")
		}
	}

	if portStr := u.Port(); portStr != "" {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			return "", apierrors.Validation("url", "invalid port")
		}
		if reservedPorts[port] {
			return "", apierrors.Validation("url", "port is reserved for internal infrastructure")
		}
	}

	if isLocalhost && allowLocalhost {
		return host, nil
	}

	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeValidation, "webhook host DNS resolution", err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip.IP) {
			continue
		}
		return ip.IP.String(), nil
	}
	return "", apierrors.Validation("url", "no acceptable IP address resolved for host")
}

// reresolveAndCheckPin implements the before-each-attempt DNS-rebinding
// defense (spec §4.8.1): the currently-resolved IP must still equal the
// pinned IP, unless allowDNSChange is set.
func reresolveAndCheckPin(ctx context.Context, host, pinnedIP string, allowDNSChange bool) error {
	if allowDNSChange {
		return nil
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeValidation, "webhook host re-resolution", err)
	}
	for _, ip := range ips {
		if ip.IP.String() == pinnedIP {
			return nil
		}
	}
	return apierrors.Validation("url", fmt.Sprintf("resolved IP no longer matches pinned IP %s (DNS rebinding guard)", pinnedIP))
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // carrier-grade NAT
	"fc00::/7",      // unique local IPv6
	"fe80::/10",     // link-local IPv6 (redundant with IsLinkLocalUnicast, kept explicit)
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
