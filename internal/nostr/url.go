package nostr

import (
	"net"
	"net/url"
	"strings"

	"nostr-relay-engine/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL from config, NIP-65 lists or callers
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	// Trim whitespace
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	// Parse URL
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	// Must be ws:// or wss:// (not ww://, http://, etc)
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	// Must have a valid hostname
	host := parsed.Hostname()
	if host == "" {
		return ""
	}

	// Reject hostnames that are clearly not relay URLs
	if len(host) < 3 {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	if strings.Contains(host, " ") {
		return ""
	}
	// Block internal/unreachable hosts (.onion, .local, .internal)
	if util.IsInternalHost(host) {
		return ""
	}

	// Allow localhost for development
	if util.IsLoopbackHost(host) {
		// Normalize: strip trailing slash, lowercase
		result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
		if parsed.Port() != "" {
			result += ":" + parsed.Port()
		}
		if parsed.Path != "" && parsed.Path != "/" {
			result += parsed.Path
		}
		return result
	}

	// Normalize: strip trailing slash, lowercase
	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// IsRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if util.IsLoopbackHost(host) {
		return true
	}
	if util.IsInternalHost(host) {
		return false
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now; the dial will fail and feed the backoff table
		return !strings.HasSuffix(host, ".")
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}

	return true
}

// isRelayIPSafe checks if an IP is safe for relay connections
// Allows loopback (localhost) but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	// 10.x, 172.16-31.x, 192.168.x, link-local (includes cloud metadata), 0.0.0.0, multicast
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}
