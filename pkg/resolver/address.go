package resolver

import (
	"context"
	"regexp"

	"ntp-time/pkg/logging"
)

// ipv4Pattern is a syntactic check only: octets are not range checked, so
// "300.1.1.1" matches.
var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// SelectIPv4 scans addrs from the last entry to the first and returns the
// first one that looks like a dotted quad.
func SelectIPv4(addrs []string) (string, bool) {
	for i := len(addrs) - 1; i >= 0; i-- {
		if ipv4Pattern.MatchString(addrs[i]) {
			return addrs[i], true
		}
	}
	return "", false
}

// ResolveIPv4 looks up host and picks one IPv4 address with SelectIPv4.
// Lookup failures are logged and reported as "no address"; they never abort
// the caller.
func ResolveIPv4(ctx context.Context, lookup Lookuper, host string, logger *logging.Logger) (string, bool) {
	addrs, err := lookup.LookupA(ctx, host)
	if err != nil {
		logger.Debug("DNS lookup failed", "host", host, "error", err)
		return "", false
	}

	addr, ok := SelectIPv4(addrs)
	if !ok {
		logger.Debug("No IPv4 address in DNS answer", "host", host, "addresses", addrs)
	}
	return addr, ok
}
