// Package targetparser turns a raw target-list line into a model.ScanTarget
// plus the JobStatus it should start in.
package targetparser

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// Resolver resolves a hostname to at least one IP address. Production
// callers pass net.DefaultResolver via NetResolver; tests use a double.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// NetResolver adapts *net.Resolver to the Resolver interface.
type NetResolver struct {
	Resolver *net.Resolver
}

// LookupHost implements Resolver.
func (n NetResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r := n.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupHost(ctx, host)
}

// Denylist reports whether a target should be rejected before publication,
// and why.
type Denylist interface {
	// Matches returns true and a human-readable reason when target should
	// be rejected.
	Matches(target model.ScanTarget) (bool, string)
}

// NoDenylist never rejects anything. Useful when no -denylist flag is set.
type NoDenylist struct{}

// Matches implements Denylist.
func (NoDenylist) Matches(model.ScanTarget) (bool, string) { return false, "" }

// unknownHostErrorTag is matched by any resolver error that reports
// IsNotFound(), so Parse can tell "no such host" apart from a genuinely
// unexpected resolver failure without depending on net.DNSError
// internals leaking through a test double Resolver.
type unknownHostErrorTag interface {
	IsNotFound() bool
}

// Parse turns one raw line into a target and its starting status: parse
// rank, strip scheme and quotes, parse host/port, classify as IP or
// hostname (resolving the latter), then consult the denylist. It never
// returns an error to the caller for malformed input; malformed or
// unresolvable input is reported through the returned JobStatus.
//
// ok is false when the residual target string is empty after stripping
// (rank prefix, scheme, quotes): such input yields no job and no counter
// increment at all, so callers must check ok before doing anything with
// the returned target/status.
func Parse(ctx context.Context, raw string, defaultPort int, resolver Resolver, denylist Denylist) (target model.ScanTarget, status model.JobStatus, ok bool) {
	if denylist == nil {
		denylist = NoDenylist{}
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return model.ScanTarget{}, "", false
	}

	var rank *int
	if idx := strings.Index(s, ","); idx >= 0 {
		left := s[:idx]
		if left != "" && isAllDigits(left) {
			if n, err := strconv.Atoi(left); err == nil {
				rank = &n
				s = s[idx+1:]
			}
		}
	}

	s = stripScheme(s)
	s = strings.Trim(s, `"`)

	if s == "" {
		return model.ScanTarget{}, "", false
	}

	addr, port := splitHostPort(s, defaultPort)

	target = model.ScanTarget{Port: port, Rank: rank}

	if ip := net.ParseIP(addr); ip != nil {
		target.IP = ip.String()
	} else {
		target.Hostname = addr
		if resolver == nil {
			resolver = NetResolver{}
		}
		addrs, err := resolver.LookupHost(ctx, addr)
		if err != nil {
			if isUnknownHost(err) {
				return target, model.Unresolvable, true
			}
			return target, model.ResolutionError, true
		}
		if len(addrs) == 0 {
			return target, model.Unresolvable, true
		}
		// One address per target is the current contract.
		target.IP = addrs[0]
	}

	if matched, reason := denylist.Matches(target); matched {
		if reason != "" {
			target.DenylistReason = &reason
		}
		return target, model.Denylisted, true
	}

	return target, model.ToBeExecuted, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripScheme removes one leading "scheme//" (e.g. "http://", "//")
// layer. Repeated "//" prefixes strip only the outermost layer.
func stripScheme(s string) string {
	if idx := strings.Index(s, "//"); idx >= 0 {
		// Everything up to and including "//" is the scheme prefix, whether
		// or not there was a scheme name before it (bare "//host" is the
		// MX-style form).
		return s[idx+2:]
	}
	return s
}

// splitHostPort splits an optional trailing port off the address.
func splitHostPort(s string, defaultPort int) (addr string, port int) {
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]:"); end >= 0 {
			addr = s[1:end]
			portStr := s[end+2:]
			if p, ok := parsePort(portStr); ok {
				return addr, p
			}
			return addr, defaultPort
		}
		// "[...]" with no trailing ":port" — treat the whole thing (minus
		// brackets) as the address.
		if strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], defaultPort
		}
	}

	if strings.Count(s, ":") == 1 && !strings.Contains(s, "::") {
		parts := strings.SplitN(s, ":", 2)
		if p, ok := parsePort(parts[1]); ok {
			return parts[0], p
		}
		return parts[0], defaultPort
	}

	return s, defaultPort
}

func parsePort(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if n <= 1 || n >= 65535 {
		return 0, false
	}
	return n, true
}

func isUnknownHost(err error) bool {
	if tagged, ok := err.(unknownHostErrorTag); ok {
		return tagged.IsNotFound()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
