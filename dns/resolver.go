// Package dns resolves recipient domains to the concrete mail exchanger
// targets that delivery attempts should be made against.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Resolver is the lookup service injected into the relay. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ErrNoTargets is returned when a domain yields no usable mail exchanger
var ErrNoTargets = errors.New("no mail exchanger targets")

// MXTarget is one concrete address a mail exchanger listens at. Host is the
// canonical exchanger hostname (trailing dot stripped) and doubles as the TLS
// server name when the connection is upgraded.
type MXTarget struct {
	IP   net.IP
	Host string
}

// Equal reports whether two targets are the same address and hostname
func (t MXTarget) Equal(o MXTarget) bool {
	return t.Host == o.Host && t.IP.Equal(o.IP)
}

// TargetsEqual compares two target sequences element-wise
func TargetsEqual(a, b []MXTarget) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ResolveTargets resolves a recipient domain to its ordered MX target list.
// An IP-literal domain maps to itself. Otherwise MX records are sorted
// ascending by preference and each exchanger expanded to its addresses in DNS
// return order; the full list is then stable-sorted so IPv6 targets precede
// IPv4. An empty result is ErrNoTargets.
func ResolveTargets(ctx context.Context, r Resolver, domain string) ([]MXTarget, error) {
	if ip := net.ParseIP(strings.Trim(domain, "[]")); ip != nil {
		return []MXTarget{{IP: ip, Host: ip.String()}}, nil
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	mxs, err := r.LookupMX(ctx, ascii)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(mxs, func(i, j int) bool {
		return mxs[i].Pref < mxs[j].Pref
	})

	var targets []MXTarget
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		addrs, err := r.LookupIPAddr(ctx, host)
		if err != nil {
			// an exchanger that doesn't resolve is skipped, not fatal
			continue
		}
		for _, a := range addrs {
			targets = append(targets, MXTarget{IP: a.IP, Host: host})
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	// secondary key: IPv6 before IPv4, preference order preserved within a family
	sort.SliceStable(targets, func(i, j int) bool {
		return familyRank(targets[i].IP) < familyRank(targets[j].IP)
	})
	return targets, nil
}

func familyRank(ip net.IP) int {
	if ip.To4() == nil {
		return 0
	}
	return 1
}

// ReverseName looks up the PTR name for an IP, returning "" when there is
// none. The trailing dot is stripped.
func ReverseName(ctx context.Context, r Resolver, ip string) string {
	names, err := r.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
