package admission

import (
	"net"
	"net/url"
	"strings"
)

// OriginPolicy decides whether a WebSocket upgrade's Origin header is
// acceptable (spec §4.I: "reject at the WebSocket upgrade if the HTTP
// Origin fails the allowed-hosts check: localhost, private network ranges,
// a configured allow list, or '*'").
type OriginPolicy struct {
	AllowAll   bool
	AllowList  map[string]bool
}

// NewOriginPolicy builds a policy from configured allowed origins. "*" in
// the list enables AllowAll.
func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{AllowList: make(map[string]bool, len(allowed))}

	for _, o := range allowed {
		if o == "*" {
			p.AllowAll = true
			continue
		}

		p.AllowList[strings.ToLower(o)] = true
	}

	return p
}

// Allowed reports whether origin passes the policy.
func (p *OriginPolicy) Allowed(origin string) bool {
	if p.AllowAll {
		return true
	}

	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "" {
		host = origin
	}

	if isLocalhost(host) || isPrivateNetwork(host) {
		return true
	}

	return p.AllowList[strings.ToLower(origin)] || p.AllowList[strings.ToLower(host)]
}

func isLocalhost(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

func isPrivateNetwork(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range privateCIDRs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}

		if block.Contains(ip) {
			return true
		}
	}

	return false
}

var privateCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
}
