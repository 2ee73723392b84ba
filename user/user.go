// Package user defines the post-authentication request context the
// orchestrator consumes (spec.md §4.8): authentication itself is an
// external collaborator whose internals are out of scope, so this
// package only models the shape of what authentication hands the core.
package user

import "net"

// AuthenticatedUser is the per-request identity and entitlement snapshot
// named in spec.md §4.2.
type AuthenticatedUser struct {
	ID                    string
	Plan                  string
	Credits               int64
	IsMasterAdmin         bool
	IsRPVerified          bool
	IPWhitelist           []string
	MaxConcurrentRequests int
	Enabled               bool
}

// ClientInfo carries the per-request network/client signals screener and
// authorization consult (spec.md §4.8 Step 3).
type ClientInfo struct {
	IP        string
	UserAgent string
	Origin    string
}

// IPAllowed reports whether ip satisfies u's whitelist. An empty
// whitelist allows every address.
func (u AuthenticatedUser) IPAllowed(ip string) bool {
	if len(u.IPWhitelist) == 0 {
		return true
	}
	candidate := net.ParseIP(ip)
	for _, entry := range u.IPWhitelist {
		if entry == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && candidate != nil && cidr.Contains(candidate) {
			return true
		}
	}
	return false
}
