package user

import "testing"

func TestIPAllowedAllowsAnyAddressWithEmptyWhitelist(t *testing.T) {
	u := AuthenticatedUser{}
	if !u.IPAllowed("203.0.113.7") {
		t.Fatal("empty whitelist should allow any IP")
	}
}

func TestIPAllowedMatchesExactAddress(t *testing.T) {
	u := AuthenticatedUser{IPWhitelist: []string{"203.0.113.7"}}
	if !u.IPAllowed("203.0.113.7") {
		t.Fatal("expected exact match to be allowed")
	}
	if u.IPAllowed("203.0.113.8") {
		t.Fatal("expected non-listed IP to be rejected")
	}
}

func TestIPAllowedMatchesCIDR(t *testing.T) {
	u := AuthenticatedUser{IPWhitelist: []string{"10.0.0.0/8"}}
	if !u.IPAllowed("10.1.2.3") {
		t.Fatal("expected CIDR match to be allowed")
	}
	if u.IPAllowed("192.168.1.1") {
		t.Fatal("expected out-of-range IP to be rejected")
	}
}
