package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// Fields are compared explicitly, without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.ManagementDomain != b.ManagementDomain ||
		a.MaxResponseBytes != b.MaxResponseBytes ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.SSRF.Enabled != b.SSRF.Enabled ||
		a.SSRF.RequireProtection != b.SSRF.RequireProtection ||
		!slices.Equal(a.SSRF.DenyNetworks, b.SSRF.DenyNetworks) ||
		!slices.Equal(a.SSRF.DenyHosts, b.SSRF.DenyHosts) {
		return true
	}
	if a.DNS.Enabled != b.DNS.Enabled || !slices.Equal(a.DNS.Servers, b.DNS.Servers) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if a.API.AuthEnabled != b.API.AuthEnabled ||
		a.API.TokenFile != b.API.TokenFile ||
		a.API.RateLimit != b.API.RateLimit ||
		a.API.RateBurst != b.API.RateBurst ||
		!slices.Equal(a.API.AllowedHosts, b.API.AllowedHosts) {
		return true
	}
	return !forwardsSliceEqual(a.Forwards, b.Forwards)
}

// forwardsSliceEqual compares two slices of Forward for equality.
func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// forwardEqual compares two Forward interfaces for equality.
func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb, ok := b.(*ForwardDefaultNetwork)
		return ok && *ta == *tb
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ta.Domain == tb.Domain && ta.Address == tb.Address && ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) && stringPtrEqual(ta.Password, tb.Password)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && ta.Domain == tb.Domain && ta.Address == tb.Address && ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) && stringPtrEqual(ta.Password, tb.Password)
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
