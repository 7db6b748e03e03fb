package config

import "testing"

func TestHasChanged(t *testing.T) {
	user := "u"
	otherUser := "v"

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   bool
	}{
		{"identical", func(c *Config) {}, false},
		{"listen address", func(c *Config) { c.ListenAddress = "127.0.0.1:1" }, true},
		{"timeout", func(c *Config) { c.TimeoutSeconds = 5 }, true},
		{"deny networks", func(c *Config) { c.SSRF.DenyNetworks = []string{"100.64.0.0/10"} }, true},
		{"require protection", func(c *Config) { c.SSRF.RequireProtection = true }, true},
		{"dns server", func(c *Config) { c.DNS.Servers[0].Address = "9.9.9.9:53" }, true},
		{"statistics backend", func(c *Config) { c.Statistics.Backend = BackendDummy }, true},
		{"api hosts", func(c *Config) { c.API.AllowedHosts = []string{"x"} }, true},
		{"forward username", func(c *Config) {
			c.Forwards = []Forward{&ForwardSocks5{Address: "a:1", Username: &otherUser}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Default()
			a.Forwards = []Forward{&ForwardSocks5{Address: "a:1", Username: &user}}
			b := Default()
			b.Forwards = []Forward{&ForwardSocks5{Address: "a:1", Username: &user}}
			tt.mutate(b)
			if got := HasChanged(a, b); got != tt.want {
				t.Errorf("HasChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasChangedNil(t *testing.T) {
	if HasChanged(nil, nil) {
		t.Error("nil configs should be equal")
	}
	if !HasChanged(nil, Default()) {
		t.Error("nil and non-nil configs should differ")
	}
}
