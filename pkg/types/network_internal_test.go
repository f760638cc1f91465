package types

import "testing"

func TestIsPrivateIP(t *testing.T) {
	tests := map[string]bool{
		"10.64.0.1":         true,
		"172.20.1.1":        true,
		"192.168.1.100":     true,
		"100.64.0.7":        true,
		"127.0.0.1":         true,
		"::1":               true,
		"fc00::1":           true,
		"185.213.154.68":    false,
		"2a03:1b20:1::a01f": false,
		"":                  false,
		"not-an-ip":         false,
	}
	for ip, want := range tests {
		if got := isPrivateIP(ip); got != want {
			t.Errorf("isPrivateIP(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestIPVersion(t *testing.T) {
	if got := ipVersion("185.213.154.68"); got != "IPv4" {
		t.Fatalf("ipVersion(v4) = %q", got)
	}
	if got := ipVersion("2a03:1b20:1::a01f"); got != "IPv6" {
		t.Fatalf("ipVersion(v6) = %q", got)
	}
	if got := ipVersion("unknown"); got != "" {
		t.Fatalf("ipVersion(garbage) = %q", got)
	}
	if got := sanitizeIP("[2a03:1b20:1::a01f]:443"); got != "2a03:1b20:1::a01f" {
		t.Fatalf("sanitizeIP = %q", got)
	}
}
