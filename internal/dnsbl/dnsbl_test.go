package dnsbl

import (
	"net"
	"testing"
)

func TestReverseIPv4(t *testing.T) {
	got, err := reverseIPv4(net.ParseIP("1.2.3.4"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "4.3.2.1" {
		t.Errorf("reverseIPv4(1.2.3.4) = %q, want 4.3.2.1", got)
	}
}

func TestReverseIPv4Rejectsv6(t *testing.T) {
	_, err := reverseIPv4(net.ParseIP("::1"))
	if err == nil {
		t.Error("expected error for IPv6 address")
	}
}

func TestCheckerDefaults(t *testing.T) {
	c := &Checker{}
	if c.resolver() != "8.8.8.8:53" {
		t.Errorf("default resolver = %q", c.resolver())
	}
	if c.timeout() <= 0 {
		t.Errorf("default timeout = %v, want positive", c.timeout())
	}
}
