package netx

import "testing"

func TestOutboundIPLoopback(t *testing.T) {
	addr := OutboundIP("127.0.0.1:9")
	if !addr.IsLoopback() || !addr.Is4() {
		t.Errorf("OutboundIP(loopback) = %v", addr)
	}
}

func TestOutboundIPNoRoute(t *testing.T) {
	if addr := OutboundIP("not-an-address"); addr.IsValid() {
		t.Errorf("OutboundIP(invalid) = %v, want zero", addr)
	}
}
