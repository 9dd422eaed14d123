package discovery

import (
	"testing"
	"time"
)

func TestScanSubnet_InvalidCIDR(t *testing.T) {
	if _, err := ScanSubnet("not-a-subnet", "public", 161, time.Second, nil); err == nil {
		t.Error("invalid CIDR should be rejected")
	}
}

func TestFindBySerial_EmptySerial(t *testing.T) {
	if _, err := FindBySerial("", "192.0.2.0/24", "public", 161, time.Second); err == nil {
		t.Error("empty serial should be rejected before scanning")
	}
}
