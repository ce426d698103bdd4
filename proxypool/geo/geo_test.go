package geo

import (
	"net/netip"
	"path/filepath"
	"testing"
)

func TestOpen_RequiresDatabase(t *testing.T) {
	if _, err := Open("", ""); err == nil {
		t.Error("Open with no paths succeeded")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")
	if _, err := Open(missing, ""); err == nil {
		t.Error("Open with a missing city database succeeded")
	}
	if _, err := Open("", missing); err == nil {
		t.Error("Open with a missing ASN database succeeded")
	}
}

func TestNop(t *testing.T) {
	var o Oracle = Nop{}
	if rec, ok := o.Lookup(netip.MustParseAddr("8.8.8.8")); ok || rec != nil {
		t.Errorf("Nop.Lookup = %v, %v", rec, ok)
	}
}

func TestMaxMind_InvalidAddr(t *testing.T) {
	m := &MaxMind{}
	if _, ok := m.Lookup(netip.Addr{}); ok {
		t.Error("zero address produced a record")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
