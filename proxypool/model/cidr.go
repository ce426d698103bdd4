package model

import (
	"iter"
	"net/netip"

	"go4.org/netipx"
)

// CIDRSpec describes a block of IPv4 hosts that all listen on the same port.
// Network and broadcast addresses are part of the block: a /p spec yields
// exactly 2^(32-p) endpoints.
type CIDRSpec struct {
	Prefix   netip.Prefix
	Port     uint16
	Protocol Protocol
}

// Size is the number of endpoints Endpoints will yield.
func (c CIDRSpec) Size() int {
	if !c.Prefix.IsValid() || !c.Prefix.Addr().Is4() {
		return 0
	}
	return 1 << (32 - c.Prefix.Bits())
}

// Endpoints returns a lazy sequence over every address in the block.
// Each call starts again from the first address.
func (c CIDRSpec) Endpoints() iter.Seq[Endpoint] {
	return func(yield func(Endpoint) bool) {
		if c.Size() == 0 {
			return
		}
		r := netipx.RangeOfPrefix(c.Prefix.Masked())
		last := r.To()
		for addr := r.From(); addr.IsValid(); addr = addr.Next() {
			ep := Endpoint{Protocol: c.Protocol, Host: addr.String(), Port: c.Port}
			if !yield(ep) {
				return
			}
			if addr == last {
				return
			}
		}
	}
}
