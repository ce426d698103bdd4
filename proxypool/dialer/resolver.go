// Package dialer builds per-check HTTP clients bound to a single proxy.
package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/ncruces/go-dns"
)

// ResolverConfig 控制 DNS 缓存和可选的 DoH 上游。
type ResolverConfig struct {
	CacheEntries int
	CacheTTL     time.Duration
	// DoHURL 非空时，所有查询都走 DNS-over-HTTPS。
	DoHURL string
}

// Resolver resolves proxy host names through a shared cache. It is safe for
// concurrent use by every check in the run.
type Resolver struct {
	r *net.Resolver
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	var opts []dns.CacheOption
	if cfg.CacheEntries > 0 {
		opts = append(opts, dns.MaxCacheEntries(cfg.CacheEntries))
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, dns.MaxCacheTTL(cfg.CacheTTL))
	}

	if cfg.DoHURL != "" {
		r, err := dns.NewDoHResolver(cfg.DoHURL, dns.DoHCache(opts...))
		if err != nil {
			return nil, fmt.Errorf("create DoH resolver: %w", err)
		}
		return &Resolver{r: r}, nil
	}
	return &Resolver{r: dns.NewCachingResolver(net.DefaultResolver, opts...)}, nil
}

// Resolve returns one address for host, preferring IPv4. Literal addresses
// are returned without a lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := r.r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0].Unmap(), nil
}
