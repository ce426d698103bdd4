package storage

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"

	"liuproxy_harvester/proxypool/model"
)

// SortOrder selects how snapshots are ordered.
type SortOrder int

const (
	// SortNatural orders by protocol, then numerically by IPv4 address,
	// then host name, then port.
	SortNatural SortOrder = iota
	// SortBySpeed orders by ascending latency.
	SortBySpeed
)

// ResultSet 是检查协程共享的结果集合，按协议分组。
// 所有读写都在同一把锁内完成，读取方拿到的是拷贝。
type ResultSet struct {
	mu     sync.Mutex
	groups map[model.Protocol]map[model.Endpoint]model.CheckResult
	count  int
}

func NewResultSet() *ResultSet {
	return &ResultSet{groups: make(map[model.Protocol]map[model.Endpoint]model.CheckResult)}
}

// Add inserts r and reports whether it was new. A result whose Endpoint is
// already present is rejected and the stored one is kept.
func (s *ResultSet) Add(r model.CheckResult) bool {
	proto := r.Protocol
	if proto == "" {
		proto = r.Endpoint.Protocol.Effective()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if _, ok := g[r.Endpoint]; ok {
			return false
		}
	}
	g, ok := s.groups[proto]
	if !ok {
		g = make(map[model.Endpoint]model.CheckResult)
		s.groups[proto] = g
	}
	g[r.Endpoint] = r
	s.count++
	return true
}

func (s *ResultSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Counts returns the number of results per protocol.
func (s *ResultSet) Counts() map[model.Protocol]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Protocol]int, len(s.groups))
	for p, g := range s.groups {
		out[p] = len(g)
	}
	return out
}

// Snapshot copies every result out of the set and sorts the copy.
func (s *ResultSet) Snapshot(order SortOrder) []model.CheckResult {
	s.mu.Lock()
	out := make([]model.CheckResult, 0, s.count)
	for _, g := range s.groups {
		for _, r := range g {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	Sort(out, order)
	return out
}

// Grouped splits a sorted snapshot by protocol, preserving order.
func Grouped(results []model.CheckResult) map[model.Protocol][]model.CheckResult {
	out := make(map[model.Protocol][]model.CheckResult)
	for _, r := range results {
		out[r.Protocol] = append(out[r.Protocol], r)
	}
	return out
}

func Sort(results []model.CheckResult, order SortOrder) {
	switch order {
	case SortBySpeed:
		slices.SortStableFunc(results, func(a, b model.CheckResult) int {
			if c := cmp.Compare(a.Latency, b.Latency); c != 0 {
				return c
			}
			return naturalCompare(a, b)
		})
	default:
		slices.SortStableFunc(results, naturalCompare)
	}
}

func protocolRank(p model.Protocol) int {
	for i, q := range model.Protocols {
		if p == q {
			return i
		}
	}
	return len(model.Protocols)
}

func naturalCompare(a, b model.CheckResult) int {
	if c := cmp.Compare(protocolRank(a.Protocol), protocolRank(b.Protocol)); c != 0 {
		return c
	}
	aa, aerr := netip.ParseAddr(a.Endpoint.Host)
	ba, berr := netip.ParseAddr(b.Endpoint.Host)
	switch {
	case aerr == nil && berr == nil:
		if c := aa.Compare(ba); c != 0 {
			return c
		}
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		if c := cmp.Compare(a.Endpoint.Host, b.Endpoint.Host); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.Endpoint.Port, b.Endpoint.Port); c != 0 {
		return c
	}
	return cmp.Compare(a.Endpoint.Username, b.Endpoint.Username)
}
