// Package filter 在候选进入检查池之前按地址和端口将其排除。
package filter

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/model"
)

type portRange struct {
	start, end uint16
}

// Engine holds an immutable exclusion set. The zero value excludes nothing.
type Engine struct {
	nets  *netipx.IPSet
	ports []portRange
}

// New 解析排除规则。cidrs 接受 CIDR 或单个 IP，ports 接受 "25, 6000-6100" 形式。
func New(cidrs []string, ports string) (*Engine, error) {
	var b netipx.IPSetBuilder
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		// 检查是否为单个 IP 地址
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid IP address format: '%s'", s)
			}
			b.Add(addr.Unmap())
			continue
		}

		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR '%s': %w", s, err)
		}
		b.AddPrefix(p.Masked())
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build exclusion set: %w", err)
	}

	pr, err := parsePortRanges(ports)
	if err != nil {
		return nil, err
	}
	return &Engine{nets: set, ports: pr}, nil
}

// Empty reports whether the engine can exclude anything at all.
func (e *Engine) Empty() bool {
	return e == nil || ((e.nets == nil || len(e.nets.Ranges()) == 0) && len(e.ports) == 0)
}

// Excluded 判断候选是否被规则排除。主机名候选只按端口判断，不做解析。
func (e *Engine) Excluded(ep model.Endpoint) bool {
	if e.Empty() {
		return false
	}
	for _, r := range e.ports {
		if ep.Port >= r.start && ep.Port <= r.end {
			return true
		}
	}
	if e.nets == nil {
		return false
	}
	addr, err := netip.ParseAddr(ep.Host)
	if err != nil {
		return false
	}
	return e.nets.Contains(addr.Unmap())
}

// Apply returns the candidates that survive the filter, preserving order.
func (e *Engine) Apply(candidates []model.Endpoint) (kept []model.Endpoint, excluded int) {
	if e.Empty() {
		return candidates, 0
	}
	kept = make([]model.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if e.Excluded(ep) {
			excluded++
			continue
		}
		kept = append(kept, ep)
	}
	if excluded > 0 {
		l := logger.WithComponent("ProxyPool/Filter")
		l.Debug().Int("excluded", excluded).Int("kept", len(kept)).Msg("Exclusion filter applied.")
	}
	return kept, excluded
}

func parsePortRanges(portStr string) ([]portRange, error) {
	if strings.TrimSpace(portStr) == "" {
		return nil, nil
	}
	var ranges []portRange
	for _, part := range strings.Split(portStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid port range: %s", part)
			}
			start, err1 := strconv.ParseUint(strings.TrimSpace(rangeParts[0]), 10, 16)
			end, err2 := strconv.ParseUint(strings.TrimSpace(rangeParts[1]), 10, 16)
			if err1 != nil || err2 != nil || start > end || start == 0 {
				return nil, fmt.Errorf("invalid port range values: %s", part)
			}
			ranges = append(ranges, portRange{uint16(start), uint16(end)})
		} else {
			port, err := strconv.ParseUint(part, 10, 16)
			if err != nil || port == 0 {
				return nil, fmt.Errorf("invalid port: %s", part)
			}
			ranges = append(ranges, portRange{uint16(port), uint16(port)})
		}
	}
	return ranges, nil
}
