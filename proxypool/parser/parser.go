// Package parser turns arbitrary source text into proxy candidates.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"liuproxy_harvester/proxypool/model"
)

// DefaultMinCIDRPrefix rejects blocks larger than 65536 addresses.
const DefaultMinCIDRPrefix = 16

// ErrCIDRTooLarge marks a well-formed CIDR spec whose prefix is below the limit.
var ErrCIDRTooLarge = errors.New("CIDR block too large")

const (
	octet = `(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9][0-9]|[0-9])`
	// 端口的备选项按长度降序排列：RE2 没有前瞻断言，尾部边界在匹配后手动检查。
	port = `(?:6553[0-5]|655[0-2][0-9]|65[0-4][0-9]{2}|6[0-4][0-9]{3}|[1-5][0-9]{4}|[1-9][0-9]{1,3}|[0-9])`
)

var (
	proxyRegex = regexp.MustCompile(
		`(?:^|[^0-9A-Za-z])` +
			`(?:(?P<protocol>https?|socks[45])://)?` +
			`(?:(?P<username>[0-9A-Za-z]{1,64}):(?P<password>[0-9A-Za-z]{1,64})@)?` +
			`(?P<host>[A-Za-z][\-\.A-Za-z]{0,251}[A-Za-z]|[A-Za-z]|` + octet + `(?:\.` + octet + `){3})` +
			`:(?P<port>` + port + `)`)

	cidrRegex = regexp.MustCompile(`^([0-9]{1,3}(?:\.[0-9]{1,3}){3})/([0-9]{1,2}):([0-9]{1,5})$`)

	groupProtocol = proxyRegex.SubexpIndex("protocol")
	groupUsername = proxyRegex.SubexpIndex("username")
	groupPassword = proxyRegex.SubexpIndex("password")
	groupHost     = proxyRegex.SubexpIndex("host")
	groupPort     = proxyRegex.SubexpIndex("port")
)

// Options controls one extraction pass.
type Options struct {
	// DefaultProtocol tags candidates written without a scheme and every
	// address produced by CIDR expansion.
	DefaultProtocol model.Protocol
	// MaxPerSource caps the unique candidates kept; 0 disables the cap.
	// When the cap is hit the first MaxPerSource candidates in order of
	// appearance are kept and the rest of the text is not scanned.
	MaxPerSource int
	// MinCIDRPrefix is the smallest prefix length accepted for expansion.
	// Zero means DefaultMinCIDRPrefix.
	MinCIDRPrefix int
}

// Result is the outcome of extracting one source.
type Result struct {
	Endpoints  []model.Endpoint
	CIDRBlocks int
	// OversizedCIDRs counts CIDR lines skipped for exceeding MinCIDRPrefix.
	OversizedCIDRs int
	Truncated      bool
}

// Extract scans text line by line. Comment lines (first non-blank character
// '#') and blank lines are skipped. A line that is exactly a CIDR spec is
// expanded and not scanned further. A CIDR line over the size limit is
// counted in OversizedCIDRs and skipped. Every other line, including
// malformed CIDR lines, is handed to the generic pattern matcher.
func Extract(text string, opts Options) Result {
	c := newCollector(opts.MaxPerSource)
	var res Result

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		spec, ok, err := parseCIDRLine(line, opts)
		if errors.Is(err, ErrCIDRTooLarge) {
			res.OversizedCIDRs++
			continue
		}
		if ok {
			res.CIDRBlocks++
			for ep := range spec.Endpoints() {
				if !c.add(ep) {
					break scan
				}
			}
			continue
		}

		for _, ep := range matchLine(line, opts.DefaultProtocol) {
			if !c.add(ep) {
				break scan
			}
		}
	}

	res.Endpoints = c.endpoints
	res.Truncated = c.truncated
	return res
}

// ParseCIDRStrict parses a configured CIDR spec and reports why it is invalid.
func ParseCIDRStrict(s string, protocol model.Protocol, minPrefix int) (model.CIDRSpec, error) {
	s = strings.TrimSpace(s)
	m := cidrRegex.FindStringSubmatch(s)
	if m == nil {
		return model.CIDRSpec{}, fmt.Errorf("invalid CIDR spec %q: expected <ipv4>/<prefix>:<port>", s)
	}
	addr, err := netip.ParseAddr(m[1])
	if err != nil || !addr.Is4() {
		return model.CIDRSpec{}, fmt.Errorf("invalid CIDR spec %q: bad IPv4 address", s)
	}
	bits, _ := strconv.Atoi(m[2])
	if bits > 32 {
		return model.CIDRSpec{}, fmt.Errorf("invalid CIDR spec %q: prefix %d out of range", s, bits)
	}
	if minPrefix <= 0 {
		minPrefix = DefaultMinCIDRPrefix
	}
	if bits < minPrefix {
		return model.CIDRSpec{}, fmt.Errorf("CIDR spec %q: prefix /%d is below the /%d limit: %w", s, bits, minPrefix, ErrCIDRTooLarge)
	}
	p, err := strconv.Atoi(m[3])
	if err != nil || p < 1 || p > 65535 {
		return model.CIDRSpec{}, fmt.Errorf("invalid CIDR spec %q: port out of range", s)
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return model.CIDRSpec{}, fmt.Errorf("invalid CIDR spec %q: %w", s, err)
	}
	return model.CIDRSpec{Prefix: prefix, Port: uint16(p), Protocol: protocol}, nil
}

func parseCIDRLine(line string, opts Options) (model.CIDRSpec, bool, error) {
	if !strings.Contains(line, "/") {
		return model.CIDRSpec{}, false, nil
	}
	spec, err := ParseCIDRStrict(line, opts.DefaultProtocol, opts.MinCIDRPrefix)
	if err != nil {
		return model.CIDRSpec{}, false, err
	}
	return spec, true, nil
}

// matchLine runs the generic matcher over one line of text.
func matchLine(line string, defaultProtocol model.Protocol) []model.Endpoint {
	var out []model.Endpoint
	for _, idx := range proxyRegex.FindAllStringSubmatchIndex(line, -1) {
		end := idx[1]
		if end < len(line) && isAlnum(line[end]) {
			continue
		}

		group := func(i int) string {
			if idx[2*i] < 0 {
				return ""
			}
			return line[idx[2*i]:idx[2*i+1]]
		}

		p, err := strconv.Atoi(group(groupPort))
		if err != nil || p < 1 || p > 65535 {
			continue
		}

		protocol := defaultProtocol
		if scheme := group(groupProtocol); scheme != "" {
			parsed, err := model.ParseProtocol(scheme)
			if err != nil {
				continue
			}
			protocol = parsed
		}
		if protocol == "" {
			protocol = model.ProtocolUnspecified
		}

		out = append(out, model.Endpoint{
			Protocol: protocol,
			Host:     strings.ToLower(group(groupHost)),
			Port:     uint16(p),
			Username: group(groupUsername),
			Password: group(groupPassword),
		})
	}
	return out
}

func isAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// collector dedups candidates in first-appearance order and enforces the cap.
type collector struct {
	limit     int
	seen      map[model.Endpoint]struct{}
	endpoints []model.Endpoint
	truncated bool
}

func newCollector(limit int) *collector {
	return &collector{limit: limit, seen: make(map[model.Endpoint]struct{})}
}

// add returns false once the cap has been reached.
func (c *collector) add(ep model.Endpoint) bool {
	if _, ok := c.seen[ep]; ok {
		return true
	}
	if c.limit > 0 && len(c.endpoints) >= c.limit {
		c.truncated = true
		return false
	}
	c.seen[ep] = struct{}{}
	c.endpoints = append(c.endpoints, ep)
	return true
}
