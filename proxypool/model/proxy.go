package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol 是候选代理声明的协议标签。
type Protocol string

const (
	ProtocolUnspecified Protocol = "unspecified"
	ProtocolHTTP        Protocol = "http"
	ProtocolSOCKS4      Protocol = "socks4"
	ProtocolSOCKS5      Protocol = "socks5"
)

// Protocols lists the concrete protocols in output order.
var Protocols = []Protocol{ProtocolHTTP, ProtocolSOCKS4, ProtocolSOCKS5}

// ParseProtocol maps a scheme or config value onto a Protocol.
// "https" is an HTTP proxy reached with CONNECT, so it maps to http.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "socks4":
		return ProtocolSOCKS4, nil
	case "socks5":
		return ProtocolSOCKS5, nil
	case "", "unspecified":
		return ProtocolUnspecified, nil
	default:
		return "", fmt.Errorf("unknown proxy protocol %q", s)
	}
}

// Effective returns the protocol a probe actually speaks.
// Unspecified candidates are probed as HTTP proxies.
func (p Protocol) Effective() Protocol {
	if p == ProtocolUnspecified || p == "" {
		return ProtocolHTTP
	}
	return p
}

// Endpoint 定义了一个候选代理的身份。
// 它是可比较的结构体，可以直接作为 map 的键用于去重：
// 相同地址但协议不同的候选被视为不同的 Endpoint。
type Endpoint struct {
	Protocol Protocol
	Host     string
	Port     uint16
	Username string
	Password string
}

// Address returns host:port, bracketing IPv6 literals.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// HasAuth reports whether the endpoint carries credentials.
func (e Endpoint) HasAuth() bool {
	return e.Username != "" && e.Password != ""
}

// Format renders the endpoint the way it is written to plain-text outputs.
func (e Endpoint) Format(includeProtocol bool) string {
	var sb strings.Builder
	if includeProtocol {
		sb.WriteString(string(e.Protocol.Effective()))
		sb.WriteString("://")
	}
	if e.HasAuth() {
		sb.WriteString(e.Username)
		sb.WriteByte(':')
		sb.WriteString(e.Password)
		sb.WriteByte('@')
	}
	sb.WriteString(e.Address())
	return sb.String()
}

func (e Endpoint) String() string {
	return e.Format(true)
}

// Anonymity 表示代理是否向目标隐藏了客户端的真实地址。
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "unknown"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityTransparent Anonymity = "transparent"
)

// GeoRecord is what the geolocation oracle knows about an address.
type GeoRecord struct {
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         uint   `json:"asn,omitempty"`
	ASOrg       string `json:"as_org,omitempty"`
}

// CheckResult 是一次探测的最终结果，每个进入流水线的 Endpoint 恰好产生一个。
type CheckResult struct {
	Endpoint Endpoint
	// Protocol is the handshake that was actually used (Endpoint.Protocol.Effective()).
	Protocol  Protocol
	Success   bool
	Latency   time.Duration // 仅在成功时有效
	Anonymity Anonymity
	ExitIP    string
	Geo       *GeoRecord
	CheckedAt time.Time
}
