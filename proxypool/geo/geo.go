// Package geo 提供代理出口 IP 的地理位置与 ASN 查询。
package geo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/hashicorp/go-multierror"
	"github.com/oschwald/geoip2-golang"

	"liuproxy_harvester/proxypool/model"
)

// Oracle looks up what is known about an address. ok is false when nothing
// is known.
type Oracle interface {
	Lookup(addr netip.Addr) (rec *model.GeoRecord, ok bool)
}

// Nop knows nothing.
type Nop struct{}

func (Nop) Lookup(netip.Addr) (*model.GeoRecord, bool) { return nil, false }

// MaxMind 基于本地 GeoLite2/GeoIP2 数据库，City 和 ASN 库都是可选的。
// 读取器是只读的，可以被所有检查协程并发使用。
type MaxMind struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// Open opens whichever database paths are non-empty. At least one is required.
func Open(cityPath, asnPath string) (*MaxMind, error) {
	if cityPath == "" && asnPath == "" {
		return nil, errors.New("geo: no database configured")
	}

	m := &MaxMind{}
	if cityPath != "" {
		r, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("geo: open city database: %w", err)
		}
		m.city = r
	}
	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("geo: open ASN database: %w", err)
		}
		m.asn = r
	}
	return m, nil
}

func (m *MaxMind) Lookup(addr netip.Addr) (*model.GeoRecord, bool) {
	if !addr.IsValid() {
		return nil, false
	}
	ip := net.IP(addr.Unmap().AsSlice())

	var rec model.GeoRecord
	found := false

	if m.city != nil {
		if c, err := m.city.City(ip); err == nil {
			rec.Country = c.Country.Names["en"]
			rec.CountryCode = c.Country.IsoCode
			if len(c.Subdivisions) > 0 {
				rec.Region = c.Subdivisions[0].Names["en"]
			}
			rec.City = c.City.Names["en"]
			found = rec.CountryCode != "" || rec.City != ""
		}
	}
	if m.asn != nil {
		if a, err := m.asn.ASN(ip); err == nil && a.AutonomousSystemNumber != 0 {
			rec.ASN = a.AutonomousSystemNumber
			rec.ASOrg = a.AutonomousSystemOrganization
			found = true
		}
	}

	if !found {
		return nil, false
	}
	return &rec, true
}

func (m *MaxMind) Close() error {
	var result *multierror.Error
	if m.city != nil {
		result = multierror.Append(result, m.city.Close())
	}
	if m.asn != nil {
		result = multierror.Append(result, m.asn.Close())
	}
	return result.ErrorOrNil()
}
