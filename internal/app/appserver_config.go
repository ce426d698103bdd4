package app

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"liuproxy_harvester/internal/shared/types"
	manager "liuproxy_harvester/proxypool"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/parser"
	"liuproxy_harvester/proxypool/scraper"
)

// BuildSources turns the per-protocol sections into scraper sources and
// configured CIDR specs, in http, socks4, socks5 order.
func BuildSources(cfg *types.Config) ([]manager.Source, []model.CIDRSpec, error) {
	opts := scraper.Options{
		UserAgent:      cfg.ScrapingConf.UserAgent,
		Timeout:        cfg.ScrapingConf.Timeout,
		ConnectTimeout: cfg.ScrapingConf.ConnectTimeout,
		MaxRetries:     cfg.ScrapingConf.MaxRetries,
		Proxy:          cfg.ScrapingConf.Proxy,
	}
	sections := cfg.Sources()

	var (
		sources []manager.Source
		cidrs   []model.CIDRSpec
		result  *multierror.Error
	)
	for _, proto := range model.Protocols {
		sc := sections[string(proto)]
		if sc == nil || !sc.Enabled {
			continue
		}
		for _, raw := range sc.URLs {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			sr, err := scraper.New(raw, opts)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s source %q: %w", proto, raw, err))
				continue
			}
			sources = append(sources, manager.Source{
				Source:       scraper.Source{Scraper: sr, Protocol: proto},
				MaxPerSource: sc.MaxPerSource,
			})
		}
		for _, raw := range sc.CIDRs {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			spec, err := parser.ParseCIDRStrict(raw, proto, cfg.ExtractionConf.MinCIDRPrefix)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", proto, err))
				continue
			}
			cidrs = append(cidrs, spec)
		}
	}
	return sources, cidrs, result.ErrorOrNil()
}
