package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/ini.v1"

	"liuproxy_harvester/internal/shared/types"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/parser"
)

// LoadIni 加载 harvester.ini 并应用环境变量覆盖。
// 文件中缺失的键保留 types.Default() 的值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map %s: %w", fileName, err)
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv overrides selected keys from the environment.
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.LogConf.Level, "HARVESTER_LOG_LEVEL")
	overrideFromEnvInt(&cfg.CheckingConf.MaxConcurrentChecks, "HARVESTER_MAX_CONCURRENT_CHECKS")
	overrideFromEnvString(&cfg.CheckingConf.CheckURL, "HARVESTER_CHECK_URL")
}

// Validate 检查所有配置项，一次性返回全部错误。
func Validate(cfg *types.Config) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if err := checkHTTPURL(cfg.CheckingConf.CheckURL); err != nil {
		add("checking.check_url: %w", err)
	}
	if cfg.CheckingConf.JudgeURL != "" {
		if err := checkHTTPURL(cfg.CheckingConf.JudgeURL); err != nil {
			add("checking.judge_url: %w", err)
		}
	}
	if cfg.CheckingConf.MaxConcurrentChecks <= 0 {
		add("checking.max_concurrent_checks must be positive, got %d", cfg.CheckingConf.MaxConcurrentChecks)
	}
	if cfg.CheckingConf.Timeout <= 0 {
		add("checking.timeout must be positive")
	}
	if cfg.CheckingConf.Retries < 0 {
		add("checking.retries must not be negative")
	}
	if t := cfg.CheckingConf.StatusThreshold; t < 100 || t > 600 {
		add("checking.status_threshold %d is not an HTTP status", t)
	}
	if cfg.CheckingConf.RateLimit < 0 {
		add("checking.rate_limit must not be negative")
	}
	if cfg.ScrapingConf.Timeout <= 0 {
		add("scraping.timeout must be positive")
	}
	if cfg.ScrapingConf.MaxRetries < 0 {
		add("scraping.max_retries must not be negative")
	}
	if cfg.ScrapingConf.Proxy != "" {
		if u, err := url.Parse(cfg.ScrapingConf.Proxy); err != nil || u.Host == "" {
			add("scraping.proxy %q is not a valid proxy URL", cfg.ScrapingConf.Proxy)
		}
	}
	if cfg.DNSConf.DoHURL != "" {
		if err := checkHTTPURL(cfg.DNSConf.DoHURL); err != nil {
			add("dns.doh_url: %w", err)
		}
	}
	if cfg.GeoConf.Enabled && cfg.GeoConf.CityDB == "" && cfg.GeoConf.ASNDB == "" {
		add("geo.enabled requires geo.city_db or geo.asn_db")
	}
	if cfg.OutputConf.Path == "" && (cfg.OutputConf.TXT || cfg.OutputConf.JSON) {
		add("output.path must be set when txt or json output is enabled")
	}
	if p := cfg.WebConf.Port; p < 0 || p > 65535 {
		add("web.port %d out of range", p)
	}
	if p := cfg.ExtractionConf.MinCIDRPrefix; p < 0 || p > 32 {
		add("extraction.min_cidr_prefix %d out of range", p)
	}

	for name, src := range cfg.Sources() {
		if !src.Enabled {
			continue
		}
		proto, _ := model.ParseProtocol(name)
		for _, raw := range src.URLs {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if strings.Contains(raw, "://") && !strings.HasPrefix(raw, "file://") {
				if err := checkHTTPURL(raw); err != nil {
					add("%s.urls: %w", name, err)
				}
			}
		}
		for _, raw := range src.CIDRs {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if _, err := parser.ParseCIDRStrict(raw, proto, cfg.ExtractionConf.MinCIDRPrefix); err != nil {
				add("%s.cidrs: %w", name, err)
			}
		}
		if src.MaxPerSource < 0 {
			add("%s.max_per_source must not be negative", name)
		}
	}

	return result.ErrorOrNil()
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
