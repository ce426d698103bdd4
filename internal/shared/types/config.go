package types

import "time"

// GeneralConf 包含运行模式相关的配置
type GeneralConf struct {
	Debug          bool `ini:"debug"`
	SingleThreaded bool `ini:"single_threaded"` // 为 true 时 GOMAXPROCS=1
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // console | json
}

// ScrapingConf 控制代理源的抓取
type ScrapingConf struct {
	Timeout             time.Duration `ini:"timeout"`
	ConnectTimeout      time.Duration `ini:"connect_timeout"`
	MaxRetries          int           `ini:"max_retries"`
	UserAgent           string        `ini:"user_agent"`
	Proxy               string        `ini:"proxy"` // 抓取时使用的上游代理
	MaxProxiesPerSource int           `ini:"max_proxies_per_source"`
	Concurrency         int           `ini:"concurrency"`
}

// CheckingConf 控制代理检查
type CheckingConf struct {
	CheckURL            string        `ini:"check_url"`
	JudgeURL            string        `ini:"judge_url"`
	MaxConcurrentChecks int           `ini:"max_concurrent_checks"`
	Timeout             time.Duration `ini:"timeout"`
	ConnectTimeout      time.Duration `ini:"connect_timeout"`
	Retries             int           `ini:"retries"`
	MaxCheckDuration    time.Duration `ini:"max_check_duration"`
	StatusThreshold     int           `ini:"status_threshold"`
	GracePeriod         time.Duration `ini:"grace_period"`
	RateLimit           float64       `ini:"rate_limit"` // 每秒最多派发的检查数，0 表示不限
	Anonymity           bool          `ini:"anonymity"`
}

type DNSConf struct {
	CacheEntries int           `ini:"cache_entries"`
	CacheTTL     time.Duration `ini:"cache_ttl"`
	DoHURL       string        `ini:"doh_url"`
}

type GeoConf struct {
	Enabled bool   `ini:"enabled"`
	CityDB  string `ini:"city_db"`
	ASNDB   string `ini:"asn_db"`
}

// OutputConf 控制结果导出
type OutputConf struct {
	Path        string `ini:"path"`
	SortBySpeed bool   `ini:"sort_by_speed"`
	TXT         bool   `ini:"txt"`
	JSON        bool   `ini:"json"`
	SQLite      string `ini:"sqlite"` // 数据库文件路径，为空则不写
}

type WebConf struct {
	Port     int    `ini:"port"` // 0 表示关闭状态页
	Listen   string `ini:"listen"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

type FilterConf struct {
	Exclude      []string `ini:"exclude" delim:","`
	ExcludePorts string   `ini:"exclude_ports"`
}

type ExtractionConf struct {
	MinCIDRPrefix int `ini:"min_cidr_prefix"`
}

// SourceConf 是单个协议的代理源配置
type SourceConf struct {
	Enabled      bool     `ini:"enabled"`
	URLs         []string `ini:"urls" delim:","`
	CIDRs        []string `ini:"cidrs" delim:","`
	MaxPerSource int      `ini:"max_per_source"` // 覆盖 scraping.max_proxies_per_source
}

// Config 是 harvester 的统一配置结构体
type Config struct {
	GeneralConf    `ini:"general"`
	LogConf        `ini:"log"`
	ScrapingConf   `ini:"scraping"`
	CheckingConf   `ini:"checking"`
	DNSConf        `ini:"dns"`
	GeoConf        `ini:"geo"`
	OutputConf     `ini:"output"`
	WebConf        `ini:"web"`
	FilterConf     `ini:"filter"`
	ExtractionConf `ini:"extraction"`
	HTTP           SourceConf `ini:"http"`
	SOCKS4         SourceConf `ini:"socks4"`
	SOCKS5         SourceConf `ini:"socks5"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		ScrapingConf: ScrapingConf{
			Timeout:        60 * time.Second,
			ConnectTimeout: 5 * time.Second,
			MaxRetries:     2,
			Concurrency:    16,
		},
		CheckingConf: CheckingConf{
			CheckURL:            "https://api.ipify.org",
			MaxConcurrentChecks: 512,
			Timeout:             60 * time.Second,
			ConnectTimeout:      5 * time.Second,
			Retries:             0,
			MaxCheckDuration:    90 * time.Second,
			StatusThreshold:     400,
			GracePeriod:         5 * time.Second,
		},
		DNSConf: DNSConf{
			CacheEntries: 4096,
			CacheTTL:     10 * time.Minute,
		},
		OutputConf: OutputConf{
			Path:        "./out",
			SortBySpeed: true,
			TXT:         true,
			JSON:        true,
		},
		WebConf:        WebConf{Listen: "127.0.0.1"},
		ExtractionConf: ExtractionConf{MinCIDRPrefix: 16},
		HTTP:           SourceConf{Enabled: true},
		SOCKS4:         SourceConf{Enabled: true},
		SOCKS5:         SourceConf{Enabled: true},
	}
}

// Sources returns the per-protocol source sections keyed by protocol name.
func (c *Config) Sources() map[string]*SourceConf {
	return map[string]*SourceConf{
		"http":   &c.HTTP,
		"socks4": &c.SOCKS4,
		"socks5": &c.SOCKS5,
	}
}
