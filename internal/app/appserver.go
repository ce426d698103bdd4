package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"liuproxy_harvester/internal/service/web"
	"liuproxy_harvester/internal/shared/globalstate"
	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/internal/shared/types"
	"liuproxy_harvester/internal/sys/rlimit"
	manager "liuproxy_harvester/proxypool"
	"liuproxy_harvester/proxypool/dialer"
	"liuproxy_harvester/proxypool/filter"
	"liuproxy_harvester/proxypool/geo"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/storage"
	"liuproxy_harvester/proxypool/validator"
)

// AppServer 把配置装配成一次完整的采集运行。
type AppServer struct {
	cfg   *types.Config
	runID string

	validator *validator.Validator
	manager   *manager.Manager
	hub       *web.Hub
	web       *web.Server

	closers   []io.Closer
	waitGroup sync.WaitGroup
}

// New 根据已校验的配置创建 AppServer。失败时已打开的资源会被关闭。
func New(cfg *types.Config) (*AppServer, error) {
	l := logger.WithComponent("App")
	s := &AppServer{cfg: cfg, runID: uuid.NewString()}
	ready := false
	defer func() {
		if !ready {
			s.Close()
		}
	}()

	if cfg.GeneralConf.SingleThreaded {
		runtime.GOMAXPROCS(1)
		l.Info().Msg("Single-threaded mode, GOMAXPROCS=1.")
	}

	// 并发上限受文件描述符限制
	fdLimit, ferr := rlimit.RaiseFileLimit()
	if ferr != nil {
		l.Warn().Err(ferr).Msg("Could not raise the open file limit.")
	}
	maxChecks := rlimit.CapConcurrency(cfg.CheckingConf.MaxConcurrentChecks, fdLimit)
	if maxChecks < cfg.CheckingConf.MaxConcurrentChecks {
		l.Warn().
			Int("requested", cfg.CheckingConf.MaxConcurrentChecks).
			Int("allowed", maxChecks).
			Int64("fd_limit", int64(fdLimit)).
			Msg("max_concurrent_checks lowered to fit the open file limit.")
	}

	resolver, err := dialer.NewResolver(dialer.ResolverConfig{
		CacheEntries: cfg.DNSConf.CacheEntries,
		CacheTTL:     cfg.DNSConf.CacheTTL,
		DoHURL:       cfg.DNSConf.DoHURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	factory := dialer.NewFactory(resolver, dialer.Options{
		Timeout:        cfg.CheckingConf.Timeout,
		ConnectTimeout: cfg.CheckingConf.ConnectTimeout,
	})

	var oracle geo.Oracle = geo.Nop{}
	if cfg.GeoConf.Enabled {
		mm, err := geo.Open(cfg.GeoConf.CityDB, cfg.GeoConf.ASNDB)
		if err != nil {
			return nil, fmt.Errorf("open geolocation databases: %w", err)
		}
		s.closers = append(s.closers, mm)
		oracle = mm
	}

	s.validator = validator.NewValidator(factory, oracle, validator.Options{
		CheckURL:         cfg.CheckingConf.CheckURL,
		JudgeURL:         cfg.CheckingConf.JudgeURL,
		StatusThreshold:  cfg.CheckingConf.StatusThreshold,
		Retries:          cfg.CheckingConf.Retries,
		MaxCheckDuration: cfg.CheckingConf.MaxCheckDuration,
		Anonymity:        cfg.CheckingConf.Anonymity,
		UserAgent:        cfg.ScrapingConf.UserAgent,
	})
	pool := validator.NewPool(s.validator, validator.PoolOptions{
		MaxConcurrent: maxChecks,
		RateLimit:     cfg.CheckingConf.RateLimit,
		GracePeriod:   cfg.CheckingConf.GracePeriod,
	})

	sources, cidrs, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}
	order := storage.SortNatural
	if cfg.OutputConf.SortBySpeed {
		order = storage.SortBySpeed
	}
	s.manager = manager.NewManager(manager.Options{
		Sources:           sources,
		CIDRs:             cidrs,
		MaxPerSource:      cfg.ScrapingConf.MaxProxiesPerSource,
		MinCIDRPrefix:     cfg.ExtractionConf.MinCIDRPrefix,
		ScrapeConcurrency: cfg.ScrapingConf.Concurrency,
		SortOrder:         order,
	}, pool, storage.NewResultSet())

	fw, err := filter.New(cfg.FilterConf.Exclude, cfg.FilterConf.ExcludePorts)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	s.manager.SetFilter(fw)

	if cfg.OutputConf.TXT || cfg.OutputConf.JSON {
		s.manager.AddExporter(storage.NewFileExporter(cfg.OutputConf.Path, cfg.OutputConf.TXT, cfg.OutputConf.JSON, order))
	}
	if cfg.OutputConf.SQLite != "" {
		db, err := storage.NewSQLiteExporter(cfg.OutputConf.SQLite, s.runID)
		if err != nil {
			return nil, fmt.Errorf("open sqlite output: %w", err)
		}
		s.closers = append(s.closers, db)
		s.manager.AddExporter(db)
	}

	sinks := model.Sinks{manager.LogSink(logger.WithComponent("ProxyPool/Events"))}
	if cfg.WebConf.Port > 0 {
		s.hub = web.NewHub()
		s.web = web.NewServer(cfg.WebConf, s.manager, s.hub)
		sinks = append(sinks, s.hub)
	}
	s.manager.SetEventSink(sinks)

	globalstate.GlobalStatus.Update(func(st *types.RunStatus) { st.RunID = s.runID })
	l.Info().
		Str("run_id", s.runID).
		Int("sources", len(sources)).
		Int("cidr_specs", len(cidrs)).
		Int("max_concurrent_checks", maxChecks).
		Msg("Harvester initialized.")
	ready = true
	return s, nil
}

// Run 执行一次采集：可选启动 Web 页面，发现真实 IP，然后运行流水线。
// ctx 被取消时流水线按宽限期收尾并导出已有结果。
func (s *AppServer) Run(ctx context.Context) (manager.Report, error) {
	l := logger.WithComponent("App")

	webCtx, stopWeb := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		stopWeb()
		s.waitGroup.Wait()
	}()
	if s.web != nil {
		if _, err := s.web.Start(webCtx, &s.waitGroup); err != nil {
			l.Error().Err(err).Msg("Web UI could not start, continuing without it.")
		}
	}

	if s.cfg.CheckingConf.Anonymity {
		client := &http.Client{Timeout: s.cfg.CheckingConf.Timeout}
		ip, err := s.validator.DiscoverRealIP(ctx, client)
		if err != nil {
			l.Warn().Err(err).Msg("Could not determine the real IP, anonymity will be reported as unknown.")
		} else {
			s.validator.SetRealIP(ip)
			l.Info().Str("real_ip", ip).Msg("Real IP discovered.")
		}
	}

	return s.manager.Run(ctx)
}

// Manager exposes the pipeline, mainly for tests.
func (s *AppServer) Manager() *manager.Manager { return s.manager }

// RunID identifies this run in events and the SQLite output.
func (s *AppServer) RunID() string { return s.runID }

// Close 释放数据库等资源。
func (s *AppServer) Close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}
