package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"liuproxy_harvester/internal/shared/globalstate"
	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/internal/shared/types"
	"liuproxy_harvester/proxypool/filter"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/parser"
	"liuproxy_harvester/proxypool/scraper"
	"liuproxy_harvester/proxypool/storage"
	"liuproxy_harvester/proxypool/validator"
)

// 检查阶段刷新运行状态的间隔
const statusRefreshInterval = 500 * time.Millisecond

// Source 是一个代理源及其单独的截断上限。
type Source struct {
	scraper.Source
	MaxPerSource int // 0 表示使用 Options.MaxPerSource
}

// Options 描述一次运行的输入。
type Options struct {
	Sources []Source
	// CIDRs 是配置文件中直接给出的地址段，追加在所有源之后。
	CIDRs             []model.CIDRSpec
	MaxPerSource      int
	MinCIDRPrefix     int
	ScrapeConcurrency int
	SortOrder         storage.SortOrder
}

// Report summarises a finished run.
type Report struct {
	Sources      int
	SourceErrors int
	Candidates   int
	Excluded     int
	Summary      validator.Summary
	Working      map[model.Protocol]int
	Duration     time.Duration
}

// Manager 是代理池模块的总控制器：抓取 -> 提取 -> 去重 -> 过滤 -> 检查 -> 导出。
type Manager struct {
	opts      Options
	pool      *validator.Pool
	results   *storage.ResultSet
	filter    *filter.Engine
	exporters []storage.Exporter
	events    model.EventSink
	status    *globalstate.StatusManager
}

// NewManager 创建并初始化代理池管理器。
func NewManager(opts Options, pool *validator.Pool, results *storage.ResultSet) *Manager {
	if results == nil {
		results = storage.NewResultSet()
	}
	return &Manager{
		opts:    opts,
		pool:    pool,
		results: results,
		events:  model.Discard,
		status:  globalstate.GlobalStatus,
	}
}

// SetFilter 设置候选排除规则，nil 表示不过滤。
func (m *Manager) SetFilter(f *filter.Engine) { m.filter = f }

// AddExporter 添加一个结果导出器。
func (m *Manager) AddExporter(e storage.Exporter) {
	m.exporters = append(m.exporters, e)
}

// SetEventSink replaces the destination of pipeline events.
func (m *Manager) SetEventSink(s model.EventSink) {
	if s == nil {
		s = model.Discard
	}
	m.events = s
}

// SetStatus replaces the status manager, mainly for tests.
func (m *Manager) SetStatus(s *globalstate.StatusManager) { m.status = s }

// Results exposes the live result set.
func (m *Manager) Results() *storage.ResultSet { return m.results }

// Status returns the run status with live check counters.
func (m *Manager) Status() types.RunStatus {
	s := m.status.Get()
	if s.Stage == globalstate.StageChecking {
		s.Probing = m.pool.ProbingNow()
		s.Working = workingCounts(m.results)
	}
	return s
}

// Run executes one full pipeline pass. Source failures are reported through
// events and the Report; the returned error only covers export failures.
// Cancelling ctx stops acquisition and dispatch, but whatever was verified
// up to that point is still exported.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	start := time.Now()
	rep := Report{Sources: len(m.opts.Sources)}

	m.status.Update(func(s *types.RunStatus) {
		s.StartedAt = start
		s.Sources = rep.Sources
	})

	// 1. 抓取
	m.status.Set(globalstate.StageScraping)
	l.Info().Int("sources", rep.Sources).Msg("Fetching sources...")
	srcs := make([]scraper.Source, len(m.opts.Sources))
	for i, s := range m.opts.Sources {
		srcs[i] = s.Source
	}
	outcomes := scraper.Acquire(ctx, srcs, m.opts.ScrapeConcurrency)
	if err := scraper.Errors(outcomes); err != nil {
		l.Warn().Err(err).Msg("Some sources failed.")
	}

	// 2. 提取并跨源去重
	m.status.Set(globalstate.StageExtracting)
	candidates, failed := m.collect(outcomes)
	rep.SourceErrors = failed

	// 3. 过滤
	if m.filter != nil && !m.filter.Empty() {
		var excluded int
		candidates, excluded = m.filter.Apply(candidates)
		rep.Excluded = excluded
		if excluded > 0 {
			l.Info().Int("excluded", excluded).Msg("Candidates removed by exclusion filter.")
		}
	}
	rep.Candidates = len(candidates)
	m.status.Update(func(s *types.RunStatus) {
		s.SourceErrors = rep.SourceErrors
		s.Candidates = rep.Candidates
		s.Excluded = rep.Excluded
	})
	l.Info().Int("candidates", rep.Candidates).Msg("Candidates ready for checking.")

	// 4. 检查
	m.status.Set(globalstate.StageChecking)
	stopRefresh := m.refreshStatus()
	rep.Summary = m.pool.Run(ctx, candidates, m.results, model.Sinks{m.events, m.tally()})
	stopRefresh()

	rep.Working = m.results.Counts()
	m.status.Update(func(s *types.RunStatus) {
		s.Probing = 0
		s.Succeeded = rep.Summary.Succeeded
		s.Failed = rep.Summary.Failed
		s.Aborted = rep.Summary.Aborted
		s.Dropped = rep.Summary.Dropped
		s.Working = workingCounts(m.results)
	})
	l.Info().
		Int("succeeded", rep.Summary.Succeeded).
		Int("failed", rep.Summary.Failed).
		Int("aborted", rep.Summary.Aborted).
		Int("dropped", rep.Summary.Dropped).
		Msg("Checking finished.")

	// 5. 导出。取消后仍然导出已验证的结果
	m.status.Set(globalstate.StageExporting)
	err := m.export(context.WithoutCancel(ctx))

	rep.Duration = time.Since(start)
	m.status.Set(globalstate.StageDone)
	l.Info().Dur("took", rep.Duration).Int("working", m.results.Len()).Msg("Run finished.")
	return rep, err
}

// collect extracts every fetched source and merges the candidates in order
// of first appearance. It returns the number of failed sources.
func (m *Manager) collect(outcomes []scraper.Outcome) ([]model.Endpoint, int) {
	l := logger.WithComponent("ProxyPool/Manager")
	seen := make(map[model.Endpoint]struct{})
	var merged []model.Endpoint
	failed := 0

	add := func(ep model.Endpoint) bool {
		if _, dup := seen[ep]; dup {
			return false
		}
		seen[ep] = struct{}{}
		merged = append(merged, ep)
		return true
	}

	for i, o := range outcomes {
		name := o.Source.Scraper.Name()
		switch {
		case o.Canceled():
			m.emit(model.StageScrape, name, "cancelled", "")
			continue
		case o.Err != nil:
			failed++
			m.emit(model.StageScrape, name, "error", o.Err.Error())
			continue
		}
		m.emit(model.StageScrape, name, "ok", fmt.Sprintf("%d bytes in %s", len(o.Text), o.Duration.Round(time.Millisecond)))

		limit := m.opts.MaxPerSource
		if i < len(m.opts.Sources) && m.opts.Sources[i].MaxPerSource > 0 {
			limit = m.opts.Sources[i].MaxPerSource
		}
		res := parser.Extract(o.Text, parser.Options{
			DefaultProtocol: o.Source.Protocol,
			MaxPerSource:    limit,
			MinCIDRPrefix:   m.opts.MinCIDRPrefix,
		})

		fresh := 0
		for _, ep := range res.Endpoints {
			if add(ep) {
				fresh++
			}
		}
		detail := fmt.Sprintf("%d found, %d new", len(res.Endpoints), fresh)
		if res.OversizedCIDRs > 0 {
			detail += fmt.Sprintf(", %d CIDR blocks over the /%d limit skipped", res.OversizedCIDRs, minPrefix(m.opts.MinCIDRPrefix))
		}
		if res.Truncated {
			detail += ", truncated"
		}
		m.emit(model.StageExtract, name, "ok", detail)
		l.Debug().Str("source", name).Int("found", len(res.Endpoints)).Int("new", fresh).Int("cidr_blocks", res.CIDRBlocks).Int("oversized_cidrs", res.OversizedCIDRs).Bool("truncated", res.Truncated).Msg("Source extracted.")
	}

	for _, spec := range m.opts.CIDRs {
		fresh := 0
		for ep := range spec.Endpoints() {
			if add(ep) {
				fresh++
			}
		}
		m.emit(model.StageExtract, spec.Prefix.String(), "ok", fmt.Sprintf("%d new", fresh))
	}
	return merged, failed
}

func minPrefix(p int) int {
	if p <= 0 {
		return parser.DefaultMinCIDRPrefix
	}
	return p
}

func (m *Manager) export(ctx context.Context) error {
	if len(m.exporters) == 0 {
		return nil
	}
	l := logger.WithComponent("ProxyPool/Manager")
	snapshot := m.results.Snapshot(m.opts.SortOrder)

	var result *multierror.Error
	for _, e := range m.exporters {
		if err := e.Export(ctx, snapshot); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s exporter: %w", e.Name(), err))
			m.emit(model.StageExport, e.Name(), "error", err.Error())
			continue
		}
		m.emit(model.StageExport, e.Name(), "ok", fmt.Sprintf("%d results", len(snapshot)))
		l.Info().Str("exporter", e.Name()).Int("results", len(snapshot)).Msg("Results exported.")
	}
	return result.ErrorOrNil()
}

func (m *Manager) emit(stage model.Stage, id, outcome, detail string) {
	m.events.Emit(model.Event{
		Time:       time.Now(),
		Stage:      stage,
		Identifier: id,
		Outcome:    outcome,
		Detail:     detail,
	})
}

// tally 根据检查事件实时累加状态计数。
func (m *Manager) tally() model.EventSink {
	return model.SinkFunc(func(e model.Event) {
		if e.Stage != model.StageCheck {
			return
		}
		m.status.Update(func(s *types.RunStatus) {
			switch e.Outcome {
			case model.StateSucceeded.String():
				s.Succeeded++
			case model.StateFailed.String():
				s.Failed++
			case model.StateAborted.String():
				s.Aborted++
			case model.StateDropped.String():
				s.Dropped++
			}
		})
	})
}

// refreshStatus periodically copies live pool counters into the status
// manager until the returned stop function is called.
func (m *Manager) refreshStatus() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statusRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				probing := m.pool.ProbingNow()
				working := workingCounts(m.results)
				m.status.Update(func(s *types.RunStatus) {
					s.Probing = probing
					s.Working = working
				})
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func workingCounts(rs *storage.ResultSet) map[string]int {
	out := make(map[string]int)
	for p, n := range rs.Counts() {
		out[string(p)] = n
	}
	return out
}

// LogSink 把流水线事件写入日志：失败为 debug，其余为 trace。
func LogSink(l zerolog.Logger) model.EventSink {
	return model.SinkFunc(func(e model.Event) {
		ev := l.Trace()
		if e.Outcome == "error" || e.Outcome == model.StateFailed.String() {
			ev = l.Debug()
		}
		ev.Str("stage", string(e.Stage)).
			Str("id", e.Identifier).
			Str("outcome", e.Outcome).
			Str("detail", e.Detail).
			Msg("Pipeline event.")
	})
}
