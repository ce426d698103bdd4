package validator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/model"
)

// Prober 对单个候选执行一次完整检查。
type Prober interface {
	Probe(ctx context.Context, ep model.Endpoint) (model.CheckResult, error)
}

// ResultSink receives successful results as soon as they are known.
type ResultSink interface {
	Add(model.CheckResult) bool
}

// PoolOptions configures the checker pool.
type PoolOptions struct {
	MaxConcurrent int
	// RateLimit caps dispatches per second; 0 disables the limit.
	RateLimit float64
	// GracePeriod is how long in-flight probes may keep running after the
	// run is cancelled before their contexts are cancelled too.
	GracePeriod time.Duration
}

// Summary tallies the terminal states of one run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Aborted   int
	Dropped   int
}

// Pool 是检查工作池：用信号量控制同时在探测中的候选数量。
type Pool struct {
	prober  Prober
	opts    PoolOptions
	l       zerolog.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	probing    atomic.Int64
	maxProbing atomic.Int64

	mu     sync.Mutex
	states map[model.Endpoint]model.State
}

func NewPool(prober Prober, opts PoolOptions) *Pool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	p := &Pool{
		prober: prober,
		opts:   opts,
		l:      logger.WithComponent("ProxyPool/Validator"),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		states: make(map[model.Endpoint]model.State),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// ProbingNow is the number of probes currently in flight.
func (p *Pool) ProbingNow() int { return int(p.probing.Load()) }

// MaxProbing is the highest ProbingNow observed so far.
func (p *Pool) MaxProbing() int { return int(p.maxProbing.Load()) }

// State returns the current state of ep.
func (p *Pool) State(ep model.Endpoint) (model.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[ep]
	return s, ok
}

// Run checks every candidate exactly once and returns when each of them has
// reached a terminal state. Candidates must already be deduplicated.
//
// When ctx is cancelled no further candidate is dispatched (they end
// Dropped). Probes already running get GracePeriod to finish; after that
// their contexts are cancelled and unfinished ones end Aborted.
func (p *Pool) Run(ctx context.Context, candidates []model.Endpoint, results ResultSink, events model.EventSink) Summary {
	l := logger.WithComponent("ProxyPool/Validator")
	if events == nil {
		events = model.Discard
	}

	p.mu.Lock()
	for _, ep := range candidates {
		p.states[ep] = model.StatePending
	}
	p.mu.Unlock()

	probeCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		if p.opts.GracePeriod > 0 {
			l.Info().Dur("grace", p.opts.GracePeriod).Int("in_flight", p.ProbingNow()).Msg("Cancelled, waiting for in-flight checks.")
			timer := time.NewTimer(p.opts.GracePeriod)
			defer timer.Stop()
			select {
			case <-finished:
				return
			case <-timer.C:
			}
		}
		abort()
	}()

	var (
		wg      sync.WaitGroup
		tallyMu sync.Mutex
		sum     = Summary{Total: len(candidates)}
	)
	tally := func(s model.State) {
		tallyMu.Lock()
		defer tallyMu.Unlock()
		switch s {
		case model.StateSucceeded:
			sum.Succeeded++
		case model.StateFailed:
			sum.Failed++
		case model.StateAborted:
			sum.Aborted++
		case model.StateDropped:
			sum.Dropped++
		}
	}

	l.Info().Int("count", len(candidates)).Int("concurrency", p.opts.MaxConcurrent).Msg("Starting validation batch...")

	for i, ep := range candidates {
		if !p.admit(ctx) {
			for _, rest := range candidates[i:] {
				p.transition(rest, model.StateDropped)
				tally(model.StateDropped)
				events.Emit(newEvent(rest, model.StateDropped, ""))
			}
			break
		}
		p.transition(ep, model.StateDispatched)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)

			final := p.check(probeCtx, ep, results, events)
			tally(final)
		}()
	}

	wg.Wait()
	close(finished)

	l.Info().
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("aborted", sum.Aborted).
		Int("dropped", sum.Dropped).
		Int("max_probing", p.MaxProbing()).
		Msg("Validation batch finished.")
	return sum
}

// admit blocks until a slot (and a rate token) is free. It returns false
// when ctx is cancelled first; no slot is held in that case.
func (p *Pool) admit(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			return false
		}
	}
	if ctx.Err() != nil {
		p.sem.Release(1)
		return false
	}
	return true
}

func (p *Pool) check(ctx context.Context, ep model.Endpoint, results ResultSink, events model.EventSink) model.State {
	if ctx.Err() != nil {
		p.transition(ep, model.StateAborted)
		events.Emit(newEvent(ep, model.StateAborted, ""))
		return model.StateAborted
	}

	p.transition(ep, model.StateProbing)
	n := p.probing.Add(1)
	for {
		cur := p.maxProbing.Load()
		if n <= cur || p.maxProbing.CompareAndSwap(cur, n) {
			break
		}
	}

	res, err := p.prober.Probe(ctx, ep)
	p.probing.Add(-1)

	var final model.State
	var detail string
	switch {
	case err == nil && res.Success:
		final = model.StateSucceeded
		if results != nil {
			results.Add(res)
		}
		detail = res.Latency.Round(time.Millisecond).String()
	case ctx.Err() != nil:
		final = model.StateAborted
	default:
		final = model.StateFailed
		if err != nil {
			detail = err.Error()
		}
	}

	p.transition(ep, final)
	events.Emit(newEvent(ep, final, detail))
	return final
}

func (p *Pool) transition(ep model.Endpoint, next model.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.states[ep]
	if !cur.CanTransition(next) {
		p.l.Error().Str("endpoint", ep.String()).Str("from", cur.String()).Str("to", next.String()).Msg("Illegal state transition.")
		return
	}
	p.states[ep] = next
}

func newEvent(ep model.Endpoint, s model.State, detail string) model.Event {
	return model.Event{
		Time:       time.Now(),
		Stage:      model.StageCheck,
		Identifier: ep.String(),
		Outcome:    s.String(),
		Detail:     detail,
	}
}
