package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/model"
)

// Scraper 接口定义了从一个代理源获取原始文本的行为。
// 实现者只负责获取文本，解析交给 parser 包。
type Scraper interface {
	// Scrape 获取源的完整文本。ctx 被取消时应尽快返回 ctx.Err()。
	Scrape(ctx context.Context) (string, error)

	// Name 返回源的名称，用于日志记录，不包含凭据。
	Name() string
}

// Source binds a scraper to the protocol its candidates default to.
type Source struct {
	Scraper  Scraper
	Protocol model.Protocol
}

// Outcome is the result of fetching one source. Exactly one of Text and Err
// is meaningful.
type Outcome struct {
	Source   Source
	Text     string
	Err      error
	Duration time.Duration
}

// Canceled reports whether the source failed only because the run was cancelled.
func (o Outcome) Canceled() bool {
	return errors.Is(o.Err, context.Canceled)
}

// New picks the scraper for a configured source string. Anything with a
// scheme other than file:// is fetched over HTTP; everything else is a path.
func New(raw string, opts Options) (Scraper, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, errors.New("empty source")
	case strings.HasPrefix(raw, "file://"):
		return NewFileScraper(raw), nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return NewURLScraper(raw, opts)
	case strings.Contains(raw, "://"):
		return nil, fmt.Errorf("unsupported source scheme in %q", raw)
	default:
		return NewFileScraper(raw), nil
	}
}

// Acquire fetches every source concurrently, at most limit at a time
// (limit <= 0 means unbounded). A failing source never affects the others.
// Outcomes are returned in the order of sources. Once ctx is cancelled no
// further source is started and the remaining ones report context.Canceled.
func Acquire(ctx context.Context, sources []Source, limit int) []Outcome {
	l := logger.WithComponent("ProxyPool/Scraper")
	outcomes := make([]Outcome, len(sources))

	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, src := range sources {
		outcomes[i].Source = src
		if ctx.Err() != nil {
			outcomes[i].Err = context.Canceled
			continue
		}

		g.Go(func() error {
			// 排队期间可能已被取消
			if ctx.Err() != nil {
				outcomes[i].Err = context.Canceled
				return nil
			}
			start := time.Now()
			text, err := src.Scraper.Scrape(ctx)
			outcomes[i].Duration = time.Since(start)
			if err != nil {
				if ctx.Err() != nil {
					err = context.Canceled
				}
				outcomes[i].Err = err
				if !errors.Is(err, context.Canceled) {
					l.Warn().Err(err).Str("source", src.Scraper.Name()).Msg("Source fetch failed.")
				}
				return nil
			}
			outcomes[i].Text = text
			l.Debug().Str("source", src.Scraper.Name()).Int("bytes", len(text)).Dur("took", outcomes[i].Duration).Msg("Source fetched.")
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// Errors aggregates the non-cancellation failures of a batch of outcomes.
// It returns nil when every source succeeded or was only cancelled.
func Errors(outcomes []Outcome) error {
	var result *multierror.Error
	for _, o := range outcomes {
		if o.Err == nil || o.Canceled() {
			continue
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", o.Source.Scraper.Name(), o.Err))
	}
	return result.ErrorOrNil()
}
