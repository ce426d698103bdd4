package scraper

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"liuproxy_harvester/internal/shared/logger"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

	retryBase       = 500 * time.Millisecond
	retryCap        = 8 * time.Second
	maxRetryAfter   = 60 * time.Second
	maxResponseBody = 64 << 20
)

// Options configures URL fetching.
type Options struct {
	UserAgent      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	// Proxy is an optional upstream proxy URL used for every source fetch.
	Proxy string
}

// StatusError is returned for a response outside 2xx.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// URLScraper 通过 colly 获取一个远程代理列表页面。
type URLScraper struct {
	target   string
	name     string
	username string
	password string
	opts     Options
}

// NewURLScraper parses raw, moving any userinfo into basic-auth credentials.
func NewURLScraper(raw string, opts Options) (*URLScraper, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q: missing host", raw)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	s := &URLScraper{opts: opts}
	if u.User != nil {
		s.username = u.User.Username()
		s.password, _ = u.User.Password()
		u.User = nil
	}
	s.target = u.String()
	s.name = u.Redacted()
	return s, nil
}

// Name 返回不含凭据的 URL。
func (s *URLScraper) Name() string {
	return s.name
}

// Scrape fetches the page, retrying transient failures with exponential
// backoff. Retry-After is honoured when it is at most a minute.
func (s *URLScraper) Scrape(ctx context.Context) (string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	for attempt := 0; ; attempt++ {
		text, err := s.fetch(ctx)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt >= s.opts.MaxRetries || !retryable(err) {
			return "", err
		}

		delay := retryDelay(attempt, err)
		l.Debug().Err(err).Str("source", s.name).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying source fetch.")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *URLScraper) fetch(ctx context.Context) (string, error) {
	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.UserAgent(s.opts.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(maxResponseBody),
	)
	// 非 2xx 响应也交给 OnResponse，状态码由我们自己判断
	c.ParseHTTPErrorResponse = true

	dialer := &net.Dialer{Timeout: s.opts.ConnectTimeout}
	c.WithTransport(&http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   s.opts.ConnectTimeout,
		ResponseHeaderTimeout: s.opts.Timeout,
		DisableKeepAlives:     true,
	})
	if s.opts.Timeout > 0 {
		c.SetRequestTimeout(s.opts.Timeout)
	}
	if s.opts.Proxy != "" {
		if err := c.SetProxy(s.opts.Proxy); err != nil {
			return "", fmt.Errorf("invalid scraping proxy: %w", err)
		}
	}

	if s.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(s.username + ":" + s.password))
		c.OnRequest(func(r *colly.Request) {
			r.Headers.Set("Authorization", "Basic "+auth)
		})
	}

	var (
		body     string
		rows     []string
		fetchErr error
	)

	c.OnHTML("tr", func(e *colly.HTMLElement) {
		if line := tableRow(e.DOM); line != "" {
			rows = append(rows, line)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode > 299 {
			se := &StatusError{Code: r.StatusCode}
			if r.Headers != nil {
				se.RetryAfter = parseRetryAfter(r.Headers.Get("Retry-After"))
			}
			fetchErr = se
			return
		}
		body = string(r.Body)
	})

	c.OnError(func(r *colly.Response, err error) {
		if fetchErr == nil {
			fetchErr = err
		}
	})

	if err := c.Visit(s.target); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return "", fetchErr
	}

	if len(rows) > 0 {
		body = body + "\n" + strings.Join(rows, "\n")
	}
	return body, nil
}

// tableRow synthesises "ip:port" from a row whose first two cells hold the
// address and port, which is how most HTML proxy lists are laid out.
func tableRow(row *goquery.Selection) string {
	cells := row.Find("td")
	if cells.Length() < 2 {
		return ""
	}
	host := strings.TrimSpace(cells.Eq(0).Text())
	port := strings.TrimSpace(cells.Eq(1).Text())
	if host == "" || port == "" {
		return ""
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return ""
	}
	return host + ":" + port
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// 其余错误都来自传输层
	return true
}

func retryDelay(attempt int, err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := retryBase << attempt
	if d > retryCap || d <= 0 {
		d = retryCap
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d - d/8 + jitter
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Values above a
// minute are ignored.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d <= 0 || d > maxRetryAfter {
		return 0
	}
	return d
}
