package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/dialer"
	"liuproxy_harvester/proxypool/geo"
	"liuproxy_harvester/proxypool/model"
)

const (
	defaultStatusThreshold = 400
	retryBase              = 250 * time.Millisecond
	maxBodyBytes           = 1 << 20
)

// Options 控制一次检查的行为。
type Options struct {
	CheckURL string
	// JudgeURL 是匿名度判断用的第二个地址；为空时复用 CheckURL 的响应。
	JudgeURL string
	// StatusThreshold: responses with a status at or above it fail the check.
	StatusThreshold int
	// Retries is the number of extra attempts after the first.
	Retries int
	// MaxCheckDuration caps the whole check including retries.
	MaxCheckDuration time.Duration
	Anonymity        bool
	UserAgent        string
}

// Validator 实现 Prober：通过代理请求检查地址并对结果分类。
type Validator struct {
	factory *dialer.Factory
	oracle  geo.Oracle
	opts    Options
	realIP  netip.Addr
	l       zerolog.Logger
}

func NewValidator(factory *dialer.Factory, oracle geo.Oracle, opts Options) *Validator {
	if opts.StatusThreshold <= 0 {
		opts.StatusThreshold = defaultStatusThreshold
	}
	if oracle == nil {
		oracle = geo.Nop{}
	}
	return &Validator{
		factory: factory,
		oracle:  oracle,
		opts:    opts,
		l:       logger.WithComponent("ProxyPool/Validator"),
	}
}

// SetRealIP records the public address of this host for anonymity checks.
// Unparseable input clears it, which makes anonymity unknown.
func (v *Validator) SetRealIP(ip string) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		v.realIP = netip.Addr{}
		return
	}
	v.realIP = addr.Unmap()
}

// DiscoverRealIP 直连检查地址，记录本机的公网 IP。
func (v *Validator) DiscoverRealIP(ctx context.Context, client *http.Client) (string, error) {
	target := v.opts.JudgeURL
	if target == "" {
		target = v.opts.CheckURL
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, body, err := v.get(ctx, client, target)
	if err != nil {
		return "", fmt.Errorf("discover public IP: %w", err)
	}
	ip := ExtractIP(body)
	if ip == "" {
		return "", errors.New("discover public IP: no address in response")
	}
	v.SetRealIP(ip)
	return ip, nil
}

// Probe checks ep once, retrying transient failures within the check budget.
// A non-nil error means the check failed; the result still carries the
// endpoint and the protocol that was used.
func (v *Validator) Probe(ctx context.Context, ep model.Endpoint) (model.CheckResult, error) {
	res := model.CheckResult{
		Endpoint:  ep,
		Protocol:  ep.Protocol.Effective(),
		Anonymity: model.AnonymityUnknown,
	}
	err := v.probe(ctx, &res)
	res.CheckedAt = time.Now()
	return res, err
}

func (v *Validator) probe(ctx context.Context, res *model.CheckResult) error {
	if v.opts.MaxCheckDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.MaxCheckDuration)
		defer cancel()
	}

	client, proxyAddr, err := v.factory.Client(ctx, res.Endpoint)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	var body string
	for attempt := 0; ; attempt++ {
		var status int
		start := time.Now()
		status, body, err = v.get(ctx, client, v.opts.CheckURL)
		if err == nil && status < v.opts.StatusThreshold {
			res.Latency = time.Since(start)
			break
		}
		if err == nil {
			err = fmt.Errorf("status %d %s", status, http.StatusText(status))
		}
		if ctx.Err() != nil || attempt >= v.opts.Retries || !retryable(status) {
			return err
		}

		timer := time.NewTimer(retryBase << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}

	res.Success = true
	res.ExitIP = ExtractIP(body)

	if v.opts.Anonymity {
		res.Anonymity = v.classify(ctx, client, body)
	}

	lookup := proxyAddr
	if addr, err := netip.ParseAddr(res.ExitIP); err == nil {
		lookup = addr
	}
	if rec, ok := v.oracle.Lookup(lookup); ok {
		res.Geo = rec
	}
	return nil
}

// classify decides whether the target saw our real address.
func (v *Validator) classify(ctx context.Context, client *http.Client, checkBody string) model.Anonymity {
	if !v.realIP.IsValid() {
		return model.AnonymityUnknown
	}
	body := checkBody
	if v.opts.JudgeURL != "" {
		status, b, err := v.get(ctx, client, v.opts.JudgeURL)
		if err != nil || status >= v.opts.StatusThreshold {
			v.l.Debug().Err(err).Int("status", status).Msg("Judge request failed.")
			return model.AnonymityUnknown
		}
		body = b
	}
	if body == "" {
		return model.AnonymityUnknown
	}
	// 按完整地址比较，127.0.0.10 不算包含 127.0.0.1
	for _, addr := range addrTokens(body) {
		if addr == v.realIP {
			return model.AnonymityTransparent
		}
	}
	return model.AnonymityAnonymous
}

// get issues one GET and always drains and closes the body.
func (v *Validator) get(ctx context.Context, client *http.Client, target string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", err
	}
	if v.opts.UserAgent != "" {
		req.Header.Set("User-Agent", v.opts.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	io.Copy(io.Discard, resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(b), nil
}

// retryable: transport errors (status 0), 429 and 5xx.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// ExtractIP 从响应体中取出出口 IP：先尝试 httpbin 风格的 JSON，再退回到第一个 IPv4。
func ExtractIP(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if strings.HasPrefix(body, "{") {
		var doc struct {
			Origin string `json:"origin"`
			IP     string `json:"ip"`
		}
		if json.Unmarshal([]byte(body), &doc) == nil {
			for _, cand := range []string{doc.Origin, doc.IP} {
				// origin 可能是 "a, b" 形式
				first := strings.TrimSpace(strings.Split(cand, ",")[0])
				if addr, err := netip.ParseAddr(first); err == nil {
					return addr.Unmap().String()
				}
			}
		}
	}
	var first netip.Addr
	for _, addr := range addrTokens(body) {
		if addr.Is4() {
			return addr.String()
		}
		if !first.IsValid() {
			first = addr
		}
	}
	if first.IsValid() {
		return first.String()
	}
	return ""
}

// addrTokens returns every IP address that appears as a whole token in s.
// host:port tokens count as their host.
func addrTokens(s string) []netip.Addr {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '.' || r == ':' || r == '[' || r == ']' || unicode.Is(unicode.ASCII_Hex_Digit, r))
	})
	var out []netip.Addr
	for _, f := range fields {
		// 句末的点或冒号不属于地址，但 "::1" 的冒号属于
		for _, cand := range []string{f, strings.Trim(f, ".:")} {
			if addr, ok := parseAddrToken(cand); ok {
				out = append(out, addr)
				break
			}
		}
	}
	return out
}

func parseAddrToken(tok string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(strings.Trim(tok, "[]")); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(tok); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
