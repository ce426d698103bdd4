package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"liuproxy_harvester/proxypool/model"
)

// Options 是每个探测客户端共享的超时设置。
type Options struct {
	// Timeout bounds a single request attempt.
	Timeout time.Duration
	// ConnectTimeout bounds the TCP connect to the proxy.
	ConnectTimeout time.Duration
}

// Factory hands out one http.Client per check. Clients never share
// connections: keep-alives are disabled so nothing outlives its check.
type Factory struct {
	resolver *Resolver
	opts     Options
}

func NewFactory(resolver *Resolver, opts Options) *Factory {
	return &Factory{resolver: resolver, opts: opts}
}

// Resolver exposes the shared resolver.
func (f *Factory) Resolver() *Resolver {
	return f.resolver
}

// Client resolves the proxy host and returns a client whose every request is
// routed through ep, together with the address the proxy resolved to.
func (f *Factory) Client(ctx context.Context, ep model.Endpoint) (*http.Client, netip.Addr, error) {
	addr, err := f.resolver.Resolve(ctx, ep.Host)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	proxyAddr := net.JoinHostPort(addr.String(), strconv.Itoa(int(ep.Port)))

	direct := &net.Dialer{Timeout: f.opts.ConnectTimeout}
	transport := &http.Transport{
		DisableKeepAlives:     true,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   f.opts.Timeout,
		ResponseHeaderTimeout: f.opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch ep.Protocol.Effective() {
	case model.ProtocolHTTP:
		u := &url.URL{Scheme: "http", Host: proxyAddr}
		if ep.HasAuth() {
			u.User = url.UserPassword(ep.Username, ep.Password)
		}
		transport.Proxy = http.ProxyURL(u)
		transport.DialContext = direct.DialContext

	case model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if ep.HasAuth() {
			auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
		}
		d, err := proxy.SOCKS5("tcp", proxyAddr, auth, direct)
		if err != nil {
			return nil, netip.Addr{}, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, netip.Addr{}, errors.New("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext

	case model.ProtocolSOCKS4:
		// SOCKS4 只能携带 IPv4 目标地址，目标主机名先经由本地解析器解析。
		uri := fmt.Sprintf("socks4://%s?timeout=%s", proxyAddr, f.connectTimeout())
		dial := socks.Dial(uri)
		transport.DialContext = func(ctx context.Context, network, target string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(target)
			if err != nil {
				return nil, err
			}
			ip, err := f.resolver.Resolve(ctx, host)
			if err != nil {
				return nil, err
			}
			if !ip.Is4() {
				return nil, fmt.Errorf("socks4 cannot reach non-IPv4 target %s", ip)
			}
			return dialContext(ctx, func() (net.Conn, error) {
				return dial(network, net.JoinHostPort(ip.String(), port))
			})
		}

	default:
		return nil, netip.Addr{}, fmt.Errorf("unsupported proxy protocol %q", ep.Protocol)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   f.opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}, addr, nil
}

func (f *Factory) connectTimeout() time.Duration {
	if f.opts.ConnectTimeout > 0 {
		return f.opts.ConnectTimeout
	}
	return 10 * time.Second
}

// dialContext gives a context-unaware dial function cancellation semantics.
// A connection that arrives after ctx is done is closed.
func dialContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := dial()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
