package dialer

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/things-go/go-socks5"

	"liuproxy_harvester/proxypool/model"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	r, err := NewResolver(ResolverConfig{CacheEntries: 16, CacheTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	return NewFactory(r, Options{Timeout: 5 * time.Second, ConnectTimeout: 2 * time.Second})
}

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return host, uint16(p)
}

func get(t *testing.T, c *http.Client, url string) string {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestResolver_LiteralBypass(t *testing.T) {
	r, err := NewResolver(ResolverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	addr, err := r.Resolve(context.Background(), "::ffff:10.1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "10.1.2.3" {
		t.Errorf("Resolve() = %s, want unmapped 10.1.2.3", addr)
	}
}

func TestResolver_Localhost(t *testing.T) {
	r, _ := NewResolver(ResolverConfig{CacheEntries: 4})
	addr, err := r.Resolve(context.Background(), "localhost")
	if err != nil {
		t.Skipf("localhost does not resolve here: %v", err)
	}
	if !addr.IsLoopback() {
		t.Errorf("localhost resolved to %s", addr)
	}
}

func TestFactory_HTTPProxy(t *testing.T) {
	target := newTarget(t)

	proxySrv := httptest.NewServer(goproxy.NewProxyHttpServer())
	defer proxySrv.Close()
	host, port := hostPort(t, proxySrv.Listener.Addr().String())

	f := newTestFactory(t)
	c, addr, err := f.Client(context.Background(), model.Endpoint{Protocol: model.ProtocolHTTP, Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != host {
		t.Errorf("resolved proxy address = %s, want %s", addr, host)
	}
	if body := get(t, c, target.URL); body != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestFactory_UnspecifiedProbesAsHTTP(t *testing.T) {
	target := newTarget(t)
	proxySrv := httptest.NewServer(goproxy.NewProxyHttpServer())
	defer proxySrv.Close()
	host, port := hostPort(t, proxySrv.Listener.Addr().String())

	c, _, err := newTestFactory(t).Client(context.Background(), model.Endpoint{Protocol: model.ProtocolUnspecified, Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	if body := get(t, c, target.URL); body != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestFactory_SOCKS5WithAuth(t *testing.T) {
	target := newTarget(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	server := socks5.NewServer(socks5.WithCredential(socks5.StaticCredentials{"user": "pass"}))
	go server.Serve(l)

	host, port := hostPort(t, l.Addr().String())
	f := newTestFactory(t)

	c, _, err := f.Client(context.Background(), model.Endpoint{
		Protocol: model.ProtocolSOCKS5, Host: host, Port: port, Username: "user", Password: "pass",
	})
	if err != nil {
		t.Fatal(err)
	}
	if body := get(t, c, target.URL); body != "ok" {
		t.Errorf("body = %q", body)
	}

	bad, _, _ := f.Client(context.Background(), model.Endpoint{
		Protocol: model.ProtocolSOCKS5, Host: host, Port: port, Username: "user", Password: "wrong",
	})
	if resp, err := bad.Get(target.URL); err == nil {
		resp.Body.Close()
		t.Error("wrong credentials were accepted")
	}
}

// socks4Server 是一个最小的 SOCKS4 CONNECT 服务端，记录收到的目标地址。
type socks4Server struct {
	addr    string
	mu      sync.Mutex
	targets []string
}

func newSOCKS4Server(t *testing.T) *socks4Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	s := &socks4Server{addr: l.Addr().String()}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go s.handle(c)
		}
	}()
	return s
}

func (s *socks4Server) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	// VN CD DSTPORT(2) DSTIP(4) USERID NUL
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil || head[0] != 4 || head[1] != 1 {
		return
	}
	if _, err := r.ReadBytes(0); err != nil {
		return
	}
	target := net.JoinHostPort(net.IP(head[4:8]).String(), strconv.Itoa(int(binary.BigEndian.Uint16(head[2:4]))))
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{0, 0x5B, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	c.Write([]byte{0, 0x5A, 0, 0, 0, 0, 0, 0})
	go io.Copy(up, r)
	io.Copy(c, up)
}

func (s *socks4Server) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

func TestFactory_SOCKS4(t *testing.T) {
	target := newTarget(t)
	srv := newSOCKS4Server(t)
	host, port := hostPort(t, srv.addr)

	c, addr, err := newTestFactory(t).Client(context.Background(), model.Endpoint{Protocol: model.ProtocolSOCKS4, Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "127.0.0.1" {
		t.Errorf("proxy addr = %s", addr)
	}
	if body := get(t, c, target.URL); body != "ok" {
		t.Errorf("body = %q", body)
	}
	want := strings.TrimPrefix(target.URL, "http://")
	if got := srv.seen(); len(got) != 1 || got[0] != want {
		t.Errorf("CONNECT targets = %v, want [%s]", got, want)
	}
}

func TestFactory_SOCKS4RejectsIPv6Target(t *testing.T) {
	srv := newSOCKS4Server(t)
	host, port := hostPort(t, srv.addr)

	c, _, err := newTestFactory(t).Client(context.Background(), model.Endpoint{Protocol: model.ProtocolSOCKS4, Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Get("http://[2001:db8::1]:80/")
	if err == nil {
		resp.Body.Close()
		t.Fatal("IPv6 target reached through socks4")
	}
	if !strings.Contains(err.Error(), "non-IPv4") {
		t.Errorf("err = %v", err)
	}
	if got := srv.seen(); len(got) != 0 {
		t.Errorf("proxy saw %v", got)
	}
}

func TestFactory_UnreachableProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, port := hostPort(t, l.Addr().String())
	l.Close()

	c, _, err := newTestFactory(t).Client(context.Background(), model.Endpoint{Protocol: model.ProtocolSOCKS4, Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	if resp, err := c.Get("http://127.0.0.1:1/"); err == nil {
		resp.Body.Close()
		t.Error("request through a closed port succeeded")
	}
}

func TestDialContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	_, err := dialContext(ctx, func() (net.Conn, error) {
		<-release
		return nil, io.EOF
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
