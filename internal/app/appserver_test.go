package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elazarl/goproxy"

	"liuproxy_harvester/internal/shared/types"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/storage"
)

func TestBuildSources(t *testing.T) {
	cfg := types.Default()
	cfg.HTTP.URLs = []string{"https://example.com/http.txt", " "}
	cfg.HTTP.MaxPerSource = 5
	cfg.SOCKS4.Enabled = false
	cfg.SOCKS4.URLs = []string{"https://example.com/socks4.txt"}
	cfg.SOCKS5.URLs = []string{"./socks5.txt"}
	cfg.SOCKS5.CIDRs = []string{"192.168.0.0/30:1080"}

	sources, cidrs, err := BuildSources(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if sources[0].Protocol != model.ProtocolHTTP || sources[0].MaxPerSource != 5 {
		t.Errorf("first source = %+v", sources[0])
	}
	if sources[1].Protocol != model.ProtocolSOCKS5 {
		t.Errorf("second source protocol = %s", sources[1].Protocol)
	}
	if len(cidrs) != 1 || cidrs[0].Size() != 4 || cidrs[0].Protocol != model.ProtocolSOCKS5 {
		t.Errorf("cidrs = %+v", cidrs)
	}
}

func TestBuildSources_InvalidEntries(t *testing.T) {
	cfg := types.Default()
	cfg.HTTP.URLs = []string{"gopher://example.com"}
	cfg.SOCKS4.CIDRs = []string{"10.0.0.0/8:1080"}

	if _, _, err := BuildSources(cfg); err == nil {
		t.Error("invalid sources accepted")
	}
}

// 端到端：本地文件源 -> goproxy -> 回显服务 -> 文件与 SQLite 输出
func TestAppServer_Run(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		w.Write([]byte(host))
	}))
	defer target.Close()
	proxy := httptest.NewServer(goproxy.NewProxyHttpServer())
	defer proxy.Close()

	dir := t.TempDir()
	// 一个可用代理和一个已关闭端口
	dead, _ := net.Listen("tcp", "127.0.0.1:0")
	deadAddr := dead.Addr().String()
	dead.Close()
	list := filepath.Join(dir, "http.txt")
	body := "# local list\n" + proxy.Listener.Addr().String() + "\n" + deadAddr + "\n"
	if err := os.WriteFile(list, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := types.Default()
	cfg.HTTP.URLs = []string{list}
	cfg.SOCKS4.Enabled = false
	cfg.SOCKS5.Enabled = false
	cfg.CheckingConf.CheckURL = target.URL
	cfg.CheckingConf.Anonymity = true
	cfg.CheckingConf.MaxConcurrentChecks = 4
	cfg.OutputConf.Path = filepath.Join(dir, "out")
	cfg.OutputConf.SQLite = filepath.Join(dir, "results.db")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Candidates != 2 || rep.Summary.Succeeded != 1 || rep.Summary.Failed != 1 {
		t.Errorf("report = %+v", rep)
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputConf.Path, "proxies", "http.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != proxy.Listener.Addr().String() {
		t.Errorf("http.txt = %q", data)
	}
	if _, err := os.Stat(cfg.OutputConf.SQLite); err != nil {
		t.Errorf("sqlite output missing: %v", err)
	}

	snap := s.Manager().Results().Snapshot(storage.SortNatural)
	if len(snap) != 1 || snap[0].Anonymity != model.AnonymityTransparent {
		t.Errorf("snapshot = %+v", snap)
	}
}
