package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"liuproxy_harvester/proxypool/model"
)

func result(proto model.Protocol, host string, port uint16, latency time.Duration) model.CheckResult {
	return model.CheckResult{
		Endpoint:  model.Endpoint{Protocol: proto, Host: host, Port: port},
		Protocol:  proto.Effective(),
		Success:   true,
		Latency:   latency,
		Anonymity: model.AnonymityUnknown,
		CheckedAt: time.Now(),
	}
}

func TestResultSet_RejectsDuplicates(t *testing.T) {
	s := NewResultSet()
	r := result(model.ProtocolHTTP, "1.1.1.1", 80, time.Second)
	if !s.Add(r) {
		t.Fatal("first Add rejected")
	}
	r.Latency = time.Millisecond
	if s.Add(r) {
		t.Error("duplicate endpoint accepted")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d", s.Len())
	}
	if got := s.Snapshot(SortNatural)[0].Latency; got != time.Second {
		t.Errorf("stored result was replaced, latency = %v", got)
	}

	// 同一地址不同协议是不同的候选
	if !s.Add(result(model.ProtocolSOCKS5, "1.1.1.1", 80, time.Second)) {
		t.Error("same address with another protocol rejected")
	}
}

func TestResultSet_ConcurrentAdd(t *testing.T) {
	s := NewResultSet()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Add(result(model.ProtocolHTTP, fmt.Sprintf("10.0.0.%d", i), 80, 0))
				_ = s.Snapshot(SortNatural)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 100 {
		t.Errorf("Len() = %d, want 100", s.Len())
	}
}

func TestSort_Natural(t *testing.T) {
	results := []model.CheckResult{
		result(model.ProtocolSOCKS5, "1.1.1.1", 80, 0),
		result(model.ProtocolHTTP, "10.0.0.2", 80, 0),
		result(model.ProtocolHTTP, "example.com", 80, 0),
		result(model.ProtocolHTTP, "9.0.0.1", 8080, 0),
		result(model.ProtocolHTTP, "9.0.0.1", 80, 0),
		result(model.ProtocolSOCKS4, "2.2.2.2", 1080, 0),
	}
	Sort(results, SortNatural)

	var got []string
	for _, r := range results {
		got = append(got, r.Endpoint.String())
	}
	want := []string{
		"http://9.0.0.1:80",
		"http://9.0.0.1:8080",
		"http://10.0.0.2:80",
		"http://example.com:80",
		"socks4://2.2.2.2:1080",
		"socks5://1.1.1.1:80",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestSort_BySpeed(t *testing.T) {
	results := []model.CheckResult{
		result(model.ProtocolHTTP, "1.1.1.1", 80, 3*time.Second),
		result(model.ProtocolSOCKS5, "2.2.2.2", 80, time.Second),
		result(model.ProtocolHTTP, "3.3.3.3", 80, 2*time.Second),
	}
	Sort(results, SortBySpeed)
	if results[0].Endpoint.Host != "2.2.2.2" || results[2].Endpoint.Host != "1.1.1.1" {
		t.Errorf("unexpected order: %v", results)
	}
}

func TestFileExporter(t *testing.T) {
	dir := t.TempDir()
	anon := result(model.ProtocolSOCKS5, "2.2.2.2", 1080, 1234*time.Millisecond)
	anon.Anonymity = model.AnonymityAnonymous
	anon.ExitIP = "2.2.2.3"
	anon.Geo = &model.GeoRecord{CountryCode: "DE", ASN: 3320}
	anon.Endpoint.Username, anon.Endpoint.Password = "u", "p"

	results := []model.CheckResult{
		result(model.ProtocolUnspecified, "1.1.1.1", 80, 500*time.Millisecond),
		anon,
	}

	e := NewFileExporter(dir, true, true, SortNatural)
	if err := e.Export(context.Background(), results); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	read := func(rel string) string {
		b, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		return string(b)
	}

	if got := read("proxies/all.txt"); got != "http://1.1.1.1:80\nsocks5://u:p@2.2.2.2:1080" {
		t.Errorf("all.txt = %q", got)
	}
	if got := read("proxies/http.txt"); got != "1.1.1.1:80" {
		t.Errorf("http.txt = %q", got)
	}
	if got := read("proxies/socks4.txt"); got != "" {
		t.Errorf("socks4.txt = %q", got)
	}
	if got := read("proxies_anonymous/all.txt"); got != "socks5://u:p@2.2.2.2:1080" {
		t.Errorf("anonymous all.txt = %q", got)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(read("proxies.json")), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0]["host"] != "1.1.1.1" {
		t.Fatalf("proxies.json not sorted by speed: %v", entries)
	}
	if entries[0]["username"] != nil || entries[1]["username"] != "u" {
		t.Errorf("credentials not rendered as expected: %v", entries)
	}
	if entries[1]["timeout"] != 1.23 {
		t.Errorf("timeout = %v, want 1.23", entries[1]["timeout"])
	}
	if !strings.Contains(read("proxies_pretty.json"), "\n  {") {
		t.Error("pretty JSON is not indented")
	}
}

func TestSQLiteExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	e, err := NewSQLiteExporter(path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if e.RunID() == "" {
		t.Fatal("run id not generated")
	}

	r := result(model.ProtocolHTTP, "1.1.1.1", 80, 250*time.Millisecond)
	r.Geo = &model.GeoRecord{CountryCode: "US", ASN: 13335, ASOrg: "CLOUDFLARENET"}
	results := []model.CheckResult{r, result(model.ProtocolSOCKS4, "2.2.2.2", 1080, time.Second)}

	for i := 0; i < 2; i++ {
		if err := e.Export(context.Background(), results); err != nil {
			t.Fatalf("Export() #%d error = %v", i, err)
		}
	}

	var n int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM results WHERE run_id = ?`, e.RunID()).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2 after re-export", n)
	}

	var asn int64
	var latency int64
	if err := e.db.QueryRow(`SELECT asn, latency_ms FROM results WHERE host = '1.1.1.1'`).Scan(&asn, &latency); err != nil {
		t.Fatal(err)
	}
	if asn != 13335 || latency != 250 {
		t.Errorf("asn = %d, latency = %d", asn, latency)
	}
}
