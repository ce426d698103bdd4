package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_harvester/proxypool/model"
)

func TestURLScraper_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("1.1.1.1:80\n2.2.2.2:8080\n"))
	}))
	defer srv.Close()

	s, err := NewURLScraper(srv.URL, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	text, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if !strings.Contains(text, "2.2.2.2:8080") {
		t.Errorf("body not returned: %q", text)
	}
}

func TestURLScraper_HTMLTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><table>
<tr><th>IP</th><th>Port</th></tr>
<tr><td> 3.3.3.3 </td><td><span>3128</span></td><td>HTTP</td></tr>
<tr><td>4.4.4.4</td><td>n/a</td></tr>
</table></body></html>`))
	}))
	defer srv.Close()

	s, _ := NewURLScraper(srv.URL, Options{Timeout: 5 * time.Second})
	text, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if !strings.Contains(text, "\n3.3.3.3:3128") {
		t.Errorf("table row not synthesised: %q", text)
	}
	if strings.Contains(text, "4.4.4.4:") {
		t.Errorf("row without a numeric port was synthesised")
	}
}

func TestURLScraper_BasicAuthFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("5.5.5.5:1080"))
	}))
	defer srv.Close()

	raw := strings.Replace(srv.URL, "http://", "http://alice:secret@", 1)
	s, err := NewURLScraper(raw, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(s.Name(), "secret") {
		t.Errorf("Name() leaks the password: %s", s.Name())
	}
	if _, err := s.Scrape(context.Background()); err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
}

func TestURLScraper_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("6.6.6.6:80"))
	}))
	defer srv.Close()

	s, _ := NewURLScraper(srv.URL, Options{Timeout: 5 * time.Second, MaxRetries: 2})
	text, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if text != "6.6.6.6:80" || hits.Load() != 2 {
		t.Errorf("text = %q, hits = %d", text, hits.Load())
	}
}

func TestURLScraper_ClientErrorIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, _ := NewURLScraper(srv.URL, Options{Timeout: 5 * time.Second, MaxRetries: 3})
	_, err := s.Scrape(context.Background())

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("Scrape() error = %v, want 404 StatusError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 was retried: hits = %d", hits.Load())
	}
}

func TestFileScraper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	if err := os.WriteFile(path, []byte("7.7.7.7:8080"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, raw := range []string{path, "file://" + path} {
		text, err := NewFileScraper(raw).Scrape(context.Background())
		if err != nil || text != "7.7.7.7:8080" {
			t.Errorf("%s: text = %q, err = %v", raw, text, err)
		}
	}

	if _, err := NewFileScraper(filepath.Join(t.TempDir(), "missing")).Scrape(context.Background()); err == nil {
		t.Error("missing file did not fail")
	}
}

func TestNew(t *testing.T) {
	if s, err := New("https://example.com/list", Options{}); err != nil {
		t.Errorf("New(url) error = %v", err)
	} else if _, ok := s.(*URLScraper); !ok {
		t.Errorf("New(url) = %T", s)
	}
	if s, _ := New("./proxies.txt", Options{}); s == nil {
		t.Error("New(path) returned nil")
	} else if _, ok := s.(*FileScraper); !ok {
		t.Errorf("New(path) = %T", s)
	}
	if _, err := New("ftp://example.com/list", Options{}); err == nil {
		t.Error("unsupported scheme accepted")
	}
}

// fakeScraper 是一个可控的 Scraper 实现。
type fakeScraper struct {
	name  string
	text  string
	err   error
	block bool

	mu      sync.Mutex
	started bool
}

func (f *fakeScraper) Name() string { return f.name }

func (f *fakeScraper) Scrape(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

func TestAcquire_IsolatesFailures(t *testing.T) {
	sources := []Source{
		{Scraper: &fakeScraper{name: "ok", text: "1.1.1.1:80"}, Protocol: model.ProtocolHTTP},
		{Scraper: &fakeScraper{name: "bad", err: errors.New("boom")}, Protocol: model.ProtocolHTTP},
		{Scraper: &fakeScraper{name: "ok2", text: "2.2.2.2:80"}, Protocol: model.ProtocolSOCKS5},
	}

	outcomes := Acquire(context.Background(), sources, 2)
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	if outcomes[0].Text != "1.1.1.1:80" || outcomes[2].Text != "2.2.2.2:80" {
		t.Errorf("outcomes out of order or missing text: %+v", outcomes)
	}
	if outcomes[1].Err == nil || outcomes[1].Canceled() {
		t.Errorf("failure not reported: %v", outcomes[1].Err)
	}

	err := Errors(outcomes)
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("Errors() = %v", err)
	}
}

func TestAcquire_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	blocker := &fakeScraper{name: "slow", block: true}
	queued := &fakeScraper{name: "queued", text: "3.3.3.3:80"}
	sources := []Source{{Scraper: blocker}, {Scraper: queued}}

	done := make(chan []Outcome)
	go func() { done <- Acquire(ctx, sources, 1) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	var outcomes []Outcome
	select {
	case outcomes = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}

	for _, o := range outcomes {
		if !o.Canceled() {
			t.Errorf("%s: err = %v, want context.Canceled", o.Source.Scraper.Name(), o.Err)
		}
	}
	if queued.started {
		t.Error("queued source started after cancellation")
	}
	if Errors(outcomes) != nil {
		t.Error("cancellation reported as an error")
	}
}
