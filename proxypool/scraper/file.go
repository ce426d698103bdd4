package scraper

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileScraper 从本地文件读取代理列表，支持 file:// 前缀。
type FileScraper struct {
	path string
}

func NewFileScraper(raw string) *FileScraper {
	return &FileScraper{path: strings.TrimPrefix(raw, "file://")}
}

func (s *FileScraper) Name() string {
	return s.path
}

// Scrape reads the file on its own goroutine so that a slow filesystem
// cannot hold the caller past cancellation.
func (s *FileScraper) Scrape(ctx context.Context) (string, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(s.path)
		ch <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read source file: %w", r.err)
		}
		return string(r.data), nil
	}
}
