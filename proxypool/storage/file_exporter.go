package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/model"
)

// Exporter 接口定义了把结果快照写出的行为。
type Exporter interface {
	Export(ctx context.Context, results []model.CheckResult) error
	Name() string
}

// FileExporter writes plain-text lists and JSON documents under one directory.
type FileExporter struct {
	dir   string
	txt   bool
	json  bool
	order SortOrder
}

func NewFileExporter(dir string, txt, json bool, order SortOrder) *FileExporter {
	return &FileExporter{dir: dir, txt: txt, json: json, order: order}
}

func (e *FileExporter) Name() string { return "file" }

// jsonProxy is one entry of proxies.json.
type jsonProxy struct {
	Protocol    string           `json:"protocol"`
	Username    *string          `json:"username"`
	Password    *string          `json:"password"`
	Host        string           `json:"host"`
	Port        uint16           `json:"port"`
	ExitIP      *string          `json:"exit_ip"`
	Anonymity   string           `json:"anonymity"`
	Timeout     *float64         `json:"timeout"`
	Geolocation *model.GeoRecord `json:"geolocation"`
}

// Export 覆盖写入 proxies/、proxies_anonymous/、proxies.json 和 proxies_pretty.json。
func (e *FileExporter) Export(ctx context.Context, results []model.CheckResult) error {
	l := logger.WithComponent("ProxyPool/Storage")
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	sorted := append([]model.CheckResult(nil), results...)
	Sort(sorted, e.order)

	if e.json {
		if err := e.writeJSON(results); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if e.txt {
		for _, folder := range []struct {
			name          string
			anonymousOnly bool
		}{{"proxies", false}, {"proxies_anonymous", true}} {
			if err := e.writeText(filepath.Join(e.dir, folder.name), sorted, folder.anonymousOnly); err != nil {
				return err
			}
		}
	}

	l.Info().Str("path", e.dir).Int("count", len(results)).Msg("Proxies saved.")
	return nil
}

func (e *FileExporter) writeJSON(results []model.CheckResult) error {
	bySpeed := append([]model.CheckResult(nil), results...)
	Sort(bySpeed, SortBySpeed)

	entries := make([]jsonProxy, 0, len(bySpeed))
	for _, r := range bySpeed {
		entry := jsonProxy{
			Protocol:    string(r.Protocol),
			Host:        r.Endpoint.Host,
			Port:        r.Endpoint.Port,
			Anonymity:   string(r.Anonymity),
			Geolocation: r.Geo,
		}
		if r.Endpoint.HasAuth() {
			entry.Username = &r.Endpoint.Username
			entry.Password = &r.Endpoint.Password
		}
		if r.ExitIP != "" {
			entry.ExitIP = &r.ExitIP
		}
		if r.Success {
			secs := math.Round(r.Latency.Seconds()*100) / 100
			entry.Timeout = &secs
		}
		entries = append(entries, entry)
	}

	compact, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode proxies.json: %w", err)
	}
	pretty, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode proxies_pretty.json: %w", err)
	}
	if err := writeFile(filepath.Join(e.dir, "proxies.json"), compact); err != nil {
		return err
	}
	return writeFile(filepath.Join(e.dir, "proxies_pretty.json"), pretty)
}

func (e *FileExporter) writeText(folder string, sorted []model.CheckResult, anonymousOnly bool) error {
	if err := os.RemoveAll(folder); err != nil {
		return fmt.Errorf("clear %s: %w", folder, err)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", folder, err)
	}

	keep := sorted
	if anonymousOnly {
		keep = make([]model.CheckResult, 0, len(sorted))
		for _, r := range sorted {
			if r.Anonymity == model.AnonymityAnonymous {
				keep = append(keep, r)
			}
		}
	}

	if err := writeFile(filepath.Join(folder, "all.txt"), []byte(listText(keep, true))); err != nil {
		return err
	}
	grouped := Grouped(keep)
	for _, proto := range model.Protocols {
		if err := writeFile(filepath.Join(folder, string(proto)+".txt"), []byte(listText(grouped[proto], false))); err != nil {
			return err
		}
	}
	return nil
}

func listText(results []model.CheckResult, includeProtocol bool) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteByte('\n')
		}
		ep := r.Endpoint
		ep.Protocol = r.Protocol
		sb.WriteString(ep.Format(includeProtocol))
	}
	return sb.String()
}

// writeFile 先写临时文件再重命名，避免留下写了一半的输出。
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
