package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"liuproxy_harvester/internal/shared/types"
	"liuproxy_harvester/proxypool/model"
	"liuproxy_harvester/proxypool/storage"
)

// StatusProvider 是 Web 层读取运行状态的接口，由 Manager 实现。
type StatusProvider interface {
	Status() types.RunStatus
	Results() *storage.ResultSet
}

type Handler struct {
	provider StatusProvider
}

func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// resultItem 是 /api/results 的单条输出
type resultItem struct {
	Protocol  string           `json:"protocol"`
	Proxy     string           `json:"proxy"`
	LatencyMs int64            `json:"latency_ms"`
	Anonymity string           `json:"anonymity"`
	ExitIP    string           `json:"exit_ip,omitempty"`
	Geo       *model.GeoRecord `json:"geolocation,omitempty"`
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.provider.Status())
}

// HandleResults 处理 GET /api/results?protocol=socks5&sort=speed&anonymous=1&limit=50
func (h *Handler) HandleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	order := storage.SortBySpeed
	if strings.EqualFold(q.Get("sort"), "natural") {
		order = storage.SortNatural
	}
	var want model.Protocol
	if p := q.Get("protocol"); p != "" {
		proto, err := model.ParseProtocol(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		want = proto
	}
	anonymousOnly, _ := strconv.ParseBool(q.Get("anonymous"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items := make([]resultItem, 0)
	for _, res := range h.provider.Results().Snapshot(order) {
		if want != "" && res.Protocol != want {
			continue
		}
		if anonymousOnly && res.Anonymity != model.AnonymityAnonymous {
			continue
		}
		items = append(items, resultItem{
			Protocol:  string(res.Protocol),
			Proxy:     res.Endpoint.Format(true),
			LatencyMs: res.Latency.Milliseconds(),
			Anonymity: string(res.Anonymity),
			ExitIP:    res.ExitIP,
			Geo:       res.Geo,
		})
		if limit > 0 && len(items) == limit {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// HandleIndex 返回一个极简的状态页，数据来自 /api/status 与 /ws。
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>liuproxy harvester</title>
<style>body{font-family:monospace;margin:2em}pre{background:#f4f4f4;padding:1em}#events{height:40em;overflow:auto}</style>
</head>
<body>
<h1>liuproxy harvester</h1>
<pre id="status">loading...</pre>
<h2>Events</h2>
<pre id="events"></pre>
<script>
const statusEl = document.getElementById("status");
const eventsEl = document.getElementById("events");
fetch("/api/status").then(r => r.json()).then(s => statusEl.textContent = JSON.stringify(s, null, 2));
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => {
  const msg = JSON.parse(m.data);
  if (msg.type === "status_update") {
    statusEl.textContent = JSON.stringify(msg.data, null, 2);
  } else if (msg.type === "event") {
    const e = msg.data;
    eventsEl.textContent = [e.stage, e.outcome, e.identifier, e.detail || ""].join(" ") + "\n" + eventsEl.textContent.slice(0, 20000);
  }
};
</script>
</body>
</html>
`
