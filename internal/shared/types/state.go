package types

import "time"

// RunStatus is the live view of one harvesting run, served by the status page.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`

	Sources      int `json:"sources"`
	SourceErrors int `json:"source_errors"`
	Candidates   int `json:"candidates"`
	Excluded     int `json:"excluded"`

	// 检查阶段计数，运行中由 Manager 实时刷新
	Probing   int            `json:"probing"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Aborted   int            `json:"aborted"`
	Dropped   int            `json:"dropped"`
	Working   map[string]int `json:"working"` // 按协议统计的可用代理数
}
