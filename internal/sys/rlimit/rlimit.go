// Package rlimit 处理进程文件描述符上限，并据此限制检查并发。
package rlimit

const (
	// 每个检查大约占用的描述符：到代理的连接加上一次 DNS 查询
	fdPerCheck = 2
	// 预留给日志、输出文件、Web 页面等
	fdReserve = 64
)

// CapConcurrency 返回不超过描述符上限的并发数。limit 为 0 表示未知，不做限制。
func CapConcurrency(requested int, limit uint64) int {
	if limit == 0 || requested <= 0 {
		return requested
	}
	if limit <= fdReserve+fdPerCheck {
		return 1
	}
	maxByFD := int((limit - fdReserve) / fdPerCheck)
	if requested > maxByFD {
		return maxByFD
	}
	return requested
}
