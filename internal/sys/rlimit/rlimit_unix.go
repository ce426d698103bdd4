//go:build unix

package rlimit

import "golang.org/x/sys/unix"

// RaiseFileLimit 将 RLIMIT_NOFILE 的软限制提升到硬限制，返回最终生效的软限制。
// 提升失败时仍返回当前值。
func RaiseFileLimit() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	if lim.Cur >= lim.Max {
		return uint64(lim.Cur), nil
	}

	want := lim
	want.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		return uint64(lim.Cur), err
	}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return uint64(want.Cur), nil
	}
	return uint64(lim.Cur), nil
}
