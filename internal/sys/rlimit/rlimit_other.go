//go:build !unix

package rlimit

// RaiseFileLimit 在非 unix 系统上的存根实现，返回一个保守的默认值。
func RaiseFileLimit() (uint64, error) {
	return 8192, nil
}
