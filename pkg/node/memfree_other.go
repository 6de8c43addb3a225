//go:build !linux

package node

import "runtime"

// memFree returns the memory the Go runtime holds but is not using
func memFree() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased, nil
}
