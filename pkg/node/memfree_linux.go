package node

import "golang.org/x/sys/unix"

// memFree returns the free system memory in bytes
func memFree() (uint64, error) {
	var si unix.Sysinfo_t
	err := unix.Sysinfo(&si)
	if err != nil {
		return 0, err
	}
	return uint64(si.Freeram) * uint64(si.Unit), nil
}
