//go:build !unix

package if_mcast

import "syscall"

func reuseAddr(_ string, _ string, _ syscall.RawConn) error {
	return nil
}
