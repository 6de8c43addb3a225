//go:build unix

package exit_handler

import (
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Restart runs the exit functions and replaces the process with a fresh copy of itself, as a soft reboot.
func Restart() {
	RunExitFuncs()
	exe, err := os.Executable()
	if err == nil {
		err = syscall.Exec(exe, os.Args, os.Environ())
	}
	log.Errorf("restart failed: %s", err)
	os.Exit(1)
}
